package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"storebot.com/internal/payment/domain"
	"storebot.com/pkg/logger"
)

// Log writes notifications to the service log only.
type Log struct{}

var _ domain.Notifier = Log{}

func (Log) PaymentConfirmed(ctx context.Context, c domain.Confirmation) error {
	logger.Info(ctx, "payment confirmed",
		zap.Int64("order_id", c.OrderID),
		zap.Int64("user_id", c.UserID),
		zap.String("currency", string(c.Currency)),
		zap.String("chain_tx_id", c.ChainTxID),
		zap.String("received", c.Received.String()),
		zap.String("credited", c.Credited.StringFixed(2)),
	)
	return nil
}

func (Log) PaymentNotFound(ctx context.Context, a domain.Alert) error {
	logger.Warn(ctx, "payment not found, manual review needed",
		zap.Int64("order_id", a.OrderID),
		zap.Int64("user_id", a.UserID),
		zap.String("currency", string(a.Currency)),
		zap.String("expected", a.Expected.String()),
		zap.Int("attempts", a.Attempts),
		zap.Error(a.LastErr),
	)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []domain.Notifier

var _ domain.Notifier = Multi(nil)

func (m Multi) PaymentConfirmed(ctx context.Context, c domain.Confirmation) error {
	var errs []error
	for _, n := range m {
		if err := n.PaymentConfirmed(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PaymentNotFound(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.PaymentNotFound(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func confirmedText(c domain.Confirmation) string {
	return fmt.Sprintf("Payment confirmed for order #%d: %s %s received, %s USD credited.\nTx: %s",
		c.OrderID, c.Received, c.Currency, c.Credited.StringFixed(2), c.ChainTxID)
}

func notFoundText(a domain.Alert) string {
	s := fmt.Sprintf("Payment not found for order #%d (user %d) after %d attempts: expected %s %s. Needs manual review.",
		a.OrderID, a.UserID, a.Attempts, a.Expected, a.Currency)
	if a.LastErr != nil {
		s += "\nLast error: " + reason(a.LastErr)
	}
	return s
}

// reason describes err without its text; details stay in the service logs.
func reason(err error) string {
	var ee *domain.ExplorerError
	if !errors.As(err, &ee) {
		return "internal error, see logs"
	}
	if ee.Status != 0 {
		return fmt.Sprintf("%s explorer %s (status %d)", ee.Currency, ee.Kind, ee.Status)
	}
	return fmt.Sprintf("%s explorer %s", ee.Currency, ee.Kind)
}
