package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"storebot.com/internal/ledger/domain"
	"storebot.com/pkg/xerr"
)

// EnsureWallet creates the wallet if absent. Existing rows are left untouched.
func (r *Repo) EnsureWallet(ctx context.Context, userID int64, username, firstName string) error {
	w := domain.Wallet{
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		Balance:   decimal.Zero,
	}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&w).Error
	if err != nil {
		return xerr.Wrap(xerr.DbError, fmt.Sprintf("ensure wallet %d failed", userID), err)
	}
	return nil
}

// GetBalance returns zero for a user without a wallet.
func (r *Repo) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var w domain.Wallet
	err := r.conn(ctx).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, xerr.Wrap(xerr.DbError, "get balance failed", err)
	}
	return w.Balance, nil
}

func (r *Repo) ApplyDelta(ctx context.Context, userID int64, delta decimal.Decimal, txType domain.TransactionType, description string, orderID *int64) error {
	if delta.IsZero() {
		return xerr.New(xerr.RequestParamsError, "zero delta")
	}
	if !txType.Valid() {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("unknown transaction type %q", txType))
	}

	return r.Transaction(ctx, func(txCtx context.Context) error {
		if err := r.EnsureWallet(txCtx, userID, "", ""); err != nil {
			return err
		}

		q := r.conn(txCtx).Model(&domain.Wallet{}).Where("user_id = ?", userID)
		if delta.IsNegative() {
			// balance never goes below zero
			q = q.Where("balance + ? >= 0", delta)
		}
		res := q.Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now().UTC(),
		})
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "apply delta failed", res.Error)
		}
		if res.RowsAffected == 0 {
			return xerr.NewErrCode(xerr.InsufficientBalance)
		}

		audit := domain.WalletTransaction{
			UserID:          userID,
			TransactionType: txType,
			Amount:          delta,
			Description:     description,
			OrderID:         orderID,
		}
		if err := r.conn(txCtx).Create(&audit).Error; err != nil {
			return xerr.Wrap(xerr.DbError, "write wallet transaction failed", err)
		}
		return nil
	})
}

func (r *Repo) ListWalletTransactions(ctx context.Context, userID int64, limit int) ([]domain.WalletTransaction, error) {
	var out []domain.WalletTransaction
	q := r.conn(ctx).Where("user_id = ?", userID).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list wallet transactions failed", err)
	}
	return out, nil
}
