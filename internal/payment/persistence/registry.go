package persistence

import (
	"context"
	"time"

	"gorm.io/gorm"
	"storebot.com/internal/payment/domain"
	"storebot.com/pkg/orm"
	"storebot.com/pkg/xerr"
)

// Models lists the tables owned by the payment module, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&domain.ProcessedTransaction{},
		&domain.PaymentRequest{},
	}
}

// Registry is the processed-transaction table. The unique (tx_hash, currency) index is
// what makes crediting at-most-once; Record joins the caller's transaction via ctx.
type Registry struct {
	db *gorm.DB
}

var _ domain.Registry = (*Registry)(nil)

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Record(ctx context.Context, rec *domain.ProcessedTransaction) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	err := orm.Conn(ctx, r.db).Create(rec).Error
	if err == nil {
		return nil
	}
	if orm.IsUniqueViolation(err) {
		return domain.ErrDuplicateTransaction
	}
	return xerr.Wrap(xerr.DbError, "record processed transaction failed", err)
}

func (r *Registry) Processed(ctx context.Context, currency domain.Currency, chainTxIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(chainTxIDs))
	if len(chainTxIDs) == 0 {
		return out, nil
	}
	var found []string
	err := orm.Conn(ctx, r.db).Model(&domain.ProcessedTransaction{}).
		Where("currency = ? AND tx_hash IN ?", currency, chainTxIDs).
		Pluck("tx_hash", &found).Error
	if err != nil {
		return nil, xerr.Wrap(xerr.DbError, "lookup processed transactions failed", err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (r *Registry) ListByOrder(ctx context.Context, orderID int64) ([]domain.ProcessedTransaction, error) {
	var rows []domain.ProcessedTransaction
	err := orm.Conn(ctx, r.db).Where("order_id = ?", orderID).Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list processed transactions failed", err)
	}
	return rows, nil
}
