package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"storebot.com/internal/ledger/domain"
	"storebot.com/pkg/orm"
	"storebot.com/pkg/xerr"
)

// CreateOrder inserts a pending order and its first history row.
func (r *Repo) CreateOrder(ctx context.Context, order *domain.Order) error {
	if order.Status == "" {
		order.Status = domain.OrderPending
	}
	return r.Transaction(ctx, func(txCtx context.Context) error {
		if err := r.conn(txCtx).Create(order).Error; err != nil {
			return xerr.Wrap(xerr.DbError, "create order failed", err)
		}
		return r.addHistory(txCtx, order.ID, order.Status, domain.ActorSystem, "order created")
	})
}

func (r *Repo) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	var o domain.Order
	err := r.conn(ctx).Where("id = ?", orderID).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.RecordNotFound, fmt.Sprintf("order %d not found", orderID))
		}
		return nil, xerr.Wrap(xerr.DbError, "get order failed", err)
	}
	return &o, nil
}

// SetOrderStatus sets any status and records who did it.
func (r *Repo) SetOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, actor, notes string) error {
	return r.Transaction(ctx, func(txCtx context.Context) error {
		res := r.conn(txCtx).Model(&domain.Order{}).
			Where("id = ?", orderID).
			Updates(statusUpdates(status, notes))
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "update order status failed", res.Error)
		}
		if res.RowsAffected == 0 {
			return xerr.New(xerr.RecordNotFound, fmt.Sprintf("order %d not found", orderID))
		}
		return r.addHistory(txCtx, orderID, status, actor, notes)
	})
}

// TransitionFromPending is the guarded transition used by automated flows:
// WHERE status = 'pending' makes a concurrent second transition a no-op.
func (r *Repo) TransitionFromPending(ctx context.Context, orderID int64, status domain.OrderStatus, actor, notes string) error {
	return r.Transaction(ctx, func(txCtx context.Context) error {
		res := r.conn(txCtx).Model(&domain.Order{}).
			Where("id = ? AND status = ?", orderID, domain.OrderPending).
			Updates(statusUpdates(status, notes))
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "transition order failed", res.Error)
		}
		if res.RowsAffected == 0 {
			if _, err := r.GetOrder(txCtx, orderID); err != nil {
				return err
			}
			return xerr.New(xerr.OrderNotPending, fmt.Sprintf("order %d is not pending", orderID))
		}
		return r.addHistory(txCtx, orderID, status, actor, notes)
	})
}

// GetPendingOrders lists pending orders whose type starts with typePrefix, oldest first.
func (r *Repo) GetPendingOrders(ctx context.Context, typePrefix string, limit int) ([]domain.Order, error) {
	var out []domain.Order
	q := r.conn(ctx).
		Where("status = ? AND order_type LIKE ?", domain.OrderPending, typePrefix+"%").
		Order("id asc")
	if err := orm.ApplyPagination(q, 1, limit).Find(&out).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list pending orders failed", err)
	}
	return out, nil
}

func (r *Repo) ListStatusHistory(ctx context.Context, orderID int64) ([]domain.OrderStatusHistory, error) {
	var out []domain.OrderStatusHistory
	if err := r.conn(ctx).Where("order_id = ?", orderID).Order("id asc").Find(&out).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list status history failed", err)
	}
	return out, nil
}

func (r *Repo) addHistory(ctx context.Context, orderID int64, status domain.OrderStatus, actor, notes string) error {
	h := domain.OrderStatusHistory{
		OrderID: orderID,
		Status:  status,
		AdminID: actor,
		Notes:   notes,
	}
	if err := r.conn(ctx).Create(&h).Error; err != nil {
		return xerr.Wrap(xerr.DbError, "write status history failed", err)
	}
	return nil
}

func statusUpdates(status domain.OrderStatus, notes string) map[string]interface{} {
	now := time.Now().UTC()
	u := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if status == domain.OrderCompleted {
		u["completed_at"] = now
	}
	if notes != "" {
		u["admin_notes"] = notes
	}
	return u
}
