package persistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"storebot.com/internal/payment/domain"
	"storebot.com/pkg/orm"
	"storebot.com/pkg/xerr"
)

type RequestRepo struct {
	db *gorm.DB
}

var _ domain.PaymentRequestRepo = (*RequestRepo)(nil)

func NewRequestRepo(db *gorm.DB) *RequestRepo {
	return &RequestRepo{db: db}
}

func (r *RequestRepo) Save(ctx context.Context, req *domain.PaymentRequest) error {
	if err := orm.Conn(ctx, r.db).Create(req).Error; err != nil {
		if orm.IsUniqueViolation(err) {
			return xerr.Wrap(xerr.Conflict, fmt.Sprintf("payment request for order %d exists", req.OrderID), err)
		}
		return xerr.Wrap(xerr.DbError, "save payment request failed", err)
	}
	return nil
}

func (r *RequestRepo) Get(ctx context.Context, orderID int64) (*domain.PaymentRequest, error) {
	var req domain.PaymentRequest
	err := orm.Conn(ctx, r.db).Where("order_id = ?", orderID).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.RecordNotFound, fmt.Sprintf("payment request %d not found", orderID))
		}
		return nil, xerr.Wrap(xerr.DbError, "get payment request failed", err)
	}
	return &req, nil
}
