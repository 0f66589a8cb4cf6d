package persistence

import (
	"context"

	"gorm.io/gorm"
	"storebot.com/internal/ledger/domain"
	"storebot.com/pkg/orm"
)

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var _ domain.Repository = (*Repo)(nil)

// Models lists the tables owned by the ledger, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&domain.Wallet{},
		&domain.WalletTransaction{},
		&domain.Order{},
		&domain.OrderStatusHistory{},
	}
}

// Transaction opens a transaction, or joins the one already in ctx.
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return orm.Transaction(ctx, r.db, fn)
}

func (r *Repo) conn(ctx context.Context) *gorm.DB {
	return orm.Conn(ctx, r.db)
}
