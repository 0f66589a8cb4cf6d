package orm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	gmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // mysql | sqlite
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	MaxIdle     int    `yaml:"max_idle" mapstructure:"max_idle"`
	MaxOpen     int    `yaml:"max_open" mapstructure:"max_open"`
	MaxLifetime int    `yaml:"max_lifetime_seconds" mapstructure:"max_lifetime_seconds"` // seconds
	LogSQL      bool   `yaml:"log_sql" mapstructure:"log_sql"`
}

// Open connects gorm and applies pool settings.
func Open(c *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(c.Driver) {
	case "", "mysql":
		dialector = gmysql.Open(c.DSN)
	case "sqlite":
		dialector = sqlite.Open(c.DSN)
	default:
		return nil, fmt.Errorf("orm: unsupported driver %q", c.Driver)
	}

	level := logger.Warn
	if c.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("orm: open %s: %w", c.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}
	return db, nil
}

// MustOpen panics when the database is unreachable.
func MustOpen(c *Config) *gorm.DB {
	db, err := Open(c)
	if err != nil {
		panic("failed to connect database: " + err.Error())
	}
	return db
}

// Ping checks the connection with a deadline.
func Ping(ctx context.Context, db *gorm.DB, timeout time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// IsUniqueViolation reports a duplicate key error from mysql or sqlite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
