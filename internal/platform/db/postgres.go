package db

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/models"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	gormzap "github.com/fatflowers/billing/pkg/gormlog"
)

// Conns carries the primary (read-write) handle and a read handle. When no
// read replica is configured, Read aliases Primary.
type Conns struct {
	Primary *gorm.DB
	Read    *gorm.DB
}

func open(l *zap.SugaredLogger, dsn string, cfg *cfgpkg.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormzap.New(l),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

func NewConns(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*Conns, error) {
	if cfg.Database.DSN == "" {
		l.Error("database DSN is empty")
		return nil, gorm.ErrInvalidDB
	}
	primary, err := open(l, cfg.Database.DSN, cfg)
	if err != nil {
		l.Errorf("failed to connect database: %v", err)
		return nil, err
	}
	l.Infow("connected to postgres via DSN")

	read := primary
	if cfg.Database.ReadDSN != "" {
		read, err = open(l, cfg.Database.ReadDSN, cfg)
		if err != nil {
			l.Errorf("failed to connect read replica: %v", err)
			return nil, err
		}
		l.Infow("connected to postgres read replica")
	}
	return &Conns{Primary: primary, Read: read}, nil
}

// NewDB exposes the primary handle for services that only take *gorm.DB.
func NewDB(c *Conns) *gorm.DB {
	return c.Primary
}

var Module = fx.Options(
	fx.Provide(NewConns),
	fx.Provide(NewDB),
	fx.Invoke(AutoMigrate),
	fx.Invoke(registerDBClose),
)

// AutoMigrate runs GORM migrations on startup
func AutoMigrate(l *zap.SugaredLogger, c *Conns) error {
	if err := c.Primary.AutoMigrate(
		&models.Account{},
		&models.Charge{},
		&models.Credit{},
		&models.CreditCheck{},
		&models.ProductInventory{},
		&models.ProductUsageLog{},
		&models.Payment{},
	); err != nil {
		l.Errorf("automigrate failed: %v", err)
		return err
	}
	l.Infow("automigrate completed")
	return nil
}

// registerDBClose ensures the underlying *sql.DB handles are closed on shutdown
func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, c *Conns) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			l.Infow("closing postgres connection pools")
			if c.Read != nil && c.Read != c.Primary {
				if sqlDB, err := c.Read.DB(); err == nil {
					_ = sqlDB.Close()
				}
			}
			sqlDB, err := c.Primary.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "err", err)
				return nil
			}
			return sqlDB.Close()
		},
	})
}
