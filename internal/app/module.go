package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/billing/internal/app/api/server"
	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/auditlog"
	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/payment"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	account.Module,
	auditlog.Module,
	ledger.Module,
	inventory.Module,
	payment.Module,
)
