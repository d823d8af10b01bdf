package app

import (
	"github.com/jmoiron/sqlx"

	"github.com/uma-arai/sbcntr-estate/internal/common/clock"
	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/notifier"
	"github.com/uma-arai/sbcntr-estate/internal/repository"
	"github.com/uma-arai/sbcntr-estate/internal/service/commission"
	"github.com/uma-arai/sbcntr-estate/internal/service/property"
	"github.com/uma-arai/sbcntr-estate/internal/service/reservation"
	"github.com/uma-arai/sbcntr-estate/internal/service/rule"
)

// Core はAPIとバッチで共通のリポジトリとサービスの組み立て結果です
type Core struct {
	DB            *repository.DB
	Properties    *repository.PropertyRepositoryImpl
	Notifications *repository.NotificationRepositoryImpl
	Ledger        *commission.Ledger
	Engine        *reservation.Engine
	Registry      *property.Registry
}

// NewCore はPostgreSQLのリポジトリの上に予約エンジン・手数料台帳・物件レジストリを組み立てます
// イベントは n に通知されます
func NewCore(cfg *config.Config, conn *sqlx.DB, n notifier.Notifier, log *logger.Logger) *Core {
	db := repository.NewDB(conn)
	clk := clock.NewSystem()

	properties := repository.NewPropertyRepository(db)
	reservations := repository.NewReservationRepository(db)
	commissions := repository.NewCommissionRepository(db)
	rules := repository.NewRuleRepository(db)

	resolver := rule.NewResolver(rules, cfg.Rules, log.With("component", "rule"))
	ledger := commission.NewLedger(commissions, clk, log.With("component", "ledger"))
	engine := reservation.NewEngine(properties, reservations, ledger, resolver, n, clk, log.With("component", "engine"))

	return &Core{
		DB:            db,
		Properties:    properties,
		Notifications: repository.NewNotificationRepository(db),
		Ledger:        ledger,
		Engine:        engine,
		Registry:      property.NewRegistry(properties, clk, log.With("component", "registry")),
	}
}
