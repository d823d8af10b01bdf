package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"golang.org/x/sync/errgroup"

	"github.com/uma-arai/sbcntr-estate/internal/app"
	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/database"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	httpapi "github.com/uma-arai/sbcntr-estate/internal/http"
	httpH "github.com/uma-arai/sbcntr-estate/internal/http/handlers"
	"github.com/uma-arai/sbcntr-estate/internal/notifier"
	"github.com/uma-arai/sbcntr-estate/internal/repository/migrations"
	"github.com/uma-arai/sbcntr-estate/internal/service/batch"
)

const (
	projectName = "sbcntr-estate-api"
)

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Error("api server stopped with error", "error", err)
		lg.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// X-Ray設定
	if cfg.EnableTracing {
		if err := xray.Configure(xray.Config{
			DaemonAddr:     "127.0.0.1:2000",
			ServiceVersion: "1.0.0",
		}); err != nil {
			lg.Warn("failed to configure X-Ray, using defaults", "error", err)
		}
		os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	}

	conn, err := database.Open(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := migrations.Apply(ctx, conn); err != nil {
		return err
	}

	// 通知先: 本番はStep Functionsの通知バッチ、ローカルはログ出力
	var publisher notifier.Publisher = notifier.NewLogPublisher(lg.With("component", "notifier"))
	if !cfg.IsLocal() && cfg.SFN.NotificationStateMachineARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return err
		}
		publisher = notifier.NewSFNPublisher(sfn.NewFromConfig(awsCfg), cfg.SFN.NotificationStateMachineARN)
	}
	dispatcher := notifier.NewDispatcher(publisher, cfg.NotifyBuffer, lg.With("component", "dispatcher"))
	defer dispatcher.Close()

	core := app.NewCore(cfg, conn, dispatcher, lg)

	// REDIS_ADDR がある場合は複数インスタンスと期限切れバッチの間でスイープを排他する
	sweepLock, closeLock := app.NewSweepLock(ctx, cfg, lg.With("component", "sweep-lock"))
	defer closeLock()
	sweeper := batch.NewSweeper(core.Engine, sweepLock, cfg.Sweep.Interval, lg.With("component", "sweeper"))

	server := httpapi.NewServer(httpapi.RouterConfig{
		Log:                 lg.With("component", "http"),
		ServiceName:         projectName,
		EnableTracing:       cfg.EnableTracing,
		HealthHandler:       httpH.NewHealthHandler(conn),
		PropertyHandler:     httpH.NewPropertyHandler(core.Registry, core.Engine, lg),
		CartHandler:         httpH.NewCartHandler(core.Engine, lg),
		ReservationHandler:  httpH.NewReservationHandler(core.Engine, lg),
		CommissionHandler:   httpH.NewCommissionHandler(core.Ledger, lg),
		SweepHandler:        httpH.NewSweepHandler(sweeper, lg),
		NotificationHandler: httpH.NewNotificationHandler(core.Notifications, lg),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, ":"+cfg.Port)
	})
	g.Go(func() error {
		return sweeper.Start(gctx)
	})
	return g.Wait()
}
