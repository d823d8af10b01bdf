package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"

	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/database"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/utils"
	"github.com/uma-arai/sbcntr-estate/internal/repository"
	"github.com/uma-arai/sbcntr-estate/internal/service/batch"
)

const (
	projectName = "sbcntr-estate-notification"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	flag.Parse()

	// 最後の引数として渡された通知データ(JSON)を取得
	if flag.NArg() == 0 {
		log.Fatalf("Notification input is required")
	}
	input := flag.Arg(flag.NArg() - 1)

	// 設定の読み込み
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	// X-Ray設定
	if cfg.EnableTracing {
		if err := xray.Configure(xray.Config{
			DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
			ServiceVersion: "1.0.0",
		}); err != nil {
			lg.Warn("failed to configure X-Ray", "error", err)
			// X-Ray設定失敗時はデフォルトの設定を使用
			if configErr := xray.Configure(xray.Config{}); configErr != nil {
				lg.Fatal("failed to configure default X-Ray settings", "error", configErr)
			}
		}
		os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	}

	// 入力から通知データを生成
	notifications, err := batch.ParseNotifications([]byte(input))
	if err != nil {
		lg.Fatal("failed to generate notifications", "error", err)
	}

	// コンテキストを作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		// セグメントにメタデータを追加
		if err := seg.AddMetadata("notification_count", len(notifications)); err != nil {
			lg.Warn("failed to add notification_count metadata", "error", err)
		}
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			lg.Warn("failed to add timeout metadata", "error", err)
		}
	}

	conn, err := database.Open(ctx, cfg.DB)
	if err != nil {
		lg.Fatal("failed to connect database", "error", err)
	}
	defer conn.Close()

	db := repository.NewDB(conn)
	service := batch.NewNotificationBatchService(
		repository.NewNotificationRepository(db),
		repository.NewPropertyRepository(db),
		lg.With("component", "notification"),
	)
	service.SetArgs(notifications)

	// シグナルハンドリング
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, *timeout, service.Run)
	}()

	// シグナルを待機
	select {
	case sig := <-sigChan:
		lg.Warn("received signal", "signal", sig.String())
		cancel()
	case err := <-errChan:
		if err != nil {
			lg.Error("batch process failed", "error", err)
			lg.Sync()
			os.Exit(1)
		}
		lg.Info("batch process completed successfully")
	}
}
