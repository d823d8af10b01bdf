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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"

	"github.com/uma-arai/sbcntr-estate/internal/app"
	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/database"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/utils"
	"github.com/uma-arai/sbcntr-estate/internal/notifier"
	"github.com/uma-arai/sbcntr-estate/internal/service/batch"
)

const (
	projectName = "sbcntr-estate-expiry"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	flag.Parse()

	// 最後の引数として渡されたタスクトークンを取得
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken := "DUMMY_TASK_TOKEN"
	if os.Getenv("ENV") != "LOCAL" {
		if flag.NArg() == 0 || flag.Arg(flag.NArg()-1) == "" {
			log.Fatalf("Task token is required")
		}
		taskToken = flag.Arg(flag.NArg() - 1)
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(taskToken)
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

	// Step Functionsクライアントの初期化
	var sfnClient batch.TaskTokenAPI
	if !cfg.IsLocal() {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			lg.Fatal("failed to load AWS config", "error", err, "stack", string(debug.Stack()))
		}
		sfnClient = sfn.NewFromConfig(awsCfg)
	}

	// コンテキストの作成
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		// セグメントにメタデータを追加
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			lg.Warn("failed to add timeout metadata", "error", err)
		}
	}

	conn, err := database.Open(ctx, cfg.DB)
	if err != nil {
		lg.Fatal("failed to connect database", "error", err)
	}
	defer conn.Close()

	// 解放イベントはタスク出力として通知バッチへ渡す
	events := notifier.NewCollector()
	core := app.NewCore(cfg, conn, events, lg)

	// APIのスイーパーと同時に走らないよう同じロックを取得する
	sweepLock, closeLock := app.NewSweepLock(ctx, cfg, lg.With("component", "sweep-lock"))
	defer closeLock()
	sweeper := batch.NewSweeper(core.Engine, sweepLock, cfg.Sweep.Interval, lg.With("component", "sweeper"))
	service := batch.NewExpiryBatchService(cfg, sweeper, events, sfnClient, lg)

	// シグナルハンドリングの設定
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, *timeout, service.Run)
	}()

	// シグナルまたはエラーの待機
	select {
	case sig := <-sigChan:
		lg.Warn("received signal", "signal", sig.String())
		cancel()
	case err := <-errChan:
		if err != nil {
			lg.Error("batch process failed", "error", err)

			// ローカル環境以外の場合のみStep Functionsのエラー通知を行う
			if reportErr := service.ReportFailure(context.WithoutCancel(ctx), err); reportErr != nil {
				lg.Error("failed to send task failure", "error", reportErr)
			}

			lg.Sync()
			os.Exit(1)
		}
		lg.Info("batch process completed successfully")
	}
}
