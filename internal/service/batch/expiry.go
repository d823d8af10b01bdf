package batch

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/common/utils"
	"github.com/uma-arai/sbcntr-estate/internal/model"
	"github.com/uma-arai/sbcntr-estate/internal/notifier"
)

// TaskTokenAPI はStep Functionsのタスクトークン応答に使うクライアントの部分集合です
type TaskTokenAPI interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// EventSource はスイープ中にエンジンが発行したイベントを取り出します
type EventSource interface {
	Drain() []model.PropertyEvent
}

// ExpiryBatchService は期限切れ予約の解放バッチを担当します
// 解放で発生したイベントは通知バッチの入力としてタスク出力に載せます
type ExpiryBatchService struct {
	sweeper   *Sweeper
	events    EventSource
	sfnClient TaskTokenAPI
	cfg       *config.Config
	log       *logger.Logger
}

// NewExpiryBatchService は新しいExpiryBatchServiceを作成します
// sfnClient が nil の場合、タスクトークンへの応答は行いません
func NewExpiryBatchService(cfg *config.Config, sweeper *Sweeper, events EventSource, sfnClient TaskTokenAPI, log *logger.Logger) *ExpiryBatchService {
	return &ExpiryBatchService{
		sweeper:   sweeper,
		events:    events,
		sfnClient: sfnClient,
		cfg:       cfg,
		log:       log,
	}
}

// Run は期限切れ予約の解放バッチを実行します
func (s *ExpiryBatchService) Run(ctx context.Context) (err error) {
	ctx, span := tracing.Begin(ctx, "ExpiryBatchService.Run")
	defer func() { span.Close(err) }()

	startTime := time.Now()

	result, err := s.sweeper.RunOnce(ctx)
	switch {
	case errors.Is(err, model.ErrSweepInProgress):
		// 別のスイーパーが実行中のため今回は何もせず成功として返す
		s.log.Warn("another sweep is running, expiry batch skipped")
	case err != nil:
		return utils.GetStackWithError(fmt.Errorf("failed to sweep reservations: %w", err))
	}

	events := s.events.Drain()
	if err := s.sendTaskSuccess(ctx, events); err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	duration := time.Since(startTime)
	span.AddMetadata("duration", duration.String())
	span.AddMetadata("event_count", len(events))

	s.log.Info("expiry batch process completed successfully",
		"expired", result.Expired,
		"failed", result.Failed,
		"events", len(events),
		"duration", duration.String(),
	)
	return nil
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、イベントを返却します
func (s *ExpiryBatchService) sendTaskSuccess(ctx context.Context, events []model.PropertyEvent) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if s.cfg.IsLocal() || s.sfnClient == nil {
		s.log.Info("local environment detected, skipping step functions task success notification")
		return nil
	}

	output, err := notifier.MarshalNotifications(events)
	if err != nil {
		return fmt.Errorf("failed to marshal notifications: %w", err)
	}

	taskToken := s.cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	_, err = s.sfnClient.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	s.log.Info("sent task success", "notification_count", len(events))
	return nil
}

// ReportFailure はバッチの失敗をStep Functionsへ通知します
func (s *ExpiryBatchService) ReportFailure(ctx context.Context, cause error) error {
	if s.cfg.IsLocal() || s.sfnClient == nil {
		return nil
	}

	input := &sfn.SendTaskFailureInput{
		TaskToken: aws.String(s.cfg.SFN.TaskToken),
		Error:     aws.String("Batch process failed"),
	}
	if cause != nil {
		input.Cause = aws.String(truncate(cause.Error(), 32768))
	}
	if _, err := s.sfnClient.SendTaskFailure(ctx, input); err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}

// truncate は s を n バイト以内に切り詰めます。マルチバイト文字の途中では切りません
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
