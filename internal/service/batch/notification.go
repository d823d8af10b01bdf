package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// NotificationWriter は通知レコードを保存します
type NotificationWriter interface {
	CreateNotifications(ctx context.Context, records []model.NotificationRecord) error
}

// TitleRepository は物件名を取得します
type TitleRepository interface {
	GetTitleByID(ctx context.Context, id string) (string, error)
}

// NotificationBatchService は通知バッチ処理を担当します
type NotificationBatchService struct {
	args             []model.Notification
	notificationRepo NotificationWriter
	propertyRepo     TitleRepository
	log              *logger.Logger
}

// NewNotificationBatchService は新しいNotificationBatchServiceを作成します
func NewNotificationBatchService(notificationRepo NotificationWriter, propertyRepo TitleRepository, log *logger.Logger) *NotificationBatchService {
	return &NotificationBatchService{
		notificationRepo: notificationRepo,
		propertyRepo:     propertyRepo,
		log:              log,
	}
}

// SetArgs は通知バッチ処理の引数を設定します
func (s *NotificationBatchService) SetArgs(args []model.Notification) {
	s.args = args
}

// ParseNotifications は {"notifications": [...]} 形式のタスク入力を解析します
func ParseNotifications(data []byte) ([]model.Notification, error) {
	var input struct {
		Notifications []model.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse notifications: %w", err)
	}
	return input.Notifications, nil
}

// Run は通知バッチ処理を実行します
func (s *NotificationBatchService) Run(ctx context.Context) (err error) {
	ctx, span := tracing.Begin(ctx, "NotificationBatchService.Run")
	defer func() { span.Close(err) }()

	notifications := s.args
	s.log.Info("starting notification batch process", "count", len(notifications))
	span.AddMetadata("notification_count", len(notifications))

	startTime := time.Now()

	titleMap, err := s.getTitleMap(ctx, notifications)
	if err != nil {
		return err
	}

	// 通知を受信者ごとのレコードに変換
	records := make([]model.NotificationRecord, 0, len(notifications))
	for _, notification := range notifications {
		rs, err := notification.ToNotificationRecords(titleMap)
		if err != nil {
			return err
		}
		records = append(records, rs...)
	}

	if err = s.notificationRepo.CreateNotifications(ctx, records); err != nil {
		return fmt.Errorf("failed to create notifications: %w", err)
	}

	duration := time.Since(startTime)
	span.AddMetadata("duration", duration.String())
	span.AddMetadata("property_count", len(titleMap))

	s.log.Info("notification batch process completed successfully",
		"records", len(records),
		"duration", duration.String(),
	)
	return nil
}

// 通知データに含まれる物件IDから物件名を取得する
// N+1とならないように先に重複がない物件IDを集めておく
func (s *NotificationBatchService) getTitleMap(ctx context.Context, notifications []model.Notification) (titleMap map[string]string, err error) {
	ctx, span := tracing.Begin(ctx, "NotificationBatchService.getTitleMap")
	defer func() { span.Close(err) }()

	propertyIDs := make([]string, 0)
	for _, notification := range notifications {
		if notification.Type != model.NotificationTypeReservation {
			continue
		}
		propertyID := notification.Event.PropertyID
		if propertyID == "" {
			return nil, fmt.Errorf("invalid notification data: property_id is empty")
		}
		if slices.Contains(propertyIDs, propertyID) {
			continue
		}
		propertyIDs = append(propertyIDs, propertyID)
	}
	span.AddMetadata("unique_property_count", len(propertyIDs))

	titleMap = make(map[string]string, len(propertyIDs))
	for _, propertyID := range propertyIDs {
		title, err := s.propertyRepo.GetTitleByID(ctx, propertyID)
		if err != nil {
			return nil, err
		}
		titleMap[propertyID] = title
	}
	return titleMap, nil
}
