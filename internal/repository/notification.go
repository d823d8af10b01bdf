package repository

import (
	"context"
	"fmt"

	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// NotificationRepository は通知の永続化を担当するインターフェースです
type NotificationRepository interface {
	CreateNotifications(ctx context.Context, records []model.NotificationRecord) error
	Create(ctx context.Context, record *model.NotificationRecord) error
	GetByUserID(ctx context.Context, userID string) ([]model.NotificationRecord, error)
	UpdateIsRead(ctx context.Context, userID string, id int, isRead bool) error
}

// NotificationRepositoryImpl は通知の永続化を担当します
type NotificationRepositoryImpl struct {
	db *DB
}

// NewNotificationRepository は新しいNotificationRepositoryを作成します
func NewNotificationRepository(db *DB) *NotificationRepositoryImpl {
	return &NotificationRepositoryImpl{
		db: db,
	}
}

// CreateNotifications は複数の通知レコードを1トランザクションで作成します
func (r *NotificationRepositoryImpl) CreateNotifications(ctx context.Context, records []model.NotificationRecord) (err error) {
	ctx, span := tracing.Begin(ctx, "NotificationRepository.CreateNotifications")
	defer func() { span.Close(err) }()

	return r.db.WithTx(ctx, func(txCtx context.Context) error {
		for i := range records {
			if err := r.Create(txCtx, &records[i]); err != nil {
				return fmt.Errorf("failed to create notification: %w", err)
			}
		}
		return nil
	})
}

// Create は単一の通知レコードを作成します
func (r *NotificationRepositoryImpl) Create(ctx context.Context, record *model.NotificationRecord) (err error) {
	ctx, span := tracing.Begin(ctx, "NotificationRepository.Create")
	defer func() { span.Close(err) }()

	query := `
		INSERT INTO notifications (
			user_id, title, message, is_read, type, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING id`

	return r.db.get(ctx, &record.ID, query,
		record.UserID,
		record.Title,
		record.Message,
		record.IsRead,
		record.Type,
		record.CreatedAt,
		record.UpdatedAt,
	)
}

// GetByUserID は指定されたユーザーIDの通知を取得します
func (r *NotificationRepositoryImpl) GetByUserID(ctx context.Context, userID string) (records []model.NotificationRecord, err error) {
	ctx, span := tracing.Begin(ctx, "NotificationRepository.GetByUserID")
	defer func() { span.Close(err) }()

	query := `
		SELECT id, user_id, title, message, is_read, type, created_at, updated_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC`

	if err = r.db.selectAll(ctx, &records, query, userID); err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	return records, nil
}

// UpdateIsRead はユーザー本人の通知の既読状態を更新します
func (r *NotificationRepositoryImpl) UpdateIsRead(ctx context.Context, userID string, id int, isRead bool) (err error) {
	ctx, span := tracing.Begin(ctx, "NotificationRepository.UpdateIsRead")
	defer func() { span.Close(err) }()

	query := `
		UPDATE notifications
		SET is_read = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND user_id = $3`

	n, err := r.db.exec(ctx, query, isRead, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update notification is_read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", model.ErrNotificationNotFound, id)
	}
	return nil
}
