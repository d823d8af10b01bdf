package model

import (
	"fmt"
	"time"
)

// NotificationType は通知の種類を表します
type NotificationType string

const (
	// NotificationTypeReservation は予約関連の通知を表します
	NotificationTypeReservation NotificationType = "reservation"
	// NotificationTypeCommon は共通の通知を表します
	NotificationTypeCommon NotificationType = "common"
)

// Notification はStep Functions経由で通知バッチへ渡されるイベントIFです
type Notification struct {
	Type      NotificationType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Event     PropertyEvent    `json:"data"`
}

// NotificationRecord は通知のドメインモデルです
// データベースに永続化される通知レコードと今回は一致しています
type NotificationRecord struct {
	ID        int              `db:"id"`
	UserID    string           `db:"user_id"`
	Title     string           `db:"title"`
	Message   string           `db:"message"`
	IsRead    bool             `db:"is_read"`
	Type      NotificationType `db:"type"`
	CreatedAt time.Time        `db:"created_at"`
	UpdatedAt time.Time        `db:"updated_at"`
}

// ToNotificationRecords は通知を受信者ごとの通知レコードに変換します
func (n Notification) ToNotificationRecords(titleMap map[string]string) ([]NotificationRecord, error) {
	if n.Event.PropertyID == "" {
		return nil, fmt.Errorf("invalid notification data: property_id is empty")
	}
	recipients := n.Event.Recipients()
	if len(recipients) == 0 {
		return nil, fmt.Errorf("invalid notification data: no recipients")
	}

	title, message := "新しい通知が届きました。", "新しい通知です。"
	notificationType := NotificationTypeCommon
	if n.Type == NotificationTypeReservation {
		propertyTitle, ok := titleMap[n.Event.PropertyID]
		if !ok {
			return nil, fmt.Errorf("property_id not found in titleMap")
		}
		title, message = eventText(n.Event, propertyTitle)
		notificationType = NotificationTypeReservation
	}

	records := make([]NotificationRecord, 0, len(recipients))
	for _, userID := range recipients {
		records = append(records, NotificationRecord{
			UserID:    userID,
			Title:     title,
			Message:   message,
			IsRead:    false,
			Type:      notificationType,
			CreatedAt: n.CreatedAt,
			UpdatedAt: n.CreatedAt,
		})
	}
	return records, nil
}

func eventText(e PropertyEvent, propertyTitle string) (string, string) {
	at := e.OccurredAt.Format("2006-01-02 15:04")
	switch e.Type {
	case EventPropertyLocked:
		return "物件がカートに追加されました", fmt.Sprintf(`物件が内見待ちとして確保されました。
物件名: %s
確保日時: %s`, propertyTitle, at)
	case EventVisitConfirmed:
		return "内見が確定しました", fmt.Sprintf(`内見が確定し、成約期間が開始しました。
物件名: %s
確定日時: %s`, propertyTitle, at)
	case EventPropertyUnlocked:
		reason := "カートから削除されました"
		if e.Reason == ReleaseReasonExpired {
			reason = "期限切れのため確保が解除されました"
		}
		return "物件の確保が解除されました", fmt.Sprintf(`%s
物件名: %s
解除日時: %s`, reason, propertyTitle, at)
	case EventPropertySold:
		return "成約が完了しました", fmt.Sprintf(`物件の成約が完了しました。
物件名: %s
成約日時: %s`, propertyTitle, at)
	}
	return "予約の更新", fmt.Sprintf("予約のステータスが更新されました\n物件名: %s", propertyTitle)
}

// NewPropertyEventNotification はイベントから通知を作成します
func NewPropertyEventNotification(event PropertyEvent) Notification {
	return Notification{
		Type:      NotificationTypeReservation,
		CreatedAt: event.OccurredAt,
		Event:     event,
	}
}
