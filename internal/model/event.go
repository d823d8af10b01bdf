package model

import "time"

// PropertyEventType は予約エンジンが発行するイベントの種類です
type PropertyEventType string

const (
	EventPropertyLocked   PropertyEventType = "property_locked"
	EventVisitConfirmed   PropertyEventType = "visit_confirmed"
	EventPropertyUnlocked PropertyEventType = "property_unlocked"
	EventPropertySold     PropertyEventType = "property_sold"
)

// PropertyEvent は状態遷移の結果として通知先へ送られるイベントです
// 配送はベストエフォートで、失敗しても状態遷移は巻き戻しません
type PropertyEvent struct {
	Type          PropertyEventType `json:"type"`
	PropertyID    string            `json:"property_id"`
	ReservationID string            `json:"reservation_id"`
	BuyerID       string            `json:"buyer_id"`
	SellerID      string            `json:"seller_id"`
	BrokerID      string            `json:"broker_id,omitempty"`
	Reason        ReleaseReason     `json:"reason,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// NewPropertyEvent は予約と物件からイベントを組み立てます
func NewPropertyEvent(t PropertyEventType, r Reservation, p Property, at time.Time) PropertyEvent {
	return PropertyEvent{
		Type:          t,
		PropertyID:    p.ID,
		ReservationID: r.ID,
		BuyerID:       r.BuyerID,
		SellerID:      p.SellerID,
		BrokerID:      p.BrokerRef(),
		OccurredAt:    at,
	}
}

// Recipients は通知対象のユーザーIDを重複なしで返します
func (e PropertyEvent) Recipients() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{e.BuyerID, e.SellerID, e.BrokerID} {
		if id == "" {
			continue
		}
		dup := false
		for _, seen := range ids {
			if seen == id {
				dup = true
				break
			}
		}
		if !dup {
			ids = append(ids, id)
		}
	}
	return ids
}
