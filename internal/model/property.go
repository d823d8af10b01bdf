package model

import "time"

// PropertyStatus は物件の承認・公開ステータスを表します
type PropertyStatus string

const (
	PropertyStatusDraft           PropertyStatus = "draft"
	PropertyStatusPendingApproval PropertyStatus = "pending_approval"
	PropertyStatusApproved        PropertyStatus = "approved"
	PropertyStatusLive            PropertyStatus = "live"
	PropertyStatusRejected        PropertyStatus = "rejected"
	PropertyStatusSuspended       PropertyStatus = "suspended"
	PropertyStatusSold            PropertyStatus = "sold"
	PropertyStatusRented          PropertyStatus = "rented"
	PropertyStatusExpired         PropertyStatus = "expired"
)

// AdderRole は物件を登録したユーザーのロールです
type AdderRole string

const (
	AdderRoleSeller AdderRole = "seller"
	AdderRoleBroker AdderRole = "broker"
)

// CartLock は有効な予約をそのまま写したプロパティ側のミラーです
// 予約アイテムが正であり、このミラーは読み取り用のキャッシュとして扱います
type CartLock struct {
	Held               bool       `json:"held" db:"lock_held"`
	HolderID           *string    `json:"holder_id,omitempty" db:"lock_holder_id"`
	ReservationID      *string    `json:"reservation_id,omitempty" db:"lock_reservation_id"`
	ReservedAt         *time.Time `json:"reserved_at,omitempty" db:"lock_reserved_at"`
	VisitConfirmed     bool       `json:"visit_confirmed" db:"lock_visit_confirmed"`
	VisitConfirmedAt   *time.Time `json:"visit_confirmed_at,omitempty" db:"lock_visit_confirmed_at"`
	BookingWindowStart *time.Time `json:"booking_window_start,omitempty" db:"lock_booking_window_start"`
	BookingWindowEnd   *time.Time `json:"booking_window_end,omitempty" db:"lock_booking_window_end"`
}

// MatchesReservation はミラーが指定された予約と一致しているかを判定します
func (l CartLock) MatchesReservation(r Reservation) bool {
	want := r.Lock()
	return l.Held == want.Held &&
		strEqual(l.HolderID, want.HolderID) &&
		strEqual(l.ReservationID, want.ReservationID) &&
		timeEqual(l.ReservedAt, want.ReservedAt) &&
		l.VisitConfirmed == want.VisitConfirmed &&
		timeEqual(l.VisitConfirmedAt, want.VisitConfirmedAt) &&
		timeEqual(l.BookingWindowStart, want.BookingWindowStart) &&
		timeEqual(l.BookingWindowEnd, want.BookingWindowEnd)
}

// Property は物件のドメインモデルです
type Property struct {
	ID          string         `json:"id" db:"id"`
	Title       string         `json:"title" db:"title"`
	Type        string         `json:"property_type" db:"property_type"`
	City        string         `json:"city" db:"city"`
	Price       float64        `json:"price" db:"price"`
	Status      PropertyStatus `json:"status" db:"status"`
	SellerID    string         `json:"seller_id" db:"seller_id"`
	BrokerID    *string        `json:"broker_id,omitempty" db:"broker_id"`
	AddedBy     string         `json:"added_by" db:"added_by"`
	AddedByRole AdderRole      `json:"added_by_role" db:"added_by_role"`
	// 物件ごとの手数料率。NULLの場合はルールの値を利用します
	AdderCommissionRate  *float64  `json:"adder_commission_rate,omitempty" db:"adder_commission_rate"`
	SellerCommissionRate *float64  `json:"seller_commission_rate,omitempty" db:"seller_commission_rate"`
	CartLock             `json:"cart_lock"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// BrokerRef は担当ブローカーのIDを返します。未設定の場合は空文字です
func (p Property) BrokerRef() string {
	if p.BrokerID == nil {
		return ""
	}
	return *p.BrokerID
}

// RuleConditions はルール検索に使う物件の属性です
func (p Property) RuleConditions() map[string]string {
	conds := map[string]string{}
	if p.Type != "" {
		conds["property_type"] = p.Type
	}
	if p.City != "" {
		conds["city"] = p.City
	}
	return conds
}

func strEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
