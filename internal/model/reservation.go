package model

import "time"

// ReservationStatus はカートアイテム自体のライフサイクルです
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusExpired   ReservationStatus = "expired"
	ReservationStatusPurchased ReservationStatus = "purchased"
	ReservationStatusRemoved   ReservationStatus = "removed"
	ReservationStatusCompleted ReservationStatus = "completed"
)

// VisitStatus は内見交渉のサブステータスです。Statusがactiveの間のみ意味を持ちます
type VisitStatus string

const (
	VisitStatusPending   VisitStatus = "pending"
	VisitStatusScheduled VisitStatus = "scheduled"
	VisitStatusConfirmed VisitStatus = "confirmed"
	VisitStatusCompleted VisitStatus = "completed"
	VisitStatusExpired   VisitStatus = "expired"
	VisitStatusCancelled VisitStatus = "cancelled"
)

// ReleaseReason は予約を解放した理由です
type ReleaseReason string

const (
	ReleaseReasonRemoved ReleaseReason = "removed"
	ReleaseReasonAdmin   ReleaseReason = "admin"
	ReleaseReasonExpired ReleaseReason = "expired"
)

// TerminalStatus は解放理由に対応する終端ステータスを返します
func (r ReleaseReason) TerminalStatus() ReservationStatus {
	if r == ReleaseReasonExpired {
		return ReservationStatusExpired
	}
	return ReservationStatusRemoved
}

// Valid reports whether r is a known reason.
func (r ReleaseReason) Valid() bool {
	switch r {
	case ReleaseReasonRemoved, ReleaseReasonAdmin, ReleaseReasonExpired:
		return true
	}
	return false
}

// Reservation は買い手のカートに入った物件の予約(カートアイテム)です
type Reservation struct {
	ID                 string            `json:"id" db:"id"`
	BuyerID            string            `json:"buyer_id" db:"buyer_id"`
	PropertyID         string            `json:"property_id" db:"property_id"`
	Status             ReservationStatus `json:"status" db:"status"`
	VisitStatus        VisitStatus       `json:"visit_status" db:"visit_status"`
	ReservedAt         time.Time         `json:"reserved_at" db:"reserved_at"`
	VisitConfirmedAt   *time.Time        `json:"visit_confirmed_at,omitempty" db:"visit_confirmed_at"`
	VisitConfirmedBy   *string           `json:"visit_confirmed_by,omitempty" db:"visit_confirmed_by"`
	VisitConfirmMethod *string           `json:"visit_confirm_method,omitempty" db:"visit_confirm_method"`
	BookingWindowStart *time.Time        `json:"booking_window_start,omitempty" db:"booking_window_start"`
	BookingWindowEnd   *time.Time        `json:"booking_window_end,omitempty" db:"booking_window_end"`
	ReleasedAt         *time.Time        `json:"released_at,omitempty" db:"released_at"`
	ReleaseReason      *ReleaseReason    `json:"release_reason,omitempty" db:"release_reason"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the reservation still holds its property.
func (r Reservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// VisitConfirmed reports whether the visit has been confirmed.
func (r Reservation) VisitConfirmed() bool {
	return r.VisitStatus == VisitStatusConfirmed
}

// Deadline は現在適用されているウィンドウの終了時刻を返します
// 内見未確定の場合は内見ウィンドウ、確定済みの場合は予約ウィンドウが適用されます
func (r Reservation) Deadline(visitWindow time.Duration) time.Time {
	if r.VisitConfirmed() && r.BookingWindowEnd != nil {
		return *r.BookingWindowEnd
	}
	return r.ReservedAt.Add(visitWindow)
}

// IsDue は now の時点でウィンドウを超過しているかを判定します
// 期限ちょうどの時刻はまだ有効とみなします
func (r Reservation) IsDue(now time.Time, visitWindow time.Duration) bool {
	if !r.IsActive() {
		return false
	}
	return now.After(r.Deadline(visitWindow))
}

// Lock は予約から導出されるプロパティ側のミラーを返します
func (r Reservation) Lock() CartLock {
	if !r.IsActive() {
		return CartLock{}
	}
	buyer := r.BuyerID
	id := r.ID
	reservedAt := r.ReservedAt
	return CartLock{
		Held:               true,
		HolderID:           &buyer,
		ReservationID:      &id,
		ReservedAt:         &reservedAt,
		VisitConfirmed:     r.VisitConfirmed(),
		VisitConfirmedAt:   r.VisitConfirmedAt,
		BookingWindowStart: r.BookingWindowStart,
		BookingWindowEnd:   r.BookingWindowEnd,
	}
}
