package model

import (
	"math"
	"time"
)

// CommissionType は手数料の種類です
type CommissionType string

const (
	// CommissionTypeAdder は物件を登録した人への手数料です
	CommissionTypeAdder CommissionType = "adder"
	// CommissionTypeSeller は成約に導いたブローカーへの手数料です
	CommissionTypeSeller CommissionType = "seller"
	// CommissionTypeAdderSeller は登録者と成約者が同一の場合の合算手数料です
	CommissionTypeAdderSeller CommissionType = "adder_seller"
)

// CommissionStatus は手数料の承認ステータスです
type CommissionStatus string

const (
	CommissionStatusPending   CommissionStatus = "pending"
	CommissionStatusApproved  CommissionStatus = "approved"
	CommissionStatusPaid      CommissionStatus = "paid"
	CommissionStatusCancelled CommissionStatus = "cancelled"
)

// Commission は予約エンジンのイベントから導出される手数料レコードです
type Commission struct {
	ID             string           `json:"id" db:"id"`
	ReservationID  *string          `json:"reservation_id,omitempty" db:"reservation_id"`
	BrokerID       string           `json:"broker_id" db:"broker_id"`
	PropertyID     string           `json:"property_id" db:"property_id"`
	Type           CommissionType   `json:"type" db:"type"`
	Price          float64          `json:"price" db:"price"`
	Rate           float64          `json:"rate" db:"rate"`
	Amount         float64          `json:"amount" db:"amount"`
	Status         CommissionStatus `json:"status" db:"status"`
	OverrideReason *string          `json:"override_reason,omitempty" db:"override_reason"`
	ApprovedAt     *time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	PaidAt         *time.Time       `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// CommissionAmount は price × rate / 100 を小数第2位で丸めて返します
func CommissionAmount(price, rate float64) float64 {
	return math.Round(price*rate) / 100
}
