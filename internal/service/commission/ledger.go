package commission

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/uma-arai/sbcntr-estate/internal/common/clock"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// Repository は手数料レコードの永続化を担当するインターフェースです
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, c model.Commission) error
	Get(ctx context.Context, id string) (model.Commission, error)
	GetForUpdate(ctx context.Context, id string) (model.Commission, error)
	Update(ctx context.Context, c model.Commission) error
	ListByReservation(ctx context.Context, reservationID string) ([]model.Commission, error)
	ListByBroker(ctx context.Context, brokerID string) ([]model.Commission, error)
}

// Ledger は手数料の追記型台帳です
// 作成後の変更は管理者による承認フロー(Approve/MarkPaid/Cancel/Override)に限られます
type Ledger struct {
	repo  Repository
	clock clock.Clock
	log   *logger.Logger
}

func NewLedger(repo Repository, clk clock.Clock, log *logger.Logger) *Ledger {
	return &Ledger{repo: repo, clock: clk, log: log}
}

// RecordInput は手数料レコード作成時の入力です
type RecordInput struct {
	ReservationID string
	BrokerID      string
	PropertyID    string
	Type          model.CommissionType
	Price         float64
	Rate          float64
}

// RecordCommission は amount = price × rate / 100 を計算し、pendingのレコードを追記します
// 同じ予約・同じ種類の手数料が既にある場合はErrCommissionExistsを返します
// 予約エンジンのトランザクション内(ctx)で呼び出されることを前提としています
func (l *Ledger) RecordCommission(ctx context.Context, in RecordInput) (c model.Commission, err error) {
	ctx, span := tracing.Begin(ctx, "Ledger.RecordCommission")
	defer func() { span.Close(err) }()

	if in.BrokerID == "" || in.PropertyID == "" || in.Price < 0 || in.Rate < 0 {
		return model.Commission{}, fmt.Errorf("%w: broker, property, non-negative price and rate are required", model.ErrInvalidInput)
	}
	switch in.Type {
	case model.CommissionTypeAdder, model.CommissionTypeSeller, model.CommissionTypeAdderSeller:
	default:
		return model.Commission{}, fmt.Errorf("%w: unknown commission type %q", model.ErrInvalidInput, in.Type)
	}

	now := l.clock.Now()
	c = model.Commission{
		ID:         uuid.NewString(),
		BrokerID:   in.BrokerID,
		PropertyID: in.PropertyID,
		Type:       in.Type,
		Price:      in.Price,
		Rate:       in.Rate,
		Amount:     model.CommissionAmount(in.Price, in.Rate),
		Status:     model.CommissionStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.ReservationID != "" {
		reservationID := in.ReservationID
		c.ReservationID = &reservationID
	}

	if err = l.repo.Create(ctx, c); err != nil {
		return model.Commission{}, err
	}

	l.log.Info("commission recorded",
		"commission_id", c.ID,
		"reservation_id", in.ReservationID,
		"broker_id", c.BrokerID,
		"type", c.Type,
		"amount", c.Amount,
	)
	return c, nil
}

// Approve は pending の手数料を承認します
func (l *Ledger) Approve(ctx context.Context, id string) (model.Commission, error) {
	return l.transition(ctx, "Ledger.Approve", id, func(c *model.Commission) error {
		if c.Status != model.CommissionStatusPending {
			return model.ErrInvalidCommissionTransition
		}
		now := l.clock.Now()
		c.Status = model.CommissionStatusApproved
		c.ApprovedAt = &now
		return nil
	})
}

// MarkPaid は承認済みの手数料を支払済みにします
func (l *Ledger) MarkPaid(ctx context.Context, id string) (model.Commission, error) {
	return l.transition(ctx, "Ledger.MarkPaid", id, func(c *model.Commission) error {
		if c.Status != model.CommissionStatusApproved {
			return model.ErrInvalidCommissionTransition
		}
		now := l.clock.Now()
		c.Status = model.CommissionStatusPaid
		c.PaidAt = &now
		return nil
	})
}

// Cancel は未払いの手数料を取り消します
func (l *Ledger) Cancel(ctx context.Context, id string) (model.Commission, error) {
	return l.transition(ctx, "Ledger.Cancel", id, func(c *model.Commission) error {
		if c.Status != model.CommissionStatusPending && c.Status != model.CommissionStatusApproved {
			return model.ErrInvalidCommissionTransition
		}
		c.Status = model.CommissionStatusCancelled
		return nil
	})
}

// OverrideInput は管理者による手数料の上書き内容です。RateとAmountのどちらか一方を指定します
type OverrideInput struct {
	Rate   *float64
	Amount *float64
	Reason string
}

// Override は未払いの手数料の率または金額を上書きします
func (l *Ledger) Override(ctx context.Context, id string, in OverrideInput) (model.Commission, error) {
	if (in.Rate == nil) == (in.Amount == nil) || in.Reason == "" {
		return model.Commission{}, fmt.Errorf("%w: exactly one of rate or amount and a reason are required", model.ErrInvalidInput)
	}
	return l.transition(ctx, "Ledger.Override", id, func(c *model.Commission) error {
		if c.Status != model.CommissionStatusPending && c.Status != model.CommissionStatusApproved {
			return model.ErrInvalidCommissionTransition
		}
		switch {
		case in.Rate != nil:
			if *in.Rate < 0 {
				return fmt.Errorf("%w: rate must not be negative", model.ErrInvalidInput)
			}
			c.Rate = *in.Rate
			c.Amount = model.CommissionAmount(c.Price, c.Rate)
		case in.Amount != nil:
			if *in.Amount < 0 {
				return fmt.Errorf("%w: amount must not be negative", model.ErrInvalidInput)
			}
			c.Amount = *in.Amount
		}
		reason := in.Reason
		c.OverrideReason = &reason
		return nil
	})
}

func (l *Ledger) transition(ctx context.Context, name, id string, apply func(c *model.Commission) error) (result model.Commission, err error) {
	ctx, span := tracing.Begin(ctx, name)
	defer func() { span.Close(err) }()

	err = l.repo.WithTx(ctx, func(txCtx context.Context) error {
		c, err := l.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if err := apply(&c); err != nil {
			return err
		}
		c.UpdatedAt = l.clock.Now()
		if err := l.repo.Update(txCtx, c); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return model.Commission{}, err
	}

	l.log.Info("commission updated", "commission_id", result.ID, "operation", name, "status", result.Status)
	return result, nil
}

// Get は手数料レコードを返します
func (l *Ledger) Get(ctx context.Context, id string) (model.Commission, error) {
	return l.repo.Get(ctx, id)
}

// ListByBroker はブローカーの手数料一覧を返します
func (l *Ledger) ListByBroker(ctx context.Context, brokerID string) ([]model.Commission, error) {
	return l.repo.ListByBroker(ctx, brokerID)
}

// ListByReservation は予約に紐づく手数料一覧を返します
func (l *Ledger) ListByReservation(ctx context.Context, reservationID string) ([]model.Commission, error) {
	return l.repo.ListByReservation(ctx, reservationID)
}
