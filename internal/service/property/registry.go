package property

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uma-arai/sbcntr-estate/internal/common/clock"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// Repository は物件レコードの永続化を担当するインターフェースです
type Repository interface {
	Create(ctx context.Context, p model.Property) error
	GetByID(ctx context.Context, id string) (model.Property, error)
	UpdateStatus(ctx context.Context, id string, from []model.PropertyStatus, to model.PropertyStatus, now time.Time) error
	MarkSold(ctx context.Context, id string, now time.Time) error
}

// Action は承認ワークフロー上の操作です
type Action string

const (
	ActionSubmit    Action = "submit"
	ActionApprove   Action = "approve"
	ActionPublish   Action = "publish"
	ActionReject    Action = "reject"
	ActionSuspend   Action = "suspend"
	ActionReinstate Action = "reinstate"
	ActionMarkSold  Action = "sold"
)

type transition struct {
	from []model.PropertyStatus
	to   model.PropertyStatus
}

var transitions = map[Action]transition{
	ActionSubmit: {
		from: []model.PropertyStatus{model.PropertyStatusDraft, model.PropertyStatusRejected},
		to:   model.PropertyStatusPendingApproval,
	},
	ActionApprove: {
		from: []model.PropertyStatus{model.PropertyStatusPendingApproval},
		to:   model.PropertyStatusApproved,
	},
	ActionPublish: {
		from: []model.PropertyStatus{model.PropertyStatusApproved},
		to:   model.PropertyStatusLive,
	},
	ActionReject: {
		from: []model.PropertyStatus{model.PropertyStatusPendingApproval},
		to:   model.PropertyStatusRejected,
	},
	ActionSuspend: {
		from: []model.PropertyStatus{model.PropertyStatusApproved, model.PropertyStatusLive},
		to:   model.PropertyStatusSuspended,
	},
	ActionReinstate: {
		from: []model.PropertyStatus{model.PropertyStatusSuspended},
		to:   model.PropertyStatusLive,
	},
	ActionMarkSold: {
		from: []model.PropertyStatus{model.PropertyStatusLive},
		to:   model.PropertyStatusSold,
	},
}

// Registry は物件の登録と承認・公開ステータスを管理します
// ロック列は予約エンジンだけが更新します
type Registry struct {
	repo  Repository
	clock clock.Clock
	log   *logger.Logger
}

func NewRegistry(repo Repository, clk clock.Clock, log *logger.Logger) *Registry {
	return &Registry{repo: repo, clock: clk, log: log}
}

// CreateInput は物件登録時の入力です
type CreateInput struct {
	Title                string
	Type                 string
	City                 string
	Price                float64
	SellerID             string
	AddedBy              string
	AddedByRole          model.AdderRole
	AdderCommissionRate  *float64
	SellerCommissionRate *float64
}

// Create は物件を下書きとして登録します
// 売主が登録した場合は売主本人、ブローカーが登録した場合はそのブローカーが担当になります
func (r *Registry) Create(ctx context.Context, in CreateInput) (p model.Property, err error) {
	ctx, span := tracing.Begin(ctx, "Registry.Create")
	defer func() { span.Close(err) }()

	if in.Title == "" || in.AddedBy == "" || in.Price < 0 {
		return model.Property{}, fmt.Errorf("%w: title, added_by and a non-negative price are required", model.ErrInvalidInput)
	}

	now := r.clock.Now()
	p = model.Property{
		ID:                   uuid.NewString(),
		Title:                in.Title,
		Type:                 in.Type,
		City:                 in.City,
		Price:                in.Price,
		Status:               model.PropertyStatusDraft,
		AddedBy:              in.AddedBy,
		AddedByRole:          in.AddedByRole,
		AdderCommissionRate:  in.AdderCommissionRate,
		SellerCommissionRate: in.SellerCommissionRate,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	switch in.AddedByRole {
	case model.AdderRoleSeller:
		p.SellerID = in.AddedBy
	case model.AdderRoleBroker:
		if in.SellerID == "" {
			return model.Property{}, fmt.Errorf("%w: seller_id is required when a broker lists a property", model.ErrInvalidInput)
		}
		broker := in.AddedBy
		p.SellerID = in.SellerID
		p.BrokerID = &broker
	default:
		return model.Property{}, fmt.Errorf("%w: unknown adder role %q", model.ErrInvalidInput, in.AddedByRole)
	}

	if err = r.repo.Create(ctx, p); err != nil {
		return model.Property{}, err
	}
	r.log.Info("property created", "property_id", p.ID, "added_by", p.AddedBy, "role", p.AddedByRole)
	return p, nil
}

// Get は物件を返します
func (r *Registry) Get(ctx context.Context, id string) (model.Property, error) {
	return r.repo.GetByID(ctx, id)
}

// Transition は承認ワークフローの操作を適用し、更新後の物件を返します
func (r *Registry) Transition(ctx context.Context, id string, action Action) (p model.Property, err error) {
	ctx, span := tracing.Begin(ctx, "Registry.Transition")
	defer func() { span.Close(err) }()

	t, ok := transitions[action]
	if !ok {
		return model.Property{}, fmt.Errorf("%w: unknown action %q", model.ErrInvalidInput, action)
	}

	now := r.clock.Now()
	if action == ActionMarkSold {
		// カートで確保中の物件は成約処理(Finalize)を経由させる
		err = r.repo.MarkSold(ctx, id, now)
	} else {
		err = r.repo.UpdateStatus(ctx, id, t.from, t.to, now)
	}
	if err != nil {
		return model.Property{}, err
	}
	r.log.Info("property status changed", "property_id", id, "action", action, "status", t.to)
	return r.repo.GetByID(ctx, id)
}
