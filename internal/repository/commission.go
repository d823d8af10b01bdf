package repository

import (
	"context"
	"fmt"

	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

const commissionColumns = `
	id, reservation_id, broker_id, property_id, type, price, rate, amount, status,
	override_reason, approved_at, paid_at, created_at, updated_at`

// CommissionRepositoryImpl は手数料レコードの永続化を担当します
type CommissionRepositoryImpl struct {
	db *DB
}

func NewCommissionRepository(db *DB) *CommissionRepositoryImpl {
	return &CommissionRepositoryImpl{db: db}
}

// WithTx はリポジトリ共有のトランザクションを開始します
func (r *CommissionRepositoryImpl) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithTx(ctx, fn)
}

// Create は手数料レコードを追加します
// 同じ予約・同じ種類の手数料が既に存在する場合はErrCommissionExistsを返します
func (r *CommissionRepositoryImpl) Create(ctx context.Context, c model.Commission) (err error) {
	ctx, span := tracing.Begin(ctx, "CommissionRepository.Create")
	defer func() { span.Close(err) }()

	query := `
		INSERT INTO commissions (
			id, reservation_id, broker_id, property_id, type, price, rate, amount, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err = r.db.exec(ctx, query,
		c.ID, c.ReservationID, c.BrokerID, c.PropertyID, c.Type, c.Price, c.Rate, c.Amount, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrCommissionExists
		}
		return fmt.Errorf("failed to create commission: %w", err)
	}
	return nil
}

// Get は手数料レコードを取得します
func (r *CommissionRepositoryImpl) Get(ctx context.Context, id string) (model.Commission, error) {
	return r.get(ctx, "CommissionRepository.Get", `SELECT `+commissionColumns+` FROM commissions WHERE id = $1`, id)
}

// GetForUpdate は手数料レコードを行ロック付きで取得します
func (r *CommissionRepositoryImpl) GetForUpdate(ctx context.Context, id string) (model.Commission, error) {
	return r.get(ctx, "CommissionRepository.GetForUpdate", `SELECT `+commissionColumns+` FROM commissions WHERE id = $1 FOR UPDATE`, id)
}

func (r *CommissionRepositoryImpl) get(ctx context.Context, name, query, id string) (c model.Commission, err error) {
	ctx, span := tracing.Begin(ctx, name)
	defer func() { span.Close(err) }()

	if err = r.db.get(ctx, &c, query, id); err != nil {
		if isNoRows(err) {
			return model.Commission{}, model.ErrCommissionNotFound
		}
		if isInvalidUUID(err) {
			return model.Commission{}, model.ErrInvalidID
		}
		return model.Commission{}, fmt.Errorf("failed to get commission: %w", err)
	}
	return c, nil
}

// Update は手数料レコードの承認系の項目を更新します
func (r *CommissionRepositoryImpl) Update(ctx context.Context, c model.Commission) (err error) {
	ctx, span := tracing.Begin(ctx, "CommissionRepository.Update")
	defer func() { span.Close(err) }()

	query := `
		UPDATE commissions
		SET rate = $2,
			amount = $3,
			status = $4,
			override_reason = $5,
			approved_at = $6,
			paid_at = $7,
			updated_at = $8
		WHERE id = $1`

	n, err := r.db.exec(ctx, query, c.ID, c.Rate, c.Amount, c.Status, c.OverrideReason, c.ApprovedAt, c.PaidAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update commission: %w", err)
	}
	if n == 0 {
		return model.ErrCommissionNotFound
	}
	return nil
}

// ListByReservation は予約に紐づく手数料を返します
func (r *CommissionRepositoryImpl) ListByReservation(ctx context.Context, reservationID string) (list []model.Commission, err error) {
	ctx, span := tracing.Begin(ctx, "CommissionRepository.ListByReservation")
	defer func() { span.Close(err) }()

	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE reservation_id = $1 ORDER BY created_at ASC`
	if err = r.db.selectAll(ctx, &list, query, reservationID); err != nil {
		return nil, fmt.Errorf("failed to list commissions by reservation: %w", err)
	}
	return list, nil
}

// ListByBroker はブローカーの手数料を新しい順に返します
func (r *CommissionRepositoryImpl) ListByBroker(ctx context.Context, brokerID string) (list []model.Commission, err error) {
	ctx, span := tracing.Begin(ctx, "CommissionRepository.ListByBroker")
	defer func() { span.Close(err) }()

	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE broker_id = $1 ORDER BY created_at DESC`
	if err = r.db.selectAll(ctx, &list, query, brokerID); err != nil {
		return nil, fmt.Errorf("failed to list commissions by broker: %w", err)
	}
	return list, nil
}
