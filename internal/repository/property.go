package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

const propertyColumns = `
	id, title, property_type, city, price, status, seller_id, broker_id, added_by, added_by_role,
	adder_commission_rate, seller_commission_rate,
	lock_held, lock_holder_id, lock_reservation_id, lock_reserved_at, lock_visit_confirmed,
	lock_visit_confirmed_at, lock_booking_window_start, lock_booking_window_end,
	created_at, updated_at`

// PropertyRepositoryImpl は物件レコードとロックミラーの永続化を担当します
type PropertyRepositoryImpl struct {
	db *DB
}

// NewPropertyRepository は新しいPropertyRepositoryを作成します
func NewPropertyRepository(db *DB) *PropertyRepositoryImpl {
	return &PropertyRepositoryImpl{db: db}
}

// Create は物件を登録します
func (r *PropertyRepositoryImpl) Create(ctx context.Context, p model.Property) (err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.Create")
	defer func() { span.Close(err) }()

	query := `
		INSERT INTO properties (
			id, title, property_type, city, price, status, seller_id, broker_id, added_by, added_by_role,
			adder_commission_rate, seller_commission_rate, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`

	_, err = r.db.exec(ctx, query,
		p.ID, p.Title, p.Type, p.City, p.Price, p.Status, p.SellerID, p.BrokerID, p.AddedBy, p.AddedByRole,
		p.AdderCommissionRate, p.SellerCommissionRate, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return model.ErrInvalidID
		}
		return fmt.Errorf("failed to create property: %w", err)
	}
	return nil
}

// GetByID は物件を取得します
func (r *PropertyRepositoryImpl) GetByID(ctx context.Context, id string) (p model.Property, err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.GetByID")
	defer func() { span.Close(err) }()

	query := `SELECT ` + propertyColumns + ` FROM properties WHERE id = $1`
	if err = r.db.get(ctx, &p, query, id); err != nil {
		if isNoRows(err) {
			return model.Property{}, model.ErrPropertyNotFound
		}
		if isInvalidUUID(err) {
			return model.Property{}, model.ErrInvalidID
		}
		return model.Property{}, fmt.Errorf("failed to get property: %w", err)
	}
	return p, nil
}

// GetTitleByID は指定された物件IDから物件名を取得します
func (r *PropertyRepositoryImpl) GetTitleByID(ctx context.Context, id string) (title string, err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.GetTitleByID")
	defer func() { span.Close(err) }()

	if err = r.db.get(ctx, &title, `SELECT title FROM properties WHERE id = $1`, id); err != nil {
		if isNoRows(err) {
			return "", model.ErrPropertyNotFound
		}
		return "", fmt.Errorf("failed to get property title: %w", err)
	}
	return title, nil
}

// UpdateStatus は現在のステータスが from のいずれかである場合のみステータスを更新します
func (r *PropertyRepositoryImpl) UpdateStatus(ctx context.Context, id string, from []model.PropertyStatus, to model.PropertyStatus, now time.Time) (err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.UpdateStatus")
	defer func() { span.Close(err) }()

	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE properties
		SET status = $2,
			updated_at = $3
		WHERE id = $1
		AND status = ANY($4)`

	n, err := r.db.exec(ctx, query, id, to, now, pq.Array(allowed))
	if err != nil {
		if isInvalidUUID(err) {
			return model.ErrInvalidID
		}
		return fmt.Errorf("failed to update property status: %w", err)
	}
	if n == 0 {
		if _, err = r.GetByID(ctx, id); err != nil {
			return err
		}
		return model.ErrInvalidPropertyTransition
	}
	return nil
}

// MarkSold はカートで確保されていない公開中の物件のみ売却済みにします
// ロックの確認と更新を1つの条件付きUPDATEで行うため、同時に予約が入っても売却済みにはなりません
func (r *PropertyRepositoryImpl) MarkSold(ctx context.Context, id string, now time.Time) (err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.MarkSold")
	defer func() { span.Close(err) }()

	query := `
		UPDATE properties
		SET status = 'sold',
			updated_at = $2
		WHERE id = $1
		AND status = 'live'
		AND lock_held = FALSE`

	n, err := r.db.exec(ctx, query, id, now)
	if err != nil {
		if isInvalidUUID(err) {
			return model.ErrInvalidID
		}
		return fmt.Errorf("failed to mark property sold: %w", err)
	}
	if n == 0 {
		if _, err = r.GetByID(ctx, id); err != nil {
			return err
		}
		return model.ErrInvalidPropertyTransition
	}
	return nil
}

// AcquireLock はロックが空いていて公開中の物件に対してのみロックを設定します
// 読み取りと書き込みを1つの条件付きUPDATEで行うため、同時に取得できるのは1人だけです
func (r *PropertyRepositoryImpl) AcquireLock(ctx context.Context, id string, lock model.CartLock, now time.Time) (acquired bool, err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.AcquireLock")
	defer func() { span.Close(err) }()

	query := `
		UPDATE properties
		SET lock_held = TRUE,
			lock_holder_id = $2,
			lock_reservation_id = $3,
			lock_reserved_at = $4,
			lock_visit_confirmed = FALSE,
			lock_visit_confirmed_at = NULL,
			lock_booking_window_start = NULL,
			lock_booking_window_end = NULL,
			updated_at = $5
		WHERE id = $1
		AND lock_held = FALSE
		AND status = 'live'`

	n, err := r.db.exec(ctx, query, id, lock.HolderID, lock.ReservationID, lock.ReservedAt, now)
	if err != nil {
		if isInvalidUUID(err) {
			return false, model.ErrInvalidID
		}
		return false, fmt.Errorf("failed to acquire property lock: %w", err)
	}
	return n == 1, nil
}

// SyncLock はロックミラーを予約アイテムの内容で上書きします
func (r *PropertyRepositoryImpl) SyncLock(ctx context.Context, id string, lock model.CartLock, now time.Time) (err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.SyncLock")
	defer func() { span.Close(err) }()

	query := `
		UPDATE properties
		SET lock_held = $2,
			lock_holder_id = $3,
			lock_reservation_id = $4,
			lock_reserved_at = $5,
			lock_visit_confirmed = $6,
			lock_visit_confirmed_at = $7,
			lock_booking_window_start = $8,
			lock_booking_window_end = $9,
			updated_at = $10
		WHERE id = $1`

	n, err := r.db.exec(ctx, query, id,
		lock.Held, lock.HolderID, lock.ReservationID, lock.ReservedAt, lock.VisitConfirmed,
		lock.VisitConfirmedAt, lock.BookingWindowStart, lock.BookingWindowEnd, now,
	)
	if err != nil {
		return fmt.Errorf("failed to sync property lock: %w", err)
	}
	if n == 0 {
		return model.ErrPropertyNotFound
	}
	return nil
}

// ClearLock は指定された予約が保持しているロックを解除します
// 別の予約がロックを保持している場合は何もせず false を返します
// reservationID が空文字の場合は予約IDを持たないロックのみ解除します
func (r *PropertyRepositoryImpl) ClearLock(ctx context.Context, id, reservationID string, now time.Time) (cleared bool, err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.ClearLock")
	defer func() { span.Close(err) }()

	query := `
		UPDATE properties
		SET lock_held = FALSE,
			lock_holder_id = NULL,
			lock_reservation_id = NULL,
			lock_reserved_at = NULL,
			lock_visit_confirmed = FALSE,
			lock_visit_confirmed_at = NULL,
			lock_booking_window_start = NULL,
			lock_booking_window_end = NULL,
			updated_at = $3
		WHERE id = $1
		AND (lock_reservation_id IS NULL OR lock_reservation_id::text = $2)`

	n, err := r.db.exec(ctx, query, id, reservationID, now)
	if err != nil {
		return false, fmt.Errorf("failed to clear property lock: %w", err)
	}
	return n == 1, nil
}

// ListLocked はロック中の物件を取得します
func (r *PropertyRepositoryImpl) ListLocked(ctx context.Context) (props []model.Property, err error) {
	ctx, span := tracing.Begin(ctx, "PropertyRepository.ListLocked")
	defer func() { span.Close(err) }()

	query := `SELECT ` + propertyColumns + ` FROM properties WHERE lock_held = TRUE ORDER BY id`
	if err = r.db.selectAll(ctx, &props, query); err != nil {
		return nil, fmt.Errorf("failed to list locked properties: %w", err)
	}
	return props, nil
}
