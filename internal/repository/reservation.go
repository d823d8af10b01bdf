package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

const reservationColumns = `
	id, buyer_id, property_id, status, visit_status, reserved_at,
	visit_confirmed_at, visit_confirmed_by, visit_confirm_method,
	booking_window_start, booking_window_end, released_at, release_reason,
	created_at, updated_at`

// ReservationRepositoryImpl はカートとカートアイテム(予約)の永続化を担当します
type ReservationRepositoryImpl struct {
	db *DB
}

func NewReservationRepository(db *DB) *ReservationRepositoryImpl {
	return &ReservationRepositoryImpl{db: db}
}

// WithTx はリポジトリ共有のトランザクションを開始します
func (r *ReservationRepositoryImpl) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithTx(ctx, fn)
}

// LockCart は買い手のカートを作成(未作成の場合)し、行ロックを取得します
// 同じ買い手の同時リクエストで件数チェックがすり抜けないようにするためのものです
func (r *ReservationRepositoryImpl) LockCart(ctx context.Context, buyerID string, now time.Time) (err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.LockCart")
	defer func() { span.Close(err) }()

	if _, err = r.db.exec(ctx, `
		INSERT INTO carts (buyer_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (buyer_id) DO NOTHING`, buyerID, now); err != nil {
		return fmt.Errorf("failed to ensure cart: %w", err)
	}

	var locked string
	if err = r.db.get(ctx, &locked, `SELECT buyer_id FROM carts WHERE buyer_id = $1 FOR UPDATE`, buyerID); err != nil {
		return fmt.Errorf("failed to lock cart: %w", err)
	}
	return nil
}

// CountActiveByBuyer は買い手の有効な予約件数を返します
func (r *ReservationRepositoryImpl) CountActiveByBuyer(ctx context.Context, buyerID string) (count int, err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.CountActiveByBuyer")
	defer func() { span.Close(err) }()

	query := `SELECT COUNT(*) FROM cart_items WHERE buyer_id = $1 AND status = 'active'`
	if err = r.db.get(ctx, &count, query, buyerID); err != nil {
		return 0, fmt.Errorf("failed to count active reservations: %w", err)
	}
	return count, nil
}

// FindActiveByProperty は物件を保持している有効な予約を探します。なければnilを返します
func (r *ReservationRepositoryImpl) FindActiveByProperty(ctx context.Context, propertyID string) (res *model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.FindActiveByProperty")
	defer func() { span.Close(err) }()

	query := `SELECT ` + reservationColumns + `
		FROM cart_items
		WHERE property_id = $1 AND status = 'active'`
	return r.findOne(ctx, query, propertyID)
}

func (r *ReservationRepositoryImpl) findOne(ctx context.Context, query string, args ...interface{}) (*model.Reservation, error) {
	var res model.Reservation
	if err := r.db.get(ctx, &res, query, args...); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		if isInvalidUUID(err) {
			return nil, model.ErrInvalidID
		}
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return &res, nil
}

// Create は予約を作成します
// 物件ごとの有効な予約はユニークインデックスで1件に制限されています
func (r *ReservationRepositoryImpl) Create(ctx context.Context, res model.Reservation) (err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.Create")
	defer func() { span.Close(err) }()

	query := `
		INSERT INTO cart_items (
			id, buyer_id, property_id, status, visit_status, reserved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	_, err = r.db.exec(ctx, query,
		res.ID, res.BuyerID, res.PropertyID, res.Status, res.VisitStatus, res.ReservedAt, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrAlreadyHeld
		}
		if isInvalidUUID(err) {
			return model.ErrInvalidID
		}
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

// Get は予約を取得します
func (r *ReservationRepositoryImpl) Get(ctx context.Context, id string) (model.Reservation, error) {
	return r.get(ctx, "ReservationRepository.Get", `SELECT `+reservationColumns+` FROM cart_items WHERE id = $1`, id)
}

// GetForUpdate は予約を行ロック付きで取得します。トランザクション内で使用してください
func (r *ReservationRepositoryImpl) GetForUpdate(ctx context.Context, id string) (model.Reservation, error) {
	return r.get(ctx, "ReservationRepository.GetForUpdate", `SELECT `+reservationColumns+` FROM cart_items WHERE id = $1 FOR UPDATE`, id)
}

func (r *ReservationRepositoryImpl) get(ctx context.Context, name, query, id string) (res model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, name)
	defer func() { span.Close(err) }()

	if err = r.db.get(ctx, &res, query, id); err != nil {
		if isNoRows(err) {
			return model.Reservation{}, model.ErrReservationNotFound
		}
		if isInvalidUUID(err) {
			return model.Reservation{}, model.ErrInvalidID
		}
		return model.Reservation{}, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

// Update は有効な予約の可変項目を更新します
// 終端ステータスの行は書き換えず、ErrReservationNotActive を返します
func (r *ReservationRepositoryImpl) Update(ctx context.Context, res model.Reservation) (err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.Update")
	defer func() { span.Close(err) }()

	query := `
		UPDATE cart_items
		SET status = $2,
			visit_status = $3,
			visit_confirmed_at = $4,
			visit_confirmed_by = $5,
			visit_confirm_method = $6,
			booking_window_start = $7,
			booking_window_end = $8,
			released_at = $9,
			release_reason = $10,
			updated_at = $11
		WHERE id = $1
		AND status = 'active'`

	n, err := r.db.exec(ctx, query, res.ID,
		res.Status, res.VisitStatus, res.VisitConfirmedAt, res.VisitConfirmedBy, res.VisitConfirmMethod,
		res.BookingWindowStart, res.BookingWindowEnd, res.ReleasedAt, res.ReleaseReason, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if n == 0 {
		if _, err = r.Get(ctx, res.ID); err != nil {
			return err
		}
		return model.ErrReservationNotActive
	}
	return nil
}

// ListActiveIDs は有効な予約のIDを予約日時の古い順に返します
func (r *ReservationRepositoryImpl) ListActiveIDs(ctx context.Context) (ids []string, err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.ListActiveIDs")
	defer func() { span.Close(err) }()

	query := `SELECT id FROM cart_items WHERE status = 'active' ORDER BY reserved_at ASC`
	if err = r.db.selectAll(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list active reservations: %w", err)
	}
	return ids, nil
}

// ListActive は有効な予約をすべて返します
func (r *ReservationRepositoryImpl) ListActive(ctx context.Context) (list []model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.ListActive")
	defer func() { span.Close(err) }()

	query := `SELECT ` + reservationColumns + ` FROM cart_items WHERE status = 'active' ORDER BY reserved_at ASC`
	if err = r.db.selectAll(ctx, &list, query); err != nil {
		return nil, fmt.Errorf("failed to list active reservations: %w", err)
	}
	return list, nil
}

// ListActiveByBuyer は買い手のカートに入っている有効な予約を返します
func (r *ReservationRepositoryImpl) ListActiveByBuyer(ctx context.Context, buyerID string) (list []model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, "ReservationRepository.ListActiveByBuyer")
	defer func() { span.Close(err) }()

	query := `SELECT ` + reservationColumns + `
		FROM cart_items
		WHERE buyer_id = $1 AND status = 'active'
		ORDER BY reserved_at ASC`
	if err = r.db.selectAll(ctx, &list, query, buyerID); err != nil {
		return nil, fmt.Errorf("failed to list cart items: %w", err)
	}
	return list, nil
}
