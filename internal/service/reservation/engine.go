package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uma-arai/sbcntr-estate/internal/common/clock"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
	"github.com/uma-arai/sbcntr-estate/internal/notifier"
	"github.com/uma-arai/sbcntr-estate/internal/service/commission"
)

// PropertyStore は予約エンジンが利用する物件リポジトリです
type PropertyStore interface {
	GetByID(ctx context.Context, id string) (model.Property, error)
	UpdateStatus(ctx context.Context, id string, from []model.PropertyStatus, to model.PropertyStatus, now time.Time) error
	AcquireLock(ctx context.Context, id string, lock model.CartLock, now time.Time) (bool, error)
	SyncLock(ctx context.Context, id string, lock model.CartLock, now time.Time) error
	ClearLock(ctx context.Context, id, reservationID string, now time.Time) (bool, error)
	ListLocked(ctx context.Context) ([]model.Property, error)
}

// ReservationStore はカートアイテムのリポジトリです
type ReservationStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockCart(ctx context.Context, buyerID string, now time.Time) error
	CountActiveByBuyer(ctx context.Context, buyerID string) (int, error)
	FindActiveByProperty(ctx context.Context, propertyID string) (*model.Reservation, error)
	Create(ctx context.Context, res model.Reservation) error
	Get(ctx context.Context, id string) (model.Reservation, error)
	GetForUpdate(ctx context.Context, id string) (model.Reservation, error)
	Update(ctx context.Context, res model.Reservation) error
	ListActiveIDs(ctx context.Context) ([]string, error)
	ListActive(ctx context.Context) ([]model.Reservation, error)
	ListActiveByBuyer(ctx context.Context, buyerID string) ([]model.Reservation, error)
}

// CommissionRecorder は手数料台帳への書き込み口です
type CommissionRecorder interface {
	RecordCommission(ctx context.Context, in commission.RecordInput) (model.Commission, error)
}

// Rules はルールプロバイダの値(既定値込み)を返します
type Rules interface {
	MaxProperties(ctx context.Context) int
	VisitWindow(ctx context.Context, p model.Property) time.Duration
	BookingWindow(ctx context.Context, p model.Property) time.Duration
	AdderRate(ctx context.Context, p model.Property) float64
	SellerRate(ctx context.Context, p model.Property) float64
}

// Engine はカートアイテムのライフサイクルと物件側のロックミラーを管理します
// 1つの操作の書き込みはすべて1トランザクションで行い、イベントはコミット後に通知します
type Engine struct {
	properties   PropertyStore
	reservations ReservationStore
	ledger       CommissionRecorder
	rules        Rules
	notifier     notifier.Notifier
	clock        clock.Clock
	log          *logger.Logger
}

func NewEngine(
	properties PropertyStore,
	reservations ReservationStore,
	ledger CommissionRecorder,
	rules Rules,
	n notifier.Notifier,
	clk clock.Clock,
	log *logger.Logger,
) *Engine {
	return &Engine{
		properties:   properties,
		reservations: reservations,
		ledger:       ledger,
		rules:        rules,
		notifier:     n,
		clock:        clk,
		log:          log,
	}
}

// LockStatus は物件のロック状態の読み取り結果です
type LockStatus struct {
	PropertyID     string               `json:"property_id"`
	PropertyStatus model.PropertyStatus `json:"property_status"`
	Lock           model.CartLock       `json:"cart_lock"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
}

// outbox はトランザクション中に発生したイベントをコミットまで保持します
type outbox struct {
	events []model.PropertyEvent
}

func (o *outbox) add(ev model.PropertyEvent) {
	o.events = append(o.events, ev)
}

// inTx は fn をトランザクション内で実行し、コミットできた場合のみイベントを通知します
func (e *Engine) inTx(ctx context.Context, fn func(ctx context.Context, out *outbox) error) error {
	out := &outbox{}
	err := e.reservations.WithTx(ctx, func(txCtx context.Context) error {
		out.events = out.events[:0]
		return fn(txCtx, out)
	})
	if err != nil {
		return err
	}
	for _, ev := range out.events {
		e.notifier.Notify(ctx, ev)
	}
	return nil
}

// Reserve は物件を買い手のカートに入れ、物件のロックを取得します
func (e *Engine) Reserve(ctx context.Context, buyerID, propertyID string) (res model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, "Engine.Reserve")
	defer func() { span.Close(err) }()

	if buyerID == "" || propertyID == "" {
		return model.Reservation{}, fmt.Errorf("%w: buyer_id and property_id are required", model.ErrInvalidInput)
	}

	err = e.inTx(ctx, func(txCtx context.Context, out *outbox) error {
		now := e.clock.Now()

		// 同じ買い手の同時リクエストをカート単位で直列化する
		if err := e.reservations.LockCart(txCtx, buyerID, now); err != nil {
			return err
		}

		holder, err := e.lockHolder(txCtx, propertyID)
		if err != nil {
			return err
		}
		p, err := e.properties.GetByID(txCtx, propertyID)
		if err != nil {
			return err
		}
		if p.Status != model.PropertyStatusLive {
			return model.ErrPropertyNotAvailable
		}

		if holder != nil {
			expired, err := e.expireIfDueTx(txCtx, out, *holder, p, now)
			if err != nil {
				return err
			}
			if !expired {
				if holder.BuyerID == buyerID {
					return model.ErrDuplicateReservation
				}
				return model.ErrAlreadyHeld
			}
		} else if p.Held {
			// 有効な予約がないのにロックだけ残っている場合は予約アイテムを正として解除する
			if err := e.repairOrphanLock(txCtx, p, now); err != nil {
				return err
			}
		}

		count, err := e.reservations.CountActiveByBuyer(txCtx, buyerID)
		if err != nil {
			return err
		}
		limit := e.rules.MaxProperties(txCtx)
		if count >= limit {
			// 期限切れのままスイープ待ちの予約は上限に数えない
			if count, err = e.expireDueInCart(txCtx, out, buyerID, now); err != nil {
				return err
			}
			if count >= limit {
				return model.ErrCapacityExceeded
			}
		}

		res = model.Reservation{
			ID:          uuid.NewString(),
			BuyerID:     buyerID,
			PropertyID:  propertyID,
			Status:      model.ReservationStatusActive,
			VisitStatus: model.VisitStatusPending,
			ReservedAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.reservations.Create(txCtx, res); err != nil {
			return err
		}
		acquired, err := e.properties.AcquireLock(txCtx, propertyID, res.Lock(), now)
		if err != nil {
			return err
		}
		if !acquired {
			return model.ErrAlreadyHeld
		}

		out.add(model.NewPropertyEvent(model.EventPropertyLocked, res, p, now))
		return nil
	})
	if err != nil {
		return model.Reservation{}, err
	}

	e.log.Info("property reserved", "reservation_id", res.ID, "buyer_id", buyerID, "property_id", propertyID)
	return res, nil
}

// ConfirmVisit は内見を確定し、成約期間を開始します
// 確定したブローカーが物件の登録者でない場合、同じトランザクションでseller手数料を記録します
// 期限を過ぎている場合は予約を解放したうえでウィンドウ超過エラーを返します
func (e *Engine) ConfirmVisit(ctx context.Context, reservationID, confirmedBy, method string) (res model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, "Engine.ConfirmVisit")
	defer func() { span.Close(err) }()

	if confirmedBy == "" {
		return model.Reservation{}, fmt.Errorf("%w: confirmed_by is required", model.ErrInvalidInput)
	}

	var windowErr error
	err = e.inTx(ctx, func(txCtx context.Context, out *outbox) error {
		now := e.clock.Now()

		r, err := e.reservations.GetForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return model.ErrReservationNotActive
		}
		p, err := e.properties.GetByID(txCtx, r.PropertyID)
		if err != nil {
			return err
		}

		if r.IsDue(now, e.rules.VisitWindow(txCtx, p)) {
			windowErr = windowError(r)
			return e.releaseTx(txCtx, out, r, p, model.ReleaseReasonExpired, now)
		}
		if r.VisitConfirmed() {
			return model.ErrVisitAlreadyConfirmed
		}

		confirmedAt := now
		bookingEnd := now.Add(e.rules.BookingWindow(txCtx, p))
		by, how := confirmedBy, method
		r.VisitStatus = model.VisitStatusConfirmed
		r.VisitConfirmedAt = &confirmedAt
		r.VisitConfirmedBy = &by
		if how != "" {
			r.VisitConfirmMethod = &how
		}
		r.BookingWindowStart = &confirmedAt
		r.BookingWindowEnd = &bookingEnd
		r.UpdatedAt = now

		if err := e.reservations.Update(txCtx, r); err != nil {
			return err
		}
		if err := e.properties.SyncLock(txCtx, p.ID, r.Lock(), now); err != nil {
			return err
		}

		if confirmedBy != p.AddedBy {
			if _, err := e.ledger.RecordCommission(txCtx, commission.RecordInput{
				ReservationID: r.ID,
				BrokerID:      confirmedBy,
				PropertyID:    p.ID,
				Type:          model.CommissionTypeSeller,
				Price:         p.Price,
				Rate:          e.rules.SellerRate(txCtx, p),
			}); err != nil {
				return fmt.Errorf("failed to record seller commission: %w", err)
			}
		}

		out.add(model.NewPropertyEvent(model.EventVisitConfirmed, r, p, now))
		res = r
		return nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if windowErr != nil {
		e.log.Info("reservation expired on visit confirmation", "reservation_id", reservationID)
		return model.Reservation{}, windowErr
	}

	e.log.Info("visit confirmed", "reservation_id", res.ID, "confirmed_by", confirmedBy, "booking_window_end", res.BookingWindowEnd)
	return res, nil
}

// Release は予約を解放し、物件のロックを解除します
// 既に解放済みの予約に対しては何もしません
func (e *Engine) Release(ctx context.Context, reservationID string, reason model.ReleaseReason) (err error) {
	ctx, span := tracing.Begin(ctx, "Engine.Release")
	defer func() { span.Close(err) }()

	if !reason.Valid() {
		return fmt.Errorf("%w: unknown release reason %q", model.ErrInvalidInput, reason)
	}

	released := false
	err = e.inTx(ctx, func(txCtx context.Context, out *outbox) error {
		r, err := e.reservations.GetForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return nil
		}
		p, err := e.properties.GetByID(txCtx, r.PropertyID)
		if err != nil {
			return err
		}
		released = true
		return e.releaseTx(txCtx, out, r, p, reason, e.clock.Now())
	})
	if err != nil {
		return err
	}

	if released {
		e.log.Info("reservation released", "reservation_id", reservationID, "reason", reason)
	}
	return nil
}

// ExpireIfDue は適用中のウィンドウを超過していれば予約を期限切れとして解放し true を返します
// 対話的なリクエストとスイーパーの両方から呼ばれる唯一の期限判定です
func (e *Engine) ExpireIfDue(ctx context.Context, reservationID string) (expired bool, err error) {
	ctx, span := tracing.Begin(ctx, "Engine.ExpireIfDue")
	defer func() { span.Close(err) }()

	err = e.inTx(ctx, func(txCtx context.Context, out *outbox) error {
		r, err := e.reservations.GetForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return nil
		}
		p, err := e.properties.GetByID(txCtx, r.PropertyID)
		if err != nil {
			return err
		}
		expired, err = e.expireIfDueTx(txCtx, out, r, p, e.clock.Now())
		return err
	})
	if err != nil {
		return false, err
	}
	if expired {
		e.log.Info("reservation expired", "reservation_id", reservationID)
	}
	return expired, nil
}

// GetLockStatus は物件のロック状態を返します。期限切れの保持は先に解放します
func (e *Engine) GetLockStatus(ctx context.Context, propertyID string) (status LockStatus, err error) {
	ctx, span := tracing.Begin(ctx, "Engine.GetLockStatus")
	defer func() { span.Close(err) }()

	err = e.inTx(ctx, func(txCtx context.Context, out *outbox) error {
		now := e.clock.Now()
		holder, err := e.lockHolder(txCtx, propertyID)
		if err != nil {
			return err
		}
		p, err := e.properties.GetByID(txCtx, propertyID)
		if err != nil {
			return err
		}
		var expiresAt *time.Time
		if holder != nil {
			visitWindow := e.rules.VisitWindow(txCtx, p)
			expired, err := e.expireIfDueTx(txCtx, out, *holder, p, now)
			if err != nil {
				return err
			}
			if expired {
				if p, err = e.properties.GetByID(txCtx, propertyID); err != nil {
					return err
				}
			} else {
				deadline := holder.Deadline(visitWindow)
				expiresAt = &deadline
			}
		}
		status = LockStatus{
			PropertyID:     p.ID,
			PropertyStatus: p.Status,
			Lock:           p.CartLock,
			ExpiresAt:      expiresAt,
		}
		return nil
	})
	if err != nil {
		return LockStatus{}, err
	}
	return status, nil
}

// Get は予約を返します
func (e *Engine) Get(ctx context.Context, reservationID string) (model.Reservation, error) {
	return e.reservations.Get(ctx, reservationID)
}

// ListCart は買い手のカートにある有効な予約を返します。期限切れのものは先に解放します
func (e *Engine) ListCart(ctx context.Context, buyerID string) (list []model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, "Engine.ListCart")
	defer func() { span.Close(err) }()

	items, err := e.reservations.ListActiveByBuyer(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	expiredAny := false
	for _, item := range items {
		expired, err := e.ExpireIfDue(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		expiredAny = expiredAny || expired
	}
	if !expiredAny {
		return items, nil
	}
	return e.reservations.ListActiveByBuyer(ctx, buyerID)
}

// ListActiveIDs は有効な予約のIDを返します
func (e *Engine) ListActiveIDs(ctx context.Context) ([]string, error) {
	return e.reservations.ListActiveIDs(ctx)
}

// Finalize は内見確定済みの予約を成約として確定します
// 物件のロックを解除して売却済みにし、登録者がブローカーの場合はadder手数料を記録します
func (e *Engine) Finalize(ctx context.Context, reservationID string) (res model.Reservation, err error) {
	ctx, span := tracing.Begin(ctx, "Engine.Finalize")
	defer func() { span.Close(err) }()

	var windowErr error
	err = e.inTx(ctx, func(txCtx context.Context, out *outbox) error {
		now := e.clock.Now()

		r, err := e.reservations.GetForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return model.ErrReservationNotActive
		}
		p, err := e.properties.GetByID(txCtx, r.PropertyID)
		if err != nil {
			return err
		}
		if r.IsDue(now, e.rules.VisitWindow(txCtx, p)) {
			windowErr = windowError(r)
			return e.releaseTx(txCtx, out, r, p, model.ReleaseReasonExpired, now)
		}
		if !r.VisitConfirmed() {
			return model.ErrVisitNotConfirmed
		}

		r.Status = model.ReservationStatusPurchased
		r.VisitStatus = model.VisitStatusCompleted
		r.UpdatedAt = now
		if err := e.reservations.Update(txCtx, r); err != nil {
			return err
		}
		if _, err := e.properties.ClearLock(txCtx, p.ID, r.ID, now); err != nil {
			return err
		}
		if err := e.properties.UpdateStatus(txCtx, p.ID, []model.PropertyStatus{model.PropertyStatusLive}, model.PropertyStatusSold, now); err != nil {
			return err
		}

		if p.AddedByRole == model.AdderRoleBroker {
			in := commission.RecordInput{
				ReservationID: r.ID,
				BrokerID:      p.AddedBy,
				PropertyID:    p.ID,
				Type:          model.CommissionTypeAdder,
				Price:         p.Price,
				Rate:          e.rules.AdderRate(txCtx, p),
			}
			// 登録者自身が内見を確定した場合はseller手数料がないため、合算した1件にまとめる
			if r.VisitConfirmedBy != nil && *r.VisitConfirmedBy == p.AddedBy {
				in.Type = model.CommissionTypeAdderSeller
				in.Rate += e.rules.SellerRate(txCtx, p)
			}
			if _, err := e.ledger.RecordCommission(txCtx, in); err != nil {
				return fmt.Errorf("failed to record %s commission: %w", in.Type, err)
			}
		}

		out.add(model.NewPropertyEvent(model.EventPropertySold, r, p, now))
		res = r
		return nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if windowErr != nil {
		return model.Reservation{}, windowErr
	}

	e.log.Info("sale finalized", "reservation_id", res.ID, "property_id", res.PropertyID)
	return res, nil
}

// Reconcile は物件側のロックミラーと予約アイテムのずれを検出し、予約アイテムを正として修復します
// 修復した件数を返します。個々の修復の失敗はログに残して処理を続けます
func (e *Engine) Reconcile(ctx context.Context) (repaired int, err error) {
	ctx, span := tracing.Begin(ctx, "Engine.Reconcile")
	defer func() { span.Close(err) }()

	var errs []error

	locked, err := e.properties.ListLocked(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range locked {
		fixed, err := e.reconcileProperty(ctx, p.ID)
		if err != nil {
			e.log.Error("failed to reconcile property lock", "property_id", p.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if fixed {
			repaired++
		}
	}

	active, err := e.reservations.ListActive(ctx)
	if err != nil {
		return repaired, errors.Join(append(errs, err)...)
	}
	for _, r := range active {
		fixed, err := e.reconcileReservation(ctx, r.ID)
		if err != nil {
			e.log.Error("failed to reconcile reservation mirror", "reservation_id", r.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if fixed {
			repaired++
		}
	}

	return repaired, errors.Join(errs...)
}

// reconcileProperty はロック中の物件に対応する有効な予約がなければロックを解除します
func (e *Engine) reconcileProperty(ctx context.Context, propertyID string) (fixed bool, err error) {
	err = e.reservations.WithTx(ctx, func(txCtx context.Context) error {
		now := e.clock.Now()
		holder, err := e.lockHolder(txCtx, propertyID)
		if err != nil {
			return err
		}
		p, err := e.properties.GetByID(txCtx, propertyID)
		if err != nil {
			return err
		}
		if !p.Held {
			return nil
		}
		if holder == nil {
			fixed = true
			return e.repairOrphanLock(txCtx, p, now)
		}
		if !p.CartLock.MatchesReservation(*holder) {
			e.log.Warn("property lock mirror drifted, re-syncing", "property_id", p.ID, "reservation_id", holder.ID)
			fixed = true
			return e.properties.SyncLock(txCtx, p.ID, holder.Lock(), now)
		}
		return nil
	})
	return fixed, err
}

// reconcileReservation は有効な予約のミラーが物件側に反映されていなければ書き直します
func (e *Engine) reconcileReservation(ctx context.Context, reservationID string) (fixed bool, err error) {
	err = e.reservations.WithTx(ctx, func(txCtx context.Context) error {
		r, err := e.reservations.GetForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return nil
		}
		p, err := e.properties.GetByID(txCtx, r.PropertyID)
		if err != nil {
			return err
		}
		if p.CartLock.MatchesReservation(r) {
			return nil
		}
		e.log.Warn("reservation not mirrored on property, re-syncing", "property_id", p.ID, "reservation_id", r.ID)
		fixed = true
		return e.properties.SyncLock(txCtx, p.ID, r.Lock(), e.clock.Now())
	})
	return fixed, err
}

func (e *Engine) repairOrphanLock(ctx context.Context, p model.Property, now time.Time) error {
	mirrored := ""
	if p.ReservationID != nil {
		mirrored = *p.ReservationID
	}
	e.log.Warn("property lock held without active reservation, clearing", "property_id", p.ID, "lock_reservation_id", mirrored)
	_, err := e.properties.ClearLock(ctx, p.ID, mirrored, now)
	return err
}

// expireDueInCart は買い手のカートのうち期限を過ぎた予約を解放し、残った有効な予約の数を返します
func (e *Engine) expireDueInCart(ctx context.Context, out *outbox, buyerID string, now time.Time) (int, error) {
	items, err := e.reservations.ListActiveByBuyer(ctx, buyerID)
	if err != nil {
		return 0, err
	}
	remaining := 0
	for _, item := range items {
		r, err := e.reservations.GetForUpdate(ctx, item.ID)
		if err != nil {
			return 0, err
		}
		if !r.IsActive() {
			continue
		}
		p, err := e.properties.GetByID(ctx, r.PropertyID)
		if err != nil {
			return 0, err
		}
		expired, err := e.expireIfDueTx(ctx, out, r, p, now)
		if err != nil {
			return 0, err
		}
		if !expired {
			remaining++
		}
	}
	return remaining, nil
}

// lockHolder は物件を保持している有効な予約を行ロック付きで読み直して返します
// 検索から行ロックまでの間にスイーパーなどが解放していた場合は nil を返します
func (e *Engine) lockHolder(ctx context.Context, propertyID string) (*model.Reservation, error) {
	found, err := e.reservations.FindActiveByProperty(ctx, propertyID)
	if err != nil || found == nil {
		return nil, err
	}
	r, err := e.reservations.GetForUpdate(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if !r.IsActive() {
		return nil, nil
	}
	return &r, nil
}

// expireIfDueTx はトランザクション内で期限判定と解放を行います
// r は GetForUpdate で行ロックを取った有効な予約であることが前提です
func (e *Engine) expireIfDueTx(ctx context.Context, out *outbox, r model.Reservation, p model.Property, now time.Time) (bool, error) {
	if !r.IsDue(now, e.rules.VisitWindow(ctx, p)) {
		return false, nil
	}
	if err := e.releaseTx(ctx, out, r, p, model.ReleaseReasonExpired, now); err != nil {
		return false, err
	}
	return true, nil
}

// releaseTx は予約アイテムを終端ステータスにしてから物件のロックを解除します
func (e *Engine) releaseTx(ctx context.Context, out *outbox, r model.Reservation, p model.Property, reason model.ReleaseReason, now time.Time) error {
	releasedAt, why := now, reason
	r.Status = reason.TerminalStatus()
	if reason == model.ReleaseReasonExpired {
		r.VisitStatus = model.VisitStatusExpired
	} else {
		r.VisitStatus = model.VisitStatusCancelled
	}
	r.ReleasedAt = &releasedAt
	r.ReleaseReason = &why
	r.UpdatedAt = now

	if err := e.reservations.Update(ctx, r); err != nil {
		return err
	}
	cleared, err := e.properties.ClearLock(ctx, p.ID, r.ID, now)
	if err != nil {
		return err
	}
	if !cleared {
		e.log.Warn("property lock held by another reservation, left untouched", "property_id", p.ID, "reservation_id", r.ID)
	}

	ev := model.NewPropertyEvent(model.EventPropertyUnlocked, r, p, now)
	ev.Reason = reason
	out.add(ev)
	return nil
}

func windowError(r model.Reservation) error {
	if r.VisitConfirmed() {
		return model.ErrBookingWindowExpired
	}
	return model.ErrVisitWindowExpired
}
