// Package testutil はサービス層のテストで使うインメモリのリポジトリ実装です
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/model"
)

type txKey struct{}

// MemoryStore は物件・予約・手数料・ルール・通知のリポジトリをメモリ上で実装します
// Postgres 実装と同じく、ロック取得は条件付き更新で、物件ごとの有効な予約と
// 予約ごとの手数料種別はユニーク制約で守られます
// トランザクションはストア全体の排他とスナップショットで表現し、エラー時は巻き戻します
type MemoryStore struct {
	mu            sync.Mutex
	properties    map[string]model.Property
	reservations  map[string]model.Reservation
	commissions   map[string]model.Commission
	carts         map[string]time.Time
	rules         []model.Rule
	notifications []model.NotificationRecord

	// 障害注入用。nil以外を設定すると該当メソッドがそのエラーを返します
	CommissionCreateErr error
	RuleErr             error
	SyncLockErr         error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		properties:   map[string]model.Property{},
		reservations: map[string]model.Reservation{},
		commissions:  map[string]model.Commission{},
		carts:        map[string]time.Time{},
	}
}

type snapshot struct {
	properties    map[string]model.Property
	reservations  map[string]model.Reservation
	commissions   map[string]model.Commission
	carts         map[string]time.Time
	notifications []model.NotificationRecord
}

func (s *MemoryStore) snapshot() snapshot {
	snap := snapshot{
		properties:    make(map[string]model.Property, len(s.properties)),
		reservations:  make(map[string]model.Reservation, len(s.reservations)),
		commissions:   make(map[string]model.Commission, len(s.commissions)),
		carts:         make(map[string]time.Time, len(s.carts)),
		notifications: append([]model.NotificationRecord(nil), s.notifications...),
	}
	for k, v := range s.properties {
		snap.properties[k] = v
	}
	for k, v := range s.reservations {
		snap.reservations[k] = v
	}
	for k, v := range s.commissions {
		snap.commissions[k] = v
	}
	for k, v := range s.carts {
		snap.carts[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap snapshot) {
	s.properties = snap.properties
	s.reservations = snap.reservations
	s.commissions = snap.commissions
	s.carts = snap.carts
	s.notifications = snap.notifications
}

func (s *MemoryStore) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*MemoryStore)
	return owner == s
}

// do はトランザクション外からの呼び出しのときだけストアの排他を取得します
func (s *MemoryStore) do(ctx context.Context, fn func() error) error {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn()
}

// WithTx は fn をストア全体の排他の下で実行し、エラーの場合は開始時点の状態に戻します
// 既にトランザクション内であればそのまま参加します
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// ---- seed / inspection helpers ----

// PutProperty は物件を登録(上書き)します
func (s *MemoryStore) PutProperty(p model.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[p.ID] = p
}

// Property は物件の現在の状態を返します
func (s *MemoryStore) Property(id string) model.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.properties[id]
}

// PutReservation は予約を登録(上書き)します
func (s *MemoryStore) PutReservation(r model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = r
}

// Reservations は全予約を予約日時順で返します
func (s *MemoryStore) Reservations() []model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterReservations(func(model.Reservation) bool { return true })
}

// Commissions は全手数料を作成日時順で返します
func (s *MemoryStore) Commissions() []model.Commission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterCommissions(func(model.Commission) bool { return true })
}

// AddRule はルールを追加します
func (s *MemoryStore) AddRule(r model.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = int64(len(s.rules) + 1)
	}
	s.rules = append(s.rules, r)
}

// Notifications は保存された通知を返します
func (s *MemoryStore) Notifications() []model.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NotificationRecord(nil), s.notifications...)
}

// ---- properties ----

func (s *MemoryStore) Create(ctx context.Context, p model.Property) error {
	return s.do(ctx, func() error {
		if _, ok := s.properties[p.ID]; ok {
			return model.ErrInvalidInput
		}
		s.properties[p.ID] = p
		return nil
	})
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (p model.Property, err error) {
	err = s.do(ctx, func() error {
		var ok bool
		if p, ok = s.properties[id]; !ok {
			return model.ErrPropertyNotFound
		}
		return nil
	})
	return p, err
}

func (s *MemoryStore) GetTitleByID(ctx context.Context, id string) (string, error) {
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Title, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from []model.PropertyStatus, to model.PropertyStatus, now time.Time) error {
	return s.do(ctx, func() error {
		p, ok := s.properties[id]
		if !ok {
			return model.ErrPropertyNotFound
		}
		for _, f := range from {
			if p.Status == f {
				p.Status = to
				p.UpdatedAt = now
				s.properties[id] = p
				return nil
			}
		}
		return model.ErrInvalidPropertyTransition
	})
}

func (s *MemoryStore) MarkSold(ctx context.Context, id string, now time.Time) error {
	return s.do(ctx, func() error {
		p, ok := s.properties[id]
		if !ok {
			return model.ErrPropertyNotFound
		}
		if p.Status != model.PropertyStatusLive || p.Held {
			return model.ErrInvalidPropertyTransition
		}
		p.Status = model.PropertyStatusSold
		p.UpdatedAt = now
		s.properties[id] = p
		return nil
	})
}

func (s *MemoryStore) AcquireLock(ctx context.Context, id string, lock model.CartLock, now time.Time) (acquired bool, err error) {
	err = s.do(ctx, func() error {
		p, ok := s.properties[id]
		if !ok || p.Held || p.Status != model.PropertyStatusLive {
			return nil
		}
		p.CartLock = model.CartLock{
			Held:          true,
			HolderID:      lock.HolderID,
			ReservationID: lock.ReservationID,
			ReservedAt:    lock.ReservedAt,
		}
		p.UpdatedAt = now
		s.properties[id] = p
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *MemoryStore) SyncLock(ctx context.Context, id string, lock model.CartLock, now time.Time) error {
	return s.do(ctx, func() error {
		if s.SyncLockErr != nil {
			return s.SyncLockErr
		}
		p, ok := s.properties[id]
		if !ok {
			return model.ErrPropertyNotFound
		}
		p.CartLock = lock
		p.UpdatedAt = now
		s.properties[id] = p
		return nil
	})
}

func (s *MemoryStore) ClearLock(ctx context.Context, id, reservationID string, now time.Time) (cleared bool, err error) {
	err = s.do(ctx, func() error {
		p, ok := s.properties[id]
		if !ok {
			return nil
		}
		if p.ReservationID != nil && *p.ReservationID != reservationID {
			return nil
		}
		p.CartLock = model.CartLock{}
		p.UpdatedAt = now
		s.properties[id] = p
		cleared = true
		return nil
	})
	return cleared, err
}

func (s *MemoryStore) ListLocked(ctx context.Context) (list []model.Property, err error) {
	err = s.do(ctx, func() error {
		for _, p := range s.properties {
			if p.Held {
				list = append(list, p)
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		return nil
	})
	return list, err
}

// ---- reservations ----

// Reservation の各メソッドは物件と名前が衝突するため ReservationRepo 経由で公開します
func (s *MemoryStore) ReservationRepo() *ReservationRepo {
	return &ReservationRepo{s: s}
}

// ReservationRepo は MemoryStore の予約リポジトリとしてのビューです
type ReservationRepo struct {
	s *MemoryStore
}

func (r *ReservationRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.s.WithTx(ctx, fn)
}

func (r *ReservationRepo) LockCart(ctx context.Context, buyerID string, now time.Time) error {
	return r.s.do(ctx, func() error {
		if _, ok := r.s.carts[buyerID]; !ok {
			r.s.carts[buyerID] = now
		}
		return nil
	})
}

func (r *ReservationRepo) CountActiveByBuyer(ctx context.Context, buyerID string) (n int, err error) {
	err = r.s.do(ctx, func() error {
		n = len(r.s.filterReservations(func(res model.Reservation) bool {
			return res.BuyerID == buyerID && res.IsActive()
		}))
		return nil
	})
	return n, err
}

func (r *ReservationRepo) FindActiveByProperty(ctx context.Context, propertyID string) (*model.Reservation, error) {
	return r.findOne(ctx, func(res model.Reservation) bool {
		return res.PropertyID == propertyID && res.IsActive()
	})
}

func (r *ReservationRepo) findOne(ctx context.Context, match func(model.Reservation) bool) (found *model.Reservation, err error) {
	err = r.s.do(ctx, func() error {
		list := r.s.filterReservations(match)
		if len(list) > 0 {
			found = &list[0]
		}
		return nil
	})
	return found, err
}

func (r *ReservationRepo) Create(ctx context.Context, res model.Reservation) error {
	return r.s.do(ctx, func() error {
		if res.IsActive() {
			for _, other := range r.s.reservations {
				if other.PropertyID == res.PropertyID && other.IsActive() {
					return model.ErrAlreadyHeld
				}
			}
		}
		r.s.reservations[res.ID] = res
		return nil
	})
}

func (r *ReservationRepo) Get(ctx context.Context, id string) (res model.Reservation, err error) {
	err = r.s.do(ctx, func() error {
		var ok bool
		if res, ok = r.s.reservations[id]; !ok {
			return model.ErrReservationNotFound
		}
		return nil
	})
	return res, err
}

func (r *ReservationRepo) GetForUpdate(ctx context.Context, id string) (model.Reservation, error) {
	return r.Get(ctx, id)
}

func (r *ReservationRepo) Update(ctx context.Context, res model.Reservation) error {
	return r.s.do(ctx, func() error {
		current, ok := r.s.reservations[res.ID]
		if !ok {
			return model.ErrReservationNotFound
		}
		if !current.IsActive() {
			return model.ErrReservationNotActive
		}
		r.s.reservations[res.ID] = res
		return nil
	})
}

func (r *ReservationRepo) ListActiveIDs(ctx context.Context) (ids []string, err error) {
	list, err := r.ListActive(ctx)
	for _, res := range list {
		ids = append(ids, res.ID)
	}
	return ids, err
}

func (r *ReservationRepo) ListActive(ctx context.Context) (list []model.Reservation, err error) {
	err = r.s.do(ctx, func() error {
		list = r.s.filterReservations(model.Reservation.IsActive)
		return nil
	})
	return list, err
}

func (r *ReservationRepo) ListActiveByBuyer(ctx context.Context, buyerID string) (list []model.Reservation, err error) {
	err = r.s.do(ctx, func() error {
		list = r.s.filterReservations(func(res model.Reservation) bool {
			return res.BuyerID == buyerID && res.IsActive()
		})
		return nil
	})
	return list, err
}

func (s *MemoryStore) filterReservations(match func(model.Reservation) bool) []model.Reservation {
	var list []model.Reservation
	for _, res := range s.reservations {
		if match(res) {
			list = append(list, res)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ReservedAt.Equal(list[j].ReservedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ReservedAt.Before(list[j].ReservedAt)
	})
	return list
}

// ---- commissions ----

// CommissionRepo は MemoryStore の手数料リポジトリとしてのビューを返します
func (s *MemoryStore) CommissionRepo() *CommissionRepo {
	return &CommissionRepo{s: s}
}

// CommissionRepo は MemoryStore の手数料リポジトリとしてのビューです
type CommissionRepo struct {
	s *MemoryStore
}

func (r *CommissionRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.s.WithTx(ctx, fn)
}

func (r *CommissionRepo) Create(ctx context.Context, c model.Commission) error {
	return r.s.do(ctx, func() error {
		if r.s.CommissionCreateErr != nil {
			return r.s.CommissionCreateErr
		}
		if c.ReservationID != nil {
			for _, other := range r.s.commissions {
				if other.ReservationID != nil && *other.ReservationID == *c.ReservationID && other.Type == c.Type {
					return model.ErrCommissionExists
				}
			}
		}
		r.s.commissions[c.ID] = c
		return nil
	})
}

func (r *CommissionRepo) Get(ctx context.Context, id string) (c model.Commission, err error) {
	err = r.s.do(ctx, func() error {
		var ok bool
		if c, ok = r.s.commissions[id]; !ok {
			return model.ErrCommissionNotFound
		}
		return nil
	})
	return c, err
}

func (r *CommissionRepo) GetForUpdate(ctx context.Context, id string) (model.Commission, error) {
	return r.Get(ctx, id)
}

func (r *CommissionRepo) Update(ctx context.Context, c model.Commission) error {
	return r.s.do(ctx, func() error {
		if _, ok := r.s.commissions[c.ID]; !ok {
			return model.ErrCommissionNotFound
		}
		r.s.commissions[c.ID] = c
		return nil
	})
}

func (r *CommissionRepo) ListByReservation(ctx context.Context, reservationID string) (list []model.Commission, err error) {
	err = r.s.do(ctx, func() error {
		list = r.s.filterCommissions(func(c model.Commission) bool {
			return c.ReservationID != nil && *c.ReservationID == reservationID
		})
		return nil
	})
	return list, err
}

func (r *CommissionRepo) ListByBroker(ctx context.Context, brokerID string) (list []model.Commission, err error) {
	err = r.s.do(ctx, func() error {
		list = r.s.filterCommissions(func(c model.Commission) bool { return c.BrokerID == brokerID })
		// 新しい順
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
		return nil
	})
	return list, err
}

func (s *MemoryStore) filterCommissions(match func(model.Commission) bool) []model.Commission {
	var list []model.Commission
	for _, c := range s.commissions {
		if match(c) {
			list = append(list, c)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// ---- rules ----

// GetRule は条件に合致する有効なルールのうち優先度が最も高いものを返します
func (s *MemoryStore) GetRule(ctx context.Context, ruleType model.RuleType, conds map[string]string) (found *model.Rule, err error) {
	err = s.do(ctx, func() error {
		if s.RuleErr != nil {
			return s.RuleErr
		}
		for i := range s.rules {
			r := s.rules[i]
			if r.Type != ruleType || !r.IsActive || !r.Matches(conds) {
				continue
			}
			if found == nil || r.Priority > found.Priority || (r.Priority == found.Priority && r.ID > found.ID) {
				found = &r
			}
		}
		return nil
	})
	return found, err
}

// ---- notifications ----

// NotificationRepo は MemoryStore の通知リポジトリとしてのビューを返します
func (s *MemoryStore) NotificationRepo() *NotificationRepo {
	return &NotificationRepo{s: s}
}

// NotificationRepo は MemoryStore の通知リポジトリとしてのビューです
type NotificationRepo struct {
	s *MemoryStore
}

func (r *NotificationRepo) CreateNotifications(ctx context.Context, records []model.NotificationRecord) error {
	return r.s.WithTx(ctx, func(txCtx context.Context) error {
		for i := range records {
			if err := r.Create(txCtx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *NotificationRepo) Create(ctx context.Context, record *model.NotificationRecord) error {
	return r.s.do(ctx, func() error {
		record.ID = len(r.s.notifications) + 1
		r.s.notifications = append(r.s.notifications, *record)
		return nil
	})
}

func (r *NotificationRepo) GetByUserID(ctx context.Context, userID string) (list []model.NotificationRecord, err error) {
	err = r.s.do(ctx, func() error {
		for i := len(r.s.notifications) - 1; i >= 0; i-- {
			if r.s.notifications[i].UserID == userID {
				list = append(list, r.s.notifications[i])
			}
		}
		return nil
	})
	return list, err
}

func (r *NotificationRepo) UpdateIsRead(ctx context.Context, userID string, id int, isRead bool) error {
	return r.s.do(ctx, func() error {
		for i := range r.s.notifications {
			n := &r.s.notifications[i]
			if n.ID == id && n.UserID == userID {
				n.IsRead = isRead
				return nil
			}
		}
		return model.ErrNotificationNotFound
	})
}
