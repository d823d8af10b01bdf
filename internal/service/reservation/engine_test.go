package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/common/clock"
	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/model"
	"github.com/uma-arai/sbcntr-estate/internal/notifier"
	"github.com/uma-arai/sbcntr-estate/internal/service/commission"
	"github.com/uma-arai/sbcntr-estate/internal/service/rule"
	"github.com/uma-arai/sbcntr-estate/internal/testutil"
)

const day = 24 * time.Hour

var start = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *testutil.MemoryStore
	clock  *clock.Manual
	events *notifier.Collector
	ledger *commission.Ledger
	rules  *rule.Resolver
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	clk := clock.NewManual(start)
	log := logger.NewNop()
	resolver := rule.NewResolver(store, config.RuleDefaults{
		MaxProperties:     5,
		VisitWindowDays:   7,
		BookingWindowDays: 60,
		AdderRate:         1,
		SellerRate:        2,
	}, log)
	events := notifier.NewCollector()
	ledger := commission.NewLedger(store.CommissionRepo(), clk, log)
	return &fixture{
		store:  store,
		clock:  clk,
		events: events,
		ledger: ledger,
		rules:  resolver,
		engine: NewEngine(store, store.ReservationRepo(), ledger, resolver, events, clk, log),
	}
}

// liveProperty は seller-1 が出品し broker-1 が担当する公開中の物件です
func liveProperty(id string) model.Property {
	broker := "broker-1"
	return model.Property{
		ID:          id,
		Title:       "物件 " + id,
		Type:        "apartment",
		City:        "pune",
		Price:       1000000,
		Status:      model.PropertyStatusLive,
		SellerID:    "seller-1",
		BrokerID:    &broker,
		AddedBy:     "seller-1",
		AddedByRole: model.AdderRoleSeller,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
}

func brokerListed(p model.Property, broker string) model.Property {
	p.AddedBy = broker
	p.AddedByRole = model.AdderRoleBroker
	p.BrokerID = &broker
	return p
}

func eventTypes(events []model.PropertyEvent) []model.PropertyEventType {
	types := make([]model.PropertyEventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// assertMirror は物件のロックミラーと有効な予約が一致していることを確認します
func assertMirror(t *testing.T, f *fixture, propertyID string) {
	t.Helper()
	p := f.store.Property(propertyID)
	var active []model.Reservation
	for _, r := range f.store.Reservations() {
		if r.PropertyID == propertyID && r.IsActive() {
			active = append(active, r)
		}
	}
	switch len(active) {
	case 0:
		if p.Held {
			t.Errorf("property %s: lock held without active reservation: %+v", propertyID, p.CartLock)
		}
	case 1:
		if !p.CartLock.MatchesReservation(active[0]) {
			t.Errorf("property %s: mirror %+v does not match reservation %+v", propertyID, p.CartLock, active[0])
		}
	default:
		t.Errorf("property %s: %d active reservations", propertyID, len(active))
	}
}

func TestReserve(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		buyer   string
		wantErr error
	}{
		{
			name:  "正常系",
			setup: func(f *fixture) { f.store.PutProperty(liveProperty("p1")) },
			buyer: "buyer-1",
		},
		{
			name:    "存在しない物件",
			setup:   func(f *fixture) {},
			buyer:   "buyer-1",
			wantErr: model.ErrPropertyNotFound,
		},
		{
			name: "公開前の物件",
			setup: func(f *fixture) {
				p := liveProperty("p1")
				p.Status = model.PropertyStatusApproved
				f.store.PutProperty(p)
			},
			buyer:   "buyer-1",
			wantErr: model.ErrPropertyNotAvailable,
		},
		{
			name: "他の買い手が保持中",
			setup: func(f *fixture) {
				f.store.PutProperty(liveProperty("p1"))
				if _, err := f.engine.Reserve(context.Background(), "buyer-2", "p1"); err != nil {
					panic(err)
				}
			},
			buyer:   "buyer-1",
			wantErr: model.ErrAlreadyHeld,
		},
		{
			name: "同じ買い手の重複予約",
			setup: func(f *fixture) {
				f.store.PutProperty(liveProperty("p1"))
				if _, err := f.engine.Reserve(context.Background(), "buyer-1", "p1"); err != nil {
					panic(err)
				}
			},
			buyer:   "buyer-1",
			wantErr: model.ErrDuplicateReservation,
		},
		{
			name: "ロックだけ残っている物件は修復して予約できる",
			setup: func(f *fixture) {
				p := liveProperty("p1")
				ghost := "ghost"
				p.CartLock = model.CartLock{Held: true, HolderID: &ghost, ReservationID: &ghost}
				f.store.PutProperty(p)
			},
			buyer: "buyer-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			before := len(f.events.Events())

			res, err := f.engine.Reserve(context.Background(), tt.buyer, "p1")

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Reserve() error = %v, want %v", err, tt.wantErr)
				}
				if got := len(f.events.Events()); got != before {
					t.Errorf("events emitted on failure: %d", got-before)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reserve() unexpected error = %v", err)
			}
			if res.Status != model.ReservationStatusActive || res.VisitStatus != model.VisitStatusPending {
				t.Errorf("status = %s/%s, want active/pending", res.Status, res.VisitStatus)
			}
			if !res.ReservedAt.Equal(start) {
				t.Errorf("ReservedAt = %v, want %v", res.ReservedAt, start)
			}

			p := f.store.Property("p1")
			if !p.Held || *p.HolderID != tt.buyer || *p.ReservationID != res.ID || p.VisitConfirmed {
				t.Errorf("unexpected lock mirror: %+v", p.CartLock)
			}
			assertMirror(t, f, "p1")

			events := f.events.Events()
			last := events[len(events)-1]
			if last.Type != model.EventPropertyLocked {
				t.Fatalf("last event = %s, want %s", last.Type, model.EventPropertyLocked)
			}
			want := []string{tt.buyer, "seller-1", "broker-1"}
			if got := last.Recipients(); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("Recipients() = %v, want %v", got, want)
			}
		})
	}
}

func TestReserveCapacityExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		f.store.PutProperty(liveProperty(fmt.Sprintf("p%d", i)))
	}
	for i := 1; i <= 5; i++ {
		if _, err := f.engine.Reserve(ctx, "buyer-1", fmt.Sprintf("p%d", i)); err != nil {
			t.Fatalf("Reserve(p%d) error = %v", i, err)
		}
	}
	before := len(f.events.Events())

	_, err := f.engine.Reserve(ctx, "buyer-1", "p6")
	if !errors.Is(err, model.ErrCapacityExceeded) {
		t.Fatalf("Reserve(p6) error = %v, want %v", err, model.ErrCapacityExceeded)
	}
	if p := f.store.Property("p6"); p.Held {
		t.Errorf("p6 locked after capacity failure: %+v", p.CartLock)
	}
	if got := len(f.store.Reservations()); got != 5 {
		t.Errorf("reservations = %d, want 5", got)
	}
	if got := len(f.events.Events()); got != before {
		t.Errorf("events emitted on failure: %d", got-before)
	}

	// 上限はルールプロバイダで変更できる
	f.store.AddRule(model.Rule{Type: model.RuleCartMaxProperties, Value: 6, IsActive: true})
	if _, err := f.engine.Reserve(ctx, "buyer-1", "p6"); err != nil {
		t.Errorf("Reserve(p6) with raised limit error = %v", err)
	}
}

func TestReserveCapacityIgnoresLapsedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		f.store.PutProperty(liveProperty(fmt.Sprintf("p%d", i)))
	}
	var lapsed []model.Reservation
	for i := 1; i <= 5; i++ {
		r, err := f.engine.Reserve(ctx, "buyer-1", fmt.Sprintf("p%d", i))
		if err != nil {
			t.Fatalf("Reserve(p%d) error = %v", i, err)
		}
		lapsed = append(lapsed, r)
	}

	// スイーパーが動く前に5件とも内見期限を過ぎる
	f.clock.Advance(8 * day)
	f.events.Drain()

	res, err := f.engine.Reserve(ctx, "buyer-1", "p6")
	if err != nil {
		t.Fatalf("Reserve(p6) error = %v, want lapsed items released first", err)
	}
	for _, r := range lapsed {
		if got, _ := f.engine.Get(ctx, r.ID); got.Status != model.ReservationStatusExpired {
			t.Errorf("reservation %s status = %s, want expired", r.PropertyID, got.Status)
		}
		assertMirror(t, f, r.PropertyID)
	}
	if p := f.store.Property("p6"); !p.Held || *p.ReservationID != res.ID {
		t.Errorf("p6 lock = %+v", p.CartLock)
	}
	unlocked := 0
	for _, ev := range f.events.Events() {
		if ev.Type == model.EventPropertyUnlocked {
			unlocked++
		}
	}
	if unlocked != 5 {
		t.Errorf("PropertyUnlocked events = %d, want 5", unlocked)
	}
}

// failingRules は常に失敗するルールプロバイダです
type failingRules struct{}

func (failingRules) GetRule(ctx context.Context, ruleType model.RuleType, conds map[string]string) (*model.Rule, error) {
	return nil, errors.New("pq: canceling statement due to statement timeout")
}

func TestReserveWhenRuleLookupFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))

	log := logger.NewNop()
	resolver := rule.NewResolver(failingRules{}, config.RuleDefaults{
		MaxProperties:     5,
		VisitWindowDays:   7,
		BookingWindowDays: 60,
		AdderRate:         1,
		SellerRate:        2,
	}, log)
	engine := NewEngine(f.store, f.store.ReservationRepo(), f.ledger, resolver, f.events, f.clock, log)

	res, err := engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	f.clock.Advance(3 * day)
	confirmed, err := engine.ConfirmVisit(ctx, res.ID, "broker-2", "")
	if err != nil {
		t.Fatalf("ConfirmVisit() error = %v", err)
	}
	if want := f.clock.Now().Add(60 * day); !confirmed.BookingWindowEnd.Equal(want) {
		t.Errorf("BookingWindowEnd = %v, want default window %v", confirmed.BookingWindowEnd, want)
	}
	if list := f.store.Commissions(); len(list) != 1 || list[0].Amount != 20000 {
		t.Errorf("commissions = %+v, want one at the default seller rate", list)
	}
}

func TestReserveConcurrentBuyers(t *testing.T) {
	f := newFixture(t)
	f.store.PutProperty(liveProperty("p1"))

	const buyers = 20
	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Reserve(context.Background(), fmt.Sprintf("buyer-%d", i), "p1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, model.ErrAlreadyHeld):
		default:
			t.Errorf("buyer-%d: unexpected error %v", i, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded)
	}
	assertMirror(t, f, "p1")
	if got := len(f.events.Events()); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestExpireIfDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	// 期限ちょうどはまだ有効
	f.clock.Advance(7 * day)
	expired, err := f.engine.ExpireIfDue(ctx, res.ID)
	if err != nil || expired {
		t.Fatalf("ExpireIfDue() at deadline = %v, %v; want false, nil", expired, err)
	}

	f.clock.Advance(day)
	expired, err = f.engine.ExpireIfDue(ctx, res.ID)
	if err != nil || !expired {
		t.Fatalf("ExpireIfDue() after deadline = %v, %v; want true, nil", expired, err)
	}

	got, _ := f.engine.Get(ctx, res.ID)
	if got.Status != model.ReservationStatusExpired || got.ReleaseReason == nil || *got.ReleaseReason != model.ReleaseReasonExpired {
		t.Errorf("reservation = %s (%v), want expired", got.Status, got.ReleaseReason)
	}
	if p := f.store.Property("p1"); p.Held || p.HolderID != nil || p.ReservedAt != nil {
		t.Errorf("lock not cleared: %+v", p.CartLock)
	}

	// 2回目は何もしない
	expired, err = f.engine.ExpireIfDue(ctx, res.ID)
	if err != nil || expired {
		t.Errorf("second ExpireIfDue() = %v, %v; want false, nil", expired, err)
	}
	want := []model.PropertyEventType{model.EventPropertyLocked, model.EventPropertyUnlocked}
	if got := eventTypes(f.events.Events()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if ev := f.events.Events()[1]; ev.Reason != model.ReleaseReasonExpired {
		t.Errorf("unlock reason = %q, want expired", ev.Reason)
	}
}

func TestExpireIfDueUsesPropertyRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	f.store.AddRule(model.Rule{
		Type:       model.RuleVisitWindowDays,
		Conditions: map[string]string{"city": "pune"},
		Value:      3,
		IsActive:   true,
	})
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(3*day + time.Minute)
	expired, err := f.engine.ExpireIfDue(ctx, res.ID)
	if err != nil || !expired {
		t.Errorf("ExpireIfDue() = %v, %v; want true, nil", expired, err)
	}
}

func TestConfirmVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(3 * day)
	confirmedAt := f.clock.Now()
	got, err := f.engine.ConfirmVisit(ctx, res.ID, "broker-2", "in_person")
	if err != nil {
		t.Fatalf("ConfirmVisit() error = %v", err)
	}

	if got.VisitStatus != model.VisitStatusConfirmed {
		t.Errorf("VisitStatus = %s, want confirmed", got.VisitStatus)
	}
	if !got.VisitConfirmedAt.Equal(confirmedAt) || !got.BookingWindowStart.Equal(confirmedAt) {
		t.Errorf("confirmed at = %v / start %v, want %v", got.VisitConfirmedAt, got.BookingWindowStart, confirmedAt)
	}
	if want := confirmedAt.Add(60 * day); !got.BookingWindowEnd.Equal(want) {
		t.Errorf("BookingWindowEnd = %v, want %v", got.BookingWindowEnd, want)
	}
	if *got.VisitConfirmedBy != "broker-2" || *got.VisitConfirmMethod != "in_person" {
		t.Errorf("confirmed by = %v via %v", *got.VisitConfirmedBy, *got.VisitConfirmMethod)
	}
	p := f.store.Property("p1")
	if !p.VisitConfirmed || !p.BookingWindowEnd.Equal(*got.BookingWindowEnd) {
		t.Errorf("mirror not updated: %+v", p.CartLock)
	}
	assertMirror(t, f, "p1")

	commissions := f.store.Commissions()
	if len(commissions) != 1 {
		t.Fatalf("commissions = %d, want 1", len(commissions))
	}
	c := commissions[0]
	if c.Type != model.CommissionTypeSeller || c.BrokerID != "broker-2" || c.Rate != 2 || c.Amount != 20000 || c.Status != model.CommissionStatusPending {
		t.Errorf("unexpected commission: %+v", c)
	}
	if c.ReservationID == nil || *c.ReservationID != res.ID {
		t.Errorf("commission reservation = %v, want %s", c.ReservationID, res.ID)
	}

	want := []model.PropertyEventType{model.EventPropertyLocked, model.EventVisitConfirmed}
	if got := eventTypes(f.events.Events()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	// 確定後は成約期間が適用される
	f.clock.Advance(30 * day)
	if expired, err := f.engine.ExpireIfDue(ctx, res.ID); err != nil || expired {
		t.Errorf("ExpireIfDue() inside booking window = %v, %v", expired, err)
	}
	f.clock.Advance(31 * day)
	if expired, err := f.engine.ExpireIfDue(ctx, res.ID); err != nil || !expired {
		t.Errorf("ExpireIfDue() after booking window = %v, %v", expired, err)
	}
}

func TestConfirmVisitErrors(t *testing.T) {
	tests := []struct {
		name        string
		prepare     func(t *testing.T, f *fixture, id string)
		confirmedBy string
		wantErr     error
		wantStatus  model.ReservationStatus
	}{
		{
			name: "確定済み",
			prepare: func(t *testing.T, f *fixture, id string) {
				if _, err := f.engine.ConfirmVisit(context.Background(), id, "broker-2", ""); err != nil {
					t.Fatal(err)
				}
			},
			confirmedBy: "broker-2",
			wantErr:     model.ErrVisitAlreadyConfirmed,
			wantStatus:  model.ReservationStatusActive,
		},
		{
			name: "内見期限切れ",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.clock.Advance(8 * day)
			},
			confirmedBy: "broker-2",
			wantErr:     model.ErrVisitWindowExpired,
			wantStatus:  model.ReservationStatusExpired,
		},
		{
			name: "解放済み",
			prepare: func(t *testing.T, f *fixture, id string) {
				if err := f.engine.Release(context.Background(), id, model.ReleaseReasonRemoved); err != nil {
					t.Fatal(err)
				}
			},
			confirmedBy: "broker-2",
			wantErr:     model.ErrReservationNotActive,
			wantStatus:  model.ReservationStatusRemoved,
		},
		{
			name:        "確定者なし",
			prepare:     func(t *testing.T, f *fixture, id string) {},
			confirmedBy: "",
			wantErr:     model.ErrInvalidInput,
			wantStatus:  model.ReservationStatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.store.PutProperty(liveProperty("p1"))
			res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
			if err != nil {
				t.Fatal(err)
			}
			tt.prepare(t, f, res.ID)

			_, err = f.engine.ConfirmVisit(ctx, res.ID, tt.confirmedBy, "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ConfirmVisit() error = %v, want %v", err, tt.wantErr)
			}
			got, _ := f.engine.Get(ctx, res.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if n := len(f.store.Commissions()); n > 1 {
				t.Errorf("commissions = %d, want at most 1", n)
			}
			assertMirror(t, f, "p1")
		})
	}
}

func TestConfirmVisitWindowIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(8 * day)

	if _, err := f.engine.ConfirmVisit(ctx, res.ID, "broker-2", ""); !errors.Is(err, model.ErrVisitWindowExpired) {
		t.Fatalf("first ConfirmVisit() error = %v", err)
	}
	// 時計を戻しても期限切れの予約は復活しない
	f.clock.Set(start.Add(day))
	if _, err := f.engine.ConfirmVisit(ctx, res.ID, "broker-2", ""); !errors.Is(err, model.ErrReservationNotActive) {
		t.Errorf("second ConfirmVisit() error = %v, want %v", err, model.ErrReservationNotActive)
	}
	if _, err := f.engine.Finalize(ctx, res.ID); !errors.Is(err, model.ErrReservationNotActive) {
		t.Errorf("Finalize() error = %v, want %v", err, model.ErrReservationNotActive)
	}
	if len(f.store.Commissions()) != 0 {
		t.Errorf("commission recorded for expired reservation")
	}
}

func TestConfirmVisitCommissionExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	const retries = 10
	var wg sync.WaitGroup
	errs := make([]error, retries)
	for i := 0; i < retries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.ConfirmVisit(ctx, res.ID, "broker-2", "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, model.ErrVisitAlreadyConfirmed) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", succeeded)
	}
	if n := len(f.store.Commissions()); n != 1 {
		t.Errorf("commissions = %d, want 1", n)
	}
}

func TestConfirmVisitRollsBackWhenCommissionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	f.store.CommissionCreateErr = errors.New("disk full")

	if _, err := f.engine.ConfirmVisit(ctx, res.ID, "broker-2", ""); err == nil {
		t.Fatal("ConfirmVisit() expected error")
	}

	got, _ := f.engine.Get(ctx, res.ID)
	if got.VisitStatus != model.VisitStatusPending || got.BookingWindowEnd != nil {
		t.Errorf("reservation half-applied: %+v", got)
	}
	if p := f.store.Property("p1"); p.VisitConfirmed || p.BookingWindowEnd != nil {
		t.Errorf("mirror half-applied: %+v", p.CartLock)
	}
	assertMirror(t, f, "p1")
	if got := eventTypes(f.events.Events()); len(got) != 1 {
		t.Errorf("events = %v, want only the lock event", got)
	}

	// 障害が解消すれば再試行できる
	f.store.CommissionCreateErr = nil
	if _, err := f.engine.ConfirmVisit(ctx, res.ID, "broker-2", ""); err != nil {
		t.Errorf("retry ConfirmVisit() error = %v", err)
	}
}

func TestConfirmVisitByAdderSkipsSellerCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(brokerListed(liveProperty("p1"), "broker-1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.ConfirmVisit(ctx, res.ID, "broker-1", ""); err != nil {
		t.Fatal(err)
	}
	if n := len(f.store.Commissions()); n != 0 {
		t.Errorf("commissions = %d, want 0", n)
	}
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name       string
		reason     model.ReleaseReason
		wantStatus model.ReservationStatus
	}{
		{name: "買い手による削除", reason: model.ReleaseReasonRemoved, wantStatus: model.ReservationStatusRemoved},
		{name: "管理者による解除", reason: model.ReleaseReasonAdmin, wantStatus: model.ReservationStatusRemoved},
		{name: "期限切れ", reason: model.ReleaseReasonExpired, wantStatus: model.ReservationStatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.store.PutProperty(liveProperty("p1"))
			res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
			if err != nil {
				t.Fatal(err)
			}

			for i := 0; i < 2; i++ {
				if err := f.engine.Release(ctx, res.ID, tt.reason); err != nil {
					t.Fatalf("Release() #%d error = %v", i+1, err)
				}
			}

			got, _ := f.engine.Get(ctx, res.ID)
			if got.Status != tt.wantStatus || *got.ReleaseReason != tt.reason || got.ReleasedAt == nil {
				t.Errorf("reservation = %s reason %v released %v", got.Status, got.ReleaseReason, got.ReleasedAt)
			}
			assertMirror(t, f, "p1")

			want := []model.PropertyEventType{model.EventPropertyLocked, model.EventPropertyUnlocked}
			if got := eventTypes(f.events.Events()); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("events = %v, want %v", got, want)
			}
		})
	}
}

func TestReleaseInvalid(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Release(context.Background(), "missing", model.ReleaseReasonRemoved); !errors.Is(err, model.ErrReservationNotFound) {
		t.Errorf("Release(missing) error = %v", err)
	}
	if err := f.engine.Release(context.Background(), "missing", "bogus"); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("Release(bogus) error = %v", err)
	}
}

func TestReserveTakesOverStaleHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	stale, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(8 * day)

	res, err := f.engine.Reserve(ctx, "buyer-2", "p1")
	if err != nil {
		t.Fatalf("Reserve() over stale hold error = %v", err)
	}
	if got, _ := f.engine.Get(ctx, stale.ID); got.Status != model.ReservationStatusExpired {
		t.Errorf("stale reservation status = %s, want expired", got.Status)
	}
	if p := f.store.Property("p1"); *p.HolderID != "buyer-2" || *p.ReservationID != res.ID {
		t.Errorf("lock = %+v, want held by buyer-2", p.CartLock)
	}
	want := []model.PropertyEventType{model.EventPropertyLocked, model.EventPropertyUnlocked, model.EventPropertyLocked}
	if got := eventTypes(f.events.Events()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

// staleHolderReads は FindActiveByProperty が他のトランザクションのコミット前の行を返す状況を再現します
type staleHolderReads struct {
	ReservationStore
	snapshot model.Reservation
}

func (s *staleHolderReads) FindActiveByProperty(ctx context.Context, propertyID string) (*model.Reservation, error) {
	if s.snapshot.PropertyID == propertyID {
		r := s.snapshot
		return &r, nil
	}
	return s.ReservationStore.FindActiveByProperty(ctx, propertyID)
}

func TestStaleHolderReleasedOnlyOnce(t *testing.T) {
	tests := []struct {
		name string
		call func(ctx context.Context, e *Engine) error
	}{
		{
			name: "別の買い手の予約",
			call: func(ctx context.Context, e *Engine) error {
				_, err := e.Reserve(ctx, "buyer-2", "p1")
				return err
			},
		},
		{
			name: "ロック状態の参照",
			call: func(ctx context.Context, e *Engine) error {
				status, err := e.GetLockStatus(ctx, "p1")
				if err == nil && status.Lock.Held {
					return fmt.Errorf("lock still held: %+v", status.Lock)
				}
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.store.PutProperty(liveProperty("p1"))
			stale, err := f.engine.Reserve(ctx, "buyer-1", "p1")
			if err != nil {
				t.Fatal(err)
			}
			f.clock.Advance(8 * day)

			// スイーパーが先に期限切れにする
			if expired, err := f.engine.ExpireIfDue(ctx, stale.ID); err != nil || !expired {
				t.Fatalf("ExpireIfDue() = %v, %v", expired, err)
			}
			swept, _ := f.engine.Get(ctx, stale.ID)

			f.clock.Advance(time.Minute)
			reads := &staleHolderReads{ReservationStore: f.store.ReservationRepo(), snapshot: stale}
			engine := NewEngine(f.store, reads, f.ledger, f.rules, f.events, f.clock, logger.NewNop())
			if err := tt.call(ctx, engine); err != nil {
				t.Fatalf("call error = %v", err)
			}

			unlocked := 0
			for _, ev := range f.events.Events() {
				if ev.Type == model.EventPropertyUnlocked && ev.ReservationID == stale.ID {
					unlocked++
				}
			}
			if unlocked != 1 {
				t.Errorf("PropertyUnlocked events for %s = %d, want 1", stale.ID, unlocked)
			}
			if got, _ := f.engine.Get(ctx, stale.ID); !got.ReleasedAt.Equal(*swept.ReleasedAt) || got.Status != model.ReservationStatusExpired {
				t.Errorf("terminal reservation rewritten: %+v", got)
			}
			assertMirror(t, f, "p1")
		})
	}
}

func TestUpdateRefusesTerminalReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Release(ctx, res.ID, model.ReleaseReasonRemoved); err != nil {
		t.Fatal(err)
	}

	released, _ := f.engine.Get(ctx, res.ID)
	released.Status = model.ReservationStatusExpired
	if err := f.store.ReservationRepo().Update(ctx, released); !errors.Is(err, model.ErrReservationNotActive) {
		t.Errorf("Update(terminal) error = %v, want %v", err, model.ErrReservationNotActive)
	}
	if got, _ := f.engine.Get(ctx, res.ID); got.Status != model.ReservationStatusRemoved {
		t.Errorf("status = %s, want removed", got.Status)
	}
}

func TestGetLockStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))

	status, err := f.engine.GetLockStatus(ctx, "p1")
	if err != nil || status.Lock.Held || status.ExpiresAt != nil {
		t.Fatalf("GetLockStatus() before reserve = %+v, %v", status, err)
	}

	if _, err := f.engine.Reserve(ctx, "buyer-1", "p1"); err != nil {
		t.Fatal(err)
	}
	status, err = f.engine.GetLockStatus(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Lock.Held || status.ExpiresAt == nil || !status.ExpiresAt.Equal(start.Add(7*day)) {
		t.Errorf("GetLockStatus() = %+v", status)
	}

	f.clock.Advance(7*day + time.Second)
	status, err = f.engine.GetLockStatus(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Lock.Held || status.ExpiresAt != nil {
		t.Errorf("GetLockStatus() after window = %+v, want released", status)
	}

	if _, err := f.engine.GetLockStatus(ctx, "missing"); !errors.Is(err, model.ErrPropertyNotFound) {
		t.Errorf("GetLockStatus(missing) error = %v", err)
	}
}

func TestListCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	f.store.PutProperty(liveProperty("p2"))

	first, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(5 * day)
	second, err := f.engine.Reserve(ctx, "buyer-1", "p2")
	if err != nil {
		t.Fatal(err)
	}

	list, err := f.engine.ListCart(ctx, "buyer-1")
	if err != nil || len(list) != 2 || list[0].ID != first.ID {
		t.Fatalf("ListCart() = %v, %v", list, err)
	}

	f.clock.Advance(3 * day)
	list, err = f.engine.ListCart(ctx, "buyer-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != second.ID {
		t.Errorf("ListCart() after first window = %v, want only %s", list, second.ID)
	}
	assertMirror(t, f, "p1")
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		name     string
		property model.Property
		broker   string
		want     []model.Commission
	}{
		{
			name:     "売主が登録した物件",
			property: liveProperty("p1"),
			broker:   "broker-2",
			want: []model.Commission{
				{BrokerID: "broker-2", Type: model.CommissionTypeSeller, Rate: 2, Amount: 20000},
			},
		},
		{
			name:     "ブローカーが登録し別のブローカーが内見確定",
			property: brokerListed(liveProperty("p1"), "broker-1"),
			broker:   "broker-2",
			want: []model.Commission{
				{BrokerID: "broker-2", Type: model.CommissionTypeSeller, Rate: 2, Amount: 20000},
				{BrokerID: "broker-1", Type: model.CommissionTypeAdder, Rate: 1, Amount: 10000},
			},
		},
		{
			name:     "登録したブローカー自身が内見確定",
			property: brokerListed(liveProperty("p1"), "broker-1"),
			broker:   "broker-1",
			want: []model.Commission{
				{BrokerID: "broker-1", Type: model.CommissionTypeAdderSeller, Rate: 3, Amount: 30000},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.store.PutProperty(tt.property)
			res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
			if err != nil {
				t.Fatal(err)
			}
			f.clock.Advance(day)
			if _, err := f.engine.ConfirmVisit(ctx, res.ID, tt.broker, ""); err != nil {
				t.Fatal(err)
			}
			f.clock.Advance(10 * day)

			got, err := f.engine.Finalize(ctx, res.ID)
			if err != nil {
				t.Fatalf("Finalize() error = %v", err)
			}
			if got.Status != model.ReservationStatusPurchased {
				t.Errorf("status = %s, want purchased", got.Status)
			}
			p := f.store.Property("p1")
			if p.Status != model.PropertyStatusSold || p.Held {
				t.Errorf("property = %s held=%v, want sold and unlocked", p.Status, p.Held)
			}

			commissions := f.store.Commissions()
			if len(commissions) != len(tt.want) {
				t.Fatalf("commissions = %+v, want %d", commissions, len(tt.want))
			}
			for i, want := range tt.want {
				c := commissions[i]
				if c.BrokerID != want.BrokerID || c.Type != want.Type || c.Rate != want.Rate || c.Amount != want.Amount {
					t.Errorf("commission[%d] = %s/%s rate %v amount %v, want %+v", i, c.BrokerID, c.Type, c.Rate, c.Amount, want)
				}
			}

			events := eventTypes(f.events.Events())
			if last := events[len(events)-1]; last != model.EventPropertySold {
				t.Errorf("last event = %s, want %s", last, model.EventPropertySold)
			}
		})
	}
}

func TestFinalizeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Finalize(ctx, res.ID); !errors.Is(err, model.ErrVisitNotConfirmed) {
		t.Errorf("Finalize() before confirmation error = %v", err)
	}
	if _, err := f.engine.ConfirmVisit(ctx, res.ID, "broker-2", ""); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(61 * day)
	if _, err := f.engine.Finalize(ctx, res.ID); !errors.Is(err, model.ErrBookingWindowExpired) {
		t.Errorf("Finalize() after booking window error = %v", err)
	}
	got, _ := f.engine.Get(ctx, res.ID)
	if got.Status != model.ReservationStatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if p := f.store.Property("p1"); p.Status != model.PropertyStatusLive || p.Held {
		t.Errorf("property = %s held=%v, want live and unlocked", p.Status, p.Held)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProperty(liveProperty("p1"))
	f.store.PutProperty(liveProperty("p2"))
	f.store.PutProperty(liveProperty("p3"))

	// p1: 予約アイテムは有効だがミラーが反映されていない
	res, err := f.engine.Reserve(ctx, "buyer-1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	p1 := f.store.Property("p1")
	p1.CartLock = model.CartLock{}
	f.store.PutProperty(p1)

	// p2: 対応する予約のないロック
	p2 := f.store.Property("p2")
	ghost := "ghost"
	p2.CartLock = model.CartLock{Held: true, HolderID: &ghost, ReservationID: &ghost}
	f.store.PutProperty(p2)

	// p3: 正常
	if _, err := f.engine.Reserve(ctx, "buyer-2", "p3"); err != nil {
		t.Fatal(err)
	}

	repaired, err := f.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if repaired != 2 {
		t.Errorf("repaired = %d, want 2", repaired)
	}
	for _, id := range []string{"p1", "p2", "p3"} {
		assertMirror(t, f, id)
	}
	if p := f.store.Property("p1"); *p.ReservationID != res.ID {
		t.Errorf("p1 mirror = %+v, want reservation %s", p.CartLock, res.ID)
	}

	repaired, err = f.engine.Reconcile(ctx)
	if err != nil || repaired != 0 {
		t.Errorf("second Reconcile() = %d, %v; want 0, nil", repaired, err)
	}
}
