package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// Expirer は予約エンジンのうちスイーパーが利用する操作です
type Expirer interface {
	ListActiveIDs(ctx context.Context) ([]string, error)
	ExpireIfDue(ctx context.Context, reservationID string) (bool, error)
	Reconcile(ctx context.Context) (int, error)
}

// SweepLock はプロセスをまたいでスイープの重複実行を防ぐロックです
// Refresh は保持中のロックを延長し、既に失っていれば false を返します
type SweepLock interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	TTL() time.Duration
}

// ErrSweepLockLost はスイープ中に分散ロックを失ったことを表します
var ErrSweepLockLost = errors.New("sweep lock lost")

// SweepResult は1回のスイープの集計です
type SweepResult struct {
	Checked  int           `json:"checked"`
	Expired  int           `json:"expired"`
	Failed   int           `json:"failed"`
	Repaired int           `json:"repaired"`
	Duration time.Duration `json:"duration"`
}

// Sweeper は有効な予約を定期的に走査し、期限切れのものを解放します
// 予約ごとに独立したトランザクションで処理するため、スイープ中も他の予約操作はブロックされません
type Sweeper struct {
	engine   Expirer
	lock     SweepLock
	interval time.Duration
	log      *logger.Logger

	running sync.Mutex
}

// NewSweeper は新しいSweeperを作成します。lock が nil の場合はプロセス内の排他のみ行います
func NewSweeper(engine Expirer, lock SweepLock, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		lock:     lock,
		interval: interval,
		log:      log,
	}
}

// RunOnce はスイープを1回実行します
// 前回のスイープが実行中の場合は ErrSweepInProgress を返し、何もしません
func (s *Sweeper) RunOnce(ctx context.Context) (result SweepResult, err error) {
	if !s.running.TryLock() {
		return SweepResult{}, model.ErrSweepInProgress
	}
	defer s.running.Unlock()

	ctx, span := tracing.Begin(ctx, "Sweeper.RunOnce")
	defer func() { span.Close(err) }()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			return SweepResult{}, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !acquired {
			return SweepResult{}, fmt.Errorf("sweep lock held by another process: %w", model.ErrSweepInProgress)
		}
		defer func() {
			// 呼び出し元のキャンセル後でもロックは返す
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("failed to release sweep lock", "error", err)
			}
		}()
		stop := s.keepLock(ctx, cancel)
		defer stop()
	}

	startTime := time.Now()

	ids, err := s.engine.ListActiveIDs(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list active reservations: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			result.Duration = time.Since(startTime)
			return result, context.Cause(ctx)
		}
		result.Checked++

		expired, err := s.engine.ExpireIfDue(ctx, id)
		if err != nil {
			result.Failed++
			s.log.Error("failed to expire reservation", "reservation_id", id, "error", err)
			continue
		}
		if expired {
			result.Expired++
		}
	}

	if ctx.Err() != nil {
		result.Duration = time.Since(startTime)
		return result, context.Cause(ctx)
	}

	repaired, err := s.engine.Reconcile(ctx)
	if err != nil {
		s.log.Error("reconcile finished with errors", "error", err)
	}
	result.Repaired = repaired
	result.Duration = time.Since(startTime)

	span.AddMetadata("checked", result.Checked)
	span.AddMetadata("expired", result.Expired)
	s.log.Info("sweep completed",
		"checked", result.Checked,
		"expired", result.Expired,
		"failed", result.Failed,
		"repaired", result.Repaired,
		"duration", result.Duration.String(),
	)
	return result, nil
}

// keepLock はスイープ中にTTLの1/3ごとにロックを延長します
// 延長できなかった場合は ErrSweepLockLost でスイープを打ち切ります
func (s *Sweeper) keepLock(ctx context.Context, cancel context.CancelCauseFunc) (stop func()) {
	every := s.lock.TTL() / 3
	if every <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := s.lock.Refresh(ctx)
				if err != nil {
					s.log.Warn("failed to refresh sweep lock", "error", err)
					continue
				}
				if !held {
					s.log.Error("sweep lock lost, stopping sweep")
					cancel(ErrSweepLockLost)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Start は interval ごとにスイープを実行し、ctx がキャンセルされると nil を返します
// 前回のスイープが終わっていないティックはスキップします
func (s *Sweeper) Start(ctx context.Context) error {
	s.log.Info("sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if errors.Is(err, model.ErrSweepInProgress) {
					s.log.Warn("previous sweep still running, tick skipped")
					continue
				}
				if ctx.Err() != nil {
					continue
				}
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}
