package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

const publishTimeout = 10 * time.Second

// Dispatcher はイベントをバッファに積み、別ゴルーチンでPublisherへ配送します
// バッファが一杯の場合はイベントを破棄し、状態遷移側を決して待たせません
type Dispatcher struct {
	publisher Publisher
	log       *logger.Logger
	queue     chan model.PropertyEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher はディスパッチャを作成し、配送ゴルーチンを開始します
func NewDispatcher(publisher Publisher, buffer int, log *logger.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		publisher: publisher,
		log:       log,
		queue:     make(chan model.PropertyEvent, buffer),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify はイベントをキューに積みます。ブロックしません
func (d *Dispatcher) Notify(_ context.Context, event model.PropertyEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("notification dropped after close", "type", event.Type, "property_id", event.PropertyID)
		return
	}
	select {
	case d.queue <- event:
	default:
		d.log.Warn("notification buffer full, dropping event", "type", event.Type, "property_id", event.PropertyID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		batch := []model.PropertyEvent{event}
		// 溜まっているイベントはまとめて配送する
	drain:
		for {
			select {
			case next, ok := <-d.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		d.publish(batch)
	}
}

func (d *Dispatcher) publish(batch []model.PropertyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, batch); err != nil {
		d.log.Error("failed to publish notifications", "count", len(batch), "error", err)
	}
}

// Close は新規受付を止め、キューに残ったイベントを配送してから戻ります
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	<-d.done
}
