package notifier

import (
	"context"
	"sync"

	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// Notifier は予約エンジンからイベントを受け取る通知シンクです
// 実装はブロックしてはならず、配送失敗を呼び出し元へ返してはいけません
type Notifier interface {
	Notify(ctx context.Context, event model.PropertyEvent)
}

// Publisher はイベントを外部へ配送する実装です
type Publisher interface {
	Publish(ctx context.Context, events []model.PropertyEvent) error
}

// Collector はイベントを保持するだけの通知シンクです
// バッチ実行時にイベントをStep Functionsの出力として返すために使います
type Collector struct {
	mu     sync.Mutex
	events []model.PropertyEvent
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Notify(_ context.Context, event model.PropertyEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

// Events は収集したイベントのコピーを返します
func (c *Collector) Events() []model.PropertyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PropertyEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Drain は収集したイベントを返して内部のバッファを空にします
func (c *Collector) Drain() []model.PropertyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}
