package tracing

import (
	"context"
	"sync"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// Span はX-Rayのサブセグメントを包み、二重クローズとセグメント未設定を吸収します
type Span struct {
	seg  *xray.Segment
	once sync.Once
}

// Begin は ctx に親セグメントがある場合のみサブセグメントを開始します
// 親がない場合(ローカル実行やトレース無効時)は何もしないSpanを返します
func Begin(ctx context.Context, name string) (context.Context, *Span) {
	if xray.GetSegment(ctx) == nil {
		return ctx, &Span{}
	}
	ctx, seg := xray.BeginSubsegment(ctx, name)
	return ctx, &Span{seg: seg}
}

// Close はサブセグメントを閉じます。2回目以降の呼び出しは無視されます
func (s *Span) Close(err error) {
	if s == nil || s.seg == nil {
		return
	}
	s.once.Do(func() {
		s.seg.Close(err)
	})
}

// AddMetadata はメタデータを追加します。失敗は無視します
func (s *Span) AddMetadata(key string, value interface{}) {
	if s == nil || s.seg == nil {
		return
	}
	_ = s.seg.AddMetadata(key, value)
}
