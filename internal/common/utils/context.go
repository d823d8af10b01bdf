package utils

import (
	"context"
	"fmt"
	"time"
)

// RunWithTimeout は指定されたタイムアウト時間内でバッチ処理を実行します
// タイムアウトした場合は fn の終了を待たずに context.DeadlineExceeded を包んだエラーを返します
// 親の ctx がキャンセルされた場合はそのエラーを返します
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// fn が後から終了してもブロックしないようにバッファを持たせる
	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("batch process timed out after %v: %w", timeout, ctx.Err())
		}
		return ctx.Err()
	}
}
