package utils

import (
	"fmt"
	"runtime/debug"
)

// StackError はエラーに発生時点のスタックトレースを添えたものです
type StackError struct {
	Err   error
	Stack []byte
}

func (e *StackError) Error() string {
	return fmt.Sprintf("%v\nStack trace:\n%s", e.Err, e.Stack)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// GetStackWithError は、エラーとスタックトレースを組み合わせて返します
// 既にスタックを持つエラーはそのまま返します
func GetStackWithError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*StackError); ok {
		return err
	}
	return &StackError{Err: err, Stack: debug.Stack()}
}
