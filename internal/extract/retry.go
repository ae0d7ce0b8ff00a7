package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrExtractionValidation 表示重试耗尽后模型输出仍不符合 Schema。
// 这是可恢复错误：调用方保留原有数据，对话继续。
var ErrExtractionValidation = errors.New("extraction validation failed")

// ValidationError 携带最后一次尝试的校验失败信息。
type ValidationError struct {
	Attempts   int
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("%s after %d attempt(s): %s", ErrExtractionValidation, e.Attempts, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrExtractionValidation }

const DefaultMaxAttempts = 2

// Policy 是抽取的重试策略。MaxAttempts 包含首次尝试。
type Policy struct {
	MaxAttempts int
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// AttemptFunc 执行第 n 次尝试（从 1 开始），last 为上一次的校验失败信息。
// 返回的 error 表示无法继续（例如模型不可用），会立即终止重试。
type AttemptFunc[T any] func(ctx context.Context, n int, last []Violation) (T, []Violation, error)

// Retry 是有界的“校验 + 修复”组合子：直到某次尝试没有校验失败，或次数耗尽。
func Retry[T any](ctx context.Context, p Policy, fn AttemptFunc[T]) (T, int, error) {
	var (
		zero T
		last []Violation
	)
	limit := p.attempts()
	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			return zero, n - 1, err
		}
		out, violations, err := fn(ctx, n, last)
		if err != nil {
			return zero, n, err
		}
		if len(violations) == 0 {
			return out, n, nil
		}
		last = violations
	}
	return zero, limit, &ValidationError{Attempts: limit, Violations: last}
}
