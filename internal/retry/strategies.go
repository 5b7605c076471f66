package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Strategy is one named way of producing a value.
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Strategies tries each strategy once, in order, and returns on the first
// success. When all fail, Err joins every strategy error.
func Strategies[T any](ctx context.Context, strategies []Strategy[T]) Result[T] {
	start := time.Now()
	var (
		res  Result[T]
		errs []error
	)
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("strategies canceled: %w", err))
			break
		}
		res.Attempts++
		val, err := s.Run(ctx)
		if err == nil {
			res.Value = val
			res.Success = true
			res.Strategy = s.Name
			res.Elapsed = time.Since(start)
			return res
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no strategies configured"))
	}
	res.Err = errors.Join(errs...)
	res.Elapsed = time.Since(start)
	return res
}
