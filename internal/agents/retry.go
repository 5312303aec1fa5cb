package agents

import (
	"context"
	"time"
)

// Retry wraps stage so that it is attempted up to attempts times, sleeping
// backoff, 2*backoff, ... between tries. Validation errors and a done context
// end the loop early. Graph authors use this to express a bounded retry on a
// single node; the engine itself never retries.
func Retry(stage StageFunc, attempts int, backoff time.Duration) StageFunc {
	if attempts < 1 {
		attempts = 1
	}
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		var lastErr error
		wait := backoff
		for i := 0; i < attempts; i++ {
			out, err := stage(ctx, input)
			if err == nil {
				return out, nil
			}
			lastErr = err
			if IsValidation(err) || i == attempts-1 {
				break
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			wait *= 2
		}
		return nil, lastErr
	}
}
