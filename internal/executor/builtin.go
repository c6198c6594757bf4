package executor

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// echo returns its parameters as outputs.
func (s *Service) echo(_ context.Context, in Input) (map[string]any, error) {
	return maps.Clone(in.Params), nil
}

// sleep waits for the "duration" parameter: a Go duration string or a
// number of milliseconds.
func (s *Service) sleep(ctx context.Context, in Input) (map[string]any, error) {
	d, err := durationParam(in.Params["duration"])
	if err != nil {
		return nil, NoRetry(err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.clock.After(d):
	}
	return map[string]any{"slept": d.String()}, nil
}

func durationParam(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("param duration is required")
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("param duration: %w", err)
		}
		return d, nil
	case int:
		return time.Duration(x) * time.Millisecond, nil
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("param duration: unsupported type %T", v)
	}
}
