package wait

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const DefaultPollInterval = 50 * time.Millisecond

var (
	ErrTimeout = errors.New("timeout")
	ErrNoMatch = errors.New("output ended without a match")
)

// ReadFunc returns the output available at offset and the offset to ask for
// next. final reports that no more output will ever follow.
type ReadFunc func(ctx context.Context, offset int64) (data []byte, next int64, final bool, err error)

type Config struct {
	Pattern      string
	Settle       time.Duration
	Timeout      time.Duration
	StartOffset  int64
	PollInterval time.Duration
}

type Result struct {
	Output string
	Offset int64
	Final  bool
}

// ForOutput reads from cfg.StartOffset until the new output matches
// cfg.Pattern, stays unchanged for cfg.Settle, or ends. Without a pattern
// or settle time it waits for the end of the output.
func ForOutput(ctx context.Context, read ReadFunc, cfg Config) (Result, error) {
	var re *regexp.Regexp
	if cfg.Pattern != "" {
		var err error
		re, err = regexp.Compile(cfg.Pattern)
		if err != nil {
			return Result{}, fmt.Errorf("invalid pattern: %w", err)
		}
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var out strings.Builder
	res := Result{Offset: cfg.StartOffset}
	lastChange := time.Now()

	for {
		data, next, final, err := read(ctx, res.Offset)
		if err != nil {
			if ctx.Err() != nil {
				return timedOut(res, &out, re, cfg)
			}
			return Result{}, err
		}

		if len(data) > 0 {
			out.Write(data)
			lastChange = time.Now()
		}
		res.Offset = next
		res.Final = final
		res.Output = out.String()

		if re != nil && re.MatchString(res.Output) {
			return res, nil
		}
		if final {
			if re != nil {
				return res, fmt.Errorf("pattern %q: %w", cfg.Pattern, ErrNoMatch)
			}
			return res, nil
		}
		if cfg.Settle > 0 && out.Len() > 0 && time.Since(lastChange) >= cfg.Settle {
			return res, nil
		}

		if len(data) == 0 {
			select {
			case <-ctx.Done():
				return timedOut(res, &out, re, cfg)
			case <-time.After(pollInterval):
			}
		}
	}
}

func timedOut(res Result, out *strings.Builder, re *regexp.Regexp, cfg Config) (Result, error) {
	res.Output = out.String()
	if re != nil {
		return res, fmt.Errorf("waiting for pattern %q: %w", cfg.Pattern, ErrTimeout)
	}
	if cfg.Settle > 0 {
		return res, fmt.Errorf("waiting for output to settle: %w", ErrTimeout)
	}
	return res, fmt.Errorf("waiting for output to end: %w", ErrTimeout)
}
