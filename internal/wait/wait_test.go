package wait

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeOutput serves a growing output like a running job would.
type fakeOutput struct {
	mu    sync.Mutex
	data  []byte
	final bool
}

func (f *fakeOutput) append(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, s...)
}

func (f *fakeOutput) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = true
}

func (f *fakeOutput) read(ctx context.Context, offset int64) ([]byte, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := append([]byte(nil), f.data[offset:]...)
	return data, int64(len(f.data)), f.final, nil
}

func TestForOutput_PatternMatch(t *testing.T) {
	out := &fakeOutput{}
	out.append("loading...\nready\n")

	cfg := Config{
		Pattern: "ready",
		Timeout: time.Second,
	}

	res, err := ForOutput(context.Background(), out.read, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "ready") {
		t.Errorf("expected output to contain 'ready', got %q", res.Output)
	}
	if res.Offset != 17 {
		t.Errorf("expected offset 17, got %d", res.Offset)
	}
}

func TestForOutput_PatternArrivesLater(t *testing.T) {
	out := &fakeOutput{}
	out.append("starting\n")
	go func() {
		time.Sleep(50 * time.Millisecond)
		out.append("listening on :8080\n")
	}()

	cfg := Config{
		Pattern:      `listening on :\d+`,
		Timeout:      2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}

	res, err := ForOutput(context.Background(), out.read, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "starting\nlistening on :8080\n" {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestForOutput_PatternTimeout(t *testing.T) {
	out := &fakeOutput{}
	out.append("waiting...")

	cfg := Config{
		Pattern:      "never-match",
		Timeout:      100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}

	res, err := ForOutput(context.Background(), out.read, cfg)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if res.Output != "waiting..." {
		t.Errorf("expected partial output, got %q", res.Output)
	}
}

func TestForOutput_PatternNeverMatchesFinishedOutput(t *testing.T) {
	out := &fakeOutput{}
	out.append("done\n")
	out.finish()

	_, err := ForOutput(context.Background(), out.read, Config{Pattern: "ready", Timeout: time.Second})
	if !errors.Is(err, ErrNoMatch) {
		t.Errorf("expected ErrNoMatch, got %v", err)
	}
}

func TestForOutput_SettleMode(t *testing.T) {
	out := &fakeOutput{}
	out.append("output")

	cfg := Config{
		Settle:       50 * time.Millisecond,
		Timeout:      2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}

	res, err := ForOutput(context.Background(), out.read, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "output" || res.Offset != 6 {
		t.Errorf("expected 'output'@6, got %q@%d", res.Output, res.Offset)
	}
	if res.Final {
		t.Error("settled output reported final")
	}
}

func TestForOutput_SettleNeedsOutput(t *testing.T) {
	out := &fakeOutput{}

	cfg := Config{
		Settle:       20 * time.Millisecond,
		Timeout:      100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}

	_, err := ForOutput(context.Background(), out.read, cfg)
	if !errors.Is(err, ErrTimeout) || !strings.Contains(err.Error(), "settle") {
		t.Errorf("expected settle timeout, got %v", err)
	}
}

func TestForOutput_UntilEnd(t *testing.T) {
	out := &fakeOutput{}
	go func() {
		for _, line := range []string{"a\n", "b\n", "c\n"} {
			out.append(line)
			time.Sleep(10 * time.Millisecond)
		}
		out.finish()
	}()

	res, err := ForOutput(context.Background(), out.read, Config{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "a\nb\nc\n" || !res.Final {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestForOutput_InvalidPattern(t *testing.T) {
	out := &fakeOutput{}

	_, err := ForOutput(context.Background(), out.read, Config{Pattern: "[invalid", Timeout: time.Second})
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if !strings.Contains(err.Error(), "invalid pattern") {
		t.Errorf("expected 'invalid pattern' error, got %v", err)
	}
}

func TestForOutput_ReadError(t *testing.T) {
	readErr := errors.New("read failed")
	readFn := func(context.Context, int64) ([]byte, int64, bool, error) {
		return nil, 0, false, readErr
	}

	_, err := ForOutput(context.Background(), readFn, Config{Pattern: "test", Timeout: time.Second})
	if !errors.Is(err, readErr) {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestForOutput_StartOffset(t *testing.T) {
	out := &fakeOutput{}
	out.append("old outputnew output")
	out.finish()

	res, err := ForOutput(context.Background(), out.read, Config{StartOffset: 10, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "new output" {
		t.Errorf("expected 'new output', got %q", res.Output)
	}
}

func TestForOutput_ContextCancelled(t *testing.T) {
	out := &fakeOutput{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ForOutput(ctx, out.read, Config{PollInterval: 10 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected timeout on cancelled context, got %v", err)
	}
}
