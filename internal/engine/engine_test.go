package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithKillGrace(500 * time.Millisecond), WithFetchWait(50 * time.Millisecond)}, opts...)
	e := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return e
}

func submit(t *testing.T, e *Engine, line string) string {
	t.Helper()
	id, err := e.Submit(context.Background(), Command{Line: line})
	if err != nil {
		t.Fatalf("Submit(%q): %v", line, err)
	}
	return id
}

func waitDone(t *testing.T, e *Engine, id string) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v (state %s)", id, err, st.State)
	}
	return st
}

// readAll fetches output from offset 0 until the final chunk.
func readAll(t *testing.T, e *Engine, id string) string {
	t.Helper()
	var out bytes.Buffer
	var offset int64
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		chunk, err := e.FetchOutput(context.Background(), id, offset)
		if err != nil {
			t.Fatalf("FetchOutput(%s, %d): %v", id, offset, err)
		}
		out.Write(chunk.Data)
		offset = chunk.Offset
		if chunk.Final {
			return out.String()
		}
	}
	t.Fatalf("output of %s never became final, got %q", id, out.String())
	return ""
}

func waitForOutput(t *testing.T, e *Engine, id, contains string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chunk, err := e.FetchOutput(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("FetchOutput: %v", err)
		}
		if strings.Contains(string(chunk.Data), contains) {
			return
		}
	}
	t.Fatalf("timed out waiting for %q in output of %s", contains, id)
}

func TestEngine_EchoExits(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "echo hello")

	st := waitDone(t, e, id)
	if st.State.Kind != StateExited || st.State.ExitCode != 0 {
		t.Errorf("state = %s, want exited(0)", st.State)
	}
	if !st.Final {
		t.Error("terminal job output not final")
	}
	if got := readAll(t, e, id); got != "hello\n" {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}
}

func TestEngine_ExitCode(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "echo failing; exit 3")

	st := waitDone(t, e, id)
	if st.State.Kind != StateExited || st.State.ExitCode != 3 {
		t.Errorf("state = %s, want exited(3)", st.State)
	}
	if got := readAll(t, e, id); got != "failing\n" {
		t.Errorf("output = %q", got)
	}
}

func TestEngine_MergesStderr(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "echo out; echo err 1>&2")

	waitDone(t, e, id)
	got := readAll(t, e, id)
	if !strings.Contains(got, "out\n") || !strings.Contains(got, "err\n") {
		t.Errorf("output = %q, want both streams", got)
	}
}

func TestEngine_ArgvIsNotInterpreted(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Submit(context.Background(), Command{Argv: []string{"echo", "a;", "$HOME"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, e, id)
	if got := readAll(t, e, id); got != "a; $HOME\n" {
		t.Errorf("output = %q", got)
	}
}

func TestEngine_Workdir(t *testing.T) {
	e := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "nested", "work")

	id, err := e.Submit(context.Background(), Command{Line: "pwd", Workdir: dir})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, e, id)
	if got := strings.TrimSpace(readAll(t, e, id)); got != dir {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestEngine_RunningStatus(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "sleep 5")

	st, err := e.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State.Kind != StateRunning || st.Final || st.PID <= 0 {
		t.Errorf("status = %+v, want running with a pid", st)
	}
	if st.Command != "sleep 5" {
		t.Errorf("command = %q", st.Command)
	}

	start := time.Now()
	chunk, err := e.FetchOutput(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("FetchOutput: %v", err)
	}
	if len(chunk.Data) != 0 || chunk.Final || chunk.Offset != 0 {
		t.Errorf("chunk = %+v, want empty non-final", chunk)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("FetchOutput blocked for %v", waited)
	}

	if err := e.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, e, id)
}

func TestEngine_RunningThenExited(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "sleep 0.3")

	st, err := e.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State.Kind != StateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}

	st = waitDone(t, e, id)
	if st.State.Kind != StateExited || st.State.ExitCode != 0 {
		t.Errorf("state = %s, want exited(0)", st.State)
	}
	if st.Elapsed < 250*time.Millisecond {
		t.Errorf("elapsed = %v, want about 300ms", st.Elapsed)
	}
	if !st.Final {
		t.Error("output not final after exit")
	}
}

// failingStorage hands out stores whose appends fail after the first one.
type failingStorage struct {
	*MemoryStorage
}

func (s failingStorage) Create(id string) (Store, error) {
	store, err := s.MemoryStorage.Create(id)
	if err != nil {
		return nil, err
	}
	return &failingStore{Store: store}, nil
}

type failingStore struct {
	Store
	appends int
}

func (f *failingStore) Append(data []byte) error {
	f.appends++
	if f.appends > 1 {
		return errors.New("disk full")
	}
	return f.Store.Append(data)
}

func TestEngine_DrainErrorFailsJob(t *testing.T) {
	e := newTestEngine(t, WithStorage(failingStorage{NewMemoryStorage()}))
	id := submit(t, e, "echo first; sleep 0.3; echo second; sleep 5")

	st := waitDone(t, e, id)
	if st.State.Kind != StateFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if !strings.Contains(st.State.Reason, "disk full") {
		t.Errorf("reason = %q, want it to mention the store error", st.State.Reason)
	}

	chunk, err := e.FetchOutput(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("FetchOutput: %v", err)
	}
	if string(chunk.Data) != "first\n" || !chunk.Final {
		t.Errorf("chunk = %q final=%v, want \"first\\n\" final", chunk.Data, chunk.Final)
	}
}

func TestEngine_KillKeepsPartialOutput(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "echo started; sleep 10; echo never")

	waitForOutput(t, e, id, "started")
	if err := e.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	st := waitDone(t, e, id)
	if st.State.Kind != StateKilled {
		t.Errorf("state = %s, want killed", st.State)
	}
	if st.State.Signal != "SIGTERM" {
		t.Errorf("signal = %q, want SIGTERM", st.State.Signal)
	}
	if got := readAll(t, e, id); got != "started\n" {
		t.Errorf("output = %q, want %q", got, "started\n")
	}
}

func TestEngine_KillEscalates(t *testing.T) {
	e := newTestEngine(t, WithKillGrace(200*time.Millisecond))
	id := submit(t, e, "trap '' TERM; echo ready; sleep 10")

	waitForOutput(t, e, id, "ready")
	start := time.Now()
	e.Kill(id)

	st := waitDone(t, e, id)
	if st.State.Kind != StateKilled || st.State.Signal != "SIGKILL" {
		t.Errorf("state = %s, want killed(SIGKILL)", st.State)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("escalated after %v, before the grace period", elapsed)
	}
}

func TestEngine_KillIdempotent(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "sleep 10")

	for i := 0; i < 3; i++ {
		if err := e.Kill(id); err != nil {
			t.Fatalf("Kill #%d: %v", i, err)
		}
	}
	waitDone(t, e, id)
	if err := e.Kill(id); err != nil {
		t.Errorf("Kill of finished job: %v", err)
	}

	st, _ := e.Status(id)
	if st.State.Kind != StateKilled {
		t.Errorf("state = %s, want killed", st.State)
	}

	done := submit(t, e, "true")
	waitDone(t, e, done)
	if err := e.Kill(done); err != nil {
		t.Errorf("Kill of exited job: %v", err)
	}
	if st, _ := e.Status(done); st.State.Kind != StateExited {
		t.Errorf("Kill changed exited job to %s", st.State)
	}
}

func TestEngine_UnknownID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["Status"] = e.Status("nope")
	_, checks["FetchOutput"] = e.FetchOutput(ctx, "nope", 0)
	checks["Kill"] = e.Kill("nope")
	_, checks["Wait"] = e.Wait(ctx, "nope")
	checks["Remove"] = e.Remove("nope")

	for op, err := range checks {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s(unknown) = %v, want ErrNotFound", op, err)
		}
	}
}

func TestEngine_SpawnFailure(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name string
		cmd  Command
	}{
		{"empty", Command{}},
		{"blank", Command{Line: "  "}},
		{"missing binary", Command{Line: "definitely-not-a-real-binary-4711 --flag"}},
		{"missing argv binary", Command{Argv: []string{"/nonexistent/bin/tool"}}},
		{"relative workdir", Command{Line: "ls", Workdir: "relative"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := e.Submit(context.Background(), tt.cmd)
			if id != "" {
				t.Errorf("Submit returned id %q", id)
			}
			if !errors.Is(err, ErrSpawn) {
				t.Fatalf("Submit error = %v, want ErrSpawn", err)
			}
			var se *SpawnError
			if !errors.As(err, &se) {
				t.Errorf("error %T is not a *SpawnError", err)
			}
		})
	}

	if n := len(e.List()); n != 0 {
		t.Errorf("%d jobs registered after spawn failures", n)
	}
}

func TestEngine_BadOffset(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "printf abc")
	waitDone(t, e, id)

	for _, off := range []int64{-1, 4} {
		if _, err := e.FetchOutput(context.Background(), id, off); !errors.Is(err, ErrBadOffset) {
			t.Errorf("FetchOutput(offset %d) = %v, want ErrBadOffset", off, err)
		}
	}

	chunk, err := e.FetchOutput(context.Background(), id, 3)
	if err != nil || len(chunk.Data) != 0 || !chunk.Final {
		t.Errorf("FetchOutput(end) = %+v, %v; want empty final chunk", chunk, err)
	}
}

func TestEngine_OutputGrowsMonotonically(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "for i in 1 2 3 4 5 6 7 8 9 10; do echo line $i; sleep 0.05; done")

	var prev []byte
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		chunk, err := e.FetchOutput(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("FetchOutput: %v", err)
		}
		if !bytes.HasPrefix(chunk.Data, prev) {
			t.Fatalf("output %q does not extend earlier read %q", chunk.Data, prev)
		}
		prev = chunk.Data
		if chunk.Final {
			break
		}
	}
	if !bytes.HasSuffix(prev, []byte("line 10\n")) {
		t.Errorf("final output = %q", prev)
	}
}

func TestEngine_IncrementalReads(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "echo one; sleep 0.2; echo two")

	got := readAll(t, e, id)
	if got != "one\ntwo\n" {
		t.Errorf("incremental output = %q", got)
	}

	full, err := e.FetchOutput(context.Background(), id, 0)
	if err != nil || string(full.Data) != got {
		t.Errorf("re-read from 0 = %q, %v", full.Data, err)
	}
}

func TestEngine_ConcurrentJobs(t *testing.T) {
	e := newTestEngine(t)
	const n = 20

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := e.Submit(context.Background(), Command{Argv: []string{"echo", fmt.Sprintf("job-%d", i)}})
			if err != nil {
				t.Errorf("Submit %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, id := range ids {
		if id == "" {
			continue
		}
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true

		waitDone(t, e, id)
		if got, want := readAll(t, e, id), fmt.Sprintf("job-%d\n", i); got != want {
			t.Errorf("job %d output = %q, want %q", i, got, want)
		}
	}
	if len(e.List()) != n {
		t.Errorf("List = %d jobs, want %d", len(e.List()), n)
	}
}

func TestEngine_FileStorage(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	e := newTestEngine(t, WithStorage(storage))

	id := submit(t, e, "seq 1 1000")
	waitDone(t, e, id)

	got := readAll(t, e, id)
	if !strings.HasPrefix(got, "1\n2\n") || !strings.HasSuffix(got, "999\n1000\n") {
		t.Errorf("unexpected output of %d bytes", len(got))
	}
}

func TestEngine_DetachedChildDoesNotHoldJob(t *testing.T) {
	e := newTestEngine(t)
	id := submit(t, e, "(sleep 3 &); echo parent done")

	st := waitDone(t, e, id)
	if st.State.Kind != StateExited {
		t.Errorf("state = %s", st.State)
	}
	if st.Elapsed > 2*time.Second {
		t.Errorf("job held open for %v by a detached child", st.Elapsed)
	}
	if got := readAll(t, e, id); got != "parent done\n" {
		t.Errorf("output = %q", got)
	}
}

func TestEngine_Remove(t *testing.T) {
	e := newTestEngine(t)

	running := submit(t, e, "sleep 10")
	if err := e.Remove(running); !errors.Is(err, ErrRunning) {
		t.Errorf("Remove(running) = %v, want ErrRunning", err)
	}
	e.Kill(running)
	waitDone(t, e, running)

	if err := e.Remove(running); err != nil {
		t.Fatalf("Remove(finished): %v", err)
	}
	if _, err := e.Status(running); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status after Remove = %v, want ErrNotFound", err)
	}
}

func TestEngine_RetentionKeepsUnreadOutput(t *testing.T) {
	e := newTestEngine(t, WithRetention(time.Minute))

	unread := submit(t, e, "echo keep me")
	read := submit(t, e, "echo read me")
	running := submit(t, e, "sleep 10")
	waitDone(t, e, unread)
	waitDone(t, e, read)
	readAll(t, e, read)

	later := time.Now().Add(2 * time.Minute)
	if n := e.sweep(later); n != 1 {
		t.Errorf("sweep evicted %d jobs, want 1", n)
	}
	if _, err := e.Status(read); !errors.Is(err, ErrNotFound) {
		t.Errorf("consumed job still present: %v", err)
	}
	if _, err := e.Status(unread); err != nil {
		t.Errorf("unread job evicted: %v", err)
	}
	if _, err := e.Status(running); err != nil {
		t.Errorf("running job evicted: %v", err)
	}

	if n := e.sweep(time.Now()); n != 0 {
		t.Errorf("sweep before expiry evicted %d", n)
	}
}

func TestEngine_RunRetentionDisabled(t *testing.T) {
	e := newTestEngine(t)
	done := make(chan error, 1)
	go func() { done <- e.RunRetention(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunRetention = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunRetention without retention did not return")
	}
}

func TestEngine_Shutdown(t *testing.T) {
	e := New(WithKillGrace(200 * time.Millisecond))
	id := submit(t, e, "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	st, err := e.Status(id)
	if err != nil {
		t.Fatalf("Status after Shutdown: %v", err)
	}
	if st.State.Kind != StateKilled {
		t.Errorf("state after Shutdown = %s, want killed", st.State)
	}
	if _, err := e.Submit(context.Background(), Command{Line: "true"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Shutdown = %v, want ErrClosed", err)
	}
}

func TestEngine_PTYMode(t *testing.T) {
	e := newTestEngine(t, WithMode(ModePTY))
	id, err := e.Submit(context.Background(), Command{Line: "echo on a terminal; test -t 1 && echo tty"})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}

	st := waitDone(t, e, id)
	if st.Mode != ModePTY || st.State.Kind != StateExited {
		t.Errorf("status = %+v", st)
	}
	got := readAll(t, e, id)
	if !strings.Contains(got, "on a terminal\r\n") || !strings.Contains(got, "tty") {
		t.Errorf("pty output = %q", got)
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	failed   int
	bytes    int
}

func (r *countingRecorder) JobStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) JobFinished(state string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[state]++
}

func (r *countingRecorder) SpawnFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *countingRecorder) OutputAppended(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += n
}

func TestEngine_Recorder(t *testing.T) {
	rec := &countingRecorder{finished: map[string]int{}}
	e := newTestEngine(t, WithRecorder(rec))

	id := submit(t, e, "printf 12345")
	waitDone(t, e, id)
	e.Submit(context.Background(), Command{})

	// JobFinished is reported right after the job turns terminal.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		ok := rec.started == 1 && rec.finished["exited"] == 1 && rec.failed == 1 && rec.bytes == 5
		snapshot := fmt.Sprintf("started=%d finished=%v failed=%d bytes=%d", rec.started, rec.finished, rec.failed, rec.bytes)
		rec.mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorder = %s", snapshot)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
