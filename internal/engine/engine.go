// Package engine runs shell commands as background jobs and keeps their
// merged output readable by offset for the lifetime of the process.
//
// Every job owns one child process and one OutputBuffer. A dedicated drain
// goroutine per job is the only writer of that buffer and the only code that
// moves the job out of the running state. Request paths (Submit, Status,
// FetchOutput, Kill) never wait on another job.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Recorder receives job lifecycle events, typically to export metrics.
type Recorder interface {
	JobStarted()
	JobFinished(state string, elapsed time.Duration)
	SpawnFailed()
	OutputAppended(n int)
}

type nopRecorder struct{}

func (nopRecorder) JobStarted() {}

func (nopRecorder) JobFinished(string, time.Duration) {}

func (nopRecorder) SpawnFailed() {}

func (nopRecorder) OutputAppended(int) {}

type Engine struct {
	registry *Registry
	storage  Storage
	logger   *slog.Logger
	recorder Recorder

	mode      Mode
	killGrace time.Duration
	fetchWait time.Duration
	retention time.Duration

	mu     sync.Mutex
	closed bool
	drains sync.WaitGroup
}

type Option func(*Engine)

func WithStorage(storage Storage) Option {
	return func(e *Engine) {
		e.storage = storage
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

func WithMode(mode Mode) Option {
	return func(e *Engine) {
		e.mode = mode
	}
}

func WithKillGrace(d time.Duration) Option {
	return func(e *Engine) {
		e.killGrace = d
	}
}

// WithFetchWait sets how long FetchOutput may wait for new bytes when none
// are available. Zero disables waiting; values above MaxFetchWait are capped.
func WithFetchWait(d time.Duration) Option {
	return func(e *Engine) {
		e.fetchWait = min(max(d, 0), MaxFetchWait)
	}
}

// WithRetention enables eviction of finished, fully read jobs older than d.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		e.retention = d
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		registry:  NewRegistry(),
		storage:   NewMemoryStorage(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder:  nopRecorder{},
		mode:      ModePipe,
		killGrace: DefaultKillGrace,
		fetchWait: DefaultFetchWait,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit starts c and returns the new job id without waiting for the
// process. Any failure to create the process is a *SpawnError and leaves no
// trace in the registry.
func (e *Engine) Submit(ctx context.Context, c Command) (string, error) {
	if err := c.Validate(); err != nil {
		e.recorder.SpawnFailed()
		return "", &SpawnError{Command: c.String(), Err: err}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.drains.Add(1)
	e.mu.Unlock()

	started := false
	defer func() {
		if !started {
			e.drains.Done()
		}
	}()

	if c.Workdir != "" {
		if err := os.MkdirAll(c.Workdir, 0755); err != nil {
			e.logger.WarnContext(ctx, "cannot create workdir", "workdir", c.Workdir, "error", err)
		}
	}

	id := NewID()
	store, err := e.storage.Create(id)
	if err != nil {
		e.recorder.SpawnFailed()
		return "", &SpawnError{Command: c.String(), Err: err}
	}

	proc, err := StartProcess(c, e.mode, e.killGrace)
	if err != nil {
		store.Close()
		e.storage.Delete(id)
		e.recorder.SpawnFailed()
		e.logger.InfoContext(ctx, "spawn failed", "command", c.String(), "error", err)
		return "", &SpawnError{Command: c.String(), Err: err}
	}

	job := newJob(id, c, e.mode, proc, NewOutputBuffer(store))
	if _, err := e.registry.Insert(job); err != nil {
		// Unreachable with random ids; the process still needs reaping.
		proc.Kill()
		go proc.Wait()
		return "", fmt.Errorf("register job: %w: %w", ErrInvalidState, err)
	}

	started = true
	go e.drain(job)

	e.recorder.JobStarted()
	e.logger.InfoContext(ctx, "job started", "job_id", id, "pid", proc.PID(), "command", c.String(), "mode", e.mode)
	return id, nil
}

func (e *Engine) drain(j *Job) {
	defer e.drains.Done()

	exited := make(chan exitStatus, 1)
	go func() {
		st := j.proc.Wait()
		j.proc.expireOutput(ExitDrainTimeout)
		exited <- st
	}()

	var drainErr error
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := j.proc.Read(buf)
		if n > 0 {
			if aerr := j.output.Append(buf[:n]); aerr != nil {
				drainErr = aerr
				break
			}
			e.recorder.OutputAppended(n)
		}
		if err != nil {
			if !isEndOfOutput(err) {
				drainErr = fmt.Errorf("read output: %w", err)
			}
			break
		}
	}

	if drainErr != nil {
		e.logger.Error("output drain failed", "job_id", j.ID, "error", drainErr)
		// Nobody reads the stream anymore; the child could block on it.
		j.proc.Kill()
	}

	st := <-exited
	j.proc.Close()

	state := resolveState(j.proc, st, drainErr)
	j.output.Finalize()
	if err := j.finish(state); err != nil {
		e.logger.Error("finish job", "job_id", j.ID, "error", err)
		return
	}

	elapsed := time.Since(j.StartedAt)
	e.recorder.JobFinished(string(state.Kind), elapsed)
	e.logger.Info("job finished", "job_id", j.ID, "state", state.String(), "elapsed", elapsed, "output_bytes", j.output.Len())
}

func resolveState(p *Process, st exitStatus, drainErr error) State {
	switch {
	case drainErr != nil:
		return State{Kind: StateFailed, ExitCode: st.code, Reason: drainErr.Error()}
	case st.err != nil:
		return State{Kind: StateFailed, ExitCode: st.code, Reason: st.err.Error()}
	case p.KillRequested():
		return State{Kind: StateKilled, ExitCode: st.code, Signal: st.signal}
	case st.signal != "":
		// Terminated by a signal nobody here sent (OOM killer, operator).
		return State{Kind: StateKilled, ExitCode: st.code, Signal: st.signal}
	}
	return State{Kind: StateExited, ExitCode: st.code}
}

func (e *Engine) lookup(id string) (*Job, error) {
	j, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return j, nil
}

func (e *Engine) Status(id string) (Status, error) {
	j, err := e.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return j.Status(), nil
}

// FetchOutput returns the bytes available at offset. When there are none
// yet and the job is still producing output, it waits up to the configured
// fetch wait for more; it never blocks longer than that or past ctx.
func (e *Engine) FetchOutput(ctx context.Context, id string, offset int64) (Chunk, error) {
	j, err := e.lookup(id)
	if err != nil {
		return Chunk{}, err
	}

	var timeout <-chan time.Time
	if e.fetchWait > 0 {
		timer := time.NewTimer(e.fetchWait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		changed := j.output.Changed()
		chunk, err := j.output.ReadFrom(offset, MaxChunkSize)
		if err != nil {
			return Chunk{}, err
		}
		if len(chunk.Data) > 0 || chunk.Final || timeout == nil {
			j.markRead(chunk.Offset)
			return chunk, nil
		}

		select {
		case <-changed:
		case <-timeout:
			timeout = nil
		case <-ctx.Done():
			return chunk, nil
		}
	}
}

// Kill asks the job's process to terminate. The job becomes Killed once the
// process is actually gone. Killing a finished job does nothing.
func (e *Engine) Kill(id string) error {
	j, err := e.lookup(id)
	if err != nil {
		return err
	}
	if j.State().Terminal() {
		return nil
	}
	if !j.proc.KillRequested() {
		e.logger.Info("killing job", "job_id", id, "pid", j.proc.PID())
	}
	j.proc.Kill()
	return nil
}

// Wait blocks until the job is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (Status, error) {
	j, err := e.lookup(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-j.Done():
		return j.Status(), nil
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

// Remove evicts a finished job and releases its output.
func (e *Engine) Remove(id string) error {
	j, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !j.State().Terminal() {
		return fmt.Errorf("job %q: %w", id, ErrRunning)
	}
	if _, ok := e.registry.Remove(id); !ok {
		return fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	e.release(j)
	return nil
}

func (e *Engine) release(j *Job) {
	if err := j.output.Release(); err != nil {
		e.logger.Warn("release output", "job_id", j.ID, "error", err)
	}
	if err := e.storage.Delete(j.ID); err != nil {
		e.logger.Warn("delete output", "job_id", j.ID, "error", err)
	}
}

func (e *Engine) List() []Status {
	jobs := e.registry.List()
	result := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		result = append(result, j.Status())
	}
	return result
}

// RunRetention evicts expired jobs until ctx is done. It returns at once
// when no retention is configured.
func (e *Engine) RunRetention(ctx context.Context) error {
	if e.retention <= 0 {
		return nil
	}

	ticker := time.NewTicker(min(e.retention, MaxRetentionInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// sweep evicts terminal jobs that ended before now-retention and whose
// output was read to the end. Unread output is never dropped.
func (e *Engine) sweep(now time.Time) int {
	cutoff := now.Add(-e.retention)
	evicted := 0
	for _, j := range e.registry.List() {
		if !j.endedBefore(cutoff) || !j.consumed() {
			continue
		}
		if _, ok := e.registry.Remove(j.ID); ok {
			e.release(j)
			evicted++
			e.logger.Debug("job evicted", "job_id", j.ID)
		}
	}
	return evicted
}

// Shutdown kills every running job and waits for their drain goroutines,
// or for ctx. New submissions are rejected afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, j := range e.registry.List() {
		if !j.State().Terminal() {
			j.proc.Kill()
		}
	}

	done := make(chan struct{})
	go func() {
		e.drains.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// IsClientError reports whether err stems from the request rather than from
// the engine itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadOffset) ||
		errors.Is(err, ErrRunning) || errors.Is(err, ErrSpawn)
}
