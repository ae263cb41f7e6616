package engine

import (
	"fmt"
	"sync"
	"time"
)

type StateKind string

const (
	StateRunning StateKind = "running"
	StateExited  StateKind = "exited"
	StateKilled  StateKind = "killed"
	StateFailed  StateKind = "failed"
)

// State is the lifecycle position of a job. ExitCode is meaningful for
// Exited, and for Killed when the process handled the signal and exited
// on its own; Signal names the terminating signal; Reason explains Failed.
type State struct {
	Kind     StateKind
	ExitCode int
	Signal   string
	Reason   string
}

func (s State) Terminal() bool {
	return s.Kind != StateRunning
}

func (s State) String() string {
	switch s.Kind {
	case StateExited:
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	case StateKilled:
		if s.Signal != "" {
			return fmt.Sprintf("killed(%s)", s.Signal)
		}
		return fmt.Sprintf("killed(exit %d)", s.ExitCode)
	case StateFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return string(s.Kind)
}

// Status is a point-in-time snapshot of a job.
type Status struct {
	ID        string
	Command   string
	Workdir   string
	PID       int
	Mode      Mode
	State     State
	StartedAt time.Time
	EndedAt   time.Time
	Elapsed   time.Duration
	OutputLen int64
	Final     bool
}

type Job struct {
	ID        string
	Command   Command
	Mode      Mode
	StartedAt time.Time

	proc   *Process
	output *OutputBuffer
	done   chan struct{}

	mu      sync.Mutex
	state   State
	endedAt time.Time
	readTo  int64
}

func newJob(id string, c Command, mode Mode, proc *Process, output *OutputBuffer) *Job {
	return &Job{
		ID:        id,
		Command:   c,
		Mode:      mode,
		StartedAt: time.Now(),
		proc:      proc,
		output:    output,
		done:      make(chan struct{}),
		state:     State{Kind: StateRunning},
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed once the job reached a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Status() Status {
	j.mu.Lock()
	state := j.state
	endedAt := j.endedAt
	j.mu.Unlock()

	elapsed := time.Since(j.StartedAt)
	if state.Terminal() {
		elapsed = endedAt.Sub(j.StartedAt)
	}

	return Status{
		ID:        j.ID,
		Command:   j.Command.String(),
		Workdir:   j.Command.Workdir,
		PID:       j.proc.PID(),
		Mode:      j.Mode,
		State:     state,
		StartedAt: j.StartedAt,
		EndedAt:   endedAt,
		Elapsed:   elapsed,
		OutputLen: j.output.Len(),
		Final:     j.output.Final(),
	}
}

// finish records the terminal state. Only the drain goroutine calls it, and
// only once.
func (j *Job) finish(state State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		return fmt.Errorf("job %s already %s: %w", j.ID, j.state, ErrInvalidState)
	}
	j.state = state
	j.endedAt = time.Now()
	close(j.done)
	return nil
}

func (j *Job) markRead(offset int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if offset > j.readTo {
		j.readTo = offset
	}
}

// consumed reports whether some reader fetched the output up to its final
// byte.
func (j *Job) consumed() bool {
	j.mu.Lock()
	readTo := j.readTo
	j.mu.Unlock()
	return j.output.Final() && readTo == j.output.Len()
}

func (j *Job) endedBefore(t time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Terminal() && j.endedAt.Before(t)
}
