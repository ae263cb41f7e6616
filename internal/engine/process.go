package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Mode selects how the child's output is captured. Both modes merge stdout
// and stderr into one untagged stream.
type Mode string

const (
	// ModePipe gives the child a single OS pipe as both stdout and stderr.
	ModePipe Mode = "pipe"
	// ModePTY runs the child on a pseudo-terminal. The terminal line
	// discipline rewrites "\n" as "\r\n" before rexec sees the bytes.
	ModePTY Mode = "pty"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePipe:
		return ModePipe, nil
	case ModePTY:
		return ModePTY, nil
	}
	return "", fmt.Errorf("unknown output mode %q", s)
}

type exitStatus struct {
	code   int
	signal string
	err    error
}

// Process owns one child process and the read side of its output stream.
type Process struct {
	cmd    *exec.Cmd
	output *os.File
	grace  time.Duration

	done      chan struct{}
	killOnce  sync.Once
	killAsked atomic.Bool
}

func StartProcess(c Command, mode Mode, grace time.Duration) (*Process, error) {
	args := c.Args()
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = c.Workdir

	p := &Process{
		cmd:   cmd,
		grace: grace,
		done:  make(chan struct{}),
	}

	switch mode {
	case ModePTY:
		// pty.Start puts the child in a new session, so its pid is also
		// its process group id.
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		p.output = ptmx
	default:
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("create output pipe: %w", err)
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			pr.Close()
			pw.Close()
			return nil, err
		}
		// The child holds its own copy; ours must go so EOF can arrive.
		pw.Close()
		p.output = pr
	}

	return p, nil
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) Read(buf []byte) (int, error) {
	return p.output.Read(buf)
}

// Wait blocks until the child exits. Only the drain goroutine calls it.
func (p *Process) Wait() exitStatus {
	err := p.cmd.Wait()
	close(p.done)

	state := p.cmd.ProcessState
	if state == nil {
		return exitStatus{code: -1, err: err}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return exitStatus{code: state.ExitCode(), err: err}
	}

	st := exitStatus{code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.signal = unix.SignalName(ws.Signal())
		if st.signal == "" {
			st.signal = ws.Signal().String()
		}
	}
	return st
}

// Kill sends SIGTERM to the child's process group and escalates to SIGKILL
// if it is still alive after the grace period. Repeated calls are no-ops.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.killAsked.Store(true)
		p.signal(unix.SIGTERM)

		go func() {
			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.signal(unix.SIGKILL)
			}
		}()
	})
}

func (p *Process) KillRequested() bool {
	return p.killAsked.Load()
}

func (p *Process) signal(sig syscall.Signal) {
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		p.cmd.Process.Signal(sig)
	}
}

// expireOutput stops a blocked Read after d. Called once the child exited.
func (p *Process) expireOutput(d time.Duration) {
	p.output.SetReadDeadline(time.Now().Add(d))
}

func (p *Process) Close() error {
	return p.output.Close()
}

func isEndOfOutput(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	// Reading a pty master after the slave side closed yields EIO on Linux.
	return errors.Is(err, syscall.EIO)
}
