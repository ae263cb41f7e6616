package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("invalid state")
	ErrBadOffset    = errors.New("offset out of range")
	ErrRunning      = errors.New("job is still running")
	ErrEmptyCommand = errors.New("command cannot be empty")
	ErrClosed       = errors.New("engine is shut down")
	ErrSpawn        = errors.New("spawn failed")
	ErrBadWorkdir   = errors.New("invalid workdir")
)

// SpawnError is returned by Submit when no process could be created for a
// command. No job is registered when it occurs.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }
