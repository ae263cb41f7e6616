package engine

import "time"

const (
	ReadBufferSize   = 32 * 1024
	MaxChunkSize     = 1 << 20
	DefaultKillGrace = 5 * time.Second
	DefaultFetchWait = 250 * time.Millisecond
	MaxFetchWait     = 5 * time.Second

	// ExitDrainTimeout bounds how long output is still collected after the
	// child exited, in case a detached grandchild keeps the stream open.
	ExitDrainTimeout = 500 * time.Millisecond

	MaxRetentionInterval = time.Minute

	DefaultShell = "/bin/sh"
)
