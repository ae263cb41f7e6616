// Package api contains the JSON request and response bodies shared by the
// server, the client and the CLI.
package api

import "time"

// RunRequest submits a job. Exactly one of Cmd and Command is set: Cmd is
// executed as an argument vector, Command as a command line.
type RunRequest struct {
	Cmd     []string `json:"cmd,omitempty"`
	Command string   `json:"command,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
}

// JobStatus describes one job.
type JobStatus struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	Workdir   string     `json:"workdir,omitempty"`
	PID       int        `json:"pid"`
	Mode      string     `json:"mode"`
	State     string     `json:"state"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Signal    string     `json:"signal,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
	OutputLen int64      `json:"output_len"`
	Final     bool       `json:"final"`
}

// Terminal reports whether the job finished.
func (s JobStatus) Terminal() bool {
	return s.State != StateRunning
}

// Job states as they appear on the wire.
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateKilled  = "killed"
	StateFailed  = "failed"
)

type ListResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

type KillResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes.
const (
	CodeNotFound   = "not_found"
	CodeSpawn      = "spawn_failed"
	CodeBadOffset  = "bad_offset"
	CodeRunning    = "running"
	CodeBadRequest = "bad_request"
	CodeTimeout    = "timeout"
	CodeInternal   = "internal"
)

// Output chunk metadata headers of GET /jobs/{id}/output.
const (
	HeaderOffset = "X-Rexec-Offset"
	HeaderFinal  = "X-Rexec-Final"
	HeaderState  = "X-Rexec-State"
)

// Answers of GET /wait-run/{id}.
const (
	WaitRunOK     = "ok"
	WaitRunFailed = "failed"
	WaitRunKilled = "killed"
)

// OfferFilesRequest lists the md5 (lowercase hex) of local files. The
// response is the list of names whose remote copy is missing or differs.
type OfferFilesRequest struct {
	Workdir string            `json:"workdir"`
	Hashes  map[string]string `json:"hashes"`
}

type FileData struct {
	Data       []byte `json:"data"`
	Executable bool   `json:"executable,omitempty"`
}

type SendFilesRequest struct {
	Workdir string              `json:"workdir"`
	Files   map[string]FileData `json:"files"`
}

type GetFileRequest struct {
	Workdir string `json:"workdir"`
	Path    string `json:"path"`
}
