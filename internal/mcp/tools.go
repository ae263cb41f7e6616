package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/schovi/rexec/internal/api"
	"github.com/schovi/rexec/internal/client"
	"github.com/schovi/rexec/internal/vterm"
	"github.com/schovi/rexec/internal/wait"
)

const (
	defaultTimeoutSec = 10
	maxOutputBytes    = 256 * 1024
)

type ToolRegistry struct {
	client *client.Client
}

func NewToolRegistry(c *client.Client) *ToolRegistry {
	return &ToolRegistry{client: c}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

var jobID = prop("string", "Job id returned by run")

func (r *ToolRegistry) List() []ToolDef {
	outputProps := func(props map[string]any) map[string]any {
		props["wait_pattern"] = prop("string", "Wait until the new output matches this regex")
		props["settle_ms"] = prop("integer", "Wait until the output has been quiet for N ms")
		props["timeout_sec"] = prop("integer", "Max wait time in seconds (default: 10)")
		props["strip_ansi"] = prop("boolean", "Remove terminal escape sequences from the output (default: false)")
		return props
	}

	return []ToolDef{
		{
			Name:        "run",
			Description: "Start a command as a background job on the server and return its id. Optionally wait for early output. The job keeps running after the call returns.",
			InputSchema: object(nil, outputProps(map[string]any{
				"command": prop("string", "Command line, run through /bin/sh when it uses shell syntax. Mutually exclusive with argv."),
				"argv": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Program and arguments, executed without a shell. Mutually exclusive with command.",
				},
				"workdir": prop("string", "Absolute working directory, created if missing"),
			})),
		},
		{
			Name:        "status",
			Description: "Show the state of a job: running, exited (with exit code), killed or failed, plus elapsed time and output length.",
			InputSchema: object([]string{"id"}, map[string]any{"id": jobID}),
		},
		{
			Name:        "list",
			Description: "List all jobs known to the server",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "output",
			Description: "Read job output starting at a byte offset. Returns the text and the offset to pass next time. Without wait options it returns what is available right now.",
			InputSchema: object([]string{"id"}, outputProps(map[string]any{
				"id":     jobID,
				"offset": prop("integer", "Byte offset to read from (default: 0)"),
				"screen": prop("boolean", "Render the output on a virtual terminal and return the final screen (for full-screen programs)"),
			})),
		},
		{
			Name:        "kill",
			Description: "Terminate a job (SIGTERM, then SIGKILL after a grace period). Killing a finished job does nothing.",
			InputSchema: object([]string{"id"}, map[string]any{"id": jobID}),
		},
		{
			Name:        "wait",
			Description: "Block until a job finishes and return its final status",
			InputSchema: object([]string{"id"}, map[string]any{
				"id":          jobID,
				"timeout_sec": prop("integer", "Max wait time in seconds (default: 10)"),
			}),
		},
		{
			Name:        "remove",
			Description: "Forget a finished job and free its output",
			InputSchema: object([]string{"id"}, map[string]any{"id": jobID}),
		},
	}
}

func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch name {
	case "run":
		return r.callRun(ctx, args)
	case "status":
		return r.callStatus(ctx, args)
	case "list":
		return r.callList(ctx)
	case "output":
		return r.callOutput(ctx, args)
	case "kill":
		return r.callKill(ctx, args)
	case "wait":
		return r.callWait(ctx, args)
	case "remove":
		return r.callRemove(ctx, args)
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

func jsonResult(v any) (*CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return textResult(string(data)), nil
}

type OutputOptions struct {
	WaitPattern string `json:"wait_pattern"`
	SettleMs    int    `json:"settle_ms"`
	TimeoutSec  int    `json:"timeout_sec"`
	StripAnsi   bool   `json:"strip_ansi"`
}

func (o OutputOptions) waits() bool {
	return o.WaitPattern != "" || o.SettleMs > 0
}

func (o OutputOptions) timeout() time.Duration {
	if o.TimeoutSec <= 0 {
		return defaultTimeoutSec * time.Second
	}
	return time.Duration(o.TimeoutSec) * time.Second
}

type OutputResult struct {
	ID       string `json:"id"`
	State    string `json:"state,omitempty"`
	Output   string `json:"output"`
	Offset   int64  `json:"offset"`
	Final    bool   `json:"final"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// readOutput collects output from offset, waiting as opts ask. A wait that
// times out still returns what arrived, flagged with TimedOut.
func (r *ToolRegistry) readOutput(ctx context.Context, id string, offset int64, opts OutputOptions) (OutputResult, error) {
	result := OutputResult{ID: id}
	if opts.waits() {
		res, err := wait.ForOutput(ctx, r.client.Reader(id), wait.Config{
			Pattern:     opts.WaitPattern,
			Settle:      time.Duration(opts.SettleMs) * time.Millisecond,
			Timeout:     opts.timeout(),
			StartOffset: offset,
		})
		switch {
		case errors.Is(err, wait.ErrTimeout), errors.Is(err, wait.ErrNoMatch):
			result.TimedOut = errors.Is(err, wait.ErrTimeout)
		case err != nil:
			return OutputResult{}, err
		}
		result.Output, result.Offset, result.Final = res.Output, res.Offset, res.Final
	} else {
		chunk, err := r.client.Output(ctx, id, offset)
		if err != nil {
			return OutputResult{}, err
		}
		result.Output, result.Offset, result.Final, result.State = string(chunk.Data), chunk.Offset, chunk.Final, chunk.State
	}

	if len(result.Output) > maxOutputBytes {
		// Keep the offset consistent with what is returned.
		result.Offset -= int64(len(result.Output) - maxOutputBytes)
		result.Output = result.Output[:maxOutputBytes]
		result.Final = false
	}
	if opts.StripAnsi {
		result.Output = vterm.Strip(result.Output, vterm.DefaultCols)
	}
	return result, nil
}

type RunArgs struct {
	Command string   `json:"command"`
	Argv    []string `json:"argv"`
	Workdir string   `json:"workdir"`
	OutputOptions
}

func validateRunArgs(a RunArgs) (api.RunRequest, error) {
	if a.Command != "" && len(a.Argv) > 0 {
		return api.RunRequest{}, fmt.Errorf("command and argv are mutually exclusive")
	}
	if a.Command == "" && len(a.Argv) == 0 {
		return api.RunRequest{}, fmt.Errorf("command or argv is required")
	}
	return api.RunRequest{Command: a.Command, Cmd: a.Argv, Workdir: a.Workdir}, nil
}

func (r *ToolRegistry) callRun(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a RunArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	req, err := validateRunArgs(a)
	if err != nil {
		return nil, err
	}

	st, err := r.client.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if !a.waits() {
		return jsonResult(st)
	}

	out, err := r.readOutput(ctx, st.ID, 0, a.OutputOptions)
	if err != nil {
		return nil, err
	}
	if st, err := r.client.Status(ctx, st.ID); err == nil {
		out.State = st.State
	}
	return jsonResult(out)
}

type IDArgs struct {
	ID string `json:"id"`
}

func parseID(args json.RawMessage) (string, error) {
	var a IDArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if a.ID == "" {
		return "", fmt.Errorf("id is required")
	}
	return a.ID, nil
}

func (r *ToolRegistry) callStatus(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	id, err := parseID(args)
	if err != nil {
		return nil, err
	}
	st, err := r.client.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResult(st)
}

func (r *ToolRegistry) callList(ctx context.Context) (*CallToolResult, error) {
	jobs, err := r.client.List(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(jobs)
}

type OutputArgs struct {
	ID     string `json:"id"`
	Offset int64  `json:"offset"`
	Screen bool   `json:"screen"`
	OutputOptions
}

func (r *ToolRegistry) callOutput(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a OutputArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if a.Offset < 0 {
		return nil, fmt.Errorf("offset cannot be negative")
	}

	out, err := r.readOutput(ctx, a.ID, a.Offset, a.OutputOptions)
	if err != nil {
		return nil, err
	}
	if a.Screen {
		out.Output = vterm.Screen(out.Output, vterm.DefaultCols, vterm.DefaultRows, false)
	}
	return jsonResult(out)
}

func (r *ToolRegistry) callKill(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	id, err := parseID(args)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Kill(ctx, id)
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("kill requested for job %s (state: %s)", id, resp.State)), nil
}

type WaitArgs struct {
	ID         string `json:"id"`
	TimeoutSec int    `json:"timeout_sec"`
}

func (r *ToolRegistry) callWait(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a WaitArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	timeout := time.Duration(a.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSec * time.Second
	}

	st, err := r.client.Wait(ctx, a.ID, timeout)
	if errors.Is(err, client.ErrTimeout) {
		return nil, fmt.Errorf("job %s still running after %s", a.ID, timeout)
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(st)
}

func (r *ToolRegistry) callRemove(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	id, err := parseID(args)
	if err != nil {
		return nil, err
	}
	if err := r.client.Remove(ctx, id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("job %s removed", id)), nil
}
