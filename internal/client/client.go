// Package client talks to a rexec server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/schovi/rexec/internal/api"
)

var (
	ErrNotFound = errors.New("not found")
	ErrTimeout  = errors.New("timed out")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrTimeout:
		return e.StatusCode == http.StatusRequestTimeout
	}
	return false
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client for the server at baseURL. Requests have no overall
// timeout since output streams last as long as the job; use contexts.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends the request and returns the response if its status is one of
// want; otherwise the body is decoded into an APIError.
func (c *Client) do(req *http.Request, want ...int) (*http.Response, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	for _, status := range want {
		if resp.StatusCode == status {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var er api.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		apiErr.Code = er.Code
		apiErr.Message = er.Error
	}
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any, want ...int) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.do(req, want...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) doText(ctx context.Context, method, path string, body any) (string, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(data), nil
}

func jobPath(id string, suffix ...string) string {
	return "/jobs/" + url.PathEscape(id) + strings.Join(suffix, "")
}

func (c *Client) Ping(ctx context.Context) error {
	text, err := c.doText(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	if text != "pong" {
		return fmt.Errorf("unexpected ping answer %q", text)
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, req api.RunRequest) (api.JobStatus, error) {
	var st api.JobStatus
	err := c.doJSON(ctx, http.MethodPost, "/jobs", req, &st, http.StatusCreated)
	return st, err
}

// Run submits through the plain-text endpoint and returns the job id.
func (c *Client) Run(ctx context.Context, req api.RunRequest) (string, error) {
	return c.doText(ctx, http.MethodPost, "/run", req)
}

// WaitRun blocks until the job ends and returns ok, failed or killed.
func (c *Client) WaitRun(ctx context.Context, id string) (string, error) {
	return c.doText(ctx, http.MethodGet, "/wait-run/"+url.PathEscape(id), nil)
}

func (c *Client) Status(ctx context.Context, id string) (api.JobStatus, error) {
	var st api.JobStatus
	err := c.doJSON(ctx, http.MethodGet, jobPath(id), nil, &st, http.StatusOK)
	return st, err
}

func (c *Client) List(ctx context.Context) ([]api.JobStatus, error) {
	var resp api.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/jobs", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Chunk is one response of the output endpoint.
type Chunk struct {
	Data   []byte
	Offset int64
	Final  bool
	State  string
}

func (c *Client) Output(ctx context.Context, id string, offset int64) (Chunk, error) {
	path := jobPath(id, "/output?offset=", strconv.FormatInt(offset, 10))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Chunk{}, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return Chunk{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Chunk{}, fmt.Errorf("read output: %w", err)
	}
	next, err := strconv.ParseInt(resp.Header.Get(api.HeaderOffset), 10, 64)
	if err != nil {
		return Chunk{}, fmt.Errorf("invalid %s header: %w", api.HeaderOffset, err)
	}
	return Chunk{
		Data:   data,
		Offset: next,
		Final:  resp.Header.Get(api.HeaderFinal) == "true",
		State:  resp.Header.Get(api.HeaderState),
	}, nil
}

// Reader returns a function reading id's output by offset, for use with
// pattern and settle waits.
func (c *Client) Reader(id string) func(ctx context.Context, offset int64) ([]byte, int64, bool, error) {
	return func(ctx context.Context, offset int64) ([]byte, int64, bool, error) {
		chunk, err := c.Output(ctx, id, offset)
		if err != nil {
			return nil, offset, false, err
		}
		return chunk.Data, chunk.Offset, chunk.Final, nil
	}
}

// ReadAll polls the output endpoint from offset until the output is final.
func (c *Client) ReadAll(ctx context.Context, id string, offset int64, w io.Writer) (int64, error) {
	for {
		chunk, err := c.Output(ctx, id, offset)
		if err != nil {
			return offset, err
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return offset, err
		}
		offset = chunk.Offset
		if chunk.Final {
			return offset, nil
		}
	}
}

// Follow copies the chunked output stream from offset to w until the job
// output is final. It returns the number of bytes copied.
func (c *Client) Follow(ctx context.Context, id string, offset int64, w io.Writer) (int64, error) {
	path := jobPath(id, "/stream?offset=", strconv.FormatInt(offset, 10))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("stream output: %w", err)
	}
	return n, nil
}

func (c *Client) Kill(ctx context.Context, id string) (api.KillResponse, error) {
	var resp api.KillResponse
	err := c.doJSON(ctx, http.MethodPost, jobPath(id, "/kill"), nil, &resp, http.StatusAccepted)
	return resp, err
}

// Wait blocks until the job is terminal. A positive timeout that elapses
// first yields an error matching ErrTimeout.
func (c *Client) Wait(ctx context.Context, id string, timeout time.Duration) (api.JobStatus, error) {
	path := jobPath(id, "/wait")
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var st api.JobStatus
	err := c.doJSON(ctx, http.MethodGet, path, nil, &st, http.StatusOK)
	return st, err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, jobPath(id), nil, nil, http.StatusNoContent)
}

// OfferFiles returns the names the server does not have with the given md5.
func (c *Client) OfferFiles(ctx context.Context, workdir string, hashes map[string]string) ([]string, error) {
	var stale []string
	err := c.doJSON(ctx, http.MethodPost, "/offer-files", api.OfferFilesRequest{Workdir: workdir, Hashes: hashes}, &stale, http.StatusOK)
	return stale, err
}

func (c *Client) SendFiles(ctx context.Context, workdir string, files map[string]api.FileData) error {
	return c.doJSON(ctx, http.MethodPost, "/send-files", api.SendFilesRequest{Workdir: workdir, Files: files}, nil, http.StatusNoContent)
}

func (c *Client) GetFile(ctx context.Context, workdir, path string) ([]byte, error) {
	text, err := c.doText(ctx, http.MethodPost, "/get-file", api.GetFileRequest{Workdir: workdir, Path: path})
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode file: %w", err)
	}
	return data, nil
}
