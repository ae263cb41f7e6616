package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/schovi/rexec/internal/api"
	"github.com/schovi/rexec/internal/engine"
)

// MaxWaitTimeout caps the timeout of GET /jobs/{id}/wait.
const MaxWaitTimeout = 10 * time.Minute

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.respondText(w, http.StatusOK, "pong")
}

func decodeRunRequest(r *http.Request) (engine.Command, error) {
	var req api.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return engine.Command{}, fmt.Errorf("%w: invalid body: %v", errBadRequest, err)
	}
	if req.Workdir != "" {
		if err := engine.ValidateWorkdir(req.Workdir); err != nil {
			return engine.Command{}, err
		}
	}
	return engine.Command{Line: req.Command, Argv: req.Cmd, Workdir: req.Workdir}, nil
}

// handleRun answers with the bare job id.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeRunRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.engine.Submit(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondText(w, http.StatusOK, id)
}

// handleWaitRun blocks until the job ends and answers ok, failed or killed.
func (s *Server) handleWaitRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Wait(r.Context(), r.PathValue("id"))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeError(w, r, err)
		return
	}

	answer := api.WaitRunFailed
	switch {
	case st.State.Kind == engine.StateExited && st.State.ExitCode == 0:
		answer = api.WaitRunOK
	case st.State.Kind == engine.StateKilled:
		answer = api.WaitRunKilled
	}
	s.respondText(w, http.StatusOK, answer)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeRunRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.engine.Submit(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.engine.Status(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	s.respondJSON(w, http.StatusCreated, toAPIStatus(st))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	statuses := s.engine.List()
	resp := api.ListResponse{Jobs: make([]api.JobStatus, 0, len(statuses))}
	for _, st := range statuses {
		resp.Jobs = append(resp.Jobs, toAPIStatus(st))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toAPIStatus(st))
}

func parseOffset(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0, nil
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: offset %q is not an integer", errBadRequest, raw)
	}
	return offset, nil
}

func setChunkHeaders(w http.ResponseWriter, offset int64, final bool, state engine.StateKind) {
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	h.Set(api.HeaderOffset, strconv.FormatInt(offset, 10))
	h.Set(api.HeaderFinal, strconv.FormatBool(final))
	if state != "" {
		h.Set(api.HeaderState, string(state))
	}
}

// handleOutput returns the raw bytes at ?offset together with the offset to
// request next.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	offset, err := parseOffset(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	chunk, err := s.engine.FetchOutput(r.Context(), id, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var state engine.StateKind
	if st, err := s.engine.Status(id); err == nil {
		state = st.State.Kind
	}
	setChunkHeaders(w, chunk.Offset, chunk.Final, state)
	w.Header().Set("Content-Length", strconv.Itoa(len(chunk.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(chunk.Data)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Kill(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.engine.Status(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, api.KillResponse{ID: id, State: string(st.State.Kind)})
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	timeout := MaxWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid timeout %q", errBadRequest, raw))
			return
		}
		timeout = min(d, MaxWaitTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	st, err := s.engine.Wait(ctx, r.PathValue("id"))
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, toAPIStatus(st))
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		s.respondJSON(w, http.StatusRequestTimeout, toAPIStatus(st))
	case r.Context().Err() != nil:
		// Client went away.
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Remove(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
