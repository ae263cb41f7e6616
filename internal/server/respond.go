package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/schovi/rexec/internal/api"
	"github.com/schovi/rexec/internal/engine"
	"github.com/schovi/rexec/internal/files"
)

var errBadRequest = errors.New("bad request")

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(text))
}

func (s *Server) httpError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, api.ErrorResponse{Error: message, Code: code})
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, api.CodeInternal
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status, code = http.StatusNotFound, api.CodeNotFound
	case errors.Is(err, engine.ErrSpawn):
		status, code = http.StatusUnprocessableEntity, api.CodeSpawn
	case errors.Is(err, engine.ErrBadOffset):
		status, code = http.StatusRequestedRangeNotSatisfiable, api.CodeBadOffset
	case errors.Is(err, engine.ErrRunning):
		status, code = http.StatusConflict, api.CodeRunning
	case errors.Is(err, errBadRequest), errors.Is(err, files.ErrOutsideWorkdir), errors.Is(err, engine.ErrBadWorkdir):
		status, code = http.StatusBadRequest, api.CodeBadRequest
	case errors.Is(err, fs.ErrNotExist):
		status, code = http.StatusNotFound, api.CodeNotFound
	case errors.Is(err, engine.ErrClosed):
		status, code = http.StatusServiceUnavailable, api.CodeInternal
	}

	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed", "error", err)
	}
	s.httpError(w, status, code, err.Error())
}

func toAPIStatus(st engine.Status) api.JobStatus {
	out := api.JobStatus{
		ID:        st.ID,
		Command:   st.Command,
		Workdir:   st.Workdir,
		PID:       st.PID,
		Mode:      string(st.Mode),
		State:     string(st.State.Kind),
		Signal:    st.State.Signal,
		Reason:    st.State.Reason,
		StartedAt: st.StartedAt,
		ElapsedMS: st.Elapsed.Milliseconds(),
		OutputLen: st.OutputLen,
		Final:     st.Final,
	}
	if st.State.Terminal() {
		code := st.State.ExitCode
		out.ExitCode = &code
		ended := st.EndedAt.Truncate(time.Millisecond)
		out.EndedAt = &ended
	}
	return out
}
