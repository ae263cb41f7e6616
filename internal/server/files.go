package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/schovi/rexec/internal/api"
	"github.com/schovi/rexec/internal/files"
)

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", errBadRequest, err)
	}
	return nil
}

// handleOfferFiles answers with the names the client still has to send.
func (s *Server) handleOfferFiles(w http.ResponseWriter, r *http.Request) {
	var req api.OfferFilesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	stale, err := files.Offer(req.Workdir, req.Hashes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stale)
}

func (s *Server) handleSendFiles(w http.ResponseWriter, r *http.Request) {
	var req api.SendFilesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	toWrite := make(map[string]files.File, len(req.Files))
	for name, f := range req.Files {
		toWrite[name] = files.File{Data: f.Data, Executable: f.Executable}
	}
	if err := files.Send(req.Workdir, toWrite); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "files received", "workdir", req.Workdir, "count", len(toWrite))
	w.WriteHeader(http.StatusNoContent)
}

// handleGetFile answers with the file content in standard base64.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	var req api.GetFileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := files.Get(req.Workdir, req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondText(w, http.StatusOK, base64.StdEncoding.EncodeToString(data))
}
