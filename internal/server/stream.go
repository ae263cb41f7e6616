package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// closeHandshakeTimeout bounds the wait for the client's close frame.
const closeHandshakeTimeout = time.Second

// handleStream writes the job output from ?offset as a chunked response and
// ends it once the output is final.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	offset, err := parseOffset(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	chunk, err := s.engine.FetchOutput(ctx, id, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	setChunkHeaders(w, offset, false, "")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for {
		if len(chunk.Data) > 0 {
			if _, err := w.Write(chunk.Data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
		if chunk.Final || ctx.Err() != nil {
			return
		}

		chunk, err = s.engine.FetchOutput(ctx, id, chunk.Offset)
		if err != nil {
			// The job was removed mid-stream; the client sees a short body.
			s.logger.WarnContext(ctx, "stream interrupted", "job_id", id, "error", err)
			return
		}
	}
}

// handleWebSocket sends the job output as binary messages and closes the
// connection with a normal closure once the output is final.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	offset, err := parseOffset(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.engine.Status(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	// A hijacked connection no longer cancels the request context, so the
	// reader goroutine does it when the client disconnects.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := &lockedWriter{w: conn}
	go watchClient(conn, out, cancel)

	for {
		chunk, err := s.engine.FetchOutput(ctx, id, offset)
		if err != nil {
			s.closeWebSocket(out, ws.StatusInternalServerError, err.Error())
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(chunk.Data) > 0 {
			if err := out.message(ws.OpBinary, chunk.Data); err != nil {
				return
			}
		}
		offset = chunk.Offset
		if chunk.Final {
			break
		}
	}

	if err := s.closeWebSocket(out, ws.StatusNormalClosure, ""); err != nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(closeHandshakeTimeout):
	}
}

func (s *Server) closeWebSocket(out *lockedWriter, code ws.StatusCode, reason string) error {
	return out.message(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// lockedWriter serialises frames written by the output loop and by the
// control frame replies of the reader goroutine.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) message(op ws.OpCode, p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return wsutil.WriteServerMessage(l.w, op, p)
}

// watchClient consumes client frames, answering pings and close frames, and
// calls cancel when the connection ends.
func watchClient(conn net.Conn, out io.Writer, cancel context.CancelFunc) {
	defer cancel()

	control := wsutil.ControlFrameHandler(out, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return
		}
	}
}
