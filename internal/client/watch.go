package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func (c *Client) wsURL(path string) string {
	switch {
	case strings.HasPrefix(c.BaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.BaseURL, "https://") + path
	case strings.HasPrefix(c.BaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.BaseURL, "http://") + path
	}
	return c.BaseURL + path
}

// Watch receives the job output over a WebSocket from offset and writes it
// to w until the server closes the connection normally.
func (c *Client) Watch(ctx context.Context, id string, offset int64, w io.Writer) (int64, error) {
	u := c.wsURL(jobPath(id, "/ws?offset=", strconv.FormatInt(offset, 10)))
	conn, br, _, err := ws.Dial(ctx, u)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && int(status) == 404 {
			return 0, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	// Frames sent right after the handshake may already sit in br.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
		defer ws.PutReader(br)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var total int64
	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				if closed.Code == ws.StatusNormalClosure {
					return total, nil
				}
				return total, fmt.Errorf("server closed stream: %d %s", closed.Code, closed.Reason)
			}
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, fmt.Errorf("read output: %w", err)
		}
		if op != ws.OpBinary {
			continue
		}
		n, err := w.Write(data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}
