package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/relay"
)

const (
	wsMaxPayloadBytes = 4 << 10
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsConn adapts a websocket connection to relay.Conn. Frames the client
// sends are read and dropped so close frames and dead peers are noticed.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

var _ relay.Conn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *wsConn) WriteText(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return errors.New("websocket closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline) //nolint:errcheck
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.markDone()
		return err
	}
	return nil
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) markDone() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) readLoop() {
	defer c.markDone()
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.markDone()
				return
			}
		}
	}
}

// close sends a normal close frame and releases the connection.
func (c *wsConn) close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.markDone()
	_ = c.conn.Close()
}

// handleStream upgrades to a websocket and relays the run's output until
// the run finishes or the client leaves.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	runID := r.PathValue("run_id")

	run, err := s.stores.Runs.Get(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, "get run", err)
		return
	}
	if run.ThreadID != threadID {
		s.writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws)
	defer conn.close()
	go conn.pingLoop()

	s.relays.Add(1)
	defer s.relays.Done()

	ctx := observability.WithRun(r.Context(), threadID, runID)
	outcome, err := s.relay.Serve(ctx, conn, threadID, runID)
	if err != nil {
		s.logger.WarnContext(ctx, "relay ended with error", "outcome", outcome, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "relay ended", "outcome", outcome)
}
