package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
	JoinLimit  int
	JoinWindow time.Duration
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	settings Settings
	joins    *JoinRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, s Settings) *SignalWSController {
	ctl := &SignalWSController{Orch: o, settings: s}
	if s.JoinLimit > 0 {
		ctl.joins = NewJoinRateLimiter(s.JoinLimit, s.JoinWindow)
	}
	return ctl
}

// WsSignalConn queues frames for the write pump. The queue is bounded by
// limit, but a batch is admitted whole as long as the queue is not already
// full, so a join snapshot never counts as back-pressure.
type WsSignalConn struct {
	conn  *websocket.Conn
	limit int
	wake  chan struct{}

	mu     sync.Mutex
	queue  []core.Frame
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, limit int) *WsSignalConn {
	return &WsSignalConn{conn: ws, limit: limit, wake: make(chan struct{}, 1)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	return c.enqueue(f)
}

func (c *WsSignalConn) SendBatch(fs []core.Frame) error {
	return c.enqueue(fs...)
}

func (c *WsSignalConn) enqueue(fs ...core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if len(c.queue) >= c.limit {
		return core.ErrBackpressure
	}
	c.queue = append(c.queue, fs...)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// pending hands everything queued so far to the write pump.
func (c *WsSignalConn) pending() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.wake)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until the
// client goes away or ctx ends. It returns once both pumps are running.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.settings.ReadLimit > 0 {
		ws.SetReadLimit(ctl.settings.ReadLimit)
	}

	buf := ctl.settings.SendBuffer
	if buf <= 0 {
		buf = 64
	}
	conn := newWsSignalConn(ws, buf)

	ctx, cancel := context.WithCancel(ctx)
	id := ctl.Orch.Connect(conn, cancel)
	log.Info().Str("module", "signal").Stringer("client_id", id).Str("remote", c.ClientIP()).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}
