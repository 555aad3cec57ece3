// Package signal is the websocket signaling router: it owns the per-channel
// state machine (unjoined, joined, closed), validates and rate-limits inbound
// frames, and routes them through the registry to other channels.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/config"
	"github.com/leaspb/Realtime-Messenger/internal/domain"
	"github.com/leaspb/Realtime-Messenger/internal/registry"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	cfg   *config.Config
	reg   *registry.Registry
	clock Clock
}

func NewController(cfg *config.Config, reg *registry.Registry) *Controller {
	return &Controller{cfg: cfg, reg: reg, clock: realClock{}}
}

// wsConn wraps a websocket connection with a buffered outbound queue. A
// single writePump goroutine drains the queue; TrySend never blocks.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

// Ping writes a websocket ping control frame. Control writes are safe
// alongside the writePump's data writes.
func (c *wsConn) Ping() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades an HTTP request to the signaling channel and runs its
// pumps. One channel owns at most one session, created by a join frame.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	// An unjoined socket is not in the registry, so the heartbeat sweep
	// cannot reach it. The read deadline bounds it instead until a join
	// succeeds and liveness moves to ping/pong.
	_ = ws.SetReadDeadline(time.Now().Add(2 * ctl.cfg.PingPeriod))

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	ch := &channel{ctl: ctl, conn: conn, limiter: newSlidingWindow(ctl.clock, ctl.cfg.RateLimit, ctl.cfg.RateWindow)}

	ws.SetPongHandler(func(string) error {
		// Runs on the read goroutine, so ch.sid access is unsynchronized
		// on purpose.
		if ch.sid != "" {
			ctl.reg.MarkAlive(ch.sid)
		}
		return nil
	})

	go ctl.writePump(ctx, conn)
	go ch.readPump(ctx)
}

// channel is the router-side state for one websocket connection. sid stays
// empty until a join succeeds; all fields are touched only by the read
// goroutine.
type channel struct {
	ctl     *Controller
	conn    *wsConn
	sid     domain.SessionID
	limiter *slidingWindow
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
