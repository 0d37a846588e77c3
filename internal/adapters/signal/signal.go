// Package signal serves the browser signaling protocol over websocket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
	ErrBusy         = errors.New("too many pending requests")
)

const (
	sendBuffer        = 64
	defaultPingPeriod = 54 * time.Second
	defaultReadLimit  = 1 << 20
	writeWait         = 5 * time.Second
	inboxSize         = 32
	// handlerTimeout bounds one inbound message, including router waits.
	handlerTimeout = 10 * time.Second
)

// TalkControl is the talk bridge as seen by peers.
type TalkControl interface {
	Start(ctx context.Context, cameraID domain.CameraID, producerID domain.ProducerID) error
	Stop(ctx context.Context) error
}

type SignalWSController struct {
	Router    core.Router
	Peers     *app.Registry
	Producers *app.Producers
	Talk      TalkControl

	ReadLimit      int64
	PingPeriod     time.Duration
	HandlerTimeout time.Duration
	Limiter        *RateLimiter
}

func NewSignalWSController(router core.Router, peers *app.Registry, producers *app.Producers, talk TalkControl) *SignalWSController {
	return &SignalWSController{
		Router:         router,
		Peers:          peers,
		Producers:      producers,
		Talk:           talk,
		ReadLimit:      defaultReadLimit,
		PingPeriod:     defaultPingPeriod,
		HandlerTimeout: handlerTimeout,
		Limiter:        NewRateLimiter(defaultLimit, defaultInterval),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}
	pc := ctl.connect(conn)
	log.Info().Str("module", "signal").Str("peer", string(pc.peer.ID)).Str("client", token).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, pc, conn)
	}()
}

// connect registers a new peer for conn and greets it.
func (ctl *SignalWSController) connect(conn core.SignalConnection) *peerConn {
	peer := app.NewPeer(domain.NewPeerID(), conn)
	ctl.Peers.Add(peer)
	metrics.ConnectedPeers.Inc()

	pc := newPeerConn(peer)
	ctl.send(pc, welcome{Type: "welcome", PeerID: peer.ID, Data: map[string]any{"peerId": peer.ID}})
	return pc
}

// disconnect releases everything the peer owned. Other peers and the
// ingest and talk sessions are left alone.
func (ctl *SignalWSController) disconnect(pc *peerConn) {
	if !pc.close() {
		return
	}
	pc.peer.CloseAll()
	ctl.Peers.Remove(pc.peer.ID)
	if ctl.Limiter != nil {
		ctl.Limiter.Forget(pc.peer.ID)
	}
	metrics.ConnectedPeers.Dec()
	pc.logger.Info().Msg("peer disconnected")
}

type welcome struct {
	Type   string        `json:"type"`
	PeerID domain.PeerID `json:"peerId"`
	Data   any           `json:"data"`
}
