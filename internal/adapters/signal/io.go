package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	period := ctl.PingPeriod
	if period <= 0 {
		period = defaultPingPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump reads frames and hands them to a single dispatcher so a slow
// handler never stops the socket from being read. On read error the
// connection ctx is canceled and the peer is released once the dispatcher
// has returned.
func (ctl *SignalWSController) readPump(ctx context.Context, pc *peerConn, c *WsSignalConn) {
	ctx, cancel := context.WithCancel(ctx)
	inbox := make(chan []byte, inboxSize)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for data := range inbox {
			if ctx.Err() != nil {
				continue
			}
			ctl.handleSignal(ctx, pc, data)
		}
	}()
	defer func() {
		pc.logger.Info().Msg("readPump closing")
		cancel()
		close(inbox)
		<-dispatched
		c.Close()
		ctl.disconnect(pc)
	}()

	period := ctl.PingPeriod
	if period <= 0 {
		period = defaultPingPeriod
	}
	pongWait := period * 10 / 9
	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			pc.logger.Info().Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				pc.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case inbox <- data:
		default:
			pc.logger.Warn().Msg("inbox full")
			ctl.sendError(pc, ErrBusy.Error())
		}
	}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var limited = map[string]bool{
	"createTransport": true,
	"produce":         true,
	"consume":         true,
	"startTalk":       true,
}

// handleSignal dispatches one inbound message. Failures are reported to
// this peer only and never end the connection.
func (ctl *SignalWSController) handleSignal(ctx context.Context, pc *peerConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		pc.logger.Warn().Err(err).Msg("bad json")
		ctl.sendError(pc, "bad_payload")
		return
	}
	if limited[env.Type] && ctl.Limiter != nil && !ctl.Limiter.Allow(pc.peer.ID) {
		ctl.sendError(pc, ErrRateLimited.Error())
		return
	}

	if ctl.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ctl.HandlerTimeout)
		defer cancel()
	}

	var err error
	switch env.Type {
	case "getRouterRtpCapabilities":
		err = ctl.handleGetCapabilities(pc)
	case "createTransport":
		err = ctl.handleCreateTransport(ctx, pc, env.Data)
	case "connectTransport":
		err = ctl.handleConnectTransport(ctx, pc, env.Data)
	case "produce":
		err = ctl.handleProduce(ctx, pc, env.Data)
	case "getProducers":
		err = ctl.handleGetProducers(pc)
	case "consume":
		err = ctl.handleConsume(ctx, pc, env.Data)
	case "resume":
		err = ctl.handleResume(ctx, pc, env.Data)
	case "startTalk":
		err = ctl.handleStartTalk(ctx, pc, env.Data)
	case "stopTalk":
		err = ctl.handleStopTalk(ctx, pc)
	case "ping":
		ctl.handlePing(pc)
	default:
		pc.logger.Warn().Str("type", env.Type).Msg("unknown signal")
		metrics.SignalMessages.WithLabelValues("unknown").Inc()
		ctl.sendError(pc, errUnknownType.Error())
		return
	}
	metrics.SignalMessages.WithLabelValues(env.Type).Inc()
	if err != nil {
		pc.logger.Warn().Err(err).Str("type", env.Type).Msg("signal failed")
		ctl.sendError(pc, err.Error())
	}
}

var errUnknownType = errors.New("unknown message type")

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrBadPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrBadPayload
	}
	return nil
}

func (ctl *SignalWSController) send(pc *peerConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		pc.logger.Error().Err(err).Msg("send marshal")
		return
	}
	if err := pc.peer.Signal.TrySend(b); err != nil {
		pc.logger.Debug().Err(err).Msg("send dropped")
	}
}

func (ctl *SignalWSController) reply(pc *peerConn, typ string, data any) {
	ctl.send(pc, app.Message{Type: typ, Data: data})
}

func (ctl *SignalWSController) sendError(pc *peerConn, msg string) {
	ctl.send(pc, app.Message{Type: "error", Error: msg})
}
