package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
)

var (
	ErrBadPayload        = errors.New("bad_payload")
	ErrNotNegotiated     = errors.New("request router capabilities first")
	ErrNotReady          = errors.New("create a transport first")
	ErrTransportNotFound = errors.New("transport not found")
	ErrBadDirection      = errors.New("direction must be send or recv")
	ErrNotWebRTC         = errors.New("transport does not accept ICE/DTLS parameters")
)

func (ctl *SignalWSController) handleGetCapabilities(pc *peerConn) error {
	pc.advance(StateNegotiating)
	ctl.reply(pc, "routerRtpCapabilities", ctl.Router.RTPCapabilities())
	return nil
}

type transportCreated struct {
	Direction      string                `json:"direction,omitempty"`
	TransportID    domain.TransportID    `json:"transportId"`
	ICEParameters  domain.ICEParameters  `json:"iceParameters"`
	ICECandidates  []domain.ICECandidate `json:"iceCandidates"`
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, pc *peerConn, data json.RawMessage) error {
	if !pc.require(StateNegotiating) {
		return ErrNotNegotiated
	}
	var p struct {
		Direction string `json:"direction"`
	}
	if len(data) > 0 {
		if err := decode(data, &p); err != nil {
			return err
		}
	}
	switch p.Direction {
	case "", "send", "recv":
	default:
		return ErrBadDirection
	}

	t, err := ctl.Router.CreateWebRTCTransport(ctx)
	if err != nil {
		return err
	}
	pc.peer.AddTransport(t)
	pc.advance(StateReady)

	params := t.Parameters()
	pc.logger.Info().Str("transport", string(t.ID())).Str("direction", p.Direction).Msg("transport created")
	ctl.reply(pc, "transportCreated", transportCreated{
		Direction:      p.Direction,
		TransportID:    t.ID(),
		ICEParameters:  params.ICEParameters,
		ICECandidates:  params.ICECandidates,
		DTLSParameters: params.DTLSParameters,
	})
	return nil
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, pc *peerConn, data json.RawMessage) error {
	if !pc.require(StateReady) {
		return ErrNotReady
	}
	var p struct {
		TransportID    domain.TransportID    `json:"transportId"`
		DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
		ICEParameters  domain.ICEParameters  `json:"iceParameters"`
	}
	if err := decode(data, &p); err != nil {
		return err
	}
	t, ok := pc.peer.Transport(p.TransportID)
	if !ok {
		return ErrTransportNotFound
	}
	wt, ok := t.(core.WebRTCTransport)
	if !ok {
		return ErrNotWebRTC
	}
	if err := wt.Connect(ctx, p.ICEParameters, p.DTLSParameters); err != nil {
		return err
	}
	pc.logger.Info().Str("transport", string(t.ID())).Msg("transport connected")
	ctl.reply(pc, "transportConnected", map[string]any{"transportId": t.ID()})
	return nil
}
