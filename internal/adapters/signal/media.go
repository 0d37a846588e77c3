package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
)

var (
	ErrCannotConsume    = errors.New("router cannot consume this producer")
	ErrConsumerNotFound = errors.New("consumer not found")
)

func (ctl *SignalWSController) handleProduce(ctx context.Context, pc *peerConn, data json.RawMessage) error {
	if !pc.require(StateReady) {
		return ErrNotReady
	}
	var p struct {
		TransportID   domain.TransportID   `json:"transportId"`
		Kind          domain.MediaKind     `json:"kind"`
		RTPParameters domain.RTPParameters `json:"rtpParameters"`
		AppData       struct {
			Label string `json:"label"`
		} `json:"appData"`
		ReqID json.RawMessage `json:"reqId,omitempty"`
	}
	if err := decode(data, &p); err != nil {
		return err
	}
	label, err := domain.ProducerLabel(p.AppData.Label, pc.peer.ID)
	if err != nil {
		return err
	}
	t, ok := pc.peer.Transport(p.TransportID)
	if !ok {
		return ErrTransportNotFound
	}
	producer, err := t.Produce(ctx, core.ProduceOptions{Kind: p.Kind, RTPParameters: p.RTPParameters})
	if err != nil {
		return err
	}
	pc.peer.AddProducer(producer)

	ctl.Producers.Register(producer, label)

	ctl.reply(pc, "produced", struct {
		ProducerID domain.ProducerID `json:"producerId"`
		ReqID      json.RawMessage   `json:"reqId,omitempty"`
	}{producer.ID(), p.ReqID})
	return nil
}

func (ctl *SignalWSController) handleGetProducers(pc *peerConn) error {
	ctl.reply(pc, "producers", ctl.Producers.Snapshot())
	return nil
}

type consumed struct {
	ConsumerID    domain.ConsumerID    `json:"consumerId"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

// handleConsume checks compatibility before the transport is touched, so a
// rejected request leaves no consumer behind.
func (ctl *SignalWSController) handleConsume(ctx context.Context, pc *peerConn, data json.RawMessage) error {
	if !pc.require(StateReady) {
		return ErrNotReady
	}
	var p struct {
		TransportID     domain.TransportID     `json:"transportId"`
		ProducerID      domain.ProducerID      `json:"producerId"`
		RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
	}
	if err := decode(data, &p); err != nil {
		return err
	}
	if !ctl.Router.CanConsume(p.ProducerID, p.RTPCapabilities) {
		return ErrCannotConsume
	}
	t, ok := pc.peer.Transport(p.TransportID)
	if !ok {
		return ErrTransportNotFound
	}
	c, err := t.Consume(ctx, core.ConsumeOptions{
		ProducerID:      p.ProducerID,
		RTPCapabilities: p.RTPCapabilities,
		Paused:          true,
	})
	if err != nil {
		return err
	}
	pc.peer.AddConsumer(c)
	pc.logger.Info().Str("consumer", string(c.ID())).Str("producer", string(p.ProducerID)).Msg("consumer created")

	ctl.reply(pc, "consumed", consumed{
		ConsumerID:    c.ID(),
		ProducerID:    p.ProducerID,
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
	})
	return nil
}

func (ctl *SignalWSController) handleResume(ctx context.Context, pc *peerConn, data json.RawMessage) error {
	if !pc.require(StateReady) {
		return ErrNotReady
	}
	var p struct {
		ConsumerID domain.ConsumerID `json:"consumerId"`
	}
	if err := decode(data, &p); err != nil {
		return err
	}
	c, ok := pc.peer.Consumer(p.ConsumerID)
	if !ok {
		return ErrConsumerNotFound
	}
	if err := c.Resume(ctx); err != nil {
		return err
	}
	ctl.reply(pc, "resumed", map[string]any{"consumerId": c.ID()})
	return nil
}
