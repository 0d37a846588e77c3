package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/camrelay/internal/app/sfu"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func newProducerID() domain.ProducerID { return domain.ProducerID(uuid.NewString()) }
func newConsumerID() domain.ConsumerID { return domain.ConsumerID(uuid.NewString()) }
func newTransportID() domain.TransportID {
	return domain.TransportID(uuid.NewString())
}

type producer struct {
	router      *Router
	id          domain.ProducerID
	kind        domain.MediaKind
	params      domain.RTPParameters
	routerCodec domain.RTPCodecCapability
	keyFrame    func()
	onClose     func(*producer)

	closeOnce sync.Once
	done      chan struct{}
}

var _ core.Producer = (*producer)(nil)

func (p *producer) ID() domain.ProducerID               { return p.id }
func (p *producer) Kind() domain.MediaKind              { return p.kind }
func (p *producer) RTPParameters() domain.RTPParameters { return p.params }
func (p *producer) Done() <-chan struct{}               { return p.done }

func (p *producer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.router.removeProducer(p.id)
		if p.onClose != nil {
			p.onClose(p)
		}
		log.Info().Str("module", "rtc").Str("producer", string(p.id)).Msg("producer closed")
	})
}

func (p *producer) requestKeyFrame() {
	if p.keyFrame != nil && p.kind == domain.KindVideo {
		p.keyFrame()
	}
}

type consumer struct {
	router   *Router
	id       domain.ConsumerID
	producer *producer
	params   domain.RTPParameters
	out      *sfu.OutTrack
	onClose  func(*consumer)

	closeOnce sync.Once
	done      chan struct{}
}

var _ core.Consumer = (*consumer)(nil)

func (c *consumer) ID() domain.ConsumerID               { return c.id }
func (c *consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *consumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *consumer) Done() <-chan struct{}               { return c.done }

func (c *consumer) Paused() bool {
	return c.out.GetState() == sfu.TrackStateMuted
}

func (c *consumer) Resume(_ context.Context) error {
	if c.out.GetState() == sfu.TrackStateDelete {
		return ErrConsumerClosed
	}
	c.out.MarkOk()
	c.producer.requestKeyFrame()
	return nil
}

func (c *consumer) Pause(_ context.Context) error {
	if c.out.GetState() == sfu.TrackStateDelete {
		return ErrConsumerClosed
	}
	c.out.MarkMuted()
	return nil
}

func (c *consumer) Close() {
	c.closeOnce.Do(func() {
		c.out.MarkDelete()
		close(c.done)
		c.router.relays.MarkSubscriberDelete(c.producer.id, c.id)
		if c.onClose != nil {
			c.onClose(c)
		}
		log.Info().Str("module", "rtc").Str("consumer", string(c.id)).Msg("consumer closed")
	})
}
