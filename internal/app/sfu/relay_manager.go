package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/camrelay/internal/domain"
	"github.com/rs/zerolog/log"
)

type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// StartRelay creates a new Relay for the given producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, id domain.ProducerID, src Source) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("producer", string(id)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[id]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[id] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches sink to the relay of producer id.
func (m *RelayManager) AddSubscriber(id domain.ProducerID, dst domain.ConsumerID, sink Sink, state TrackState) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ot := NewOutTrack(sink, state)
	relay.AddOutTrack(dst, ot)
	return ot, true
}

// MarkSubscriberDelete marks the consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(id domain.ProducerID, dst domain.ConsumerID) {
	m.mu.RLock()
	relay, ok := m.relays[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.OutTrack(dst); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(id domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[id]
	if ok {
		delete(m.relays, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for id.
func (m *RelayManager) HasRelay(id domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[id]
	return ok
}

func (m *RelayManager) Relay(id domain.ProducerID) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[id]
	return r, ok
}
