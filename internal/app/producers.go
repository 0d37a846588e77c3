package app

import (
	"sync"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/rs/zerolog/log"
)

type ProducerEntry struct {
	Info     ProducerInfo
	Producer core.Producer
}

// Producers indexes every live producer for lookup and fan-out notifications.
// It never owns them: entries disappear when the producer closes.
type Producers struct {
	mu      sync.RWMutex
	entries map[domain.ProducerID]*ProducerEntry
	order   []domain.ProducerID
	notify  Broadcaster
}

func NewProducers(notify Broadcaster) *Producers {
	return &Producers{
		entries: make(map[domain.ProducerID]*ProducerEntry),
		notify:  notify,
	}
}

// Register records p under label and broadcasts it as a new producer.
func (r *Producers) Register(p core.Producer, label string) ProducerInfo {
	info := ProducerInfo{ProducerID: p.ID(), Kind: p.Kind(), Label: label}

	r.mu.Lock()
	if _, exists := r.entries[info.ProducerID]; !exists {
		r.order = append(r.order, info.ProducerID)
	}
	r.entries[info.ProducerID] = &ProducerEntry{Info: info, Producer: p}
	r.mu.Unlock()

	log.Info().
		Str("module", "app.producers").
		Str("producer", string(info.ProducerID)).
		Str("kind", string(info.Kind)).
		Str("label", label).
		Msg("producer registered")

	go func() {
		<-p.Done()
		r.Remove(info.ProducerID)
	}()

	if r.notify != nil {
		r.notify.Broadcast(Message{Type: EventNewProducer, Data: info})
	}
	return info
}

// Remove drops the entry; removing an unknown id is a no-op.
func (r *Producers) Remove(id domain.ProducerID) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		for i, pid := range r.order {
			if pid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	log.Info().Str("module", "app.producers").Str("producer", string(id)).Msg("producer unregistered")
	if r.notify != nil {
		r.notify.Broadcast(Message{Type: EventProducerClosed, Data: map[string]any{"producerId": id}})
	}
	return true
}

func (r *Producers) Get(id domain.ProducerID) (*ProducerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Snapshot lists registered producers in registration order.
func (r *Producers) Snapshot() []ProducerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProducerInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].Info)
	}
	return out
}
