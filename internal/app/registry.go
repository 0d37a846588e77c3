package app

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/rs/zerolog/log"
)

// Peer is one signaling connection and the router resources it owns.
type Peer struct {
	ID     domain.PeerID
	Signal core.SignalConnection

	mu         sync.Mutex
	transports map[domain.TransportID]core.Transport
	producers  map[domain.ProducerID]core.Producer
	consumers  map[domain.ConsumerID]core.Consumer
}

func NewPeer(id domain.PeerID, signal core.SignalConnection) *Peer {
	return &Peer{
		ID:         id,
		Signal:     signal,
		transports: make(map[domain.TransportID]core.Transport),
		producers:  make(map[domain.ProducerID]core.Producer),
		consumers:  make(map[domain.ConsumerID]core.Consumer),
	}
}

func (p *Peer) AddTransport(t core.Transport) {
	p.mu.Lock()
	p.transports[t.ID()] = t
	p.mu.Unlock()
	go func() {
		<-t.Done()
		p.mu.Lock()
		delete(p.transports, t.ID())
		p.mu.Unlock()
	}()
}

func (p *Peer) Transport(id domain.TransportID) (core.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *Peer) AddProducer(pr core.Producer) {
	p.mu.Lock()
	p.producers[pr.ID()] = pr
	p.mu.Unlock()
	go func() {
		<-pr.Done()
		p.mu.Lock()
		delete(p.producers, pr.ID())
		p.mu.Unlock()
	}()
}

func (p *Peer) AddConsumer(c core.Consumer) {
	p.mu.Lock()
	p.consumers[c.ID()] = c
	p.mu.Unlock()
	go func() {
		<-c.Done()
		p.mu.Lock()
		delete(p.consumers, c.ID())
		p.mu.Unlock()
	}()
}

func (p *Peer) Consumer(id domain.ConsumerID) (core.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

// Counts returns how many transports, producers and consumers the peer holds.
func (p *Peer) Counts() (transports, producers, consumers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports), len(p.producers), len(p.consumers)
}

// CloseAll releases every resource owned by the peer.
func (p *Peer) CloseAll() {
	p.mu.Lock()
	transports := make([]core.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	consumers := make([]core.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]core.Producer, 0, len(p.producers))
	for _, pr := range p.producers {
		producers = append(producers, pr)
	}
	p.transports = make(map[domain.TransportID]core.Transport)
	p.consumers = make(map[domain.ConsumerID]core.Consumer)
	p.producers = make(map[domain.ProducerID]core.Producer)
	p.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, pr := range producers {
		pr.Close()
	}
	log.Info().
		Str("module", "app.registry").
		Str("peer", string(p.ID)).
		Int("transports", len(transports)).
		Int("consumers", len(consumers)).
		Int("producers", len(producers)).
		Msg("peer resources released")
}

// Registry maps peer ids to their live state.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[domain.PeerID]*Peer)}
}

func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
	log.Info().Str("module", "app.registry").Str("peer", string(p.ID)).Msg("peer added")
}

func (r *Registry) Get(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Registry) Remove(id domain.PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
		log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("peer removed")
	}
	return p, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast sends msg to every peer. Peers under backpressure miss it.
func (r *Registry) Broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("type", msg.Type).Msg("broadcast marshal")
		return
	}
	sent, dropped := 0, 0
	for _, p := range r.snapshot() {
		if p.Signal == nil {
			continue
		}
		if err := p.Signal.TrySend(b); err != nil {
			dropped++
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.registry").Str("type", msg.Type).Int("sent_to", sent).Int("dropped", dropped).Msg("broadcast result")
}
