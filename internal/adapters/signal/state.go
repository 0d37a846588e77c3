package signal

import (
	"sync"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the per-connection negotiation state. It only moves forward.
type State int

const (
	StateConnected State = iota
	// StateNegotiating: router capabilities were requested.
	StateNegotiating
	// StateReady: the peer owns at least one transport.
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type peerConn struct {
	peer   *app.Peer
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

func newPeerConn(peer *app.Peer) *peerConn {
	return &peerConn{
		peer:   peer,
		logger: log.With().Str("module", "signal").Str("peer", string(peer.ID)).Logger(),
	}
}

func (pc *peerConn) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// advance moves to s unless the connection is already there or past it.
func (pc *peerConn) advance(s State) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state >= s {
		return
	}
	pc.logger.Debug().Stringer("from", pc.state).Stringer("to", s).Msg("state")
	pc.state = s
}

// require reports whether the connection is at least in state s and not closed.
func (pc *peerConn) require(s State) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state >= s && pc.state != StateClosed
}

// close reports whether this call did the transition.
func (pc *peerConn) close() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state == StateClosed {
		return false
	}
	pc.state = StateClosed
	return true
}
