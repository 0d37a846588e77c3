package coretest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/core"
)

var ErrFull = errors.New("fake: send buffer full")

// Broadcaster records broadcast messages.
type Broadcaster struct {
	mu   sync.Mutex
	msgs []app.Message
}

func (b *Broadcaster) Broadcast(msg app.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *Broadcaster) Messages() []app.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]app.Message(nil), b.msgs...)
}

// Types lists the types of recorded messages in order.
func (b *Broadcaster) Types() []string {
	var out []string
	for _, m := range b.Messages() {
		out = append(out, m.Type)
	}
	return out
}

func (b *Broadcaster) Count(typ string) int {
	n := 0
	for _, m := range b.Messages() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// SignalConn is a fake core.SignalConnection that keeps every frame.
type SignalConn struct {
	Full bool

	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

var _ core.SignalConnection = (*SignalConn)(nil)

func (c *SignalConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Full || c.closed {
		return ErrFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *SignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Messages decodes every frame sent so far.
func (c *SignalConn) Messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if json.Unmarshal(f, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}
