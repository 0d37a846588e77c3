package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Sink is the consumer side of a relay.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// OutTrack represents a single consumer attached to a relay.
type OutTrack struct {
	Sink  Sink
	state atomic.Int32
}

// NewOutTrack starts in state; consumers created paused start muted.
func NewOutTrack(sink Sink, state TrackState) *OutTrack {
	ot := &OutTrack{Sink: sink}
	ot.state.Store(int32(state))
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
