// Package framing turns raw camera packet events into well-formed RTP datagrams.
//
// Camera sources deliver packets in two shapes: some hand back the complete
// packet buffer, others hand back the decoded header fields and the payload.
// The second shape is reassembled into a plain 12-byte RTP header followed by
// the payload; padding, extensions and CSRCs are not carried over.
package framing

import (
	"github.com/pion/rtp"
)

// Header is the decomposed header of a camera packet event.
// Fields the source could not provide are left nil.
type Header struct {
	Version        *uint8
	Marker         bool
	PayloadType    *uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           *uint32
}

// Event is a single raw packet as delivered by a camera session.
type Event struct {
	// Packet is a complete RTP packet buffer when the source provides one.
	Packet []byte
	// Raw is an alternative complete buffer some sources use.
	Raw []byte

	Header  *Header
	Payload []byte
}

const headerLen = 12

// RawBytes returns the bytes to forward for evt, or nil when the event
// carries neither a complete buffer nor a header with a payload.
func RawBytes(evt *Event) []byte {
	if evt == nil {
		return nil
	}
	if len(evt.Packet) > 0 {
		return evt.Packet
	}
	if len(evt.Raw) > 0 {
		return evt.Raw
	}
	return Build(evt.Header, evt.Payload)
}

// Build reassembles a header and payload into a packet buffer.
func Build(h *Header, payload []byte) []byte {
	if h == nil || len(payload) == 0 || h.PayloadType == nil {
		return nil
	}
	version := uint8(2)
	if h.Version != nil {
		version = *h.Version & 0x03
	}
	var ssrc uint32
	if h.SSRC != nil {
		ssrc = *h.SSRC
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        version,
			Marker:         h.Marker,
			PayloadType:    *h.PayloadType & 0x7f,
			SequenceNumber: h.SequenceNumber,
			Timestamp:      h.Timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	buf := make([]byte, headerLen+len(payload))
	n, err := pkt.MarshalTo(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

// Learn extracts the payload type and synchronization source of evt.
// The decomposed header wins; otherwise the complete buffer is parsed.
// ok is false when no payload type could be determined.
func Learn(evt *Event) (pt uint8, ssrc uint32, ok bool) {
	if evt == nil {
		return 0, 0, false
	}
	if h := evt.Header; h != nil && h.PayloadType != nil {
		if h.SSRC != nil {
			ssrc = *h.SSRC
		}
		return *h.PayloadType & 0x7f, ssrc, true
	}
	buf := evt.Packet
	if len(buf) == 0 {
		buf = evt.Raw
	}
	if len(buf) < headerLen {
		return 0, 0, false
	}
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(buf); err != nil {
		return 0, 0, false
	}
	return hdr.PayloadType, hdr.SSRC, true
}

// FromPacket builds a decomposed event from a parsed packet.
func FromPacket(p *rtp.Packet) *Event {
	pt := p.PayloadType
	ssrc := p.SSRC
	version := p.Version
	return &Event{
		Header: &Header{
			Version:        &version,
			Marker:         p.Marker,
			PayloadType:    &pt,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           &ssrc,
		},
		Payload: p.Payload,
	}
}

// IsRTCP reports whether buf looks like an RTCP packet multiplexed on the RTP port.
func IsRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}
