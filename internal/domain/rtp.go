package domain

import "strings"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability is a codec the router can handle, as announced to peers.
type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt"`
	Direction        string    `json:"direction,omitempty"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncoding                  `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp"`
}

// MatchesCodec reports whether a capability describes the same codec as p.
// Channels only matter for audio; a zero channel count is treated as mono.
func (c RTPCodecCapability) MatchesCodec(p RTPCodecParameters) bool {
	if !strings.EqualFold(c.MimeType, p.MimeType) || c.ClockRate != p.ClockRate {
		return false
	}
	if c.Kind == KindAudio {
		return channelsOrMono(c.Channels) == channelsOrMono(p.Channels)
	}
	return true
}

func channelsOrMono(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// FirstCodec returns the primary codec of the parameters.
func (p RTPParameters) FirstCodec() (RTPCodecParameters, bool) {
	if len(p.Codecs) == 0 {
		return RTPCodecParameters{}, false
	}
	return p.Codecs[0], true
}
