package rtc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/camrelay/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Codecs is the fixed codec set of the router.
var Codecs = []domain.RTPCodecCapability{
	{
		Kind:                 domain.KindAudio,
		MimeType:             webrtc.MimeTypeOpus,
		PreferredPayloadType: 111,
		ClockRate:            48000,
		Channels:             2,
		RTCPFeedback:         []domain.RTCPFeedback{{Type: "transport-cc"}},
	},
	{
		Kind:                 domain.KindVideo,
		MimeType:             webrtc.MimeTypeH264,
		PreferredPayloadType: 102,
		ClockRate:            90000,
		Parameters: map[string]any{
			"level-asymmetry-allowed": 1,
			"packetization-mode":      1,
			"profile-level-id":        "42e01f",
		},
		RTCPFeedback: []domain.RTCPFeedback{
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "goog-remb"},
			{Type: "transport-cc"},
		},
	},
}

// FmtpLine renders codec parameters as an SDP fmtp value with sorted keys.
func FmtpLine(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func toWebRTCFeedback(fb []domain.RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func toWebRTCCodec(mime string, pt uint8, clockRate uint32, channels uint16, params map[string]any, fb []domain.RTCPFeedback) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     mime,
			ClockRate:    clockRate,
			Channels:     channels,
			SDPFmtpLine:  FmtpLine(params),
			RTCPFeedback: toWebRTCFeedback(fb),
		},
		PayloadType: webrtc.PayloadType(pt),
	}
}

// codecParameters is the consumer-facing form of a router codec.
func codecParameters(c domain.RTPCodecCapability) domain.RTPCodecParameters {
	return domain.RTPCodecParameters{
		MimeType:     c.MimeType,
		PayloadType:  c.PreferredPayloadType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		Parameters:   c.Parameters,
		RTCPFeedback: c.RTCPFeedback,
	}
}

// matchRouterCodec finds the router codec a producer codec maps to.
func matchRouterCodec(kind domain.MediaKind, p domain.RTPCodecParameters) (domain.RTPCodecCapability, bool) {
	for _, c := range Codecs {
		if c.Kind == kind && c.MatchesCodec(p) {
			return c, true
		}
	}
	return domain.RTPCodecCapability{}, false
}
