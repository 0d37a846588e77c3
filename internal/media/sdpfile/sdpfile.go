// Package sdpfile renders single-media-line session descriptions that an
// external transcoder reads to bind its RTP input.
package sdpfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pion/sdp/v3"
)

// Video describes an H264 stream on ip:port with the given payload type.
func Video(ip string, port int, pt uint8) ([]byte, error) {
	return render("CameraRtp", "video", ip, port, pt, fmt.Sprintf("%d H264/90000", pt))
}

// Audio describes a camera audio stream. Static payload types 0 and 8 map to
// G.711; anything else is assumed to be opus.
func Audio(ip string, port int, pt uint8) ([]byte, error) {
	return render("CameraAudioRtp", "audio", ip, port, pt, audioRtpMap(pt))
}

// Opus describes an opus stream with an explicit clock rate and channel count.
func Opus(ip string, port int, pt uint8, channels uint16, clockRate uint32) ([]byte, error) {
	if channels == 0 {
		channels = 2
	}
	if clockRate == 0 {
		clockRate = 48000
	}
	return render("MicRtp", "audio", ip, port, pt, fmt.Sprintf("%d opus/%d/%d", pt, clockRate, channels))
}

func audioRtpMap(pt uint8) string {
	switch pt {
	case 0:
		return "0 PCMU/8000"
	case 8:
		return "8 PCMA/8000"
	default:
		return fmt.Sprintf("%d opus/48000/2", pt)
	}
}

func render(name, media, ip string, port int, pt uint8, rtpmap string) ([]byte, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("sdpfile: invalid port %d", port)
	}
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   media,
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{fmt.Sprint(pt)},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", rtpmap),
				sdp.NewPropertyAttribute("recvonly"),
			},
		}},
	}
	return desc.Marshal()
}

// WriteFile stores body as dir/name and returns the full path.
func WriteFile(dir, name string, body []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("sdpfile: write %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a descriptor written by WriteFile. Missing files are not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
