// Package camera is a LAN camera client. Cameras either push RTP to local
// UDP ports (controllable call) or expose an RTSP stream that ffmpeg pulls
// and transcodes on its own (managed pipe).
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/camrelay/internal/config"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/supervisor"
	"github.com/rs/zerolog/log"
)

const (
	ModeRTP  = "rtp"
	ModeRTSP = "rtsp"
)

var (
	ErrMissingCredential = errors.New("camera client requires a refresh credential")
	ErrUnknownMode       = errors.New("unknown camera mode")
)

type Client struct {
	devices []config.CameraDevice
	byID    map[domain.CameraID]config.CameraDevice
	spawner supervisor.Spawner
	// credential authorizes session starts; never logged.
	credential string

	mu       sync.Mutex
	activity map[domain.CameraID][]domain.CameraEvent
}

var _ core.CameraClient = (*Client)(nil)

func New(devices []config.CameraDevice, spawner supervisor.Spawner, credential string) (*Client, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	c := &Client{
		devices:    devices,
		byID:       make(map[domain.CameraID]config.CameraDevice, len(devices)),
		spawner:    spawner,
		credential: credential,
		activity:   make(map[domain.CameraID][]domain.CameraEvent),
	}
	for _, d := range devices {
		c.byID[domain.CameraID(d.ID)] = d
	}
	log.Info().Str("module", "camera").Int("cameras", len(devices)).Str("credential", "[redacted]").Msg("camera client ready")
	return c, nil
}

func (c *Client) device(id domain.CameraID) (config.CameraDevice, error) {
	d, ok := c.byID[id]
	if !ok {
		return config.CameraDevice{}, fmt.Errorf("%w: %s", core.ErrCameraNotFound, id)
	}
	return d, nil
}

func (c *Client) ListCameras(context.Context) ([]domain.Camera, error) {
	out := make([]domain.Camera, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, domain.Camera{
			ID:          domain.CameraID(d.ID),
			Name:        displayName(d),
			Description: d.Description,
			Type:        d.Type,
		})
	}
	return out, nil
}

func (c *Client) Capabilities(_ context.Context, id domain.CameraID) (domain.CameraCapabilities, error) {
	d, err := c.device(id)
	if err != nil {
		return domain.CameraCapabilities{}, err
	}
	caps := domain.CameraCapabilities{CameraID: id, Name: displayName(d)}
	switch d.Mode {
	case ModeRTP:
		caps.CanStartLiveCall = true
		caps.HasAudioHints = d.AudioListen != ""
		caps.CanListen = d.AudioListen != ""
		caps.CanTalk = d.TalkTarget != ""
	case ModeRTSP:
		caps.CanStartPipe = true
	}
	return caps, nil
}

func (c *Client) StartSession(ctx context.Context, id domain.CameraID, opts core.SessionOptions) (*core.CameraSession, error) {
	d, err := c.device(id)
	if err != nil {
		return nil, err
	}
	s := &core.CameraSession{CameraID: id, CameraName: displayName(d)}
	switch d.Mode {
	case ModeRTP:
		call, err := newRTPCall(d)
		if err != nil {
			return nil, err
		}
		s.Kind = core.SessionCall
		s.Call = call
		s.Caps = core.Capabilities{
			CanSendAudio:          d.TalkTarget != "",
			CanReceiveAudioEvents: d.AudioListen != "",
			CanReceiveVideoEvents: true,
		}
	case ModeRTSP:
		s.Kind = core.SessionPipe
		s.Pipe = newRTSPPipe(d, c.spawner, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, d.Mode)
	}
	c.recordActivity(id, s.Kind)
	log.Info().Str("module", "camera").Str("camera", string(id)).Str("kind", s.Kind.String()).Msg("live session started")
	return s, nil
}

func displayName(d config.CameraDevice) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
