package camera

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/camrelay/internal/config"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/media/framing"
	"github.com/dkeye/camrelay/internal/metrics"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoAudio      = errors.New("camera has no audio listener")
	ErrNoTalkTarget = errors.New("camera has no talk target")
	ErrCallStopped  = errors.New("call stopped")
)

const (
	subscriptionSize = 512
	maxDatagram      = 1500
)

// rtpCall receives RTP the camera pushes to local UDP ports and sends talk
// audio back to the camera.
type rtpCall struct {
	device config.CameraDevice
	logger zerolog.Logger

	video *packetStream
	audio *packetStream
	talk  *net.UDPConn

	stopOnce sync.Once
}

var _ core.ControllableCall = (*rtpCall)(nil)

func newRTPCall(d config.CameraDevice) (_ *rtpCall, err error) {
	c := &rtpCall{
		device: d,
		logger: log.With().Str("module", "camera").Str("camera", d.ID).Logger(),
	}
	defer func() {
		if err != nil {
			c.Stop()
		}
	}()

	if c.video, err = listenStream(d.VideoListen, "video", d.NormalizeRTP, c.logger); err != nil {
		return nil, err
	}
	if d.AudioListen != "" {
		if c.audio, err = listenStream(d.AudioListen, "audio", d.NormalizeRTP, c.logger); err != nil {
			return nil, err
		}
	}
	if d.TalkTarget != "" {
		addr, err := net.ResolveUDPAddr("udp4", d.TalkTarget)
		if err != nil {
			return nil, fmt.Errorf("resolve talk target: %w", err)
		}
		if c.talk, err = net.DialUDP("udp4", nil, addr); err != nil {
			return nil, fmt.Errorf("dial talk target: %w", err)
		}
	}
	return c, nil
}

func (c *rtpCall) VideoPackets() (core.PacketSubscription, error) {
	return c.video.subscribe()
}

func (c *rtpCall) AudioPackets() (core.PacketSubscription, error) {
	if c.audio == nil {
		return nil, ErrNoAudio
	}
	return c.audio.subscribe()
}

// ActivateSpeaker has nothing to negotiate on a LAN camera beyond having a
// talk target.
func (c *rtpCall) ActivateSpeaker(context.Context) error {
	if c.talk == nil {
		return ErrNoTalkTarget
	}
	return nil
}

func (c *rtpCall) SendAudioPacket(pkt []byte) error {
	if c.talk == nil {
		return ErrNoTalkTarget
	}
	_, err := c.talk.Write(pkt)
	return err
}

func (c *rtpCall) Stop() {
	c.stopOnce.Do(func() {
		for _, s := range []*packetStream{c.video, c.audio} {
			if s != nil {
				s.close()
			}
		}
		if c.talk != nil {
			_ = c.talk.Close()
		}
		c.logger.Info().Msg("call stopped")
	})
}

// packetStream reads one UDP port and fans datagrams out to subscriptions.
type packetStream struct {
	name      string
	conn      *net.UDPConn
	normalize bool
	logger    zerolog.Logger
	done      chan struct{}

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func listenStream(addr, name string, normalize bool, logger zerolog.Logger) (*packetStream, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s listen address: %w", name, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", name, err)
	}
	s := &packetStream{
		name:      name,
		conn:      conn,
		normalize: normalize,
		logger:    logger.With().Str("stream", name).Logger(),
		done:      make(chan struct{}),
		subs:      make(map[*subscription]struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *packetStream) localPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *packetStream) readLoop() {
	defer close(s.done)
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("read")
			}
			return
		}
		s.dispatch(s.event(buf[:n]))
	}
}

// event copies b into a packet event. Datagrams that do not parse as RTP
// are passed through raw and left for the consumer to reject.
func (s *packetStream) event(b []byte) *framing.Event {
	raw := make([]byte, len(b))
	copy(raw, b)
	if !s.normalize {
		return &framing.Event{Packet: raw}
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return &framing.Event{Raw: raw}
	}
	return framing.FromPacket(&pkt)
}

func (s *packetStream) dispatch(evt *framing.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- evt:
		default:
			metrics.DroppedPackets.WithLabelValues(s.name, "subscriber_full").Inc()
		}
	}
}

func (s *packetStream) subscribe() (core.PacketSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrCallStopped
	}
	sub := &subscription{stream: s, ch: make(chan *framing.Event, subscriptionSize)}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *packetStream) unsubscribe(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (s *packetStream) close() {
	_ = s.conn.Close()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = make(map[*subscription]struct{})
}

type subscription struct {
	stream *packetStream
	ch     chan *framing.Event
}

func (s *subscription) C() <-chan *framing.Event { return s.ch }
func (s *subscription) Close()                   { s.stream.unsubscribe(s) }
