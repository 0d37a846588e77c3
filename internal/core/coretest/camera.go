package coretest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/media/framing"
)

// Subscription is a fake packet subscription fed by Push.
type Subscription struct {
	mu     sync.Mutex
	ch     chan *framing.Event
	closed bool
}

func NewSubscription(size int) *Subscription {
	return &Subscription{ch: make(chan *framing.Event, size)}
}

func (s *Subscription) C() <-chan *framing.Event { return s.ch }

// Push delivers evt unless the subscription is closed or full.
func (s *Subscription) Push(evt *framing.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Call is a fake controllable call.
type Call struct {
	Video *Subscription
	Audio *Subscription

	SpeakerErr error
	SendErr    error

	mu       sync.Mutex
	sent     [][]byte
	speaker  int
	stopped  int
	stopHook func()
}

var _ core.ControllableCall = (*Call)(nil)

func NewCall() *Call {
	return &Call{Video: NewSubscription(64), Audio: NewSubscription(64)}
}

func (c *Call) VideoPackets() (core.PacketSubscription, error) {
	if c.Video == nil {
		return nil, errors.New("fake: no video")
	}
	return c.Video, nil
}

func (c *Call) AudioPackets() (core.PacketSubscription, error) {
	if c.Audio == nil {
		return nil, errors.New("fake: no audio")
	}
	return c.Audio, nil
}

func (c *Call) ActivateSpeaker(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaker++
	return c.SpeakerErr
}

func (c *Call) SendAudioPacket(pkt []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, append([]byte(nil), pkt...))
	return nil
}

func (c *Call) Stop() {
	c.mu.Lock()
	c.stopped++
	hook := c.stopHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// OnStop runs fn on every Stop.
func (c *Call) OnStop(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHook = fn
}

func (c *Call) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Call) Stopped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Call) SpeakerCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaker
}

// Pipe is a fake managed pipe.
type Pipe struct {
	StartErr error

	mu      sync.Mutex
	started int
	stopped int

	exitOnce sync.Once
	exited   chan struct{}
	err      error
}

var _ core.ManagedPipe = (*Pipe)(nil)

func NewPipe() *Pipe {
	return &Pipe{exited: make(chan struct{})}
}

func (p *Pipe) Exited() <-chan struct{} { return p.exited }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Fail simulates the pipe ending on its own.
func (p *Pipe) Fail(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *Pipe) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	return p.StartErr
}

func (p *Pipe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}

func (p *Pipe) Counts() (started, stopped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started, p.stopped
}

// CameraClient hands out sessions built by NewSession.
type CameraClient struct {
	Cameras  []domain.Camera
	Events   map[domain.CameraID][]domain.CameraEvent
	StartErr error
	// NewSession builds the session returned by each StartSession call.
	NewSession func(id domain.CameraID) *core.CameraSession

	mu       sync.Mutex
	sessions []*core.CameraSession
	options  []core.SessionOptions
}

var _ core.CameraClient = (*CameraClient)(nil)

var ErrCameraNotFound = core.ErrCameraNotFound

func (c *CameraClient) ListCameras(context.Context) ([]domain.Camera, error) {
	return c.Cameras, nil
}

func (c *CameraClient) find(id domain.CameraID) (domain.Camera, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return domain.Camera{}, false
}

func (c *CameraClient) Capabilities(_ context.Context, id domain.CameraID) (domain.CameraCapabilities, error) {
	cam, ok := c.find(id)
	if !ok {
		return domain.CameraCapabilities{}, ErrCameraNotFound
	}
	return domain.CameraCapabilities{CameraID: cam.ID, Name: cam.Name, CanStartLiveCall: true}, nil
}

func (c *CameraClient) StartSession(_ context.Context, id domain.CameraID, opts core.SessionOptions) (*core.CameraSession, error) {
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	var s *core.CameraSession
	if c.NewSession != nil {
		s = c.NewSession(id)
	} else {
		s = CallSession(id, NewCall())
	}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.options = append(c.options, opts)
	c.mu.Unlock()
	return s, nil
}

func (c *CameraClient) History(_ context.Context, id domain.CameraID, _ domain.HistoryQuery) ([]domain.CameraEvent, error) {
	if _, ok := c.find(id); !ok {
		return nil, ErrCameraNotFound
	}
	return c.Events[id], nil
}

func (c *CameraClient) Recording(_ context.Context, id domain.CameraID, _ string) (*core.Recording, error) {
	if _, ok := c.find(id); !ok {
		return nil, ErrCameraNotFound
	}
	return &core.Recording{URL: "https://recordings.local/" + string(id)}, nil
}

func (c *CameraClient) Sessions() []*core.CameraSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*core.CameraSession(nil), c.sessions...)
}

func (c *CameraClient) Options() []core.SessionOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.SessionOptions(nil), c.options...)
}

// CallSession wraps call in a session that can do everything.
func CallSession(id domain.CameraID, call *Call) *core.CameraSession {
	return &core.CameraSession{
		CameraID:   id,
		CameraName: "Camera " + string(id),
		Kind:       core.SessionCall,
		Caps:       core.Capabilities{CanSendAudio: true, CanReceiveAudioEvents: true, CanReceiveVideoEvents: true},
		Call:       call,
	}
}
