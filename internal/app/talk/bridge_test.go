package talk

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/core/coretest"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type source struct {
	mu      sync.Mutex
	session *core.CameraSession
}

func (s *source) ActiveSession() (*core.CameraSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.session != nil
}

type fixture struct {
	router  *coretest.Router
	spawner *coretest.Spawner
	notify  *coretest.Broadcaster
	source  *source
	call    *coretest.Call
	bridge  *Bridge
	tempDir string
	mic     core.Producer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		router:  coretest.NewRouter(),
		spawner: &coretest.Spawner{},
		notify:  &coretest.Broadcaster{},
		call:    coretest.NewCall(),
		tempDir: t.TempDir(),
	}
	f.source = &source{session: coretest.CallSession("cam1", f.call)}
	f.bridge = NewBridge(f.router, f.source, f.spawner, f.notify, Options{
		TempDir:     f.tempDir,
		PayloadType: 111,
		SSRC:        55555555,
	})
	f.mic = f.produce(t, domain.KindAudio, domain.RTPCodecParameters{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2})
	t.Cleanup(func() { _ = f.bridge.Stop(context.Background()) })
	return f
}

// produce creates a peer producer on its own transport.
func (f *fixture) produce(t *testing.T, kind domain.MediaKind, codec domain.RTPCodecParameters) core.Producer {
	t.Helper()
	tr, err := f.router.CreateWebRTCTransport(context.Background())
	require.NoError(t, err)
	p, err := tr.Produce(context.Background(), core.ProduceOptions{
		Kind:          kind,
		RTPParameters: domain.RTPParameters{Codecs: []domain.RTPCodecParameters{codec}, Encodings: []domain.RTPEncoding{{SSRC: 7}}},
	})
	require.NoError(t, err)
	return p
}

func outPort(t *testing.T, spec supervisor.Spec) int {
	t.Helper()
	u, err := url.Parse(spec.Args[len(spec.Args)-1])
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestStartWithoutIngestCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.source.session = nil
	before := len(f.router.Transports())

	err := f.bridge.Start(context.Background(), "cam1", f.mic.ID())
	require.ErrorIs(t, err, ErrNoActiveSession)
	assert.Equal(t, "Talk requires an active session", err.Error())
	assert.Len(t, f.router.Transports(), before)
	assert.Empty(t, f.spawner.Specs())
	assert.Zero(t, f.call.SpeakerCalls())
}

func TestStartRejectsPipeAndOtherCamera(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.Start(context.Background(), "cam2", f.mic.ID())
	require.ErrorIs(t, err, ErrNoActiveSession)

	f.source.session = &core.CameraSession{CameraID: "cam1", Kind: core.SessionPipe, Pipe: coretest.NewPipe()}
	err = f.bridge.Start(context.Background(), "cam1", f.mic.ID())
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStartRequiresSendAudio(t *testing.T) {
	f := newFixture(t)
	f.source.session.Caps.CanSendAudio = false

	err := f.bridge.Start(context.Background(), "cam1", f.mic.ID())
	require.ErrorIs(t, err, ErrTalkUnsupported)
	assert.Empty(t, f.spawner.Specs())
}

func TestTalkForwardsTranscodedAudio(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Start(context.Background(), "cam1", f.mic.ID()))

	assert.Equal(t, 1, f.call.SpeakerCalls())
	specs := f.spawner.Specs()
	require.Len(t, specs, 1)
	args := strings.Join(specs[0].Args, " ")
	assert.Contains(t, args, "-ac 1")
	assert.Contains(t, args, "-b:a 32k")
	assert.Contains(t, args, "-payload_type 111")
	assert.Contains(t, args, "-ssrc 55555555")

	sdpPath := filepath.Join(f.tempDir, "talk-cam1.sdp")
	body, err := os.ReadFile(sdpPath)
	require.NoError(t, err)
	assert.Contains(t, string(body), "a=rtpmap:100 opus/48000/2")

	egress := f.router.Transports()[len(f.router.Transports())-1]
	connected, remote := egress.Connected()
	assert.True(t, connected)
	assert.True(t, strings.HasPrefix(remote, "127.0.0.1:"))
	assert.Contains(t, string(body), "m=audio "+strings.TrimPrefix(remote, "127.0.0.1:"))

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: outPort(t, specs[0])})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x80, 111, 0, 1, 0, 0, 0, 1, 3, 80, 183, 147, 0xaa})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.call.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, byte(0xaa), f.call.Sent()[0][12])

	st := f.bridge.Status()
	assert.True(t, st.Active)
	assert.Equal(t, StateBridging, st.State)
	assert.Equal(t, uint64(1), st.Packets)

	require.NoError(t, f.bridge.Stop(context.Background()))
	assert.True(t, f.spawner.Procs()[0].Killed())
	assert.Zero(t, f.router.OpenConsumers())
	_, err = os.Stat(sdpPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, StateStopped, f.bridge.Status().State)
}

func TestSendErrorsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.call.SendErr = errors.New("camera busy")
	require.NoError(t, f.bridge.Start(context.Background(), "cam1", f.mic.ID()))

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: outPort(t, f.spawner.Specs()[0])})
	require.NoError(t, err)
	defer conn.Close()
	for range 3 {
		_, err = conn.Write([]byte{0x80, 111, 0, 1})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return f.bridge.Status().SendErrors == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.bridge.Status().Active)
}

func TestSpeakerFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.call.SpeakerErr = errors.New("speaker busy")
	require.NoError(t, f.bridge.Start(context.Background(), "cam1", f.mic.ID()))
	assert.True(t, f.bridge.Status().Active)
}

func TestIncompatibleSourceIsRejectedBeforeConsume(t *testing.T) {
	f := newFixture(t)
	f.router.Incompatible[f.mic.ID()] = true
	open := f.router.OpenTransports()

	err := f.bridge.Start(context.Background(), "cam1", f.mic.ID())
	require.ErrorIs(t, err, ErrCannotConsume)
	assert.Zero(t, f.router.OpenConsumers())
	assert.Equal(t, open, f.router.OpenTransports())
}

func TestVideoSourceIsRejected(t *testing.T) {
	f := newFixture(t)
	cam := f.produce(t, domain.KindVideo, domain.RTPCodecParameters{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000})
	open := f.router.OpenTransports()

	err := f.bridge.Start(context.Background(), "cam1", cam.ID())
	require.ErrorIs(t, err, ErrNotAudio)
	assert.Zero(t, f.router.OpenConsumers())
	assert.Equal(t, open, f.router.OpenTransports())
	assert.False(t, f.bridge.Status().Active)
}

func TestSpawnFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	f.spawner.Err = errors.New("no ffmpeg")
	open := f.router.OpenTransports()

	err := f.bridge.Start(context.Background(), "cam1", f.mic.ID())
	require.Error(t, err)
	assert.Equal(t, open, f.router.OpenTransports())
	assert.Zero(t, f.router.OpenConsumers())
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestartReplacesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx, "cam1", f.mic.ID()))
	require.NoError(t, f.bridge.Start(ctx, "cam1", f.mic.ID()))

	procs := f.spawner.Procs()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].Killed())
	assert.False(t, procs[1].Killed())
	assert.Equal(t, 1, f.router.OpenConsumers())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Stop(context.Background()))
	require.NoError(t, f.bridge.Start(context.Background(), "cam1", f.mic.ID()))
	require.NoError(t, f.bridge.Stop(context.Background()))
	require.NoError(t, f.bridge.Stop(context.Background()))
	assert.Zero(t, f.router.OpenConsumers())
}

func TestSourceCloseEndsTalk(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Start(context.Background(), "cam1", f.mic.ID()))

	f.mic.Close()
	require.Eventually(t, func() bool { return !f.bridge.Status().Active }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.notify.Count(app.EventTalkStatus) == 1 }, time.Second, 5*time.Millisecond)
	data := f.notify.Messages()[0].Data.(app.TalkStatusData)
	assert.Equal(t, StateStopped, data.State)
	assert.Equal(t, "source closed", data.Reason)
	assert.True(t, f.spawner.Procs()[0].Killed())
}

func TestTranscoderExitEndsTalk(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Start(context.Background(), "cam1", f.mic.ID()))

	f.spawner.Procs()[0].Exit(errors.New("exit status 1"))
	require.Eventually(t, func() bool { return !f.bridge.Status().Active }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.router.OpenConsumers())
}
