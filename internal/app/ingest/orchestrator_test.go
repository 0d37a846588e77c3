package ingest

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/core/coretest"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/media/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	router    *coretest.Router
	cameras   *coretest.CameraClient
	spawner   *coretest.Spawner
	notify    *coretest.Broadcaster
	producers *app.Producers
	orch      *Orchestrator
	tempDir   string

	mu    sync.Mutex
	calls []*coretest.Call
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		router:  coretest.NewRouter(),
		spawner: &coretest.Spawner{},
		notify:  &coretest.Broadcaster{},
		tempDir: t.TempDir(),
	}
	f.cameras = &coretest.CameraClient{
		NewSession: func(id domain.CameraID) *core.CameraSession {
			call := coretest.NewCall()
			f.mu.Lock()
			f.calls = append(f.calls, call)
			f.mu.Unlock()
			return coretest.CallSession(id, call)
		},
	}
	f.producers = app.NewProducers(f.notify)
	f.orch = New(f.router, f.cameras, f.spawner, f.producers, f.notify, Options{
		TempDir: f.tempDir,
		Video:   Target{PayloadType: 102, SSRC: 22222222},
		Audio:   Target{PayloadType: 111, SSRC: 33333333},
	})
	t.Cleanup(func() { _ = f.orch.Stop(context.Background()) })
	return f
}

func (f *fixture) call(i int) *coretest.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func rtpEvent(pt uint8, ssrc uint32, seq uint16) *framing.Event {
	return &framing.Event{
		Header: &framing.Header{
			PayloadType:    &pt,
			SSRC:           &ssrc,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
		},
		Payload: []byte{0x41, 0x9a, byte(seq)},
	}
}

func TestStartRegistersAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.Start(context.Background(), "cam1")
	require.NoError(t, err)

	assert.Equal(t, domain.CameraID("cam1"), res.CameraID)
	assert.Equal(t, "Camera cam1", res.CameraName)
	assert.NotEmpty(t, res.ProducerID)
	assert.NotEqual(t, res.ProducerID, res.AudioProducerID)

	msgs := f.notify.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, app.EventNewProducer, msgs[0].Type)
	info := msgs[0].Data.(app.ProducerInfo)
	assert.Equal(t, domain.KindVideo, info.Kind)
	assert.Equal(t, "camera:cam1", info.Label)
	assert.Equal(t, res.ProducerID, info.ProducerID)
	assert.Equal(t, "camera-audio:cam1", msgs[1].Data.(app.ProducerInfo).Label)

	opts := f.cameras.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, uint8(102), opts[0].Video.PayloadType)
	assert.Equal(t, uint32(22222222), opts[0].Video.SSRC)
	assert.Equal(t, "127.0.0.1", opts[0].Video.Host)

	st := f.orch.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "call", st.SessionKind)
	assert.Len(t, st.Streams, 2)
}

func TestFirstPacketLearningIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Start(context.Background(), "cam1")
	require.NoError(t, err)

	bridge := f.orch.session.bridges[0]
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: bridge.inPort})
	require.NoError(t, err)
	defer listener.Close()

	call := f.call(0)
	// Missing payload and missing header never learn.
	require.True(t, call.Video.Push(&framing.Event{Header: rtpEvent(96, 1, 1).Header}))
	require.True(t, call.Video.Push(&framing.Event{Payload: []byte{1, 2}}))
	require.Eventually(t, func() bool { return bridge.status().Dropped == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, bridge.status().Learned)
	assert.Empty(t, f.spawner.Specs())

	for i := uint16(1); i <= 5; i++ {
		require.True(t, call.Video.Push(rtpEvent(96, 0xCAFE, i)))
	}
	require.Eventually(t, func() bool { return bridge.status().Packets == 5 }, time.Second, 5*time.Millisecond)

	specs := f.spawner.Specs()
	require.Len(t, specs, 1)
	st := bridge.status()
	assert.True(t, st.Learned)
	assert.Equal(t, uint8(96), st.PayloadType)
	assert.Equal(t, uint32(0xCAFE), st.SSRC)

	args := strings.Join(specs[0].Args, " ")
	assert.Contains(t, args, "-payload_type 102")
	assert.Contains(t, args, "-ssrc 22222222")
	assert.Contains(t, args, "libx264")

	sdpPath := filepath.Join(f.tempDir, "camera-cam1.sdp")
	body, err := os.ReadFile(sdpPath)
	require.NoError(t, err)
	assert.Contains(t, string(body), "a=rtpmap:96 H264/90000")

	buf := make([]byte, 1500)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, byte(96), buf[1]&0x7f)

	require.NoError(t, f.orch.Stop(context.Background()))
	_, err = os.Stat(sdpPath)
	assert.True(t, os.IsNotExist(err))
}

func TestAudioLearnsIndependently(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Start(context.Background(), "cam1")
	require.NoError(t, err)

	call := f.call(0)
	require.True(t, call.Audio.Push(rtpEvent(0, 77, 1)))
	require.Eventually(t, func() bool { return len(f.spawner.Specs()) == 1 }, time.Second, 5*time.Millisecond)

	spec := f.spawner.Specs()[0]
	assert.Equal(t, "ingest-audio", spec.Name)
	args := strings.Join(spec.Args, " ")
	assert.Contains(t, args, "libopus")
	assert.Contains(t, args, "-payload_type 111")

	body, err := os.ReadFile(filepath.Join(f.tempDir, "camera-audio-cam1.sdp"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "PCMU/8000")
}

func TestRestartYieldsNewProducer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.orch.Start(ctx, "cam1")
	require.NoError(t, err)
	require.True(t, f.call(0).Video.Push(rtpEvent(96, 1, 1)))
	require.Eventually(t, func() bool { return f.spawner.Running() == 1 }, time.Second, 5*time.Millisecond)

	second, err := f.orch.Start(ctx, "cam1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ProducerID, second.ProducerID)
	assert.Equal(t, 1, f.call(0).Stopped())
	assert.True(t, f.call(0).Video.Closed())
	assert.Equal(t, 0, f.spawner.Running())
	assert.True(t, f.spawner.Procs()[0].Killed())
	assert.Equal(t, 2, f.router.OpenTransports())
	assert.Len(t, f.producers.Snapshot(), 2)
	assert.Equal(t, 1, f.notify.Count(app.EventIngestStopped))
}

func TestStopIsIdempotentAndLeaksNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Start(ctx, "cam1")
	require.NoError(t, err)
	require.True(t, f.call(0).Video.Push(rtpEvent(96, 1, 1)))
	require.True(t, f.call(0).Audio.Push(rtpEvent(111, 2, 1)))
	require.Eventually(t, func() bool { return f.spawner.Running() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.Stop(ctx))
	require.NoError(t, f.orch.Stop(ctx))

	assert.Equal(t, 0, f.spawner.Running())
	assert.Equal(t, 0, f.router.OpenTransports())
	assert.Equal(t, 0, f.router.OpenProducers())
	assert.Empty(t, f.producers.Snapshot())
	assert.Equal(t, 1, f.notify.Count(app.EventIngestStopped))
	assert.False(t, f.orch.Status().Active)

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Stop(context.Background()))
	assert.Empty(t, f.notify.Messages())
}

func TestStartFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	f.cameras.StartErr = errors.New("camera offline")

	_, err := f.orch.Start(context.Background(), "cam1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera offline")

	assert.Equal(t, 0, f.router.OpenTransports())
	assert.Equal(t, 0, f.router.OpenProducers())
	assert.Empty(t, f.producers.Snapshot())
	assert.Zero(t, f.notify.Count(app.EventNewProducer))
	assert.False(t, f.orch.Status().Active)
}

func TestSessionWithoutControlIsRejected(t *testing.T) {
	f := newFixture(t)
	f.cameras.NewSession = func(id domain.CameraID) *core.CameraSession {
		return &core.CameraSession{CameraID: id, Kind: core.SessionCall}
	}
	_, err := f.orch.Start(context.Background(), "cam1")
	require.ErrorIs(t, err, ErrNoSessionControl)
	assert.Equal(t, 0, f.router.OpenTransports())
}

func TestPipeSession(t *testing.T) {
	f := newFixture(t)
	pipe := coretest.NewPipe()
	f.cameras.NewSession = func(id domain.CameraID) *core.CameraSession {
		return &core.CameraSession{CameraID: id, CameraName: "Porch", Kind: core.SessionPipe, Pipe: pipe}
	}
	res, err := f.orch.Start(context.Background(), "cam2")
	require.NoError(t, err)
	assert.Equal(t, "Porch", res.CameraName)
	assert.Empty(t, f.orch.Status().Streams)

	require.NoError(t, f.orch.Stop(context.Background()))
	started, stopped := pipe.Counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.Empty(t, f.spawner.Specs())
}

func TestPipeExitMarksDegraded(t *testing.T) {
	f := newFixture(t)
	pipe := coretest.NewPipe()
	f.cameras.NewSession = func(id domain.CameraID) *core.CameraSession {
		return &core.CameraSession{CameraID: id, Kind: core.SessionPipe, Pipe: pipe}
	}
	_, err := f.orch.Start(context.Background(), "cam2")
	require.NoError(t, err)
	assert.False(t, f.orch.Status().Degraded)

	pipe.Fail(errors.New("exit status 1"))
	require.Eventually(t, func() bool { return f.orch.Status().Degraded }, time.Second, 5*time.Millisecond)

	st := f.orch.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "pipe: exit status 1", st.Reason)
	assert.Equal(t, 1, f.notify.Count(app.EventIngestDegraded))

	require.NoError(t, f.orch.Stop(context.Background()))
	assert.False(t, f.orch.Status().Active)
}

func TestStoppedPipeSessionIgnoresLateExit(t *testing.T) {
	f := newFixture(t)
	pipe := coretest.NewPipe()
	f.cameras.NewSession = func(id domain.CameraID) *core.CameraSession {
		return &core.CameraSession{CameraID: id, Kind: core.SessionPipe, Pipe: pipe}
	}
	_, err := f.orch.Start(context.Background(), "cam2")
	require.NoError(t, err)
	require.NoError(t, f.orch.Stop(context.Background()))

	pipe.Fail(errors.New("exit status 1"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.notify.Count(app.EventIngestDegraded))
}

func TestTranscoderExitMarksDegraded(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Start(context.Background(), "cam1")
	require.NoError(t, err)
	require.True(t, f.call(0).Video.Push(rtpEvent(96, 1, 1)))
	require.Eventually(t, func() bool { return len(f.spawner.Procs()) == 1 }, time.Second, 5*time.Millisecond)

	f.spawner.Procs()[0].Exit(errors.New("exit status 1"))
	require.Eventually(t, func() bool { return f.orch.Status().Degraded }, time.Second, 5*time.Millisecond)

	st := f.orch.Status()
	assert.True(t, st.Active)
	assert.Contains(t, st.Reason, "video")
	assert.Equal(t, 1, f.notify.Count(app.EventIngestDegraded))

	_, err = f.orch.Start(context.Background(), "cam1")
	require.NoError(t, err)
	assert.False(t, f.orch.Status().Degraded)
}

type recordingTalk struct {
	mu    sync.Mutex
	order *[]string
}

func (r *recordingTalk) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.order = append(*r.order, "talk")
	return nil
}

func TestStopStopsTalkFirst(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.orch.Talk = &recordingTalk{order: &order}

	_, err := f.orch.Start(context.Background(), "cam1")
	require.NoError(t, err)
	f.call(0).OnStop(func() { order = append(order, "camera") })

	require.NoError(t, f.orch.Stop(context.Background()))
	assert.Equal(t, []string{"talk", "camera"}, order)
}

func TestScenarioStopClearsCameraLabel(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Start(context.Background(), "cam1")
	require.NoError(t, err)
	require.NoError(t, f.orch.Stop(context.Background()))

	for _, p := range f.producers.Snapshot() {
		assert.False(t, strings.HasPrefix(p.Label, VideoLabelPrefix+"cam1"))
	}
	types := f.notify.Types()
	assert.Equal(t, app.EventIngestStopped, types[len(types)-1])
}
