package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/core/coretest"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTalk struct {
	mu      sync.Mutex
	err     error
	started []domain.ProducerID
	stopped int
}

func (f *fakeTalk) Start(_ context.Context, _ domain.CameraID, id domain.ProducerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeTalk) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

type harness struct {
	ctl    *SignalWSController
	router *coretest.Router
	notify *coretest.Broadcaster
	talk   *fakeTalk
}

func newHarness() *harness {
	h := &harness{
		router: coretest.NewRouter(),
		notify: &coretest.Broadcaster{},
		talk:   &fakeTalk{},
	}
	h.ctl = NewSignalWSController(h.router, app.NewRegistry(), app.NewProducers(h.notify), h.talk)
	return h
}

type client struct {
	t    *testing.T
	h    *harness
	pc   *peerConn
	conn *coretest.SignalConn
}

func (h *harness) connect(t *testing.T) *client {
	conn := &coretest.SignalConn{}
	return &client{t: t, h: h, pc: h.ctl.connect(conn), conn: conn}
}

// do sends one message and returns the reply it produced.
func (c *client) do(msg string) map[string]any {
	c.t.Helper()
	before := len(c.conn.Messages())
	c.h.ctl.handleSignal(context.Background(), c.pc, []byte(msg))
	msgs := c.conn.Messages()
	require.Greater(c.t, len(msgs), before, "no reply to %s", msg)
	return msgs[len(msgs)-1]
}

func data(m map[string]any) map[string]any {
	d, _ := m["data"].(map[string]any)
	return d
}

// ready drives the connection through capabilities and one transport.
func (c *client) ready() string {
	c.t.Helper()
	c.do(`{"type":"getRouterRtpCapabilities"}`)
	reply := c.do(`{"type":"createTransport","data":{"direction":"send"}}`)
	require.Equal(c.t, "transportCreated", reply["type"])
	return data(reply)["transportId"].(string)
}

func (c *client) produce(transportID, label string) string {
	c.t.Helper()
	reply := c.do(`{"type":"produce","data":{"transportId":"` + transportID + `","kind":"audio","appData":{"label":"` + label + `"},"reqId":7,` +
		`"rtpParameters":{"codecs":[{"mimeType":"audio/opus","payloadType":100,"clockRate":48000,"channels":2}],"encodings":[{"ssrc":1}]}}}`)
	require.Equal(c.t, "produced", reply["type"], reply)
	return data(reply)["producerId"].(string)
}

func TestWelcomeAssignsPeerID(t *testing.T) {
	h := newHarness()
	c := h.connect(t)

	msgs := c.conn.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "welcome", msgs[0]["type"])
	assert.Equal(t, string(c.pc.peer.ID), msgs[0]["peerId"])
	assert.Equal(t, 1, h.ctl.Peers.Count())
	assert.Equal(t, StateConnected, c.pc.State())
}

func TestTransportBeforeCapabilitiesIsRejected(t *testing.T) {
	h := newHarness()
	c := h.connect(t)

	reply := c.do(`{"type":"createTransport","data":{"direction":"recv"}}`)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, ErrNotNegotiated.Error(), reply["error"])
	assert.Empty(t, h.router.Transports())

	reply = c.do(`{"type":"consume","data":{"transportId":"x","producerId":"y"}}`)
	assert.Equal(t, ErrNotReady.Error(), reply["error"])
}

func TestNegotiationFlow(t *testing.T) {
	h := newHarness()
	c := h.connect(t)

	reply := c.do(`{"type":"getRouterRtpCapabilities"}`)
	assert.Equal(t, "routerRtpCapabilities", reply["type"])
	assert.Len(t, data(reply)["codecs"], 2)
	assert.Equal(t, StateNegotiating, c.pc.State())

	reply = c.do(`{"type":"createTransport","data":{"direction":"recv"}}`)
	d := data(reply)
	assert.Equal(t, "recv", d["direction"])
	assert.NotEmpty(t, d["iceCandidates"])
	assert.Contains(t, d, "dtlsParameters")
	assert.Equal(t, StateReady, c.pc.State())
	id := d["transportId"].(string)

	reply = c.do(`{"type":"connectTransport","data":{"transportId":"` + id + `","iceParameters":{"usernameFragment":"remote","password":"p"},"dtlsParameters":{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"AB"}]}}}`)
	assert.Equal(t, "transportConnected", reply["type"])
	connected, remote := h.router.Transports()[0].Connected()
	assert.True(t, connected)
	assert.Equal(t, "remote", remote)

	reply = c.do(`{"type":"connectTransport","data":{"transportId":"nope"}}`)
	assert.Equal(t, ErrTransportNotFound.Error(), reply["error"])
}

func TestBadDirectionIsRejected(t *testing.T) {
	h := newHarness()
	c := h.connect(t)
	c.do(`{"type":"getRouterRtpCapabilities"}`)
	reply := c.do(`{"type":"createTransport","data":{"direction":"sideways"}}`)
	assert.Equal(t, ErrBadDirection.Error(), reply["error"])
	assert.Empty(t, h.router.Transports())
}

func TestProduceRegistersAndBroadcasts(t *testing.T) {
	h := newHarness()
	c := h.connect(t)
	tid := c.ready()

	reply := c.do(`{"type":"produce","data":{"transportId":"` + tid + `","kind":"audio","reqId":"r-1",` +
		`"rtpParameters":{"codecs":[{"mimeType":"audio/opus","payloadType":100,"clockRate":48000,"channels":2}]}}}`)
	assert.Equal(t, "produced", reply["type"])
	assert.Equal(t, "r-1", data(reply)["reqId"])
	pid := data(reply)["producerId"].(string)

	snap := h.ctl.Producers.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "peer:"+string(c.pc.peer.ID), snap[0].Label)
	assert.Equal(t, domain.KindAudio, snap[0].Kind)
	assert.Equal(t, 1, h.notify.Count(app.EventNewProducer))

	reply = c.do(`{"type":"getProducers"}`)
	assert.Equal(t, "producers", reply["type"])
	list := reply["data"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, pid, list[0].(map[string]any)["producerId"])

	reply = c.do(`{"type":"produce","data":{"transportId":"` + tid + `","kind":"audio","appData":{"label":"` + strings.Repeat("x", domain.MaxLabelLen+1) + `"},` +
		`"rtpParameters":{"codecs":[{"mimeType":"audio/opus","payloadType":100,"clockRate":48000,"channels":2}]}}}`)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, domain.ErrLabelTooLong.Error(), reply["error"])
	assert.Len(t, h.ctl.Producers.Snapshot(), 1)
}

func TestIncompatibleConsumeCreatesNothing(t *testing.T) {
	h := newHarness()
	owner := h.connect(t)
	pid := owner.produce(owner.ready(), "mic")

	viewer := h.connect(t)
	tid := viewer.ready()
	h.router.Incompatible[domain.ProducerID(pid)] = true

	reply := viewer.do(`{"type":"consume","data":{"transportId":"` + tid + `","producerId":"` + pid + `","rtpCapabilities":{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}}}`)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, ErrCannotConsume.Error(), reply["error"])
	assert.Zero(t, h.router.OpenConsumers())
	_, _, consumers := viewer.pc.peer.Counts()
	assert.Zero(t, consumers)
}

func TestConsumeStartsPausedAndResumes(t *testing.T) {
	h := newHarness()
	owner := h.connect(t)
	pid := owner.produce(owner.ready(), "mic")

	viewer := h.connect(t)
	tid := viewer.ready()
	reply := viewer.do(`{"type":"consume","data":{"transportId":"` + tid + `","producerId":"` + pid + `","rtpCapabilities":{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}}}`)
	require.Equal(t, "consumed", reply["type"], reply)
	d := data(reply)
	assert.Equal(t, pid, d["producerId"])
	assert.Equal(t, "audio", d["kind"])
	cid := domain.ConsumerID(d["consumerId"].(string))

	c, ok := viewer.pc.peer.Consumer(cid)
	require.True(t, ok)
	assert.True(t, c.Paused())

	reply = viewer.do(`{"type":"resume","data":{"consumerId":"` + string(cid) + `"}}`)
	assert.Equal(t, "resumed", reply["type"])
	assert.False(t, c.Paused())

	reply = viewer.do(`{"type":"resume","data":{"consumerId":"missing"}}`)
	assert.Equal(t, ErrConsumerNotFound.Error(), reply["error"])
}

func TestDisconnectReleasesOnlyOwnResources(t *testing.T) {
	h := newHarness()
	a := h.connect(t)
	b := h.connect(t)
	a.produce(a.ready(), "a-mic")
	bPid := b.produce(b.ready(), "b-mic")

	h.ctl.disconnect(a.pc)
	h.ctl.disconnect(a.pc)

	ts := h.router.Transports()
	require.Len(t, ts, 2)
	assert.Equal(t, 1, h.router.OpenTransports())
	assert.Equal(t, 1, h.router.OpenProducers())
	assert.Equal(t, 1, h.ctl.Peers.Count())
	_, ok := h.ctl.Peers.Get(a.pc.peer.ID)
	assert.False(t, ok)
	assert.Equal(t, StateClosed, a.pc.State())

	require.Eventually(t, func() bool { return len(h.ctl.Producers.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ProducerID(bPid), h.ctl.Producers.Snapshot()[0].ProducerID)
	assert.Equal(t, 1, h.notify.Count(app.EventProducerClosed))
}

func TestTalkCommands(t *testing.T) {
	h := newHarness()
	c := h.connect(t)

	reply := c.do(`{"type":"startTalk","data":{"cameraId":"cam1"}}`)
	assert.Equal(t, ErrTalkArgs.Error(), reply["error"])

	reply = c.do(`{"type":"startTalk","data":{"cameraId":"cam1","producerId":"p1"}}`)
	assert.Equal(t, "talkStatus", reply["type"])
	assert.Equal(t, true, data(reply)["ok"])
	assert.Equal(t, "bridging", data(reply)["state"])
	assert.Equal(t, "cam1", data(reply)["cameraId"])
	assert.Equal(t, []domain.ProducerID{"p1"}, h.talk.started)

	reply = c.do(`{"type":"stopTalk"}`)
	assert.Equal(t, "stopped", data(reply)["state"])
	assert.Equal(t, 1, h.talk.stopped)

	h.talk.err = errors.New("Talk requires an active session")
	reply = c.do(`{"type":"startTalk","data":{"cameraId":"cam1","producerId":"p1"}}`)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "Talk requires an active session", reply["error"])
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	h := newHarness()
	c := h.connect(t)

	assert.Equal(t, "bad_payload", c.do(`{not json`)["error"])
	assert.Equal(t, errUnknownType.Error(), c.do(`{"type":"dance"}`)["error"])
	assert.Equal(t, "pong", c.do(`{"type":"ping"}`)["type"])
	c.do(`{"type":"getRouterRtpCapabilities"}`)
	c.do(`{"type":"createTransport"}`)
	assert.Equal(t, "bad_payload", c.do(`{"type":"produce","data":"x"}`)["error"])
}

func TestRateLimitedRequests(t *testing.T) {
	h := newHarness()
	h.ctl.Limiter = NewRateLimiter(2, time.Minute)
	c := h.connect(t)
	c.do(`{"type":"getRouterRtpCapabilities"}`)

	c.do(`{"type":"createTransport"}`)
	c.do(`{"type":"createTransport"}`)
	reply := c.do(`{"type":"createTransport"}`)
	assert.Equal(t, ErrRateLimited.Error(), reply["error"])
	assert.Len(t, h.router.Transports(), 2)
	assert.Equal(t, "pong", c.do(`{"type":"ping"}`)["type"])
}

func TestWebsocketRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness()
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { h.ctl.HandleSignal(context.Background(), c) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "welcome", msg["type"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "pong", msg["type"])

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return h.ctl.Peers.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)
	assert.True(t, rl.Allow("p"))
	assert.False(t, rl.Allow("p"))
	assert.True(t, rl.Allow("q"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("p"))
	rl.Forget("p")
	assert.True(t, rl.Allow("p"))
}

const blockedProduce = `{"type":"produce","data":{"transportId":"%s","kind":"audio",` +
	`"rtpParameters":{"codecs":[{"mimeType":"audio/opus","payloadType":100,"clockRate":48000,"channels":2}]}}}`

func TestSlowProduceIsBounded(t *testing.T) {
	h := newHarness()
	h.router.BlockProduce = true
	h.ctl.HandlerTimeout = 50 * time.Millisecond
	c := h.connect(t)
	tid := c.ready()

	reply := c.do(fmt.Sprintf(blockedProduce, tid))
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["error"], context.DeadlineExceeded.Error())
	assert.Empty(t, h.ctl.Producers.Snapshot())

	assert.Equal(t, "pong", c.do(`{"type":"ping"}`)["type"])
}

// dialHarness serves h over a real websocket and reads the welcome.
func dialHarness(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { h.ctl.HandleSignal(context.Background(), c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, "welcome", msg["type"])
	return ws
}

func wsDo(t *testing.T, ws *websocket.Conn, msg string) map[string]any {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply map[string]any
	require.NoError(t, ws.ReadJSON(&reply))
	return reply
}

func TestPingAnsweredAfterStuckProduce(t *testing.T) {
	h := newHarness()
	h.router.BlockProduce = true
	h.ctl.HandlerTimeout = 100 * time.Millisecond
	ws := dialHarness(t, h)
	defer ws.Close()

	wsDo(t, ws, `{"type":"getRouterRtpCapabilities"}`)
	created := wsDo(t, ws, `{"type":"createTransport","data":{"direction":"send"}}`)
	tid := data(created)["transportId"].(string)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(blockedProduce, tid))))
	reply := wsDo(t, ws, `{"type":"ping"}`)
	assert.Equal(t, "error", reply["type"])
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["type"])
}

func TestCloseDuringStuckProduceReleasesPeer(t *testing.T) {
	h := newHarness()
	h.router.BlockProduce = true
	ws := dialHarness(t, h)

	wsDo(t, ws, `{"type":"getRouterRtpCapabilities"}`)
	created := wsDo(t, ws, `{"type":"createTransport","data":{"direction":"send"}}`)
	tid := data(created)["transportId"].(string)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(blockedProduce, tid))))
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		return h.ctl.Peers.Count() == 0 && h.router.OpenTransports() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.router.OpenProducers())
}
