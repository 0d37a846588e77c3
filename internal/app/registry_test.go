package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/core/coretest"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func produce(t *testing.T, router *coretest.Router, kind domain.MediaKind) (core.Transport, core.Producer) {
	t.Helper()
	tr, err := router.CreateWebRTCTransport(context.Background())
	require.NoError(t, err)
	p, err := tr.Produce(context.Background(), core.ProduceOptions{Kind: kind})
	require.NoError(t, err)
	return tr, p
}

func TestBroadcastSkipsBackpressuredPeers(t *testing.T) {
	reg := app.NewRegistry()
	ok := &coretest.SignalConn{}
	full := &coretest.SignalConn{Full: true}
	reg.Add(app.NewPeer("a", ok))
	reg.Add(app.NewPeer("b", full))
	reg.Add(app.NewPeer("c", nil))
	require.Equal(t, 3, reg.Count())

	reg.Broadcast(app.Message{Type: app.EventIngestStopped})

	msgs := ok.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, app.EventIngestStopped, msgs[0]["type"])
	assert.Empty(t, full.Messages())
}

func TestRemoveUnknownPeer(t *testing.T) {
	reg := app.NewRegistry()
	reg.Add(app.NewPeer("a", nil))

	_, ok := reg.Remove("ghost")
	assert.False(t, ok)
	p, ok := reg.Remove("a")
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("a"), p.ID)
	_, ok = reg.Get("a")
	assert.False(t, ok)
}

func TestCloseAllReleasesPeerResources(t *testing.T) {
	router := coretest.NewRouter()
	peer := app.NewPeer("a", nil)
	tr, p := produce(t, router, domain.KindAudio)
	peer.AddTransport(tr)
	peer.AddProducer(p)

	transports, producers, _ := peer.Counts()
	assert.Equal(t, 1, transports)
	assert.Equal(t, 1, producers)

	peer.CloseAll()
	transports, producers, consumers := peer.Counts()
	assert.Zero(t, transports+producers+consumers)
	assert.Zero(t, router.OpenTransports())
	assert.Zero(t, router.OpenProducers())
}

func TestProducersRegisterAndAutoRemove(t *testing.T) {
	router := coretest.NewRouter()
	notify := &coretest.Broadcaster{}
	producers := app.NewProducers(notify)

	_, video := produce(t, router, domain.KindVideo)
	_, audio := produce(t, router, domain.KindAudio)
	producers.Register(video, "camera:front")
	info := producers.Register(audio, "peer:a")
	assert.Equal(t, "peer:a", info.Label)

	snap := producers.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, video.ID(), snap[0].ProducerID)
	assert.Equal(t, audio.ID(), snap[1].ProducerID)
	assert.Equal(t, 2, notify.Count(app.EventNewProducer))

	video.Close()
	require.Eventually(t, func() bool {
		_, ok := producers.Get(video.ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, notify.Count(app.EventProducerClosed))
	assert.False(t, producers.Remove(video.ID()))
	assert.Len(t, producers.Snapshot(), 1)
}
