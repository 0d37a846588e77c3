package rtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/camrelay/internal/app/sfu"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/media/framing"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	plainReadBuffer  = 1500
	plainSourceQueue = 256
)

var ErrDuplicateSSRC = errors.New("ssrc already produced on this transport")

type plainSource struct {
	p  *producer
	ch chan *rtp.Packet
}

// PlainTransport exchanges plain RTP with a local process over UDP.
type PlainTransport struct {
	id      domain.TransportID
	router  *Router
	conn    *net.UDPConn
	comedia bool
	logger  zerolog.Logger

	mu        sync.RWMutex
	remote    *net.UDPAddr
	sources   map[uint32]*plainSource
	consumers map[domain.ConsumerID]*consumer

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ core.PlainTransport = (*PlainTransport)(nil)

func newPlainTransport(r *Router, opts core.PlainTransportOptions) (*PlainTransport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	t := &PlainTransport{
		id:        newTransportID(),
		router:    r,
		conn:      conn,
		comedia:   opts.Comedia,
		sources:   make(map[uint32]*plainSource),
		consumers: make(map[domain.ConsumerID]*consumer),
		done:      make(chan struct{}),
	}
	t.logger = log.With().Str("module", "plain").Str("transport", string(t.id)).Logger()

	t.wg.Add(1)
	go t.readLoop()

	t.logger.Info().Int("port", t.LocalPort()).Bool("comedia", opts.Comedia).Msg("transport created")
	return t, nil
}

func (t *PlainTransport) ID() domain.TransportID { return t.id }
func (t *PlainTransport) Done() <-chan struct{}  { return t.done }

func (t *PlainTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

func (t *PlainTransport) Connect(ctx context.Context, ip string, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.remote = addr
	t.mu.Unlock()
	t.logger.Info().Str("remote", addr.String()).Msg("transport connected")
	return nil
}

// readLoop dispatches inbound RTP to producers by SSRC. RTCP and unknown
// SSRCs are dropped.
func (t *PlainTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, plainReadBuffer)
	var dropped uint64
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.logger.Error().Err(err).Msg("read error")
			go t.Close()
			return
		}
		if t.comedia {
			t.learnRemote(addr)
		}
		if framing.IsRTCP(buf[:n]) {
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(raw); err != nil {
			dropped++
			continue
		}

		t.mu.RLock()
		src, ok := t.sources[pkt.SSRC]
		t.mu.RUnlock()
		if !ok {
			dropped++
			if dropped%500 == 1 {
				t.logger.Debug().Uint32("ssrc", pkt.SSRC).Uint64("dropped", dropped).Msg("packet for unknown ssrc")
			}
			continue
		}
		select {
		case src.ch <- pkt:
		default:
			dropped++
		}
	}
}

func (t *PlainTransport) learnRemote(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		t.remote = addr
		t.logger.Info().Str("remote", addr.String()).Msg("remote learned")
	}
}

func (t *PlainTransport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-t.done:
		return nil, ErrTransportClosed
	default:
	}
	if len(opts.RTPParameters.Encodings) == 0 || opts.RTPParameters.Encodings[0].SSRC == 0 {
		return nil, ErrMissingSSRC
	}
	ssrc := opts.RTPParameters.Encodings[0].SSRC

	t.mu.Lock()
	if _, exists := t.sources[ssrc]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateSSRC, ssrc)
	}
	src := &plainSource{ch: make(chan *rtp.Packet, plainSourceQueue)}
	t.sources[ssrc] = src
	t.mu.Unlock()

	p, err := t.router.addProducer(producerSpec{
		kind:   opts.Kind,
		params: opts.RTPParameters,
		source: func(done <-chan struct{}) sfu.Source { return sfu.NewChanSource(src.ch, done) },
		onClose: func(*producer) {
			t.mu.Lock()
			delete(t.sources, ssrc)
			t.mu.Unlock()
		},
	})
	if err != nil {
		t.mu.Lock()
		delete(t.sources, ssrc)
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Lock()
	src.p = p
	t.mu.Unlock()
	return p, nil
}

func (t *PlainTransport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-t.done:
		return nil, ErrTransportClosed
	default:
	}

	cons, err := t.router.addConsumer(consumerSpec{
		opts:  opts,
		ssrc:  randomSSRC(),
		cname: string(t.id),
		sink: func(params domain.RTPParameters) sfu.Sink {
			return &plainSink{t: t, pt: params.Codecs[0].PayloadType, ssrc: params.Encodings[0].SSRC}
		},
		onClose: func(closed *consumer) {
			t.mu.Lock()
			delete(t.consumers, closed.id)
			t.mu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	select {
	case <-cons.done:
	default:
		t.consumers[cons.id] = cons
	}
	t.mu.Unlock()
	return cons, nil
}

func (t *PlainTransport) write(b []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	t.mu.RLock()
	remote := t.remote
	t.mu.RUnlock()
	if remote == nil {
		return nil
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := t.conn.WriteToUDP(b, remote)
	return err
}

func (t *PlainTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.SetReadDeadline(time.Now())
		_ = t.conn.Close()
		t.wg.Wait()

		t.mu.Lock()
		producers := make([]*producer, 0, len(t.sources))
		for _, s := range t.sources {
			if s.p != nil {
				producers = append(producers, s.p)
			}
		}
		consumers := make([]*consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		t.mu.Unlock()

		for _, c := range consumers {
			c.Close()
		}
		for _, p := range producers {
			p.Close()
		}
		t.logger.Info().Int("producers", len(producers)).Int("consumers", len(consumers)).Msg("transport closed")
	})
}

// plainSink rewrites packets to the consumer's SSRC and payload type.
type plainSink struct {
	t    *PlainTransport
	pt   uint8
	ssrc uint32
}

func (s *plainSink) WriteRTP(pkt *rtp.Packet) error {
	out := rtp.Packet{Header: pkt.Header.Clone(), Payload: pkt.Payload}
	out.SSRC = s.ssrc
	out.PayloadType = s.pt
	b, err := out.Marshal()
	if err != nil {
		return err
	}
	return s.t.write(b)
}

func randomSSRC() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}
