package media

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

// PlainTransportOptions describe a plain RTP leg.
type PlainTransportOptions struct {
	ListenIP string
	Port     int  // fixed listen port; 0 = ephemeral
	Comedia  bool // learn the remote tuple from the first inbound packet
	RTCPMux  bool
}

// PlainTransport is a raw RTP channel over one UDP socket: either comedia
// (the peer is behind NAT and dials us) or connected (we dial a fixed
// remote, e.g. the translation audio service ingress).
type PlainTransport struct {
	id      string
	router  *Router
	comedia bool
	rtcpMux bool
	conn    *net.UDPConn

	mu         sync.Mutex
	remote     *net.UDPAddr
	connected  bool
	closed     bool
	closeHooks []func()
	producer   *Producer
	consumers  map[string]*Consumer // outgoing consumers, by id
}

// CreatePlainTransport opens the UDP socket and, in comedia mode, starts
// the receive loop immediately.
func (r *Router) CreatePlainTransport(opts PlainTransportOptions) (*PlainTransport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.mu.Unlock()

	listenIP := opts.ListenIP
	if listenIP == "" {
		listenIP = r.worker.cfg.ListenIP
	}
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(listenIP), Port: opts.Port})
	if err != nil {
		return nil, fmt.Errorf("plain transport listen %s:%d: %w", listenIP, opts.Port, err)
	}

	t := &PlainTransport{
		id:        uuid.New().String(),
		router:    r,
		comedia:   opts.Comedia,
		rtcpMux:   opts.RTCPMux,
		conn:      conn,
		consumers: make(map[string]*Consumer),
	}
	if opts.Comedia {
		go t.receiveLoop()
	}
	r.registerTransport(t)
	return t, nil
}

// ID returns the transport id.
func (t *PlainTransport) ID() string { return t.id }

// LocalPort returns the bound UDP port.
func (t *PlainTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Connect sets the remote tuple. In comedia mode an empty ip is a no-op
// success (the tuple is resolved from the first inbound packet).
func (t *PlainTransport) Connect(ip string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.connected {
		return ErrAlreadyConnected
	}
	if ip == "" {
		if !t.comedia {
			return fmt.Errorf("plain transport: remote ip required without comedia")
		}
		t.connected = true
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return fmt.Errorf("resolve remote %s:%d: %w", ip, port, err)
	}
	t.remote = addr
	t.connected = true
	return nil
}

// Produce registers the producer fed by inbound RTP on this transport.
// A plain transport carries at most one producer.
func (t *PlainTransport) Produce(opts ProducerOptions) (*Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.producer != nil && !t.producer.Closed() {
		t.mu.Unlock()
		return nil, fmt.Errorf("plain transport already has a producer")
	}
	p := newProducer(opts)
	t.producer = p
	t.mu.Unlock()

	t.router.registerProducer(p)
	p.OnClose(func() {
		t.mu.Lock()
		if t.producer == p {
			t.producer = nil
		}
		t.mu.Unlock()
	})
	return p, nil
}

// Consume forwards a producer's RTP out of this transport to the remote
// tuple. Used for the audio-service egress, so consumers here usually start
// unpaused.
func (t *PlainTransport) Consume(opts ConsumerOptions) (*Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	p := opts.Producer
	if p == nil || p.Closed() {
		return nil, ErrProducerClosed
	}

	c := newConsumer(p, &plainSink{t: t}, p.SSRC(), opts.Paused)
	c.setDetach(func() {
		p.RemoveSink(c.ID())
		t.mu.Lock()
		delete(t.consumers, c.ID())
		t.mu.Unlock()
		t.router.worker.consumers.Add(-1)
	})
	t.mu.Lock()
	t.consumers[c.ID()] = c
	t.mu.Unlock()
	t.router.worker.consumers.Add(1)
	return c, nil
}

// OnClose registers a hook run once when the transport closes.
func (t *PlainTransport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.closeHooks = append(t.closeHooks, fn)
	t.mu.Unlock()
}

// Close shuts the socket and cascades to the transport's producer and
// outgoing consumers.
func (t *PlainTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producer := t.producer
	t.producer = nil
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	hooks := t.closeHooks
	t.closeHooks = nil
	t.mu.Unlock()

	_ = t.conn.Close()
	if producer != nil {
		producer.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, fn := range hooks {
		fn()
	}
}

// receiveLoop reads inbound RTP, learns the remote tuple from the first
// packet (comedia) and feeds the transport's producer.
func (t *PlainTransport) receiveLoop() {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}

		t.mu.Lock()
		if t.remote == nil {
			t.remote = addr
		}
		producer := t.producer
		t.mu.Unlock()

		if producer != nil {
			var pkt rtp.Packet
			if err := pkt.Unmarshal(buf[:n]); err == nil {
				producer.Write(&pkt)
			}
		}
		rtpBufferPool.Put(ptr)
	}
}

// plainSink writes forwarded RTP to the transport's remote tuple.
type plainSink struct {
	t *PlainTransport
}

func (s *plainSink) WriteRTP(pkt *rtp.Packet) error {
	s.t.mu.Lock()
	remote := s.t.remote
	closed := s.t.closed
	s.t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if remote == nil {
		return nil // tuple not learned yet
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.t.conn.WriteToUDP(raw, remote)
	return err
}
