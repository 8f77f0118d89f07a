package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	sctpNumStreams     = 1024
	sctpMaxMessageSize = 262144
	initialBitrate     = 1_000_000

	udpCandidatePriority = 2130706431
	tcpCandidatePriority = 2130706175
)

// ICEParameters are the server-side ICE credentials for one transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

// ICECandidateInfo is one server candidate handed to the client.
type ICECandidateInfo struct {
	Foundation string `json:"foundation"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Priority   uint32 `json:"priority"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
}

// DTLSFingerprint is one certificate digest.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters carry the DTLS role and certificate fingerprints.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// SCTPParameters describe the data-channel association.
type SCTPParameters struct {
	Port           int `json:"port"`
	OS             int `json:"OS"`
	MIS            int `json:"MIS"`
	MaxMessageSize int `json:"maxMessageSize"`
}

// WebRtcTransport is one DTLS/SRTP leg between the SFU and one peer,
// multiplexed over the owning worker's server sockets.
type WebRtcTransport struct {
	id     string
	router *Router
	pc     *webrtc.PeerConnection

	iceParameters  ICEParameters
	iceCandidates  []ICECandidateInfo
	dtlsParameters DTLSParameters
	sctpParameters SCTPParameters

	mu         sync.Mutex
	connected  bool
	clientDTLS DTLSParameters
	closed     bool
	closeHooks []func()
	producers  map[string]*Producer // owned producers, by id
	ingress    map[uint32]*Producer // ingress binding, by remote SSRC
	senders    map[string]*webrtc.RTPSender
	consumers  map[string]*Consumer // outgoing consumers, by id
}

// CreateWebRtcTransport creates a transport on the room's worker. UDP and
// TCP are both offered via the worker's muxes, UDP preferred.
func (r *Router) CreateWebRtcTransport() (*WebRtcTransport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.mu.Unlock()

	w := r.worker
	iceUfrag := randomICEString(16)
	icePwd := randomICEString(32)

	api, err := w.buildAPI(iceUfrag, icePwd)
	if err != nil {
		return nil, fmt.Errorf("worker api: %w", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		Certificates: []webrtc.Certificate{w.cert},
	})
	if err != nil {
		if w.closed.Load() {
			w.reportDied()
			return nil, ErrWorkerClosed
		}
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	fps, err := w.cert.GetFingerprints()
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("certificate fingerprints: %w", err)
	}
	dtls := DTLSParameters{Role: "auto"}
	for _, fp := range fps {
		dtls.Fingerprints = append(dtls.Fingerprints, DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	candidateIP := w.cfg.AnnouncedIP
	if candidateIP == "" {
		candidateIP = w.cfg.ListenIP
	}

	t := &WebRtcTransport{
		id:     uuid.New().String(),
		router: r,
		pc:     pc,
		iceParameters: ICEParameters{
			UsernameFragment: iceUfrag,
			Password:         icePwd,
			ICELite:          true,
		},
		iceCandidates: []ICECandidateInfo{
			{Foundation: "udpcandidate", IP: candidateIP, Port: w.serverPort, Priority: udpCandidatePriority, Protocol: "udp", Type: "host"},
			{Foundation: "tcpcandidate", IP: candidateIP, Port: w.serverPort, Priority: tcpCandidatePriority, Protocol: "tcp", Type: "host"},
		},
		dtlsParameters: dtls,
		sctpParameters: SCTPParameters{
			Port:           5000,
			OS:             sctpNumStreams,
			MIS:            sctpNumStreams,
			MaxMessageSize: sctpMaxMessageSize,
		},
		producers: make(map[string]*Producer),
		ingress:   make(map[uint32]*Producer),
		senders:   make(map[string]*webrtc.RTPSender),
		consumers: make(map[string]*Consumer),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go t.forwardRemoteTrack(track)
	})

	r.registerTransport(t)
	return t, nil
}

// ID returns the transport id.
func (t *WebRtcTransport) ID() string { return t.id }

// Router returns the owning router.
func (t *WebRtcTransport) Router() *Router { return t.router }

// ICEParameters returns the server-side ICE credentials.
func (t *WebRtcTransport) ICEParameters() ICEParameters { return t.iceParameters }

// ICECandidates returns the server candidates.
func (t *WebRtcTransport) ICECandidates() []ICECandidateInfo { return t.iceCandidates }

// DTLSParameters returns the server certificate fingerprints.
func (t *WebRtcTransport) DTLSParameters() DTLSParameters { return t.dtlsParameters }

// SCTPParameters returns the data-channel association parameters.
func (t *WebRtcTransport) SCTPParameters() SCTPParameters { return t.sctpParameters }

// Connect records the client's DTLS parameters and finalises the transport.
// The DTLS handshake itself runs over the worker sockets once the client's
// ICE checks arrive (the server is ICE-lite). A second call returns
// ErrAlreadyConnected and leaves the first connect untouched.
func (t *WebRtcTransport) Connect(dtls DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.connected {
		return ErrAlreadyConnected
	}
	t.connected = true
	t.clientDTLS = dtls
	return nil
}

// Connected reports whether Connect has been called.
func (t *WebRtcTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Produce registers a new producer for media the peer sends on this
// transport. The incoming track is matched by SSRC when the parameters
// carry one, otherwise by kind on first arrival.
func (t *WebRtcTransport) Produce(opts ProducerOptions) (*Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	p := newProducer(opts)
	t.producers[p.ID()] = p
	if ssrc := p.SSRC(); ssrc != 0 {
		t.ingress[ssrc] = p
	}
	t.mu.Unlock()

	t.router.registerProducer(p)
	p.OnClose(func() {
		t.mu.Lock()
		delete(t.producers, p.ID())
		if ssrc := p.SSRC(); ssrc != 0 {
			delete(t.ingress, ssrc)
		}
		t.mu.Unlock()
	})
	return p, nil
}

// Consume attaches a producer to this transport as an outgoing track. The
// consumer starts paused when opts.Paused is set.
func (t *WebRtcTransport) Consume(opts ConsumerOptions) (*Consumer, error) {
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

	track, err := webrtc.NewTrackLocalStaticRTP(trackCapabilityFor(p.Kind()), uuid.New().String(), p.ID())
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	var ssrc uint32
	if params := sender.GetParameters(); len(params.Encodings) > 0 {
		ssrc = uint32(params.Encodings[0].SSRC)
	}

	c := newConsumer(p, track, ssrc, opts.Paused)
	c.setDetach(func() {
		p.RemoveSink(c.ID())
		_ = t.pc.RemoveTrack(sender)
		t.mu.Lock()
		delete(t.senders, c.ID())
		delete(t.consumers, c.ID())
		t.mu.Unlock()
		t.router.worker.consumers.Add(-1)
	})

	t.mu.Lock()
	t.senders[c.ID()] = sender
	t.consumers[c.ID()] = c
	t.mu.Unlock()
	t.router.worker.consumers.Add(1)
	return c, nil
}

// RequestKeyFrame sends a PLI towards the producer so a freshly resumed
// video consumer starts on a keyframe.
func (t *WebRtcTransport) RequestKeyFrame(producerSSRC uint32) error {
	if producerSSRC == 0 {
		return nil
	}
	return t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: producerSSRC}})
}

// OnClose registers a hook run once when the transport closes.
func (t *WebRtcTransport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.closeHooks = append(t.closeHooks, fn)
	t.mu.Unlock()
}

// Close tears the transport down, cascading to its producers (and through
// them to their consumers everywhere) and to its own outgoing consumers.
func (t *WebRtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	hooks := t.closeHooks
	t.closeHooks = nil
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	// Outgoing consumers whose producers live on other transports.
	for _, c := range consumers {
		c.Close()
	}
	_ = t.pc.Close()
	for _, fn := range hooks {
		fn()
	}
}

func (t *WebRtcTransport) forwardRemoteTrack(track *webrtc.TrackRemote) {
	p := t.matchProducer(track)
	if p == nil {
		return
	}
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := track.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err == nil {
			p.Write(&pkt)
		}
		rtpBufferPool.Put(ptr)
	}
}

func (t *WebRtcTransport) matchProducer(track *webrtc.TrackRemote) *Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.ingress[uint32(track.SSRC())]; ok {
		return p
	}
	kind := track.Kind().String()
	for _, p := range t.producers {
		if p.Kind() == kind && p.SSRC() == 0 {
			return p
		}
	}
	return nil
}
