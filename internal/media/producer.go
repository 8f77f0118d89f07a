package media

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

// RTPSink receives a copy of the producer's RTP stream. Implementations
// must be non-blocking; slow sinks drop packets.
type RTPSink interface {
	WriteRTP(p *rtp.Packet) error
}

// ProducerOptions describes a new producer on a transport.
type ProducerOptions struct {
	Kind          string          // "audio" or "video"
	RtpParameters json.RawMessage // opaque client parameters; encodings[0].ssrc is honoured
	AppData       map[string]interface{}
	Paused        bool
}

// Producer is one publication of one media track. Incoming RTP (from the
// owning transport) fans out to the registered sinks, one per consumer.
type Producer struct {
	id            string
	kind          string
	rtpParameters json.RawMessage
	appData       map[string]interface{}
	ssrc          uint32

	mu         sync.Mutex
	sinks      map[string]RTPSink
	paused     bool
	closed     bool
	closeHooks []func()
}

func newProducer(opts ProducerOptions) *Producer {
	p := &Producer{
		id:            uuid.New().String(),
		kind:          opts.Kind,
		rtpParameters: opts.RtpParameters,
		appData:       opts.AppData,
		sinks:         make(map[string]RTPSink),
		paused:        opts.Paused,
	}
	p.ssrc = parseSSRC(opts.RtpParameters)
	return p
}

// parseSSRC extracts encodings[0].ssrc from opaque rtpParameters, 0 if absent.
func parseSSRC(raw json.RawMessage) uint32 {
	if len(raw) == 0 {
		return 0
	}
	var params struct {
		Encodings []struct {
			SSRC uint32 `json:"ssrc"`
		} `json:"encodings"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || len(params.Encodings) == 0 {
		return 0
	}
	return params.Encodings[0].SSRC
}

// ID returns the producer id.
func (p *Producer) ID() string { return p.id }

// Kind returns "audio" or "video".
func (p *Producer) Kind() string { return p.kind }

// SSRC returns the RTP synchronisation source, 0 when unknown.
func (p *Producer) SSRC() uint32 { return p.ssrc }

// RtpParameters returns the opaque client parameters recorded at create.
func (p *Producer) RtpParameters() json.RawMessage { return p.rtpParameters }

// AppData returns the application data recorded at create.
func (p *Producer) AppData() map[string]interface{} { return p.appData }

// Closed reports whether the producer has been closed.
func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Write fans an RTP packet out to every sink. Sink errors are dropped:
// one broken consumer must not stall the others.
func (p *Producer) Write(pkt *rtp.Packet) {
	p.mu.Lock()
	if p.closed || p.paused {
		p.mu.Unlock()
		return
	}
	sinks := make([]RTPSink, 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()

	for _, s := range sinks {
		_ = s.WriteRTP(pkt)
	}
}

// AddSink registers a consumer sink under a key (the consumer id).
func (p *Producer) AddSink(key string, sink RTPSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.sinks[key] = sink
}

// RemoveSink drops a consumer sink.
func (p *Producer) RemoveSink(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, key)
}

// OnClose registers a hook run once when the producer closes. Used by the
// registry for stream eviction and by consumers for producerclose.
func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.closeHooks = append(p.closeHooks, fn)
	p.mu.Unlock()
}

// Close stops the fan-out and fires the close hooks.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.sinks = map[string]RTPSink{}
	hooks := p.closeHooks
	p.closeHooks = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
