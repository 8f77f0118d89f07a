package media

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

// ConsumerOptions describes a new consumer on a transport.
type ConsumerOptions struct {
	Producer *Producer
	Paused   bool // consumers are created paused by the engine
	AppData  map[string]interface{}
}

// Consumer forwards one producer onto one transport. It starts paused when
// requested and drops packets until resumed.
type Consumer struct {
	id         string
	producerID string
	kind       string
	ssrc       uint32

	mu             sync.Mutex
	paused         bool
	closed         bool
	sink           RTPSink
	closeHooks     []func()
	producerClosed []func()
	detach         func() // removes the sink / pion sender from the transport
}

func newConsumer(p *Producer, sink RTPSink, ssrc uint32, paused bool) *Consumer {
	c := &Consumer{
		id:         uuid.New().String(),
		producerID: p.ID(),
		kind:       p.Kind(),
		ssrc:       ssrc,
		paused:     paused,
		sink:       sink,
	}
	p.AddSink(c.id, c)
	p.OnClose(func() {
		hooks := c.closeFromProducer()
		for _, fn := range hooks {
			fn()
		}
	})
	return c
}

// ID returns the consumer id.
func (c *Consumer) ID() string { return c.id }

// ProducerID returns the id of the consumed producer.
func (c *Consumer) ProducerID() string { return c.producerID }

// Kind returns "audio" or "video".
func (c *Consumer) Kind() string { return c.kind }

// SSRC returns the outgoing synchronisation source.
func (c *Consumer) SSRC() uint32 { return c.ssrc }

// Paused reports whether the consumer is still paused.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Closed reports whether the consumer has been closed.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RtpParameters returns the parameters the subscriber needs to receive the
// forwarded stream.
func (c *Consumer) RtpParameters() json.RawMessage {
	params := map[string]interface{}{
		"codecs":    []RtpCodecCapability{codecForKind(c.kind)},
		"encodings": []map[string]interface{}{{"ssrc": c.ssrc}},
	}
	raw, _ := json.Marshal(params)
	return raw
}

// WriteRTP implements RTPSink on behalf of the consumer: packets pass
// through to the transport sink unless paused.
func (c *Consumer) WriteRTP(pkt *rtp.Packet) error {
	c.mu.Lock()
	if c.closed || c.paused {
		c.mu.Unlock()
		return nil
	}
	sink := c.sink
	c.mu.Unlock()
	return sink.WriteRTP(pkt)
}

// Resume unpauses the consumer. Idempotent at this layer; the engine
// guarantees resume-once semantics.
func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Pause re-pauses the consumer.
func (c *Consumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// OnClose registers a hook run once when the consumer closes for any reason.
func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.closeHooks = append(c.closeHooks, fn)
	c.mu.Unlock()
}

// OnProducerClose registers a hook run when the consumed producer closes.
func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producerClosed = append(c.producerClosed, fn)
}

// Close detaches the consumer from the transport and producer.
func (c *Consumer) Close() {
	for _, fn := range c.doClose() {
		fn()
	}
}

func (c *Consumer) doClose() []func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.closeHooks
	c.closeHooks = nil
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	return hooks
}

// closeFromProducer closes the consumer because its producer went away and
// returns the combined hooks to fire (close hooks plus producerclose hooks).
func (c *Consumer) closeFromProducer() []func() {
	c.mu.Lock()
	notify := c.producerClosed
	c.producerClosed = nil
	c.mu.Unlock()

	hooks := c.doClose()
	return append(hooks, notify...)
}

func (c *Consumer) setDetach(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detach = fn
}

// codecForKind returns the serialisable codec a forwarded track uses.
func codecForKind(kind string) RtpCodecCapability {
	for _, rc := range routerCodecs() {
		if rc.Kind == kind {
			return rc
		}
	}
	return RtpCodecCapability{Kind: kind}
}
