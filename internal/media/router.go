package media

import (
	"sync"

	"github.com/google/uuid"
)

// Router is the per-room media routing context. It owns the transports
// created through it and advertises the fixed codec set. Closing a router
// cascades through its transports (and so through their producers and
// consumers).
type Router struct {
	id     string
	worker *Worker

	mu         sync.Mutex
	transports map[string]Transport
	producers  map[string]*Producer
	closed     bool
	closeHooks []func()
}

// Transport is the common surface of WebRTC and plain transports.
type Transport interface {
	ID() string
	Close()
	OnClose(fn func())
}

func newRouter(w *Worker) *Router {
	return &Router{
		id:         uuid.New().String(),
		worker:     w,
		transports: make(map[string]Transport),
		producers:  make(map[string]*Producer),
	}
}

// ID returns the router id.
func (r *Router) ID() string { return r.id }

// Worker returns the worker the router is pinned to.
func (r *Router) Worker() *Worker { return r.worker }

// Closed reports whether the router has been closed.
func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// RtpCapabilities returns the codec set the router can route.
func (r *Router) RtpCapabilities() RtpCapabilities {
	return RtpCapabilities{Codecs: routerCodecs()}
}

// CanConsume reports whether a consumer with the given capabilities can
// receive the producer's media.
func (r *Router) CanConsume(producerID string, caps RtpCapabilities) bool {
	r.mu.Lock()
	producer, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || producer.Closed() {
		return false
	}
	return codecsCompatible(producer.Kind(), caps)
}

// Producer returns a producer registered on this router, or nil.
func (r *Router) Producer(id string) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

// OnClose registers a hook run once when the router closes.
func (r *Router) OnClose(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		fn()
		return
	}
	r.closeHooks = append(r.closeHooks, fn)
}

// Close tears the router down: every transport is closed (cascading to its
// producers and consumers) and the worker's room count is released.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = map[string]Transport{}
	hooks := r.closeHooks
	r.closeHooks = nil
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, fn := range hooks {
		fn()
	}
	r.worker.routerClosed()
}

func (r *Router) registerTransport(t Transport) {
	r.mu.Lock()
	r.transports[t.ID()] = t
	r.mu.Unlock()
	t.OnClose(func() {
		r.mu.Lock()
		delete(r.transports, t.ID())
		r.mu.Unlock()
	})
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.ID()] = p
	r.mu.Unlock()
	r.worker.producers.Add(1)
	p.OnClose(func() {
		r.mu.Lock()
		delete(r.producers, p.ID())
		r.mu.Unlock()
		r.worker.producers.Add(-1)
	})
}
