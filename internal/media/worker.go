package media

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultMaxWorkers caps the worker count regardless of CPU count.
const DefaultMaxWorkers = 16

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	ListenIP    string // local bind for RTC sockets
	AnnouncedIP string // public IP injected into ICE candidates; empty = none
	BasePort    int    // WebRTC server port for worker i is BasePort+i; 0 = ephemeral (tests)
	RTCBasePort int    // start of the shared RTC port space
	RTCPortSpan int    // per-worker RTC port window size
	MaxWorkers  int    // 0 = DefaultMaxWorkers
}

// Worker is one in-process media shard: a WebRTC server (shared UDP+TCP
// mux on a worker-specific port), a disjoint RTC port window and a DTLS
// certificate. Routers created on a worker share its sockets.
type Worker struct {
	index      int
	cfg        PoolConfig
	log        *zap.Logger
	cert       webrtc.Certificate
	udpConn    *net.UDPConn
	tcpLn      net.Listener
	udpMux     ice.UDPMux
	tcpMux     ice.TCPMux
	serverPort int
	rtcMinPort uint16
	rtcMaxPort uint16
	died       chan<- int

	rooms     atomic.Int64
	producers atomic.Int64
	consumers atomic.Int64
	closed    atomic.Bool
}

// Pool owns min(cpuCount, MaxWorkers) media workers and replaces dead ones.
type Pool struct {
	mu      sync.RWMutex
	workers []*Worker
	cfg     PoolConfig
	log     *zap.Logger
	died    chan int
	done    chan struct{}
}

// NewPool spawns the workers and starts the death watcher. Bootstrap
// failure of any worker is fatal.
func NewPool(cfg PoolConfig, log *zap.Logger) (*Pool, error) {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 || maxWorkers > DefaultMaxWorkers {
		maxWorkers = DefaultMaxWorkers
	}
	n := runtime.NumCPU()
	if n > maxWorkers {
		n = maxWorkers
	}
	if cfg.RTCPortSpan <= 0 {
		cfg.RTCPortSpan = 1000
	}

	p := &Pool{
		cfg:  cfg,
		log:  log,
		died: make(chan int, DefaultMaxWorkers),
		done: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		w, err := newWorker(i, cfg, log, p.died)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("spawn worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	go p.watchDeaths()

	log.Info("media worker pool ready",
		zap.Int("workers", n),
		zap.Int("base_port", cfg.BasePort),
		zap.Int("rtc_base_port", cfg.RTCBasePort),
	)
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// PickForRoom returns the worker a room is pinned to. Deterministic over
// the room id so the same room always lands on the same worker.
func (p *Pool) PickForRoom(roomID string) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.workers) == 0 {
		return nil
	}
	sum := 0
	for _, ch := range roomID {
		sum += int(ch)
	}
	return p.workers[sum%len(p.workers)]
}

// PickLeastLoaded returns the worker with the smallest load vector.
func (p *Pool) PickLeastLoaded() *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best *Worker
	for _, w := range p.workers {
		if best == nil || w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

// Worker returns the worker at the given index, or nil.
func (p *Pool) Worker(index int) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.workers) {
		return nil
	}
	return p.workers[index]
}

// ReplaceDeadWorker deregisters the worker in the given slot and spawns a
// replacement on the same port window. Rooms previously on the dead worker
// are lost; upstream recreates them on next activity.
func (p *Pool) ReplaceDeadWorker(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.workers) {
		return fmt.Errorf("no worker at index %d", index)
	}
	p.workers[index].close()
	w, err := newWorker(index, p.cfg, p.log, p.died)
	if err != nil {
		return fmt.Errorf("respawn worker %d: %w", index, err)
	}
	p.workers[index] = w
	p.log.Warn("media worker replaced", zap.Int("index", index))
	return nil
}

// Close shuts down every worker.
func (p *Pool) Close() {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.close()
	}
	p.workers = nil
}

func (p *Pool) watchDeaths() {
	for {
		select {
		case <-p.done:
			return
		case idx := <-p.died:
			if err := p.ReplaceDeadWorker(idx); err != nil {
				p.log.Error("worker replacement failed", zap.Int("index", idx), zap.Error(err))
			}
		}
	}
}

func newWorker(index int, cfg PoolConfig, log *zap.Logger, died chan<- int) (*Worker, error) {
	listenIP := cfg.ListenIP
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}
	serverPort := 0
	if cfg.BasePort > 0 {
		serverPort = cfg.BasePort + index
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(listenIP), Port: serverPort})
	if err != nil {
		return nil, fmt.Errorf("udp listen %s:%d: %w", listenIP, serverPort, err)
	}
	actualPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	tcpPort := serverPort
	tcpLn, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", listenIP, tcpPort))
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("tcp listen %s:%d: %w", listenIP, tcpPort, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		udpConn.Close()
		tcpLn.Close()
		return nil, fmt.Errorf("dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		udpConn.Close()
		tcpLn.Close()
		return nil, fmt.Errorf("dtls certificate: %w", err)
	}

	rtcMin := cfg.RTCBasePort + index*cfg.RTCPortSpan
	rtcMax := rtcMin + cfg.RTCPortSpan - 1

	w := &Worker{
		index:      index,
		cfg:        cfg,
		log:        log.With(zap.Int("worker", index)),
		cert:       *cert,
		udpConn:    udpConn,
		tcpLn:      tcpLn,
		udpMux:     webrtc.NewICEUDPMux(nil, udpConn),
		tcpMux:     webrtc.NewICETCPMux(nil, tcpLn, 8),
		serverPort: actualPort,
		rtcMinPort: uint16(rtcMin),
		rtcMaxPort: uint16(rtcMax),
		died:       died,
	}
	w.log.Info("media worker started",
		zap.Int("server_port", actualPort),
		zap.Int("rtc_min_port", rtcMin),
		zap.Int("rtc_max_port", rtcMax),
	)
	return w, nil
}

// Index returns the worker's slot in the pool.
func (w *Worker) Index() int { return w.index }

// ServerPort returns the WebRTC server port (UDP and TCP mux).
func (w *Worker) ServerPort() int { return w.serverPort }

// Load is the comparable load vector used by PickLeastLoaded.
func (w *Worker) Load() int64 {
	return w.rooms.Load()*10 + w.consumers.Load()*5 + w.producers.Load()*2
}

// CreateRouter builds a per-room router backed by this worker's sockets.
func (w *Worker) CreateRouter() (*Router, error) {
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}
	r := newRouter(w)
	w.rooms.Add(1)
	return r, nil
}

// buildAPI assembles a pion API bound to this worker's muxes for one
// transport, with per-transport ICE credentials.
func (w *Worker) buildAPI(iceUfrag, icePwd string) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := registerRouterCodecs(me); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeTCP4})
	se.SetICEUDPMux(w.udpMux)
	se.SetICETCPMux(w.tcpMux)
	se.SetLite(true)
	se.SetICECredentials(iceUfrag, icePwd)
	if err := se.SetEphemeralUDPPortRange(w.rtcMinPort, w.rtcMaxPort); err != nil {
		return nil, err
	}
	if w.cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{w.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)), nil
}

// reportDied marks the worker dead and asks the pool for a replacement.
func (w *Worker) reportDied() {
	if w.closed.CompareAndSwap(false, true) {
		select {
		case w.died <- w.index:
		default:
		}
	}
}

func (w *Worker) close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	if w.udpConn != nil {
		_ = w.udpConn.Close()
	}
	if w.tcpLn != nil {
		_ = w.tcpLn.Close()
	}
}

func (w *Worker) routerClosed() {
	w.rooms.Add(-1)
}
