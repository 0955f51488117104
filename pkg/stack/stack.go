// Package stack implements a userspace TCP engine over a raw IPv4 packet
// link. The OS (or an external supervisor) routes a whole subnet at the
// link; the engine terminates TCP itself and hands established connections
// to application logic as byte streams.
package stack

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nharte/tunstack/pkg/codec"
	"github.com/nharte/tunstack/pkg/core"
	"github.com/nharte/tunstack/pkg/logging"
)

type eventKind int

const (
	evSegment eventKind = iota
	evTimer
	evOpen
	evAppSend
	evAppClose
	evAppAbort
)

// event is one unit on a worker queue. Packet arrivals and timer fires for
// the same connection share this path, which gives each connection a single
// linear event order.
type event struct {
	kind eventKind
	key  ConnKey
	seg  *codec.Segment
	fire timerFire
	data []byte
}

// Stack owns the link, the connection table, the workers and the timers.
type Stack struct {
	cfg     core.StackConfig
	link    core.PacketLink
	table   *connTable
	timers  *timerQueue
	localIP [4]byte

	listenMu  sync.RWMutex
	listeners map[uint16]Handler

	queues  []chan event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex

	nextPort uint32

	errCh chan error

	metrics struct {
		segmentsIn         uint64
		segmentsOut        uint64
		decodeDrops        uint64
		retransmits        uint64
		connectionsCreated uint64
		connectionsClosed  uint64
		connectionsRefused uint64
		rstsSent           uint64
		queueFullDrops     uint64
	}
}

const (
	defaultWorkers    = 4
	defaultQueueDepth = 1024
	defaultMaxRTO     = 60 * time.Second
	ephemeralBase     = 49152
)

// New builds a Stack on the given link. The link is not started; call Start.
func New(cfg core.StackConfig, link core.PacketLink) (*Stack, error) {
	ip := net.ParseIP(cfg.LinkIP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("stack: invalid link IP %q", cfg.LinkIP)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	s := &Stack{
		cfg:       cfg,
		link:      link,
		table:     newConnTable(cfg.MaxConnections),
		listeners: make(map[uint16]Handler),
		queues:    make([]chan event, cfg.Workers),
		stopCh:    make(chan struct{}),
		errCh:     make(chan error, 1),
		nextPort:  ephemeralBase,
	}
	copy(s.localIP[:], ip.To4())
	for i := range s.queues {
		s.queues[i] = make(chan event, cfg.QueueDepth)
	}
	s.timers = newTimerQueue(s.enqueueTimer)
	link.SetPacketProcessor(s)
	return s, nil
}

// Start launches the workers, the timer service and the link read loop.
func (s *Stack) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("stack: already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := range s.queues {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.timers.start()
	if err := s.link.Start(); err != nil {
		return fmt.Errorf("stack: link start: %w", err)
	}
	logging.Infof("stack started: ip=%s subnet=%s workers=%d", s.cfg.LinkIP, s.cfg.Subnet, s.cfg.Workers)
	return nil
}

// Stop shuts the engine down: workers drain, every open connection gets a
// RST (the uniform shutdown policy), and the link is released.
func (s *Stack) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.timers.shutdown()

	// Workers are quiet now; sweep the table single-threaded.
	for _, c := range s.table.snapshot() {
		if c.State().synchronized() || c.State() == StateSynReceived {
			c.sendRst()
		}
		c.notifyClosed(CloseShutdown)
		s.table.remove(c.key)
		atomic.AddUint64(&s.metrics.connectionsClosed, 1)
	}

	err := s.link.Stop()
	logging.Infof("stack stopped")
	return err
}

// Err surfaces fatal link errors to the supervisor. The engine does not
// restart itself.
func (s *Stack) Err() <-chan error { return s.errCh }

// ReportFatal records a fatal I/O error from the link.
func (s *Stack) ReportFatal(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Listen registers a handler for inbound connections on a local port.
func (s *Stack) Listen(port uint16, h Handler) error {
	if h == nil {
		return errors.New("stack: nil handler")
	}
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if _, dup := s.listeners[port]; dup {
		return fmt.Errorf("stack: port %d already listening", port)
	}
	s.listeners[port] = h
	logging.Infof("listening on port %d", port)
	return nil
}

// Unlisten removes a port listener. Existing connections are unaffected.
func (s *Stack) Unlisten(port uint16) {
	s.listenMu.Lock()
	delete(s.listeners, port)
	s.listenMu.Unlock()
}

func (s *Stack) listenerFor(port uint16) Handler {
	s.listenMu.RLock()
	h := s.listeners[port]
	s.listenMu.RUnlock()
	return h
}

// Dial opens an active connection to a peer on the managed subnet. The SYN
// goes out asynchronously on the connection's worker; OnEstablished reports
// handshake completion.
func (s *Stack) Dial(remoteIP net.IP, remotePort uint16, h Handler) (*Connection, error) {
	r4 := remoteIP.To4()
	if r4 == nil {
		return nil, fmt.Errorf("stack: not an IPv4 address: %s", remoteIP)
	}
	key := ConnKey{
		LocalIP:    s.localIP,
		LocalPort:  s.allocPort(),
		RemotePort: remotePort,
	}
	copy(key.RemoteIP[:], r4)

	c := newConnection(s, key, h)
	if err := s.table.insert(key, c); err != nil {
		atomic.AddUint64(&s.metrics.connectionsRefused, 1)
		return nil, err
	}
	// Once inserted, the tuple is reachable by inbound segments. The open
	// runs on the owning worker so nothing races the handshake state.
	if !s.enqueue(event{kind: evOpen, key: key}) {
		s.table.remove(key)
		atomic.AddUint64(&s.metrics.connectionsRefused, 1)
		return nil, ErrQueueFull
	}
	atomic.AddUint64(&s.metrics.connectionsCreated, 1)
	return c, nil
}

func (s *Stack) allocPort() uint16 {
	for {
		p := uint16(atomic.AddUint32(&s.nextPort, 1))
		if p < ephemeralBase {
			atomic.StoreUint32(&s.nextPort, ephemeralBase)
			continue
		}
		return p
	}
}

// --- ingress --------------------------------------------------------------

// ProcessPacket implements core.PacketProcessor for frames read from the
// link. Decode failures are ordinary wire loss: counted, never propagated.
func (s *Stack) ProcessPacket(pkt core.Packet) error {
	seg, err := codec.Decode(pkt.Data())
	if err != nil {
		atomic.AddUint64(&s.metrics.decodeDrops, 1)
		logging.Debugf("dropped frame: %v", err)
		return nil
	}
	atomic.AddUint64(&s.metrics.segmentsIn, 1)

	key := ConnKey{
		LocalIP:    seg.DstIP,
		LocalPort:  seg.DstPort,
		RemoteIP:   seg.SrcIP,
		RemotePort: seg.SrcPort,
	}
	if !s.enqueue(event{kind: evSegment, key: key, seg: seg}) {
		atomic.AddUint64(&s.metrics.queueFullDrops, 1)
	}
	return nil
}

// enqueue routes an event to the worker owning the key. Non-blocking: a
// full queue rejects the event and the peer's retransmission recovers.
func (s *Stack) enqueue(ev event) bool {
	q := s.queues[ev.key.hash()%uint32(len(s.queues))]
	select {
	case q <- ev:
		return true
	default:
		return false
	}
}

// enqueueTimer is the timer queue's sink.
func (s *Stack) enqueueTimer(fire timerFire) bool {
	return s.enqueue(event{kind: evTimer, key: fire.key, fire: fire})
}

func (s *Stack) worker(id int) {
	defer s.wg.Done()
	q := s.queues[id]
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-q:
			s.dispatch(ev)
		}
	}
}

func (s *Stack) dispatch(ev event) {
	c := s.table.get(ev.key)
	switch ev.kind {
	case evSegment:
		if c == nil {
			s.handleNoConn(ev.seg)
			return
		}
		c.handleSegment(ev.seg)
	case evTimer:
		if c != nil {
			c.handleTimer(ev.fire)
		}
	case evOpen:
		if c != nil {
			c.open()
		}
	case evAppSend:
		if c != nil {
			c.appSend(ev.data)
		}
	case evAppClose:
		if c != nil {
			c.appClose()
		}
	case evAppAbort:
		if c != nil {
			c.appAbort()
		}
	}
}

// handleNoConn deals with a segment for an unknown tuple: accept a SYN on a
// listening port, answer everything else with the standard RST.
func (s *Stack) handleNoConn(seg *codec.Segment) {
	if seg.RST() {
		return
	}
	if seg.SYN() && !seg.ACK() {
		h := s.listenerFor(seg.DstPort)
		if h == nil {
			s.sendRstFor(seg)
			return
		}
		key := ConnKey{
			LocalIP:    seg.DstIP,
			LocalPort:  seg.DstPort,
			RemoteIP:   seg.SrcIP,
			RemotePort: seg.SrcPort,
		}
		c := newConnection(s, key, h)
		if err := s.table.insert(key, c); err != nil {
			// Table exhausted: refuse the new connection, keep the rest.
			atomic.AddUint64(&s.metrics.connectionsRefused, 1)
			logging.Warnf("refusing SYN from %s: %v", key, err)
			s.sendRstFor(seg)
			return
		}
		atomic.AddUint64(&s.metrics.connectionsCreated, 1)
		c.acceptSyn(seg)
		return
	}
	s.sendRstFor(seg)
}

// sendRstFor answers a segment that has no connection, per RFC 793: mirror
// the ack if present, otherwise RST|ACK covering the segment.
func (s *Stack) sendRstFor(seg *codec.Segment) {
	rst := &codec.Segment{
		SrcIP:   seg.DstIP,
		DstIP:   seg.SrcIP,
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
		Options: codec.NoOptions(),
		TTL:     64,
	}
	if seg.ACK() {
		rst.Flags = codec.FlagRST
		rst.Seq = seg.Ack
	} else {
		rst.Flags = codec.FlagRST | codec.FlagACK
		rst.Ack = seg.Seq + seg.SeqLen()
	}
	s.sendRst(rst)
}

func (s *Stack) sendRst(seg *codec.Segment) {
	atomic.AddUint64(&s.metrics.rstsSent, 1)
	s.sendSegment(seg)
}

// sendSegment encodes and writes one segment. A failed write is counted and
// reported by the link; anything unacknowledged stays on its retransmission
// queue for the next cycle.
func (s *Stack) sendSegment(seg *codec.Segment) {
	raw := codec.Encode(seg)
	if err := s.link.WritePacket(core.NewPacket(raw)); err != nil {
		logging.Debugf("link write failed for %s: %v", seg, err)
		return
	}
	atomic.AddUint64(&s.metrics.segmentsOut, 1)
}

func (s *Stack) countRetransmit() {
	atomic.AddUint64(&s.metrics.retransmits, 1)
}

func (s *Stack) dropConnection(key ConnKey) {
	s.table.remove(key)
	atomic.AddUint64(&s.metrics.connectionsClosed, 1)
}

// ActiveConnections returns the current connection count.
func (s *Stack) ActiveConnections() int { return s.table.len() }

// Metrics returns a snapshot of engine metrics including the link's.
func (s *Stack) Metrics() core.StackMetrics {
	return core.StackMetrics{
		Link:               s.link.Metrics(),
		SegmentsIn:         atomic.LoadUint64(&s.metrics.segmentsIn),
		SegmentsOut:        atomic.LoadUint64(&s.metrics.segmentsOut),
		DecodeDrops:        atomic.LoadUint64(&s.metrics.decodeDrops),
		Retransmits:        atomic.LoadUint64(&s.metrics.retransmits),
		ConnectionsCreated: atomic.LoadUint64(&s.metrics.connectionsCreated),
		ConnectionsClosed:  atomic.LoadUint64(&s.metrics.connectionsClosed),
		ConnectionsRefused: atomic.LoadUint64(&s.metrics.connectionsRefused),
		RSTsSent:           atomic.LoadUint64(&s.metrics.rstsSent),
		QueueFullDrops:     atomic.LoadUint64(&s.metrics.queueFullDrops),
	}
}

// --- configured knobs -----------------------------------------------------

func (s *Stack) defaultMSS() int {
	mtu := s.cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	mss := mtu - 40
	if mss < 536 {
		mss = 536
	}
	return mss
}

func (s *Stack) idleTimeout() time.Duration {
	if s.cfg.IdleTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(s.cfg.IdleTimeoutSec) * time.Second
}

func (s *Stack) timeWait() time.Duration {
	if s.cfg.TimeWaitSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.TimeWaitSec) * time.Second
}

func (s *Stack) maxRTO() time.Duration { return defaultMaxRTO }
