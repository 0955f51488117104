package stack

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nharte/tunstack/pkg/codec"
	"github.com/nharte/tunstack/pkg/core"
)

// segLink decodes every written frame back into a segment so tests can
// assert on what actually went to the wire.
type segLink struct {
	mu   sync.Mutex
	segs []*codec.Segment
}

func (l *segLink) Name() string                              { return "seglink" }
func (l *segLink) MTU() (int, error)                         { return 1500, nil }
func (l *segLink) SetPacketProcessor(p core.PacketProcessor) {}
func (l *segLink) Start() error                              { return nil }
func (l *segLink) Stop() error                               { return nil }
func (l *segLink) Metrics() core.LinkMetrics                 { return core.LinkMetrics{} }

func (l *segLink) WritePacket(pkt core.Packet) error {
	seg, err := codec.Decode(pkt.Data())
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.segs = append(l.segs, seg)
	l.mu.Unlock()
	return nil
}

func (l *segLink) take() []*codec.Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.segs
	l.segs = nil
	return out
}

func (l *segLink) last(t *testing.T) *codec.Segment {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segs) == 0 {
		t.Fatal("no segments written")
	}
	return l.segs[len(l.segs)-1]
}

func (l *segLink) clear() {
	l.mu.Lock()
	l.segs = nil
	l.mu.Unlock()
}

type recordHandler struct {
	established bool
	data        []byte
	dataCalls   int
	closed      bool
	reason      CloseReason
}

func (h *recordHandler) OnEstablished(c *Connection) { h.established = true }
func (h *recordHandler) OnData(c *Connection, d []byte) {
	h.data = append(h.data, d...)
	h.dataCalls++
}
func (h *recordHandler) OnClosed(c *Connection, r CloseReason) {
	h.closed = true
	h.reason = r
}

func newTestStack(t *testing.T, mutate func(*core.StackConfig)) (*Stack, *segLink) {
	t.Helper()
	cfg := core.StackConfig{
		LinkIP:          "10.0.0.1",
		Subnet:          "10.0.0.0/24",
		MTU:             1500,
		Workers:         1,
		QueueDepth:      64,
		MaxRetries:      8,
		TimeWaitSec:     30,
		SendBufferBytes: 1 << 20,
		ReassemblyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	link := &segLink{}
	s, err := New(cfg, link)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, link
}

// pump dispatches everything queued for the single test worker. Tests drive
// the state machine directly, so queued events (the dial open, app calls)
// are run synchronously here instead of by a worker goroutine.
func pump(s *Stack) {
	for {
		select {
		case ev := <-s.queues[0]:
			s.dispatch(ev)
		default:
			return
		}
	}
}

// inbound builds a segment as the peer would send it to the connection.
func inbound(c *Connection, flags byte, seq, ack uint32, payload []byte) *codec.Segment {
	return &codec.Segment{
		SrcIP:   c.key.RemoteIP,
		DstIP:   c.key.LocalIP,
		SrcPort: c.key.RemotePort,
		DstPort: c.key.LocalPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  0xffff,
		Options: codec.NoOptions(),
		Payload: payload,
	}
}

// establish walks a passive open through to ESTABLISHED with the peer's ISN
// at 100, so the first payload byte is sequence 101.
func establish(t *testing.T, s *Stack, link *segLink) (*Connection, *recordHandler) {
	t.Helper()
	h := &recordHandler{}
	if err := s.Listen(8080, h); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	syn := &codec.Segment{
		SrcIP:   [4]byte{10, 0, 0, 2},
		DstIP:   s.localIP,
		SrcPort: 40000,
		DstPort: 8080,
		Seq:     100,
		Flags:   codec.FlagSYN,
		Window:  0xffff,
		Options: codec.Options{MSS: 1460, WScale: -1},
	}
	s.handleNoConn(syn)

	key := ConnKey{LocalIP: s.localIP, LocalPort: 8080, RemoteIP: syn.SrcIP, RemotePort: 40000}
	c := s.table.get(key)
	if c == nil {
		t.Fatal("SYN did not create a connection")
	}
	if c.State() != StateSynReceived {
		t.Fatalf("state after SYN = %s, want SYN_RECEIVED", c.State())
	}
	synack := link.last(t)
	if !synack.SYN() || !synack.ACK() {
		t.Fatalf("reply to SYN = %s, want SYN|ACK", synack)
	}
	if synack.Ack != 101 {
		t.Fatalf("SYN-ACK ack = %d, want 101", synack.Ack)
	}
	link.clear()

	c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndNxt, nil))
	if c.State() != StateEstablished {
		t.Fatalf("state after handshake ACK = %s, want ESTABLISHED", c.State())
	}
	if !h.established {
		t.Fatal("OnEstablished not called")
	}
	link.clear()
	return c, h
}

func TestPassiveOpenHandshake(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := establish(t, s, link)
	if c.rcvNxt != 101 {
		t.Errorf("rcvNxt = %d, want 101", c.rcvNxt)
	}
	if c.sndUna != c.sndNxt {
		t.Errorf("SYN not acknowledged: una=%d nxt=%d", c.sndUna, c.sndNxt)
	}
	if c.mss != 1460 {
		t.Errorf("mss = %d, want peer's 1460", c.mss)
	}
}

func TestRetransmittedSynGetsSynAckAgain(t *testing.T) {
	s, link := newTestStack(t, nil)
	h := &recordHandler{}
	if err := s.Listen(8080, h); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	syn := &codec.Segment{
		SrcIP: [4]byte{10, 0, 0, 2}, DstIP: s.localIP,
		SrcPort: 40000, DstPort: 8080,
		Seq: 100, Flags: codec.FlagSYN, Window: 0xffff,
		Options: codec.Options{MSS: 1460, WScale: -1},
	}
	s.handleNoConn(syn)
	key := ConnKey{LocalIP: s.localIP, LocalPort: 8080, RemoteIP: syn.SrcIP, RemotePort: 40000}
	c := s.table.get(key)
	link.clear()

	// Same SYN again: our SYN-ACK was lost.
	c.handleSegment(syn)
	reply := link.last(t)
	if !reply.SYN() || !reply.ACK() || reply.Ack != 101 {
		t.Fatalf("reply to duplicate SYN = %s, want SYN|ACK ack=101", reply)
	}
	if c.State() != StateSynReceived {
		t.Errorf("state = %s, want SYN_RECEIVED", c.State())
	}
}

func TestSynReceivedBadAckResets(t *testing.T) {
	s, link := newTestStack(t, nil)
	h := &recordHandler{}
	if err := s.Listen(8080, h); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	syn := &codec.Segment{
		SrcIP: [4]byte{10, 0, 0, 2}, DstIP: s.localIP,
		SrcPort: 40000, DstPort: 8080,
		Seq: 100, Flags: codec.FlagSYN, Window: 0xffff,
		Options: codec.Options{MSS: 1460, WScale: -1},
	}
	s.handleNoConn(syn)
	key := ConnKey{LocalIP: s.localIP, LocalPort: 8080, RemoteIP: syn.SrcIP, RemotePort: 40000}
	c := s.table.get(key)
	link.clear()

	// ACK for something never sent while unsynchronized.
	c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndNxt+9999, nil))
	if rst := link.last(t); !rst.RST() {
		t.Fatalf("reply = %s, want RST", rst)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", c.State())
	}
	if s.table.get(key) != nil {
		t.Error("connection still in table")
	}
	if !h.closed || h.reason != CloseProtocol {
		t.Errorf("close reason = %v, want protocol-violation", h.reason)
	}
}

func TestPeerWindowScaleNotApplied(t *testing.T) {
	s, _ := newTestStack(t, nil)
	h := &recordHandler{}
	if err := s.Listen(8080, h); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	syn := &codec.Segment{
		SrcIP: [4]byte{10, 0, 0, 2}, DstIP: s.localIP,
		SrcPort: 40000, DstPort: 8080,
		Seq: 100, Flags: codec.FlagSYN, Window: 0xffff,
		Options: codec.Options{MSS: 1460, WScale: 7},
	}
	s.handleNoConn(syn)
	key := ConnKey{LocalIP: s.localIP, LocalPort: 8080, RemoteIP: syn.SrcIP, RemotePort: 40000}
	c := s.table.get(key)

	ack := inbound(c, codec.FlagACK, 101, c.sndNxt, nil)
	ack.Window = 100
	c.handleSegment(ack)
	if c.State() != StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", c.State())
	}
	// We never offer window scaling, so the peer's factor is not in effect.
	if c.sndWnd != 100 {
		t.Fatalf("sndWnd = %d, want the unscaled 100", c.sndWnd)
	}
}

func TestResetDuringPassiveOpen(t *testing.T) {
	s, link := newTestStack(t, nil)
	h := &recordHandler{}
	if err := s.Listen(8080, h); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	syn := &codec.Segment{
		SrcIP: [4]byte{10, 0, 0, 2}, DstIP: s.localIP,
		SrcPort: 40000, DstPort: 8080,
		Seq: 100, Flags: codec.FlagSYN, Window: 0xffff,
		Options: codec.Options{MSS: 1460, WScale: -1},
	}
	s.handleNoConn(syn)
	key := ConnKey{LocalIP: s.localIP, LocalPort: 8080, RemoteIP: syn.SrcIP, RemotePort: 40000}
	c := s.table.get(key)
	link.clear()

	c.handleSegment(inbound(c, codec.FlagRST|codec.FlagACK, 101, c.sndNxt, nil))
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", c.State())
	}
	if s.table.get(key) != nil {
		t.Error("connection still in table")
	}
	// The handshake never completed, so the bridge sees only the close.
	if h.established {
		t.Error("OnEstablished fired for an unestablished connection")
	}
	if !h.closed || h.reason != CloseReset {
		t.Errorf("closed=%v reason=%v, want reset close", h.closed, h.reason)
	}
}

func TestBelowWindowDataGetsCorrectiveAck(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	// Entirely below rcvNxt: dropped with an ACK, state untouched.
	c.handleSegment(inbound(c, codec.FlagACK|codec.FlagPSH, 90, c.sndNxt, []byte("stale")))
	ack := link.last(t)
	if !ack.ACK() || ack.Ack != c.rcvNxt {
		t.Fatalf("corrective ack = %s, want ACK with ack=%d", ack, c.rcvNxt)
	}
	if c.State() != StateEstablished {
		t.Errorf("state changed to %s on old data", c.State())
	}
	if len(h.data) != 0 {
		t.Errorf("old data delivered: %q", h.data)
	}
}

func TestInOrderDelivery(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	c.handleSegment(inbound(c, codec.FlagACK|codec.FlagPSH, 101, c.sndNxt, []byte("hello")))
	if string(h.data) != "hello" {
		t.Fatalf("delivered %q, want %q", h.data, "hello")
	}
	if c.rcvNxt != 106 {
		t.Errorf("rcvNxt = %d, want 106", c.rcvNxt)
	}
	ack := link.last(t)
	if ack.Ack != 106 {
		t.Errorf("ack = %d, want 106", ack.Ack)
	}
}

func TestOutOfOrderReassembly(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	// Second half first: buffered, not delivered, gap re-acked.
	c.handleSegment(inbound(c, codec.FlagACK, 106, c.sndNxt, []byte("world")))
	if len(h.data) != 0 {
		t.Fatalf("out-of-order data delivered early: %q", h.data)
	}
	if ack := link.last(t); ack.Ack != 101 {
		t.Fatalf("ack for gap = %d, want 101", ack.Ack)
	}

	// Filling the gap releases both, in order, exactly once.
	c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndNxt, []byte("hello")))
	if string(h.data) != "helloworld" {
		t.Fatalf("delivered %q, want %q", h.data, "helloworld")
	}
	if c.rcvNxt != 111 {
		t.Errorf("rcvNxt = %d, want 111", c.rcvNxt)
	}
	if len(c.ooo) != 0 {
		t.Errorf("reassembly list not drained: %d entries", len(c.ooo))
	}
}

func TestDuplicateSegmentDeliveredOnce(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	seg := inbound(c, codec.FlagACK|codec.FlagPSH, 101, c.sndNxt, []byte("hello"))
	c.handleSegment(seg)
	c.handleSegment(seg)
	if h.dataCalls != 1 || string(h.data) != "hello" {
		t.Fatalf("delivered %d times (%q), want once", h.dataCalls, h.data)
	}
	if ack := link.last(t); ack.Ack != 106 {
		t.Errorf("ack after duplicate = %d, want 106", ack.Ack)
	}
}

func TestOldAckNeverMovesSndUnaBackward(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := establish(t, s, link)

	oldUna := c.sndUna
	c.appSend([]byte("hello"))
	c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndNxt, nil))
	if c.sndUna != c.sndNxt {
		t.Fatalf("send space not advanced: una=%d nxt=%d", c.sndUna, c.sndNxt)
	}

	c.handleSegment(inbound(c, codec.FlagACK, 101, oldUna, nil))
	if c.sndUna != c.sndNxt {
		t.Errorf("old ack moved sndUna backward to %d", c.sndUna)
	}
}

func TestFastRetransmitAfterThreeDupAcks(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := establish(t, s, link)

	c.appSend([]byte("hello"))
	sent := link.last(t)
	if string(sent.Payload) != "hello" {
		t.Fatalf("sent %q, want %q", sent.Payload, "hello")
	}
	link.clear()

	for i := 0; i < 3; i++ {
		c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndUna, nil))
	}
	var rtx *codec.Segment
	for _, seg := range link.take() {
		if len(seg.Payload) > 0 {
			rtx = seg
		}
	}
	if rtx == nil {
		t.Fatal("no retransmission after three duplicate acks")
	}
	if rtx.Seq != sent.Seq || string(rtx.Payload) != "hello" {
		t.Errorf("retransmitted %s, want seq=%d payload=hello", rtx, sent.Seq)
	}
	if got := s.Metrics().Retransmits; got != 1 {
		t.Errorf("retransmit count = %d, want 1", got)
	}
}

func TestRetransmitTimerBackoffAndRetryBound(t *testing.T) {
	s, link := newTestStack(t, func(cfg *core.StackConfig) { cfg.MaxRetries = 2 })
	c, h := establish(t, s, link)

	c.appSend([]byte("hello"))
	link.clear()

	rtoBefore := c.rto
	c.handleTimer(timerFire{key: c.key, kind: timerRetransmit, gen: c.rtxGen})
	if c.rto <= rtoBefore {
		t.Errorf("rto did not back off: %v -> %v", rtoBefore, c.rto)
	}
	if seg := link.last(t); string(seg.Payload) != "hello" {
		t.Fatalf("timer retransmitted %q, want %q", seg.Payload, "hello")
	}

	c.handleTimer(timerFire{key: c.key, kind: timerRetransmit, gen: c.rtxGen})
	if c.State() != StateEstablished {
		t.Fatalf("state = %s before retry bound", c.State())
	}

	// Third expiry crosses MaxRetries=2: reset and close.
	link.clear()
	c.handleTimer(timerFire{key: c.key, kind: timerRetransmit, gen: c.rtxGen})
	if rst := link.last(t); !rst.RST() {
		t.Fatalf("expected RST at retry bound, got %s", rst)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", c.State())
	}
	if !h.closed || h.reason != CloseRetries {
		t.Errorf("close reason = %v (closed=%v), want retries-exceeded", h.reason, h.closed)
	}
	if s.table.get(c.key) != nil {
		t.Error("connection still in table after retry bound")
	}
}

func TestStaleTimerGenerationIgnored(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := establish(t, s, link)

	c.appSend([]byte("hello"))
	staleGen := c.rtxGen
	c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndNxt, nil)) // acks everything
	link.clear()

	c.handleTimer(timerFire{key: c.key, kind: timerRetransmit, gen: staleGen})
	if got := len(link.take()); got != 0 {
		t.Errorf("stale timer fire sent %d segments", got)
	}
	if c.retries != 0 {
		t.Errorf("stale fire bumped retries to %d", c.retries)
	}
}

func TestActiveCloseTeardown(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	c.appClose()
	fin := link.last(t)
	if !fin.FIN() {
		t.Fatalf("close emitted %s, want FIN", fin)
	}
	if c.State() != StateFinWait1 {
		t.Fatalf("state = %s, want FIN_WAIT_1", c.State())
	}

	// Peer acks our FIN.
	c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndNxt, nil))
	if c.State() != StateFinWait2 {
		t.Fatalf("state = %s, want FIN_WAIT_2", c.State())
	}

	// Peer's FIN: final ACK goes out and we sit in TIME_WAIT.
	link.clear()
	c.handleSegment(inbound(c, codec.FlagFIN|codec.FlagACK, 101, c.sndNxt, nil))
	if c.State() != StateTimeWait {
		t.Fatalf("state = %s, want TIME_WAIT", c.State())
	}
	if ack := link.last(t); ack.Ack != 102 {
		t.Errorf("final ack = %d, want 102", ack.Ack)
	}
	if !h.closed || h.reason != CloseEOF {
		t.Errorf("close reason = %v, want eof", h.reason)
	}

	// Quiescence expiry purges the entry.
	c.handleTimer(timerFire{key: c.key, kind: timerTimeWait, gen: c.waitGen})
	if c.State() != StateClosed {
		t.Errorf("state after TIME_WAIT purge = %s, want CLOSED", c.State())
	}
	if s.table.get(c.key) != nil {
		t.Error("connection still in table after TIME_WAIT purge")
	}
}

func TestPassiveCloseTeardown(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	// Peer sends data and FIN together.
	c.handleSegment(inbound(c, codec.FlagACK|codec.FlagPSH|codec.FlagFIN, 101, c.sndNxt, []byte("bye")))
	if string(h.data) != "bye" {
		t.Fatalf("delivered %q, want %q", h.data, "bye")
	}
	if c.State() != StateCloseWait {
		t.Fatalf("state = %s, want CLOSE_WAIT", c.State())
	}
	if !h.closed || h.reason != CloseEOF {
		t.Fatalf("close reason = %v (closed=%v), want eof", h.reason, h.closed)
	}

	// Our side finishes: FIN, then the last ACK ends it.
	link.clear()
	c.appClose()
	if c.State() != StateLastAck {
		t.Fatalf("state = %s, want LAST_ACK", c.State())
	}
	c.handleSegment(inbound(c, codec.FlagACK, 105, c.sndNxt, nil))
	if c.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", c.State())
	}
	if s.table.get(c.key) != nil {
		t.Error("connection still in table after LAST_ACK")
	}
}

func TestSimultaneousClose(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := establish(t, s, link)

	c.appClose()
	if c.State() != StateFinWait1 {
		t.Fatalf("state = %s, want FIN_WAIT_1", c.State())
	}

	// Peer's FIN arrives before it acks ours.
	c.handleSegment(inbound(c, codec.FlagFIN|codec.FlagACK, 101, c.sndUna, nil))
	if c.State() != StateClosing {
		t.Fatalf("state = %s, want CLOSING", c.State())
	}

	// Its ack of our FIN completes the exchange.
	c.handleSegment(inbound(c, codec.FlagACK, 102, c.sndNxt, nil))
	if c.State() != StateTimeWait {
		t.Errorf("state = %s, want TIME_WAIT", c.State())
	}
}

func TestUnexpectedSynResets(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	link.clear()
	c.handleSegment(inbound(c, codec.FlagSYN, c.rcvNxt, 0, nil))
	if rst := link.last(t); !rst.RST() {
		t.Fatalf("expected RST for SYN in ESTABLISHED, got %s", rst)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", c.State())
	}
	if !h.closed || h.reason != CloseProtocol {
		t.Errorf("close reason = %v, want protocol-violation", h.reason)
	}
	if s.table.get(c.key) != nil {
		t.Error("connection still in table")
	}
}

func TestPeerResetTearsDown(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	c.handleSegment(inbound(c, codec.FlagRST, c.rcvNxt, 0, nil))
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", c.State())
	}
	if !h.closed || h.reason != CloseReset {
		t.Errorf("close reason = %v, want reset", h.reason)
	}
}

func TestOutOfWindowRstIgnored(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := establish(t, s, link)

	c.handleSegment(inbound(c, codec.FlagRST, c.rcvNxt+100000, 0, nil))
	if c.State() != StateEstablished {
		t.Errorf("out-of-window RST changed state to %s", c.State())
	}
}

func TestSimultaneousOpen(t *testing.T) {
	s, link := newTestStack(t, nil)
	h := &recordHandler{}
	c, err := s.Dial(net.IPv4(10, 0, 0, 9), 9000, h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	pump(s)
	if c.State() != StateSynSent {
		t.Fatalf("state = %s, want SYN_SENT", c.State())
	}
	syn := link.last(t)
	if !syn.SYN() || syn.ACK() {
		t.Fatalf("dial emitted %s, want bare SYN", syn)
	}
	link.clear()

	// Peer's SYN crosses ours: both sides move through SYN_RECEIVED.
	c.handleSegment(inbound(c, codec.FlagSYN, 500, 0, nil))
	if c.State() != StateSynReceived {
		t.Fatalf("state = %s, want SYN_RECEIVED", c.State())
	}
	synack := link.last(t)
	if !synack.SYN() || !synack.ACK() || synack.Ack != 501 {
		t.Fatalf("reply = %s, want SYN|ACK ack=501", synack)
	}

	c.handleSegment(inbound(c, codec.FlagACK, 501, c.sndNxt, nil))
	if c.State() != StateEstablished {
		t.Errorf("state = %s, want ESTABLISHED", c.State())
	}
	if !h.established {
		t.Error("OnEstablished not called")
	}
}

func TestActiveOpenSynAck(t *testing.T) {
	s, link := newTestStack(t, nil)
	h := &recordHandler{}
	c, err := s.Dial(net.IPv4(10, 0, 0, 9), 9000, h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	pump(s)
	link.clear()

	c.handleSegment(inbound(c, codec.FlagSYN|codec.FlagACK, 700, c.sndNxt, nil))
	if c.State() != StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", c.State())
	}
	if ack := link.last(t); !ack.ACK() || ack.Ack != 701 {
		t.Errorf("handshake ack = %s, want ACK ack=701", ack)
	}
	if !h.established {
		t.Error("OnEstablished not called")
	}
}

func TestSynSentBadAckGetsRst(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := s.Dial(net.IPv4(10, 0, 0, 9), 9000, &recordHandler{})
	pump(s)
	link.clear()

	// ACK that covers nothing we sent.
	c.handleSegment(inbound(c, codec.FlagSYN|codec.FlagACK, 700, c.iss-5, nil))
	if rst := link.last(t); !rst.RST() {
		t.Fatalf("expected RST for bad handshake ack, got %s", rst)
	}
	if c.State() != StateSynSent {
		t.Errorf("state = %s, want SYN_SENT (connection keeps waiting)", c.State())
	}
}

func TestSendSegmentsByMssAndWindow(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, _ := establish(t, s, link)
	c.mss = 4
	c.sndWnd = 10

	c.appSend([]byte("abcdefghijXY"))
	segs := link.take()
	var total []byte
	for _, seg := range segs {
		total = append(total, seg.Payload...)
		if len(seg.Payload) > 4 {
			t.Errorf("segment exceeds mss: %d bytes", len(seg.Payload))
		}
	}
	// Window allows 10 of the 12 bytes; the rest waits for an ack.
	if string(total) != "abcdefghij" {
		t.Fatalf("sent %q, want first 10 bytes", total)
	}
	if len(c.sndBuf) != 2 {
		t.Fatalf("buffered remainder = %d bytes, want 2", len(c.sndBuf))
	}

	// Ack opens the window and the tail flushes with PSH.
	link.clear()
	c.handleSegment(inbound(c, codec.FlagACK, 101, c.sndNxt, nil))
	tail := link.last(t)
	if string(tail.Payload) != "XY" || !tail.PSH() {
		t.Errorf("tail segment = %s payload=%q, want PSH XY", tail, tail.Payload)
	}
}

func TestIdleTimeoutResets(t *testing.T) {
	s, link := newTestStack(t, func(cfg *core.StackConfig) { cfg.IdleTimeoutSec = 1 })
	c, h := establish(t, s, link)

	// Recent activity: the fire re-arms instead of closing.
	c.handleTimer(timerFire{key: c.key, kind: timerIdle, gen: c.idleGen})
	if c.State() != StateEstablished {
		t.Fatalf("idle fire with recent activity closed the connection")
	}

	link.clear()
	c.lastActivity = time.Now().Add(-2 * time.Second)
	c.handleTimer(timerFire{key: c.key, kind: timerIdle, gen: c.idleGen})
	if rst := link.last(t); !rst.RST() {
		t.Fatalf("expected RST on idle timeout, got %s", rst)
	}
	if !h.closed || h.reason != CloseIdle {
		t.Errorf("close reason = %v, want idle-timeout", h.reason)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", c.State())
	}
}

func TestAbortSendsRst(t *testing.T) {
	s, link := newTestStack(t, nil)
	c, h := establish(t, s, link)

	link.clear()
	c.appAbort()
	if rst := link.last(t); !rst.RST() {
		t.Fatalf("abort emitted %s, want RST", rst)
	}
	if !h.closed || h.reason != CloseAborted {
		t.Errorf("close reason = %v, want aborted", h.reason)
	}
	if s.table.get(c.key) != nil {
		t.Error("connection still in table after abort")
	}
}

func TestReassemblyOverflowDropsBuffer(t *testing.T) {
	s, link := newTestStack(t, func(cfg *core.StackConfig) { cfg.ReassemblyBytes = 8 })
	c, _ := establish(t, s, link)

	c.handleSegment(inbound(c, codec.FlagACK, 110, c.sndNxt, []byte("aaaaa")))
	if len(c.ooo) != 1 {
		t.Fatalf("first future segment not buffered")
	}
	c.handleSegment(inbound(c, codec.FlagACK, 120, c.sndNxt, []byte("bbbbb")))
	if len(c.ooo) != 0 || c.oooBytes != 0 {
		t.Errorf("overflow did not drop the reassembly buffer: %d entries %d bytes", len(c.ooo), c.oooBytes)
	}
	if c.State() != StateEstablished {
		t.Errorf("overflow changed state to %s", c.State())
	}
}
