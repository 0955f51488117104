package stack

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/nharte/tunstack/pkg/codec"
	"github.com/nharte/tunstack/pkg/logging"
)

// RTO bounds (RFC 6298 with the usual clamps).
const (
	minRTO     = 200 * time.Millisecond
	initialRTO = 1 * time.Second
)

const defaultRcvWnd = 0xffff

// txSegment is one unacknowledged unit on the retransmission queue. The
// queue is kept sorted by sequence number and every entry's bytes lie within
// [sndUna, sndNxt).
type txSegment struct {
	seq    uint32
	data   []byte
	syn    bool
	fin    bool
	sentAt time.Time
	rtx    bool // retransmitted at least once; excluded from RTT sampling
}

func (t *txSegment) seqLen() uint32 {
	n := uint32(len(t.data))
	if t.syn {
		n++
	}
	if t.fin {
		n++
	}
	return n
}

type oooSegment struct {
	seq  uint32
	data []byte
}

// Connection holds all per-4-tuple state. It is owned by the connection
// table and mutated only on its event worker; the handful of fields the
// application bridge reads cross-thread are atomics.
type Connection struct {
	key     ConnKey
	stack   *Stack
	handler Handler

	state int32 // State, atomic

	// Send sequence space (RFC 793 S3.2).
	iss    uint32
	sndUna uint32
	sndNxt uint32
	sndWnd uint32 // peer advertised
	wl1    uint32
	wl2    uint32

	// Receive sequence space.
	irs    uint32
	rcvNxt uint32
	rcvWnd uint16

	mss int

	rtxq    []*txSegment
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	retries int
	dupAcks int

	// Application send buffer: accepted, not yet segmented.
	sndBuf    []byte
	sndBufLen int64 // atomic; accepted and unacknowledged bytes
	finQueued bool
	finSent   bool
	finSeq    uint32

	// Out-of-order reassembly, sorted by seq, overlaps merged.
	ooo      []oooSegment
	oooBytes int

	// Timer generations; stale fires are ignored.
	rtxGen   uint64
	rtxArmed bool
	idleGen  uint64
	waitGen  uint64

	lastActivity  time.Time
	closeNotified bool
	tos, ttl      byte
}

// Sequence-number comparisons with 32-bit wraparound.
func seqLT(a, b uint32) bool               { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool               { return int32(a-b) <= 0 }
func seqBetween(start, x, end uint32) bool { return seqLT(start, x) && seqLT(x, end) }

func newConnection(s *Stack, key ConnKey, h Handler) *Connection {
	c := &Connection{
		key:          key,
		stack:        s,
		handler:      h,
		state:        int32(StateClosed),
		rcvWnd:       defaultRcvWnd,
		mss:          s.defaultMSS(),
		rto:          initialRTO,
		ttl:          64,
		lastActivity: time.Now(),
	}
	return c
}

func (c *Connection) setState(st State) {
	old := c.State()
	if old == st {
		return
	}
	atomic.StoreInt32(&c.state, int32(st))
	logging.Debugf("conn %s: %s -> %s", c.key, old, st)
}

func (c *Connection) touch() { c.lastActivity = time.Now() }

// --- segment construction -------------------------------------------------

func (c *Connection) newSegment(flags byte, seq uint32, payload []byte) *codec.Segment {
	return &codec.Segment{
		SrcIP:   c.key.LocalIP,
		DstIP:   c.key.RemoteIP,
		SrcPort: c.key.LocalPort,
		DstPort: c.key.RemotePort,
		Seq:     seq,
		Ack:     c.rcvNxt,
		Flags:   flags,
		Window:  c.rcvWnd,
		Options: codec.NoOptions(),
		Payload: payload,
		TOS:     c.tos,
		TTL:     c.ttl,
	}
}

// sendAck emits a bare ACK for the current receive point. Also used as the
// corrective ACK for out-of-window segments.
func (c *Connection) sendAck() {
	c.stack.sendSegment(c.newSegment(codec.FlagACK, c.sndNxt, nil))
}

// sendRst emits a RST from our current send point and does not touch state.
func (c *Connection) sendRst() {
	seg := c.newSegment(codec.FlagRST|codec.FlagACK, c.sndNxt, nil)
	c.stack.sendRst(seg)
}

func (c *Connection) sendSynAck() {
	seg := c.newSegment(codec.FlagSYN|codec.FlagACK, c.iss, nil)
	seg.Options = codec.Options{MSS: uint16(c.mss), WScale: -1}
	c.stack.sendSegment(seg)
}

// --- open -----------------------------------------------------------------

// acceptSyn initializes a passive connection from an inbound SYN. The caller
// has already checked the listener set and the table bound.
func (c *Connection) acceptSyn(seg *codec.Segment) {
	c.irs = seg.Seq
	c.rcvNxt = seg.Seq + 1
	c.iss = rand.Uint32()
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1 // SYN consumes one sequence number
	c.sndWnd = uint32(seg.Window)
	c.wl1 = seg.Seq
	c.wl2 = 0
	c.applyOptions(seg.Options)
	c.tos = seg.TOS
	c.setState(StateSynReceived)

	c.rtxq = append(c.rtxq, &txSegment{seq: c.iss, syn: true, sentAt: time.Now()})
	c.sendSynAck()
	c.armRetransmit()
	c.armIdle()
}

// open initializes an active connection and emits the SYN.
func (c *Connection) open() {
	c.iss = rand.Uint32()
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.setState(StateSynSent)

	seg := c.newSegment(codec.FlagSYN, c.iss, nil)
	seg.Ack = 0
	seg.Options = codec.Options{MSS: uint16(c.mss), WScale: -1}
	c.rtxq = append(c.rtxq, &txSegment{seq: c.iss, syn: true, sentAt: time.Now()})
	c.stack.sendSegment(seg)
	c.armRetransmit()
	c.armIdle()
}

func (c *Connection) applyOptions(o codec.Options) {
	if o.MSS != 0 && int(o.MSS) < c.mss {
		c.mss = int(o.MSS)
	}
}

// advertisedWindow reads the peer's window exactly as sent. Window scaling is
// in effect only when both ends send the option (RFC 7323), and this engine
// never offers it, so a scale factor in the peer's SYN is ignored.
func (c *Connection) advertisedWindow(seg *codec.Segment) uint32 {
	return uint32(seg.Window)
}

// --- segment processing ---------------------------------------------------

// acceptable implements the RFC 793 segment acceptance test against the
// receive window, with wraparound.
func (c *Connection) acceptable(seg *codec.Segment) bool {
	slen := seg.SeqLen()
	wend := c.rcvNxt + uint32(c.rcvWnd)
	if slen == 0 {
		if c.rcvWnd == 0 {
			return seg.Seq == c.rcvNxt
		}
		return seqBetween(c.rcvNxt-1, seg.Seq, wend)
	}
	if c.rcvWnd == 0 {
		return false
	}
	return seqBetween(c.rcvNxt-1, seg.Seq, wend) ||
		seqBetween(c.rcvNxt-1, seg.Seq+slen-1, wend)
}

// handleSegment drives the state machine for one inbound segment. Runs on
// the owning worker only.
func (c *Connection) handleSegment(seg *codec.Segment) {
	c.touch()

	if seg.RST() {
		c.handleRst(seg)
		return
	}

	if c.State() == StateSynSent {
		c.handleSynSent(seg)
		return
	}

	if seg.SYN() && c.State() == StateSynReceived && seg.Seq == c.irs {
		// Retransmitted SYN: our SYN-ACK was lost. Checked before the window
		// test, which a duplicate SYN always fails.
		c.sendSynAck()
		return
	}

	if !c.acceptable(seg) {
		// Out of window: drop, emit a corrective ACK so the peer can
		// resynchronize. Covers duplicate data below rcvNxt and anything
		// beyond the advertised window.
		c.sendAck()
		return
	}

	if seg.SYN() {
		// SYN in a synchronized state is a protocol violation: reset both
		// ends and isolate the failure to this connection.
		logging.Warnf("conn %s: unexpected SYN in %s, resetting", c.key, c.State())
		c.sendRst()
		c.destroy(CloseProtocol)
		return
	}

	if !seg.ACK() {
		return
	}

	if c.State() == StateSynReceived {
		if seqBetween(c.sndUna-1, seg.Ack, c.sndNxt+1) {
			c.completeHandshake(seg)
		} else {
			// ACK for something we never sent while unsynchronized.
			c.stack.sendRstFor(seg)
			c.destroy(CloseProtocol)
			return
		}
	}

	c.processAck(seg)
	if c.State() == StateClosed {
		return
	}
	c.processPayload(seg)
	if seg.FIN() {
		c.processFin(seg)
	}
}

func (c *Connection) handleRst(seg *codec.Segment) {
	switch c.State() {
	case StateSynSent:
		// Acceptable only if it acknowledges our SYN.
		if !seg.ACK() || seg.Ack != c.sndNxt {
			return
		}
	default:
		// In window?
		if !c.acceptable(seg) {
			return
		}
	}
	logging.Debugf("conn %s: reset by peer in %s", c.key, c.State())
	c.destroy(CloseReset)
}

func (c *Connection) handleSynSent(seg *codec.Segment) {
	if seg.ACK() {
		if seqLE(seg.Ack, c.iss) || seqLT(c.sndNxt, seg.Ack) {
			c.stack.sendRstFor(seg)
			return
		}
	}
	if !seg.SYN() {
		return
	}
	c.irs = seg.Seq
	c.rcvNxt = seg.Seq + 1
	c.applyOptions(seg.Options)
	if seg.ACK() {
		// SYN-ACK: handshake complete on our side.
		c.sndUna = seg.Ack
		c.trimRtxq(seg.Ack)
		c.sndWnd = c.advertisedWindow(seg)
		c.wl1 = seg.Seq
		c.wl2 = seg.Ack
		c.retries = 0
		c.setState(StateEstablished)
		c.sendAck()
		c.notifyEstablished()
		c.flushSend()
		return
	}
	// Simultaneous open: both ends sent SYN. Merge into SYN_RECEIVED and
	// acknowledge theirs; our SYN stays on the retransmission queue.
	c.setState(StateSynReceived)
	c.sendSynAck()
}

func (c *Connection) completeHandshake(seg *codec.Segment) {
	c.sndWnd = c.advertisedWindow(seg)
	c.wl1 = seg.Seq
	c.wl2 = seg.Ack
	c.setState(StateEstablished)
	c.notifyEstablished()
}

func (c *Connection) notifyEstablished() {
	if c.handler != nil {
		c.handler.OnEstablished(c)
	}
}

// processAck advances the send space, samples RTT, trims the retransmission
// queue and detects duplicate ACKs for fast retransmit.
func (c *Connection) processAck(seg *codec.Segment) {
	ack := seg.Ack
	switch {
	case seqLT(c.sndUna, ack) && seqLE(ack, c.sndNxt):
		c.sndUna = ack
		c.dupAcks = 0
		c.retries = 0
		c.trimRtxq(ack)
		if len(c.rtxq) == 0 {
			c.cancelRetransmit()
		} else {
			c.armRetransmit()
		}
	case ack == c.sndUna:
		// Duplicate ACK: no payload, nothing new acknowledged, data in
		// flight. Three in a row is a loss signal.
		if len(seg.Payload) == 0 && !seg.FIN() && len(c.rtxq) > 0 {
			c.dupAcks++
			if c.dupAcks == 3 {
				logging.Debugf("conn %s: fast retransmit at seq=%d", c.key, c.rtxq[0].seq)
				c.retransmitOldest()
			}
		}
	default:
		if seqLT(c.sndNxt, ack) {
			// ACK for data we never sent.
			c.sendAck()
			return
		}
		// Old ACK (below sndUna): idempotent, never moves sndUna backward.
	}

	// Window update per RFC 793: newer segment, or same segment with an
	// equal-or-newer ack.
	if seqLT(c.wl1, seg.Seq) || (c.wl1 == seg.Seq && seqLE(c.wl2, ack)) {
		c.sndWnd = c.advertisedWindow(seg)
		c.wl1 = seg.Seq
		c.wl2 = ack
	}

	// Teardown progress driven by the ACK of our FIN.
	if c.finSent && seqLT(c.finSeq, c.sndUna) {
		switch c.State() {
		case StateFinWait1:
			c.setState(StateFinWait2)
		case StateClosing:
			c.enterTimeWait()
		case StateLastAck:
			c.notifyClosed(CloseEOF)
			c.destroyQuiet()
			return
		}
	}

	c.flushSend()
}

// trimRtxq drops fully acknowledged entries and feeds the RTT estimator.
// Retransmitted entries are excluded from sampling (Karn's rule).
func (c *Connection) trimRtxq(ack uint32) {
	now := time.Now()
	var ackedPayload int64
	for len(c.rtxq) > 0 {
		head := c.rtxq[0]
		if !seqLE(head.seq+head.seqLen(), ack) {
			break
		}
		if !head.rtx && !head.sentAt.IsZero() {
			c.sampleRTT(now.Sub(head.sentAt))
		}
		ackedPayload += int64(len(head.data))
		c.rtxq[0] = nil
		c.rtxq = c.rtxq[1:]
	}
	if ackedPayload > 0 {
		atomic.AddInt64(&c.sndBufLen, -ackedPayload)
	}
}

// sampleRTT applies the RFC 6298 estimator.
func (c *Connection) sampleRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if c.srtt == 0 {
		c.srtt = sample
		c.rttvar = sample / 2
	} else {
		diff := c.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = (3*c.rttvar + diff) / 4
		c.srtt = (7*c.srtt + sample) / 8
	}
	rto := c.srtt + 4*c.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if max := c.stack.maxRTO(); rto > max {
		rto = max
	}
	c.rto = rto
}

// processPayload delivers in-order bytes to the bridge and buffers
// out-of-order data for reassembly.
func (c *Connection) processPayload(seg *codec.Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	switch c.State() {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}

	seq := seg.Seq
	payload := seg.Payload
	if seqLT(seq, c.rcvNxt) {
		// Partially old segment: the acceptance test let it through because
		// its tail is new. Deliver only the unseen suffix.
		skip := c.rcvNxt - seq
		if uint32(len(payload)) <= skip {
			c.sendAck()
			return
		}
		payload = payload[skip:]
		seq = c.rcvNxt
	}

	if seq == c.rcvNxt {
		c.deliver(payload)
		c.flushReassembly()
		c.sendAck()
		return
	}

	// Future segment: hold for reassembly and ask for the gap again.
	c.insertOoo(seq, payload)
	c.sendAck()
}

// deliver hands bytes to the handler and advances rcvNxt. Bytes are
// surfaced exactly once, in sequence order.
func (c *Connection) deliver(data []byte) {
	c.rcvNxt += uint32(len(data))
	if c.handler != nil {
		c.handler.OnData(c, data)
	}
}

// insertOoo merges a future segment into the sorted reassembly list,
// compacting overlaps. The buffer is bounded; overflow drops the whole
// list and lets the peer retransmit.
func (c *Connection) insertOoo(seq uint32, payload []byte) {
	cp := append([]byte(nil), payload...)
	inserted := false
	for i := 0; i < len(c.ooo); i++ {
		s := &c.ooo[i]
		if seqLT(seq+uint32(len(cp)), s.seq) {
			c.ooo = append(c.ooo[:i], append([]oooSegment{{seq: seq, data: cp}}, c.ooo[i:]...)...)
			inserted = true
			break
		}
		if seqLE(seq, s.seq+uint32(len(s.data))) && seqLE(s.seq, seq+uint32(len(cp))) {
			start := s.seq
			if seqLT(seq, start) {
				start = seq
			}
			end := s.seq + uint32(len(s.data))
			if seqLT(end, seq+uint32(len(cp))) {
				end = seq + uint32(len(cp))
			}
			merged := make([]byte, end-start)
			copy(merged[s.seq-start:], s.data)
			copy(merged[seq-start:], cp)
			s.seq = start
			s.data = merged
			// Fold any following segments the merge now covers.
			for j := i + 1; j < len(c.ooo); {
				ns := c.ooo[j]
				if seqLT(s.seq+uint32(len(s.data)), ns.seq) {
					break
				}
				newEnd := ns.seq + uint32(len(ns.data))
				if seqLT(s.seq+uint32(len(s.data)), newEnd) {
					grow := make([]byte, newEnd-s.seq)
					copy(grow, s.data)
					s.data = grow
				}
				copy(s.data[ns.seq-s.seq:], ns.data)
				c.ooo = append(c.ooo[:j], c.ooo[j+1:]...)
			}
			inserted = true
			break
		}
	}
	if !inserted {
		c.ooo = append(c.ooo, oooSegment{seq: seq, data: cp})
	}
	c.oooBytes = 0
	for i := range c.ooo {
		c.oooBytes += len(c.ooo[i].data)
	}
	if cap := c.stack.cfg.ReassemblyBytes; cap > 0 && c.oooBytes > cap {
		logging.Warnf("conn %s: reassembly buffer overflow (%d bytes), dropping", c.key, c.oooBytes)
		c.ooo = nil
		c.oooBytes = 0
	}
}

// flushReassembly delivers buffered segments that have become contiguous.
func (c *Connection) flushReassembly() {
	for len(c.ooo) > 0 {
		s := c.ooo[0]
		if seqLT(c.rcvNxt, s.seq) {
			break
		}
		c.ooo = c.ooo[1:]
		c.oooBytes -= len(s.data)
		if seqLE(s.seq+uint32(len(s.data)), c.rcvNxt) {
			continue // fully duplicate
		}
		c.deliver(s.data[c.rcvNxt-s.seq:])
	}
}

// processFin handles an in-order FIN. Out-of-order FINs fail the rcvNxt
// check and are recovered by retransmission.
func (c *Connection) processFin(seg *codec.Segment) {
	finSeq := seg.Seq + uint32(len(seg.Payload))
	if finSeq != c.rcvNxt {
		return
	}
	c.rcvNxt = finSeq + 1
	c.sendAck()

	switch c.State() {
	case StateSynReceived, StateEstablished:
		c.setState(StateCloseWait)
		// Clean end-of-stream: every in-order byte has been delivered.
		c.notifyClosed(CloseEOF)
	case StateFinWait1:
		// Our FIN is still unacknowledged: simultaneous close.
		c.setState(StateClosing)
	case StateFinWait2:
		c.enterTimeWait()
	}
}

// --- sending --------------------------------------------------------------

// sendWindowAvail returns how many new bytes the peer's window allows.
func (c *Connection) sendWindowAvail() int {
	inFlight := c.sndNxt - c.sndUna
	if inFlight >= c.sndWnd {
		return 0
	}
	return int(c.sndWnd - inFlight)
}

// flushSend segments buffered application bytes respecting the peer window
// and MSS, then emits a queued FIN once the buffer drains. Every byte that
// goes out lands on the retransmission queue; sndNxt advances only by what
// was actually transmitted.
func (c *Connection) flushSend() {
	switch c.State() {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
	default:
		return
	}
	for len(c.sndBuf) > 0 {
		avail := c.sendWindowAvail()
		if avail <= 0 {
			break
		}
		n := len(c.sndBuf)
		if n > c.mss {
			n = c.mss
		}
		if n > avail {
			n = avail
		}
		payload := append([]byte(nil), c.sndBuf[:n]...)
		c.sndBuf = c.sndBuf[n:]

		flags := byte(codec.FlagACK)
		if len(c.sndBuf) == 0 {
			flags |= codec.FlagPSH
		}
		seq := c.sndNxt
		c.rtxq = append(c.rtxq, &txSegment{seq: seq, data: payload, sentAt: time.Now()})
		c.sndNxt += uint32(n)
		c.stack.sendSegment(c.newSegment(flags, seq, payload))
	}

	if c.finQueued && !c.finSent && len(c.sndBuf) == 0 {
		c.emitFin()
	}
	if len(c.rtxq) > 0 {
		c.armRetransmit()
	}
}

// emitFin sends our FIN and moves the close state machine forward.
func (c *Connection) emitFin() {
	c.finSeq = c.sndNxt
	c.rtxq = append(c.rtxq, &txSegment{seq: c.finSeq, fin: true, sentAt: time.Now()})
	seg := c.newSegment(codec.FlagFIN|codec.FlagACK, c.finSeq, nil)
	c.sndNxt++
	c.finSent = true
	c.stack.sendSegment(seg)

	switch c.State() {
	case StateSynReceived, StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateLastAck)
	}
	c.armRetransmit()
}

// retransmitOldest resends the head of the retransmission queue.
func (c *Connection) retransmitOldest() {
	if len(c.rtxq) == 0 {
		return
	}
	head := c.rtxq[0]
	head.rtx = true
	head.sentAt = time.Now()
	c.stack.countRetransmit()

	switch {
	case head.syn:
		if c.State() == StateSynSent {
			seg := c.newSegment(codec.FlagSYN, head.seq, nil)
			seg.Ack = 0
			seg.Options = codec.Options{MSS: uint16(c.mss), WScale: -1}
			c.stack.sendSegment(seg)
		} else {
			c.sendSynAck()
		}
	case head.fin:
		c.stack.sendSegment(c.newSegment(codec.FlagFIN|codec.FlagACK, head.seq, nil))
	default:
		c.stack.sendSegment(c.newSegment(codec.FlagACK|codec.FlagPSH, head.seq, head.data))
	}
}

// --- timers ---------------------------------------------------------------

func (c *Connection) armRetransmit() {
	c.rtxGen++
	c.rtxArmed = true
	c.stack.timers.schedule(c.key, timerRetransmit, c.rtxGen, c.rto)
}

func (c *Connection) cancelRetransmit() {
	c.rtxGen++
	c.rtxArmed = false
}

func (c *Connection) armIdle() {
	c.idleGen++
	if d := c.stack.idleTimeout(); d > 0 {
		c.stack.timers.schedule(c.key, timerIdle, c.idleGen, d)
	}
}

// handleTimer processes a synthetic timer event on the owning worker.
func (c *Connection) handleTimer(fire timerFire) {
	switch fire.kind {
	case timerRetransmit:
		if fire.gen != c.rtxGen || !c.rtxArmed {
			return
		}
		if len(c.rtxq) == 0 {
			c.rtxArmed = false
			return
		}
		c.retries++
		if max := c.stack.cfg.MaxRetries; max > 0 && c.retries > max {
			logging.Warnf("conn %s: retry bound exceeded (%d), resetting", c.key, c.retries-1)
			c.sendRst()
			c.destroy(CloseRetries)
			return
		}
		// Exponential backoff, bounded.
		c.rto *= 2
		if max := c.stack.maxRTO(); c.rto > max {
			c.rto = max
		}
		c.retransmitOldest()
		c.armRetransmit()

	case timerIdle:
		if fire.gen != c.idleGen {
			return
		}
		d := c.stack.idleTimeout()
		if d <= 0 {
			return
		}
		idle := time.Since(c.lastActivity)
		if idle < d {
			// Activity since arming: re-arm for the remainder.
			c.stack.timers.schedule(c.key, timerIdle, c.idleGen, d-idle)
			return
		}
		logging.Debugf("conn %s: idle for %v, closing", c.key, idle.Round(time.Second))
		c.sendRst()
		c.destroy(CloseIdle)

	case timerTimeWait:
		if fire.gen != c.waitGen || c.State() != StateTimeWait {
			return
		}
		c.destroyQuiet()
	}
}

// --- application events ---------------------------------------------------

// appSend runs on the worker for bytes accepted by Connection.Send.
func (c *Connection) appSend(data []byte) {
	switch c.State() {
	case StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
		c.sndBuf = append(c.sndBuf, data...)
		c.flushSend()
	default:
		atomic.AddInt64(&c.sndBufLen, -int64(len(data)))
	}
}

// appClose runs on the worker for Connection.Close.
func (c *Connection) appClose() {
	switch c.State() {
	case StateSynSent:
		// Nothing on the wire worth finishing.
		c.destroy(CloseAborted)
	case StateSynReceived, StateEstablished, StateCloseWait:
		c.finQueued = true
		c.flushSend()
	}
}

// appAbort runs on the worker for Connection.Abort.
func (c *Connection) appAbort() {
	switch c.State() {
	case StateClosed:
		return
	case StateSynSent:
		c.destroy(CloseAborted)
	default:
		c.sendRst()
		c.destroy(CloseAborted)
	}
}

// --- teardown -------------------------------------------------------------

func (c *Connection) enterTimeWait() {
	c.cancelRetransmit()
	c.setState(StateTimeWait)
	c.waitGen++
	c.stack.timers.schedule(c.key, timerTimeWait, c.waitGen, c.stack.timeWait())
	// The close is clean by the time TIME_WAIT is reached.
	c.notifyClosed(CloseEOF)
}

func (c *Connection) notifyClosed(reason CloseReason) {
	if c.closeNotified {
		return
	}
	c.closeNotified = true
	if c.handler != nil {
		c.handler.OnClosed(c, reason)
	}
}

// destroy removes the connection and tells the bridge why.
func (c *Connection) destroy(reason CloseReason) {
	c.notifyClosed(reason)
	c.destroyQuiet()
}

// destroyQuiet removes the connection without a bridge notification. Used
// for the TIME_WAIT purge, where the application already saw the close.
func (c *Connection) destroyQuiet() {
	c.cancelRetransmit()
	c.idleGen++
	c.waitGen++
	c.setState(StateClosed)
	c.rtxq = nil
	c.sndBuf = nil
	c.ooo = nil
	c.stack.dropConnection(c.key)
}
