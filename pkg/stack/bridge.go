package stack

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

// CloseReason tells the application why a connection went away.
type CloseReason int

const (
	// CloseEOF: clean FIN exchange; all delivered bytes arrived in order.
	CloseEOF CloseReason = iota
	// CloseReset: the peer reset the connection.
	CloseReset
	// CloseProtocol: the peer violated the state machine; we reset it.
	CloseProtocol
	// CloseRetries: the retransmission retry bound was exceeded.
	CloseRetries
	// CloseIdle: the idle timeout elapsed.
	CloseIdle
	// CloseShutdown: the engine is shutting down.
	CloseShutdown
	// CloseAborted: the application called Abort.
	CloseAborted
)

func (r CloseReason) String() string {
	switch r {
	case CloseEOF:
		return "eof"
	case CloseReset:
		return "reset"
	case CloseProtocol:
		return "protocol-violation"
	case CloseRetries:
		return "retries-exceeded"
	case CloseIdle:
		return "idle-timeout"
	case CloseShutdown:
		return "shutdown"
	case CloseAborted:
		return "aborted"
	}
	return "unknown"
}

// Handler is the application side of the bridge. Callbacks run on the
// connection's event worker: they must not block, and anything they call on
// the connection is queued back through the event path.
type Handler interface {
	// OnEstablished fires once when the handshake completes.
	OnEstablished(c *Connection)

	// OnData delivers in-order payload bytes exactly once. The slice is
	// owned by the handler.
	OnData(c *Connection, data []byte)

	// OnClosed fires once, either on clean end-of-stream (CloseEOF) or when
	// the connection is torn down for any other reason. It can arrive
	// without a preceding OnEstablished: a connection that dies during the
	// handshake (peer reset, retry exhaustion, engine shutdown) still
	// reports its close.
	OnClosed(c *Connection, reason CloseReason)
}

// Send/Close rejection reasons.
var (
	ErrConnClosed     = errors.New("stack: connection closed")
	ErrSendBufferFull = errors.New("stack: send buffer full")
	ErrQueueFull      = errors.New("stack: event queue full")
)

// Key returns the connection's 4-tuple identity.
func (c *Connection) Key() ConnKey { return c.key }

// State returns the connection's current state. Safe from any goroutine.
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// LocalAddr returns the engine-side address of the connection.
func (c *Connection) LocalAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(c.key.LocalIP[:]), Port: int(c.key.LocalPort)}
}

// RemoteAddr returns the peer address of the connection.
func (c *Connection) RemoteAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(c.key.RemoteIP[:]), Port: int(c.key.RemotePort)}
}

// Send queues bytes for transmission. The bytes are segmented on the event
// path respecting the peer's window and the connection MSS. Rejections are
// immediate: a closed connection, a full send buffer, or a full event queue.
func (c *Connection) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch c.State() {
	case StateEstablished, StateCloseWait, StateSynReceived, StateSynSent:
	default:
		return ErrConnClosed
	}
	cap := int64(c.stack.cfg.SendBufferBytes)
	if cap > 0 {
		if atomic.AddInt64(&c.sndBufLen, int64(len(data))) > cap {
			atomic.AddInt64(&c.sndBufLen, -int64(len(data)))
			return fmt.Errorf("%w: %d bytes queued", ErrSendBufferFull, atomic.LoadInt64(&c.sndBufLen))
		}
	} else {
		atomic.AddInt64(&c.sndBufLen, int64(len(data)))
	}
	cp := append([]byte(nil), data...)
	if !c.stack.enqueue(event{kind: evAppSend, key: c.key, data: cp}) {
		atomic.AddInt64(&c.sndBufLen, -int64(len(data)))
		return ErrQueueFull
	}
	return nil
}

// Close starts an orderly close: queued bytes drain first, then a FIN.
func (c *Connection) Close() error {
	if !c.stack.enqueue(event{kind: evAppClose, key: c.key}) {
		return ErrQueueFull
	}
	return nil
}

// Abort resets the connection immediately and drops all queued data.
func (c *Connection) Abort() error {
	if !c.stack.enqueue(event{kind: evAppAbort, key: c.key}) {
		return ErrQueueFull
	}
	return nil
}
