package tun

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nharte/tunstack/pkg/core"
	"github.com/nharte/tunstack/pkg/logging"
)

// MockLink is a core.PacketLink for tests: frames are injected with
// InjectFrame and written frames are collected for inspection. No kernel
// access or privileges required.
type MockLink struct {
	name      string
	mtu       int
	processor core.PacketProcessor
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex

	frameCh chan []byte
	written [][]byte

	// WriteErr, when set, is returned by every WritePacket call.
	WriteErr error

	metrics struct {
		packetsReceived uint64
		packetsSent     uint64
		bytesReceived   uint64
		bytesSent       uint64
		errors          uint64
	}
}

var _ core.PacketLink = (*MockLink)(nil)

// NewMockLink creates a mock link for testing.
func NewMockLink(name string, mtu int) *MockLink {
	return &MockLink{
		name:    name,
		mtu:     mtu,
		stopCh:  make(chan struct{}),
		frameCh: make(chan []byte, 256),
	}
}

// Name returns the link name
func (m *MockLink) Name() string { return m.name }

// MTU returns the link MTU
func (m *MockLink) MTU() (int, error) { return m.mtu, nil }

// SetPacketProcessor sets the ingress callback
func (m *MockLink) SetPacketProcessor(p core.PacketProcessor) { m.processor = p }

// WritePacket records an outbound frame for inspection
func (m *MockLink) WritePacket(pkt core.Packet) error {
	if m.WriteErr != nil {
		atomic.AddUint64(&m.metrics.errors, 1)
		return m.WriteErr
	}
	data := pkt.Data()
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.written = append(m.written, cp)
	m.mu.Unlock()
	atomic.AddUint64(&m.metrics.packetsSent, 1)
	atomic.AddUint64(&m.metrics.bytesSent, uint64(len(data)))
	return nil
}

// Start launches the injection loop
func (m *MockLink) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("mock link already running")
	}
	m.running = true
	m.wg.Add(1)
	go m.readLoop()
	return nil
}

// Stop stops the injection loop
func (m *MockLink) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

func (m *MockLink) readLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case data := <-m.frameCh:
			atomic.AddUint64(&m.metrics.packetsReceived, 1)
			atomic.AddUint64(&m.metrics.bytesReceived, uint64(len(data)))
			if m.processor != nil {
				if err := m.processor.ProcessPacket(core.NewPacket(data)); err != nil {
					logging.Errorf("mock link: process failed: %v", err)
					atomic.AddUint64(&m.metrics.errors, 1)
				}
			}
		}
	}
}

// InjectFrame simulates a frame arriving from the wire.
func (m *MockLink) InjectFrame(data []byte) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return fmt.Errorf("mock link not running")
	}
	cp := append([]byte(nil), data...)
	select {
	case m.frameCh <- cp:
		return nil
	default:
		atomic.AddUint64(&m.metrics.errors, 1)
		return fmt.Errorf("mock link frame channel full")
	}
}

// WrittenFrames returns copies of all frames written so far.
func (m *MockLink) WrittenFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, f := range m.written {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// ClearWrittenFrames resets the captured frames between test phases.
func (m *MockLink) ClearWrittenFrames() {
	m.mu.Lock()
	m.written = nil
	m.mu.Unlock()
}

// Metrics returns link metrics
func (m *MockLink) Metrics() core.LinkMetrics {
	return core.LinkMetrics{
		PacketsReceived: atomic.LoadUint64(&m.metrics.packetsReceived),
		PacketsSent:     atomic.LoadUint64(&m.metrics.packetsSent),
		BytesReceived:   atomic.LoadUint64(&m.metrics.bytesReceived),
		BytesSent:       atomic.LoadUint64(&m.metrics.bytesSent),
		Errors:          atomic.LoadUint64(&m.metrics.errors),
	}
}
