// Package tun provides the packet link over a kernel TUN device. The
// supervisor is expected to route the managed subnet at the interface before
// traffic appears; the link performs no route manipulation itself.
package tun

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nharte/tunstack/pkg/core"
	"github.com/nharte/tunstack/pkg/logging"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// readOffset is the headroom wireguard-go's TUN implementations expect in
// front of each packet buffer.
const readOffset = 16

// maxFrame covers GSO-coalesced reads, which can exceed the MTU.
const maxFrame = 65536

// Device is a core.PacketLink backed by a kernel TUN device.
type Device struct {
	name      string
	mtu       int
	subnet    *net.IPNet
	dev       wgtun.Device
	processor core.PacketProcessor
	bypass    core.PacketProcessor
	capture   core.FrameCapture

	stopCh  chan struct{}
	errCh   chan error
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex

	metrics struct {
		packetsReceived uint64
		packetsSent     uint64
		bytesReceived   uint64
		bytesSent       uint64
		packetsFiltered uint64
		errors          uint64
	}
}

var _ core.PacketLink = (*Device)(nil)

// New creates the TUN device. The device exists from this point; Start
// launches the read loop.
func New(name string, mtu int, subnet string) (*Device, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("tun: invalid subnet %q: %w", subnet, err)
	}
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: create %q: %w", name, err)
	}
	if n, err := dev.Name(); err == nil {
		name = n
	}
	logging.Infof("tun device %s created, mtu=%d subnet=%s", name, mtu, subnet)
	return &Device{
		name:   name,
		mtu:    mtu,
		subnet: ipnet,
		dev:    dev,
		stopCh: make(chan struct{}),
		errCh:  make(chan error, 1),
	}, nil
}

// Name returns the device name
func (d *Device) Name() string { return d.name }

// MTU returns the device MTU
func (d *Device) MTU() (int, error) { return d.dev.MTU() }

// SetPacketProcessor sets the ingress callback. Must be called before Start.
func (d *Device) SetPacketProcessor(p core.PacketProcessor) { d.processor = p }

// SetBypassProcessor installs an optional sink for frames the subnet filter
// rejects. Without one such frames are only counted.
func (d *Device) SetBypassProcessor(p core.PacketProcessor) { d.bypass = p }

// SetCapture installs an optional frame tee for both directions.
func (d *Device) SetCapture(c core.FrameCapture) { d.capture = c }

// Err delivers a fatal device error, after which the read loop has exited.
// The supervisor owns the restart decision.
func (d *Device) Err() <-chan error { return d.errCh }

// Start launches the read loop.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("tun: already started")
	}
	if d.processor == nil {
		return fmt.Errorf("tun: no packet processor")
	}
	d.started = true
	d.wg.Add(1)
	go d.readLoop()
	return nil
}

// Stop closes the device and waits for the read loop to exit.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return d.dev.Close()
	}
	d.mu.Unlock()
	close(d.stopCh)
	err := d.dev.Close()
	d.wg.Wait()
	return err
}

func (d *Device) readLoop() {
	defer d.wg.Done()
	bufs := [][]byte{make([]byte, readOffset+maxFrame)}
	sizes := []int{0}
	for {
		n, err := d.dev.Read(bufs, sizes, readOffset)
		select {
		case <-d.stopCh:
			return
		default:
		}
		if err != nil {
			// A read error with the device still open is fatal: surface it
			// and stop. The supervisor restarts the whole engine.
			atomic.AddUint64(&d.metrics.errors, 1)
			logging.Errorf("tun read failed: %v", err)
			select {
			case d.errCh <- err:
			default:
			}
			return
		}
		for i := 0; i < n; i++ {
			frame := bufs[i][readOffset : readOffset+sizes[i]]
			d.handleFrame(frame)
		}
	}
}

func (d *Device) handleFrame(frame []byte) {
	if len(frame) < 20 || frame[0]>>4 != 4 {
		atomic.AddUint64(&d.metrics.packetsFiltered, 1)
		return
	}
	dst := net.IPv4(frame[16], frame[17], frame[18], frame[19])
	if !d.subnet.Contains(dst) {
		atomic.AddUint64(&d.metrics.packetsFiltered, 1)
		if d.bypass != nil {
			cp := append([]byte(nil), frame...)
			if err := d.bypass.ProcessPacket(core.NewPacket(cp)); err != nil {
				logging.Debugf("tun: bypass rejected frame: %v", err)
			}
		}
		return
	}
	atomic.AddUint64(&d.metrics.packetsReceived, 1)
	atomic.AddUint64(&d.metrics.bytesReceived, uint64(len(frame)))
	if d.capture != nil {
		d.capture.Tee(frame)
	}
	cp := append([]byte(nil), frame...)
	if err := d.processor.ProcessPacket(core.NewPacket(cp)); err != nil {
		atomic.AddUint64(&d.metrics.errors, 1)
		logging.Debugf("tun: processor rejected frame: %v", err)
	}
}

// WritePacket writes one raw frame to the device. Failures are counted and
// returned; the caller decides whether the bytes are retried.
func (d *Device) WritePacket(pkt core.Packet) error {
	data := pkt.Data()
	buf := make([]byte, readOffset+len(data))
	copy(buf[readOffset:], data)
	if _, err := d.dev.Write([][]byte{buf}, readOffset); err != nil {
		atomic.AddUint64(&d.metrics.errors, 1)
		return fmt.Errorf("tun write: %w", err)
	}
	atomic.AddUint64(&d.metrics.packetsSent, 1)
	atomic.AddUint64(&d.metrics.bytesSent, uint64(len(data)))
	if d.capture != nil {
		d.capture.Tee(data)
	}
	return nil
}

// Metrics returns link metrics
func (d *Device) Metrics() core.LinkMetrics {
	return core.LinkMetrics{
		PacketsReceived: atomic.LoadUint64(&d.metrics.packetsReceived),
		PacketsSent:     atomic.LoadUint64(&d.metrics.packetsSent),
		BytesReceived:   atomic.LoadUint64(&d.metrics.bytesReceived),
		BytesSent:       atomic.LoadUint64(&d.metrics.bytesSent),
		PacketsFiltered: atomic.LoadUint64(&d.metrics.packetsFiltered),
		Errors:          atomic.LoadUint64(&d.metrics.errors),
	}
}
