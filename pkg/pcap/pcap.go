// Package pcap tees raw IPv4 frames to a capture file readable by standard
// analysis tools. Purely diagnostic; failures degrade to dropped capture
// records, never to dropped traffic.
package pcap

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/nharte/tunstack/pkg/logging"
)

const snapLen = 65535

// Writer appends frames to a pcap file with the raw-IP link type.
type Writer struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// NewWriter creates (truncating) the capture file and writes its header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: create %q: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap: header: %w", err)
	}
	logging.Infof("pcap capture enabled: %s", path)
	return &Writer{f: f, w: w}, nil
}

// Tee implements core.FrameCapture.
func (w *Writer) Tee(frame []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	w.mu.Lock()
	err := w.w.WritePacket(ci, frame)
	w.mu.Unlock()
	if err != nil {
		logging.Debugf("pcap: write failed: %v", err)
	}
}

// Close flushes and closes the capture file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
