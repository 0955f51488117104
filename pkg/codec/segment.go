package codec

import (
	"fmt"
)

// TCP flag bits as they appear in the header flags octet.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

// Options carries the TCP options the engine understands. Unknown options
// with a well-formed length are skipped on decode.
type Options struct {
	// MSS is the maximum segment size option; 0 means absent.
	MSS uint16

	// WScale is the window scale shift; -1 means absent.
	WScale int

	// SACKPermitted reports the SACK-permitted option.
	SACKPermitted bool
}

// NoOptions is the zero value for a segment without options.
func NoOptions() Options { return Options{WScale: -1} }

// Segment is one decoded TCP unit: constructed per frame, consumed by the
// state machine, discarded after.
type Segment struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16

	Seq    uint32
	Ack    uint32
	Flags  byte
	Window uint16

	Options Options
	Payload []byte

	// IP-level fields preserved so replies can mirror them.
	TOS byte
	TTL byte
}

func (s *Segment) has(flag byte) bool { return s.Flags&flag != 0 }

// FIN reports the FIN flag.
func (s *Segment) FIN() bool { return s.has(FlagFIN) }

// SYN reports the SYN flag.
func (s *Segment) SYN() bool { return s.has(FlagSYN) }

// RST reports the RST flag.
func (s *Segment) RST() bool { return s.has(FlagRST) }

// PSH reports the PSH flag.
func (s *Segment) PSH() bool { return s.has(FlagPSH) }

// ACK reports the ACK flag.
func (s *Segment) ACK() bool { return s.has(FlagACK) }

// SeqLen returns the sequence space the segment occupies: payload bytes plus
// one for SYN and one for FIN.
func (s *Segment) SeqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.SYN() {
		n++
	}
	if s.FIN() {
		n++
	}
	return n
}

func (s *Segment) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d>%d.%d.%d.%d:%d seq=%d ack=%d flags=%s len=%d",
		s.SrcIP[0], s.SrcIP[1], s.SrcIP[2], s.SrcIP[3], s.SrcPort,
		s.DstIP[0], s.DstIP[1], s.DstIP[2], s.DstIP[3], s.DstPort,
		s.Seq, s.Ack, flagString(s.Flags), len(s.Payload))
}

func flagString(f byte) string {
	out := make([]byte, 0, 5)
	if f&FlagSYN != 0 {
		out = append(out, 'S')
	}
	if f&FlagACK != 0 {
		out = append(out, 'A')
	}
	if f&FlagFIN != 0 {
		out = append(out, 'F')
	}
	if f&FlagRST != 0 {
		out = append(out, 'R')
	}
	if f&FlagPSH != 0 {
		out = append(out, 'P')
	}
	if len(out) == 0 {
		return "-"
	}
	return string(out)
}
