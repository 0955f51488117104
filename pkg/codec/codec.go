// Package codec parses and serializes the IPv4/TCP frames the engine
// exchanges with its packet link. Frames that fail validation are reported
// with a typed error so callers can drop them silently; loss is ordinary on
// the wire and never a hard failure.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

// Decode error taxonomy. All of these mean "drop the frame"; they are typed
// so the stack can count them separately.
var (
	ErrMalformed         = errors.New("codec: malformed frame")
	ErrChecksum          = errors.New("codec: checksum mismatch")
	ErrUnsupportedOption = errors.New("codec: unsupported option")
)

const (
	ipv4HeaderLen = 20
	tcpHeaderLen  = 20
	protoTCP      = 6
)

// ipID is the rolling IP identification counter for encoded frames.
var ipID uint32

func nextIPID() uint16 {
	return uint16(atomic.AddUint32(&ipID, 1))
}

// Decode parses a raw IPv4 frame into a Segment, validating structure and
// both checksums.
func Decode(raw []byte) (*Segment, error) {
	if len(raw) < ipv4HeaderLen+tcpHeaderLen {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformed, len(raw))
	}
	h, err := ipv4.ParseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Version != 4 {
		return nil, fmt.Errorf("%w: IP version %d", ErrMalformed, h.Version)
	}
	ihl := h.Len
	if ihl < ipv4HeaderLen || len(raw) < ihl+tcpHeaderLen {
		return nil, fmt.Errorf("%w: IHL %d", ErrMalformed, ihl)
	}
	if h.TotalLen > len(raw) || h.TotalLen < ihl+tcpHeaderLen {
		return nil, fmt.Errorf("%w: total length %d of %d", ErrMalformed, h.TotalLen, len(raw))
	}
	if h.Protocol != protoTCP {
		return nil, fmt.Errorf("%w: protocol %d", ErrMalformed, h.Protocol)
	}
	if onesComplementSum(raw[:ihl], 0) != 0xffff {
		return nil, fmt.Errorf("%w: IP header", ErrChecksum)
	}

	var src, dst [4]byte
	copy(src[:], h.Src.To4())
	copy(dst[:], h.Dst.To4())

	tcp := raw[ihl:h.TotalLen]
	dataOff := int(tcp[12]>>4) * 4
	if dataOff < tcpHeaderLen || dataOff > len(tcp) {
		return nil, fmt.Errorf("%w: TCP data offset %d", ErrMalformed, dataOff)
	}
	if tcpChecksum(tcp, src, dst) != 0 {
		return nil, fmt.Errorf("%w: TCP segment", ErrChecksum)
	}

	opts, err := parseOptions(tcp[tcpHeaderLen:dataOff])
	if err != nil {
		return nil, err
	}

	seg := &Segment{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: binary.BigEndian.Uint16(tcp[0:2]),
		DstPort: binary.BigEndian.Uint16(tcp[2:4]),
		Seq:     binary.BigEndian.Uint32(tcp[4:8]),
		Ack:     binary.BigEndian.Uint32(tcp[8:12]),
		Flags:   tcp[13] & 0x1f,
		Window:  binary.BigEndian.Uint16(tcp[14:16]),
		Options: opts,
		TOS:     byte(h.TOS),
		TTL:     byte(h.TTL),
	}
	if dataOff < len(tcp) {
		seg.Payload = append([]byte(nil), tcp[dataOff:]...)
	}
	return seg, nil
}

// Encode serializes a Segment into a checksummed IPv4 frame. The produced
// frame is always structurally valid.
func Encode(s *Segment) []byte {
	options := encodeOptions(s.Options)
	thl := tcpHeaderLen + len(options)
	if thl%4 != 0 {
		pad := 4 - thl%4
		options = append(options, make([]byte, pad)...)
		thl += pad
	}
	total := ipv4HeaderLen + thl + len(s.Payload)
	pkt := make([]byte, total)

	// IPv4 header
	pkt[0] = 0x45
	pkt[1] = s.TOS
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	binary.BigEndian.PutUint16(pkt[4:6], nextIPID())
	ttl := s.TTL
	if ttl == 0 {
		ttl = 64
	}
	pkt[8] = ttl
	pkt[9] = protoTCP
	copy(pkt[12:16], s.SrcIP[:])
	copy(pkt[16:20], s.DstIP[:])
	ipcs := ^onesComplementSum(pkt[:ipv4HeaderLen], 0)
	binary.BigEndian.PutUint16(pkt[10:12], ipcs)

	// TCP header
	tcp := pkt[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(tcp[2:4], s.DstPort)
	binary.BigEndian.PutUint32(tcp[4:8], s.Seq)
	binary.BigEndian.PutUint32(tcp[8:12], s.Ack)
	tcp[12] = byte(thl/4) << 4
	tcp[13] = s.Flags
	binary.BigEndian.PutUint16(tcp[14:16], s.Window)
	copy(tcp[tcpHeaderLen:], options)
	copy(tcp[thl:], s.Payload)

	csum := tcpChecksum(tcp[:thl+len(s.Payload)], s.SrcIP, s.DstIP)
	binary.BigEndian.PutUint16(tcp[16:18], csum)
	return pkt
}

// Option kinds the engine understands.
const (
	optEnd           = 0
	optNOP           = 1
	optMSS           = 2
	optWScale        = 3
	optSACKPermitted = 4
)

func parseOptions(opts []byte) (Options, error) {
	out := NoOptions()
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case optEnd:
			return out, nil
		case optNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return out, fmt.Errorf("%w: truncated option %d", ErrMalformed, kind)
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return out, fmt.Errorf("%w: option %d length %d", ErrMalformed, kind, l)
		}
		switch kind {
		case optMSS:
			if l != 4 {
				return out, fmt.Errorf("%w: MSS length %d", ErrUnsupportedOption, l)
			}
			out.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
		case optWScale:
			if l != 3 {
				return out, fmt.Errorf("%w: window scale length %d", ErrUnsupportedOption, l)
			}
			out.WScale = int(opts[i+2])
		case optSACKPermitted:
			if l != 2 {
				return out, fmt.Errorf("%w: SACK-permitted length %d", ErrUnsupportedOption, l)
			}
			out.SACKPermitted = true
		default:
			// Unknown kinds with a well-formed length are tolerated.
		}
		i += l
	}
	return out, nil
}

// encodeOptions writes options in canonical order: MSS, window scale,
// SACK-permitted.
func encodeOptions(o Options) []byte {
	out := make([]byte, 0, 12)
	if o.MSS != 0 {
		out = append(out, optMSS, 4, byte(o.MSS>>8), byte(o.MSS))
	}
	if o.WScale >= 0 {
		out = append(out, optWScale, 3, byte(o.WScale))
	}
	if o.SACKPermitted {
		out = append(out, optSACKPermitted, 2)
	}
	return out
}

// onesComplementSum folds the standard Internet checksum over data, seeded
// with sum. The return is the folded 16-bit sum, not complemented.
func onesComplementSum(data []byte, sum uint32) uint16 {
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(uint16(data[len(data)-1]) << 8)
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// tcpChecksum computes the TCP checksum over the pseudo-header and segment.
// For a segment carrying a valid checksum the result is zero.
func tcpChecksum(tcp []byte, srcIP, dstIP [4]byte) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = protoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcp)))
	sum := uint32(onesComplementSum(pseudo[:], 0))
	return ^onesComplementSum(tcp, sum)
}
