package core

// StackConfig contains configuration for the TCP engine.
type StackConfig struct {
	// LinkName is the name of the TUN device to create or attach.
	LinkName string `json:"linkName" yaml:"linkName"`

	// LinkIP is the engine's own address on the managed subnet.
	LinkIP string `json:"linkIP" yaml:"linkIP"`

	// Subnet is the managed subnet in CIDR notation. All frames addressed
	// within it are handled by the engine; everything else is filtered.
	Subnet string `json:"subnet" yaml:"subnet"`

	// MTU is the link MTU.
	MTU int `json:"mtu" yaml:"mtu"`

	// Workers is the number of event workers. Events for one connection
	// always land on the same worker.
	Workers int `json:"workers" yaml:"workers"`

	// QueueDepth is the per-worker event queue capacity.
	QueueDepth int `json:"queueDepth" yaml:"queueDepth"`

	// MaxConnections bounds the connection table. New SYNs beyond the bound
	// are refused while existing connections keep running. 0 = unbounded.
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`

	// MaxRetries is the retransmission retry bound before a connection is
	// force-closed with a RST.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// IdleTimeoutSec closes connections with no traffic for this long.
	IdleTimeoutSec int `json:"idleTimeoutSec" yaml:"idleTimeoutSec"`

	// TimeWaitSec is the TIME_WAIT quiescence interval before an entry is
	// purged from the table.
	TimeWaitSec int `json:"timeWaitSec" yaml:"timeWaitSec"`

	// SendBufferBytes caps per-connection bytes queued by the application
	// and not yet acknowledged.
	SendBufferBytes int `json:"sendBufferBytes" yaml:"sendBufferBytes"`

	// ReassemblyBytes caps per-connection out-of-order buffering.
	ReassemblyBytes int `json:"reassemblyBytes" yaml:"reassemblyBytes"`

	// PcapFile, when set, tees every frame in both directions to a pcap file.
	PcapFile string `json:"pcapFile" yaml:"pcapFile"`

	// Debug enables packet copy mode and verbose logging.
	Debug bool `json:"debug" yaml:"debug"`
}

// StackMetrics contains top-level metrics for the engine.
type StackMetrics struct {
	// Link contains metrics for the packet link.
	Link LinkMetrics

	// SegmentsIn is the number of TCP segments decoded and dispatched.
	SegmentsIn uint64

	// SegmentsOut is the number of TCP segments encoded and sent.
	SegmentsOut uint64

	// DecodeDrops is the number of frames dropped by the codec
	// (malformed, bad checksum, unsupported option).
	DecodeDrops uint64

	// Retransmits is the number of segments resent (timer or fast).
	Retransmits uint64

	// ConnectionsCreated is the number of connections created.
	ConnectionsCreated uint64

	// ConnectionsClosed is the number of connections closed.
	ConnectionsClosed uint64

	// ConnectionsRefused is the number of SYNs refused at the table bound.
	ConnectionsRefused uint64

	// RSTsSent is the number of RST segments emitted.
	RSTsSent uint64

	// QueueFullDrops is the number of events dropped on full worker queues.
	QueueFullDrops uint64
}
