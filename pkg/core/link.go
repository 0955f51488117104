package core

// PacketLink represents the raw-frame boundary the engine sits on: a virtual
// network interface that delivers every frame routed into the managed subnet.
type PacketLink interface {
	// Name returns the name of the underlying device
	Name() string

	// MTU returns the Maximum Transmission Unit of the link
	MTU() (int, error)

	// SetPacketProcessor sets the callback for processing frames read from
	// the link. Must be called before Start.
	SetPacketProcessor(processor PacketProcessor)

	// WritePacket writes a raw frame to the link. A failed write is reported
	// to the caller and counted; the link itself keeps running.
	WritePacket(packet Packet) error

	// Start starts the link read loop
	Start() error

	// Stop stops the link and releases the underlying device
	Stop() error

	// Metrics returns metrics for the link
	Metrics() LinkMetrics
}

// PacketProcessor processes frames read from a PacketLink
type PacketProcessor interface {
	// ProcessPacket processes a single raw frame. It must not block
	// indefinitely; implementations enqueue and return.
	ProcessPacket(packet Packet) error
}

// LinkMetrics contains metrics for a PacketLink
type LinkMetrics struct {
	// PacketsReceived is the number of frames read from the link
	PacketsReceived uint64

	// PacketsSent is the number of frames written to the link
	PacketsSent uint64

	// BytesReceived is the number of bytes read from the link
	BytesReceived uint64

	// BytesSent is the number of bytes written to the link
	BytesSent uint64

	// PacketsFiltered is the number of frames dropped by the subnet filter
	PacketsFiltered uint64

	// Errors is the number of errors encountered
	Errors uint64
}
