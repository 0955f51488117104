package core

// FrameCapture receives a copy of every frame crossing the link, in both
// directions. Implementations must tolerate concurrent calls.
type FrameCapture interface {
	Tee(frame []byte)
}
