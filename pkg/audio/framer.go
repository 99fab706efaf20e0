package audio

// Framer re-chunks an arbitrary byte stream into fixed-size frames. Bytes
// that do not fill a whole frame are carried over to the next Push.
//
// A Framer is owned by a single goroutine.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer emitting frames of exactly size bytes.
// size must be positive.
func NewFramer(size int) *Framer {
	if size <= 0 {
		panic("audio: framer size must be positive")
	}
	return &Framer{size: size, buf: make([]byte, 0, 2*size)}
}

// Size returns the frame size in bytes.
func (f *Framer) Size() int { return f.size }

// Push appends data and returns every complete frame now available. Each
// returned frame is an independent copy.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	if len(f.buf) < f.size {
		return nil
	}
	frames := make([][]byte, 0, len(f.buf)/f.size)
	off := 0
	for len(f.buf)-off >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[off:off+f.size])
		frames = append(frames, frame)
		off += f.size
	}
	n := copy(f.buf, f.buf[off:])
	f.buf = f.buf[:n]
	return frames
}

// Pending returns the number of buffered bytes not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }

// Reset drops any buffered remainder.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
