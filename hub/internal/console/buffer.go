package console

// ReplayBuffer is a bounded FIFO of raw frames. Once full, each push evicts
// the oldest frame.
type ReplayBuffer struct {
	frames [][]byte
	start  int
	n      int
}

// NewReplayBuffer creates a buffer holding at most capacity frames.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ReplayBuffer{frames: make([][]byte, capacity)}
}

// Push appends frame.
func (b *ReplayBuffer) Push(frame []byte) {
	c := len(b.frames)
	if b.n < c {
		b.frames[(b.start+b.n)%c] = frame
		b.n++
		return
	}
	b.frames[b.start] = frame
	b.start = (b.start + 1) % c
}

// Frames returns the buffered frames, oldest first.
func (b *ReplayBuffer) Frames() [][]byte {
	out := make([][]byte, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.frames[(b.start+i)%len(b.frames)]
	}
	return out
}

// Len is the number of buffered frames.
func (b *ReplayBuffer) Len() int { return b.n }

// Cap is the buffer's capacity.
func (b *ReplayBuffer) Cap() int { return len(b.frames) }
