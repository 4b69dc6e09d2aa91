package console

import "sync"

// DefaultReplayCapacity is the number of lines kept for newly attached
// sessions when no capacity is configured.
const DefaultReplayCapacity = 1000

// ReplayBuffer keeps the most recent broadcast lines. When full, the
// oldest line is dropped. It is safe for concurrent use.
type ReplayBuffer struct {
	mu    sync.Mutex
	lines []string
	head  int
	size  int
}

// NewReplayBuffer creates a buffer holding up to capacity lines.
// If capacity <= 0, DefaultReplayCapacity is used.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayBuffer{lines: make([]string, capacity)}
}

// Append adds a line, evicting the oldest one if the buffer is full.
func (b *ReplayBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.head + b.size) % len(b.lines)
	b.lines[idx] = line
	if b.size < len(b.lines) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.lines)
	}
}

// Snapshot returns the buffered lines, oldest first.
func (b *ReplayBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.head+i)%len(b.lines)]
	}
	return out
}

// Len returns the number of buffered lines.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *ReplayBuffer) Cap() int {
	return len(b.lines)
}

// Reset discards all buffered lines.
func (b *ReplayBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.lines)
	b.head, b.size = 0, 0
}
