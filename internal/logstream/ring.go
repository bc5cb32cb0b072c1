package logstream

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
type ring struct {
	buf   []LogEntry
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]LogEntry, capacity)}
}

// push appends e and reports whether an older entry was evicted.
func (r *ring) push(e LogEntry) bool {
	if len(r.buf) == 0 {
		return true
	}

	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = e

	if r.count < len(r.buf) {
		r.count++
		return false
	}

	r.head = (r.head + 1) % len(r.buf)
	return true
}

// take returns all buffered entries oldest first and empties the ring.
func (r *ring) take() []LogEntry {
	out := make([]LogEntry, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		out[i] = r.buf[idx]
		r.buf[idx] = LogEntry{}
	}
	r.head = 0
	r.count = 0
	return out
}

func (r *ring) len() int {
	return r.count
}
