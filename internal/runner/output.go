package runner

import "sync"

// cappedBuffer accumulates interleaved stdout and stderr under a hard byte
// ceiling enforced at write time. Bytes past the ceiling are dropped, not
// buffered and truncated later: the runner can emit tens of megabytes over
// a multi-minute run and the ceiling has to bound peak memory, not just
// what is displayed. The mutex is required because both output pipes write
// concurrently.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	dropped int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Always report the full write so the pipe copier keeps draining the
	// process instead of erroring out.
	n := len(p)

	room := b.limit - len(b.buf)
	if room <= 0 {
		b.dropped += int64(n)
		return n, nil
	}
	if len(p) > room {
		b.dropped += int64(len(p) - room)
		p = p[:room]
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// Bytes returns a copy of the retained output.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Dropped reports how many bytes were discarded at the ceiling.
func (b *cappedBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
