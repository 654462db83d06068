package monitor

import "sync"

// ring keeps the last n samples of one process.
type ring struct {
	mu    sync.Mutex
	buf   []ProcessSample
	start int
	count int
}

func newRing(n int) *ring {
	return &ring{buf: make([]ProcessSample, n)}
}

func (r *ring) add(s ProcessSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.buf[r.count] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// list returns the samples oldest first.
func (r *ring) list() []ProcessSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProcessSample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
