package supervisor

import (
	"sync"
	"time"
)

// RestartPolicy bounds automatic restarts: at most Limit restarts within
// any Window. A zero Window counts restarts over the whole session.
type RestartPolicy struct {
	Limit  int
	Window time.Duration
}

// budget tracks restart times of one process against its policy.
type budget struct {
	mu     sync.Mutex
	policy RestartPolicy
	times  []time.Time
}

func newBudget(p RestartPolicy) *budget {
	return &budget{policy: p}
}

// take records a restart at now and reports whether the policy allows it.
func (b *budget) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policy.Window > 0 {
		cutoff := now.Add(-b.policy.Window)
		kept := b.times[:0]
		for _, t := range b.times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.times = kept
	}
	if len(b.times) >= b.policy.Limit {
		return false
	}
	b.times = append(b.times, now)
	return true
}

func (b *budget) used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.times)
}
