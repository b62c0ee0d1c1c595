package coordinator

import "sync/atomic"

// budget is the shared per-scan request counter. It only ever decreases;
// hitting zero is a graceful early-stop signal for engines, not a failure.
type budget struct {
	remaining atomic.Int64
}

func newBudget(n int) *budget {
	b := &budget{}
	b.remaining.Store(int64(n))
	return b
}

func (b *budget) left() int {
	v := b.remaining.Load()
	if v < 0 {
		return 0
	}
	return int(v)
}

// consume subtracts n requests, flooring at zero, and reports whether the
// budget is now exhausted.
func (b *budget) consume(n int) bool {
	if n < 0 {
		n = 0
	}
	v := b.remaining.Add(-int64(n))
	if v < 0 {
		b.remaining.Store(0)
		v = 0
	}
	return v == 0
}
