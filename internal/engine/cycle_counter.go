package engine

import "sync/atomic"

// cycleCounter numbers drain cycles within one process.
//
// Thread-safety: safe for concurrent use (atomic operations).
type cycleCounter struct {
	seq atomic.Int64
}

// Next returns the next cycle number, starting at 1.
func (c *cycleCounter) Next() int64 {
	return c.seq.Add(1)
}

