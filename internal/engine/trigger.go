package engine

// trigger is a coalescing wake-up signal for the Run loop.
//
// The buffer of one means any number of Fire calls between two receives
// collapse into a single wake-up; Fire never blocks.
type trigger struct {
	signal chan struct{}
}

func newTrigger() *trigger {
	return &trigger{signal: make(chan struct{}, 1)}
}

// Fire requests a wake-up. Safe from any goroutine.
func (t *trigger) Fire() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Wait returns the channel to select on.
func (t *trigger) Wait() <-chan struct{} {
	return t.signal
}
