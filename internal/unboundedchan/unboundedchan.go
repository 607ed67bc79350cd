package unboundedchan

// UnboundedChannel is a queue with channel endpoints and no capacity limit.
// Sends on In() never block; items come out of Out() in order. Closing In()
// lets the queue drain, then closes Out(). Use pointer types for large
// items; the backlog holds copies.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	backlog []T
}

// NewUnboundedChannel creates an UnboundedChannel and starts its pump.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.pump()
	return uc
}

// pump shuttles items from in to out through the backlog. The out case of
// the select is disabled (nil channel) whenever the backlog is empty, and
// the in case is disabled once the input is closed.
func (uc *UnboundedChannel[T]) pump() {
	var next T
	var out chan T
	in := uc.in
	for in != nil || out != nil {
		select {
		case val, ok := <-in:
			if !ok {
				in = nil
				break
			}
			uc.backlog = append(uc.backlog, val)
		case out <- next:
			uc.backlog = uc.backlog[1:]
		}
		if len(uc.backlog) > 0 {
			next = uc.backlog[0]
			out = uc.out
		} else {
			var zero T
			next = zero
			out = nil
		}
	}
	close(uc.out)
}

// In returns the channel items are pushed into.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the channel items are received from.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}
