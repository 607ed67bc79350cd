package encore

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerState is used to indicate the idle/running/transition state of stream workers
type WorkerState int

// Names for the possible values of WorkerState
const (
	Idle     WorkerState = iota // Worker is built but not started
	Running                     // Worker is emitting samples
	Stopping                    // Worker has seen its stop token and is winding down
	Stopped                     // Worker finished cleanly (stop honored, or source exhausted)
	Failed                      // Worker quit on a source or sink fault
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("WorkerState(%d)", int(s))
}

// Terminal reports whether a worker in this state will never run again.
func (s WorkerState) Terminal() bool {
	return s == Stopped || s == Failed
}

// StopToken is a one-shot stop request shared by any number of askers and
// observers. Set may be called from any goroutine, any number of times; only
// the first call has an effect. Observers either poll Seen or select on C.
type StopToken struct {
	once sync.Once
	c    chan struct{}
}

// NewStopToken creates an unset StopToken.
func NewStopToken() *StopToken {
	return &StopToken{c: make(chan struct{})}
}

// Set trips the token. Safe to call repeatedly and concurrently.
func (t *StopToken) Set() {
	t.once.Do(func() { close(t.c) })
}

// Seen reports whether the token has been set.
func (t *StopToken) Seen() bool {
	select {
	case <-t.c:
		return true
	default:
		return false
	}
}

// C returns a channel that closes when the token is set.
func (t *StopToken) C() <-chan struct{} {
	return t.c
}

// ErrJoinTimeout is returned by StreamWorker.Join when the worker has not
// reached a terminal state within the allowed time.
var ErrJoinTimeout = errors.New("timed out waiting for stream worker to stop")

// StreamWorker owns one stream end to end: it pulls samples from a
// SignalSource, paces them against the stream's nominal rate, and pushes
// them into an OutletSink, all on its own goroutine. Workers share no
// mutable state, so one stream's fault cannot disturb its siblings.
//
// The worker closes its sink when it finishes; nobody else should.
type StreamWorker struct {
	descriptor StreamDescriptor
	source     SignalSource
	sink       OutletSink
	stop       *StopToken

	stateLock sync.Mutex
	state     WorkerState
	err       error

	done     chan struct{}
	nEmitted atomic.Int64
	maxLag   atomic.Int64 // worst observed emission lateness, in nanoseconds
}

// NewStreamWorker validates the descriptor and prepares a worker in the Idle
// state. Nothing runs until Start.
func NewStreamWorker(descriptor StreamDescriptor, source SignalSource, sink OutletSink) (*StreamWorker, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("stream %q has no signal source", descriptor.Name)
	}
	if sink == nil {
		return nil, fmt.Errorf("stream %q has no outlet sink", descriptor.Name)
	}
	return &StreamWorker{
		descriptor: descriptor,
		source:     source,
		sink:       sink,
		stop:       NewStopToken(),
		done:       make(chan struct{}),
	}, nil
}

// Descriptor returns the stream this worker emits.
func (w *StreamWorker) Descriptor() StreamDescriptor {
	return w.descriptor
}

// State returns the worker's current lifecycle state.
func (w *StreamWorker) State() WorkerState {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	return w.state
}

// Err returns the fault that put the worker in the Failed state, or nil.
func (w *StreamWorker) Err() error {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	return w.err
}

// SamplesEmitted returns how many samples the worker has pushed to its sink
// so far. Safe to call while the worker runs.
func (w *StreamWorker) SamplesEmitted() int64 {
	return w.nEmitted.Load()
}

// MaxLag returns the worst observed lateness of any emitted sample relative
// to its ideal deadline. Always 0 for irregular-rate streams.
func (w *StreamWorker) MaxLag() time.Duration {
	return time.Duration(w.maxLag.Load())
}

// Done returns a channel that closes when the worker reaches a terminal
// state. The terminal state and error are visible before it closes.
func (w *StreamWorker) Done() <-chan struct{} {
	return w.done
}

func (w *StreamWorker) setState(s WorkerState) {
	w.stateLock.Lock()
	w.state = s
	w.stateLock.Unlock()
}

// Start moves the worker from Idle to Running and launches its emission
// goroutine.
func (w *StreamWorker) Start() error {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	if w.state != Idle {
		return fmt.Errorf("StreamWorker %q is %s, cannot Start unless Idle", w.descriptor.Name, w.state)
	}
	w.state = Running
	go w.run()
	return nil
}

// RequestStop trips the worker's stop token. It never blocks and may be
// called in any state, from any goroutine, any number of times.
func (w *StreamWorker) RequestStop() {
	w.stop.Set()
}

// Join waits up to timeout for the worker to reach a terminal state. It
// returns the state reached and, for Failed workers, the fault. When the
// timeout expires first, it returns the current (non-terminal) state and
// ErrJoinTimeout; the worker keeps running and Join may be called again.
func (w *StreamWorker) Join(timeout time.Duration) (WorkerState, error) {
	select {
	case <-w.done:
		w.stateLock.Lock()
		defer w.stateLock.Unlock()
		return w.state, w.err
	case <-time.After(timeout):
		return w.State(), ErrJoinTimeout
	}
}

// run is the worker goroutine: pull, pace, push, until stop, exhaustion, or
// fault. The terminal state is written before done closes, so observers that
// wake on done always see the final state.
func (w *StreamWorker) run() {
	var finalErr error
	defer func() {
		if err := w.sink.Close(); err != nil {
			ProblemLogger.Printf("could not close outlet for stream %q: %v", w.descriptor.Name, err)
		}
		w.stateLock.Lock()
		if finalErr != nil {
			w.state = Failed
			w.err = finalErr
		} else {
			w.state = Stopped
		}
		w.stateLock.Unlock()
		close(w.done)
	}()

	pacer := newSamplePacer(w.descriptor.NominalRate)
	for n := int64(0); ; n++ {
		if w.stop.Seen() {
			w.setState(Stopping)
			return
		}

		sample, err := w.source.NextSample()
		if errors.Is(err, io.EOF) {
			return // finite source played out: a clean stop
		}
		if err != nil {
			finalErr = fmt.Errorf("source for stream %q failed at sample %d: %w", w.descriptor.Name, n, err)
			return
		}
		if len(sample) != w.descriptor.ChannelCount {
			finalErr = fmt.Errorf("source for stream %q produced %d values at sample %d, want %d",
				w.descriptor.Name, len(sample), n, w.descriptor.ChannelCount)
			return
		}

		if pacer != nil {
			if !pacer.waitUntilDue(n, w.stop.C()) {
				w.setState(Stopping)
				return
			}
			if lag := int64(pacer.lag); lag > w.maxLag.Load() {
				w.maxLag.Store(lag)
			}
		}

		if err := w.sink.Push(sample, n, time.Now()); err != nil {
			finalErr = fmt.Errorf("sink for stream %q rejected sample %d: %w", w.descriptor.Name, n, err)
			return
		}
		w.nEmitted.Add(1)
	}
}
