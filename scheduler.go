package encore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// StreamAssignment pairs a stream descriptor with the source that feeds it
// and the sink that publishes it.
type StreamAssignment struct {
	Descriptor StreamDescriptor
	Source     SignalSource
	Sink       OutletSink
}

// WorkerOutcome reports how one stream's worker ended, or failed to end,
// during StopAll.
type WorkerOutcome struct {
	Stream         string
	State          WorkerState
	Err            error
	Stuck          bool
	SamplesEmitted int64
}

// StreamStatus is one stream's entry in a status report.
type StreamStatus struct {
	Name           string
	Type           string
	State          string
	ChannelCount   int
	NominalRate    float64
	Format         string
	SamplesEmitted int64
	Error          string `json:",omitempty"`
}

// StreamScheduler starts and stops a set of StreamWorkers as one session. It
// validates every descriptor before starting any worker, and on stop joins
// all workers concurrently, so the total stop time is bounded by the timeout
// rather than multiplied by the worker count.
type StreamScheduler struct {
	workerLock sync.Mutex
	workers    []*StreamWorker
}

// NewStreamScheduler creates a scheduler with no active session.
func NewStreamScheduler() *StreamScheduler {
	return &StreamScheduler{}
}

// StartAll validates every assignment and, only if all are valid, starts one
// worker per assignment. If any descriptor fails validation, no worker
// starts and the returned error lists every invalid assignment, not just the
// first. The returned workers are the same handles a later StopAll will
// collect; callers may watch their Done channels.
func (s *StreamScheduler) StartAll(assignments []StreamAssignment) ([]*StreamWorker, error) {
	s.workerLock.Lock()
	defer s.workerLock.Unlock()
	if len(s.workers) > 0 {
		return nil, fmt.Errorf("%d stream workers still exist, cannot StartAll (you should call StopAll)", len(s.workers))
	}
	if len(assignments) == 0 {
		return nil, fmt.Errorf("no stream assignments to start")
	}

	var invalid []error
	workers := make([]*StreamWorker, 0, len(assignments))
	for i, a := range assignments {
		w, err := NewStreamWorker(a.Descriptor, a.Source, a.Sink)
		if err != nil {
			invalid = append(invalid, fmt.Errorf("assignment %d: %w", i, err))
			continue
		}
		workers = append(workers, w)
	}
	if len(invalid) > 0 {
		return nil, errors.Join(invalid...)
	}

	for i, w := range workers {
		if err := w.Start(); err != nil {
			// Cannot happen for freshly built workers, but unwind if it does.
			for _, started := range workers[:i] {
				started.RequestStop()
			}
			return nil, err
		}
	}
	s.workers = workers
	return workers, nil
}

// StopAll requests a stop from every worker in the session, then waits for
// all of them in parallel, at most timeout each. Workers that reached a
// terminal state are removed from the session. A worker still running when
// its join times out is reported with Stuck=true and retained, so a later
// StopAll can collect it once whatever blocks it returns; its goroutine is
// never killed.
func (s *StreamScheduler) StopAll(timeout time.Duration) []WorkerOutcome {
	s.workerLock.Lock()
	workers := make([]*StreamWorker, len(s.workers))
	copy(workers, s.workers)
	s.workerLock.Unlock()

	for _, w := range workers {
		w.RequestStop()
	}

	outcomes := make([]WorkerOutcome, len(workers))
	var joins sync.WaitGroup
	for i, w := range workers {
		joins.Add(1)
		go func(i int, w *StreamWorker) {
			defer joins.Done()
			state, err := w.Join(timeout)
			out := WorkerOutcome{
				Stream:         w.descriptor.Name,
				State:          state,
				SamplesEmitted: w.SamplesEmitted(),
			}
			if errors.Is(err, ErrJoinTimeout) {
				out.Stuck = true
				ProblemLogger.Printf("stream worker %q is stuck: still %s after %v", w.descriptor.Name, state, timeout)
			} else {
				out.Err = err
			}
			outcomes[i] = out
		}(i, w)
	}
	joins.Wait()

	var stuck []*StreamWorker
	for i, w := range workers {
		if outcomes[i].Stuck {
			stuck = append(stuck, w)
		}
	}
	s.workerLock.Lock()
	s.workers = stuck
	s.workerLock.Unlock()
	return outcomes
}

// Status reports the current state of every worker in the session, in start
// order.
func (s *StreamScheduler) Status() []StreamStatus {
	s.workerLock.Lock()
	workers := make([]*StreamWorker, len(s.workers))
	copy(workers, s.workers)
	s.workerLock.Unlock()

	report := make([]StreamStatus, len(workers))
	for i, w := range workers {
		d := w.Descriptor()
		st := StreamStatus{
			Name:           d.Name,
			Type:           d.Type,
			State:          w.State().String(),
			ChannelCount:   d.ChannelCount,
			NominalRate:    d.NominalRate,
			Format:         d.Format.String(),
			SamplesEmitted: w.SamplesEmitted(),
		}
		if err := w.Err(); err != nil {
			st.Error = err.Error()
		}
		report[i] = st
	}
	return report
}

// ActiveCount returns how many workers in the session have not yet reached a
// terminal state.
func (s *StreamScheduler) ActiveCount() int {
	s.workerLock.Lock()
	defer s.workerLock.Unlock()
	count := 0
	for _, w := range s.workers {
		if !w.State().Terminal() {
			count++
		}
	}
	return count
}
