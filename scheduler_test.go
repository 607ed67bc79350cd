package encore

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// collectSinkFactory hands out collectSinks, refusing streams whose name
// matches failFor.
type collectSinkFactory struct {
	sinks   map[string]*collectSink
	failFor string
}

func newCollectSinkFactory() *collectSinkFactory {
	return &collectSinkFactory{sinks: make(map[string]*collectSink)}
}

func (f *collectSinkFactory) CreateSink(d StreamDescriptor) (OutletSink, error) {
	if d.Name == f.failFor {
		return nil, &SinkCreationError{Stream: d.Name, Err: fmt.Errorf("synthetic refusal")}
	}
	sink := newCollectSink()
	f.sinks[d.Name] = sink
	return sink, nil
}

func finiteAssignment(name string, rate float64, nsamples int) (StreamAssignment, *collectSink) {
	sink := newCollectSink()
	a := StreamAssignment{
		Descriptor: StreamDescriptor{Name: name, ChannelCount: 1, NominalRate: rate, Format: FormatFloat32},
		Source:     &sliceSource{samples: makeSamples(nsamples, 1), failAt: -1},
		Sink:       sink,
	}
	return a, sink
}

func TestStartAllIsAllOrNothing(t *testing.T) {
	good1, sink1 := finiteAssignment("good1", 100, 500)
	good2, sink2 := finiteAssignment("good2", 100, 500)
	bad, sink3 := finiteAssignment("", 100, 500) // blank name fails validation
	bad2, sink4 := finiteAssignment("worse", -5, 500)

	sched := NewStreamScheduler()
	workers, err := sched.StartAll([]StreamAssignment{good1, bad, good2, bad2})
	if err == nil {
		t.Fatal("StartAll accepted invalid descriptors")
	}
	if workers != nil {
		t.Errorf("StartAll returned %d workers along with an error", len(workers))
	}
	// The error names every invalid assignment, not just the first.
	if !strings.Contains(err.Error(), "assignment 1") || !strings.Contains(err.Error(), "assignment 3") {
		t.Errorf("error %q does not name assignments 1 and 3", err.Error())
	}
	var ide *InvalidDescriptorError
	if !errors.As(err, &ide) {
		t.Error("error does not unwrap to *InvalidDescriptorError")
	}

	// No worker ran: no samples flowed and no sink was closed.
	time.Sleep(20 * time.Millisecond)
	for i, sink := range []*collectSink{sink1, sink2, sink3, sink4} {
		if sink.count() != 0 {
			t.Errorf("sink %d received %d samples despite the refused start", i, sink.count())
		}
		if sink.closed != 0 {
			t.Errorf("sink %d was closed by the refused start", i)
		}
	}
	if sched.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after a refused start, want 0", sched.ActiveCount())
	}

	// A corrected set starts fine afterward.
	fixedA, _ := finiteAssignment("fixedA", 0, 5)
	fixedB, _ := finiteAssignment("fixedB", 0, 5)
	workers, err = sched.StartAll([]StreamAssignment{fixedA, fixedB})
	if err != nil {
		t.Fatalf("StartAll after a refusal: %s", err)
	}
	if len(workers) != 2 {
		t.Errorf("StartAll returned %d workers, want 2", len(workers))
	}
	sched.StopAll(2 * time.Second)
}

func TestSchedulerLifecycle(t *testing.T) {
	sched := NewStreamScheduler()
	if outcomes := sched.StopAll(time.Second); len(outcomes) != 0 {
		t.Errorf("StopAll with no session returned %d outcomes", len(outcomes))
	}
	if _, err := sched.StartAll(nil); err == nil {
		t.Error("StartAll accepted an empty assignment list")
	}

	var sinks []*collectSink
	var assignments []StreamAssignment
	for i := 0; i < 3; i++ {
		a, sink := finiteAssignment(fmt.Sprintf("s%d", i), 100, 1000)
		assignments = append(assignments, a)
		sinks = append(sinks, sink)
	}
	workers, err := sched.StartAll(assignments)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 3 {
		t.Fatalf("StartAll returned %d workers, want 3", len(workers))
	}
	if sched.ActiveCount() != 3 {
		t.Errorf("ActiveCount() = %d, want 3", sched.ActiveCount())
	}

	// A second session cannot start while this one lives.
	extra, _ := finiteAssignment("extra", 100, 10)
	if _, err := sched.StartAll([]StreamAssignment{extra}); err == nil {
		t.Error("second StartAll accepted while a session is live")
	} else if !strings.Contains(err.Error(), "StopAll") {
		t.Errorf("refusal %q does not tell the caller to StopAll", err.Error())
	}

	time.Sleep(100 * time.Millisecond)
	status := sched.Status()
	if len(status) != 3 {
		t.Fatalf("Status() reports %d streams, want 3", len(status))
	}
	for _, s := range status {
		if s.State != "Running" {
			t.Errorf("stream %s state %s, want Running", s.Name, s.State)
		}
		if s.SamplesEmitted == 0 {
			t.Errorf("stream %s emitted nothing after 100ms at 100 Hz", s.Name)
		}
		if s.Format != "float32" || s.ChannelCount != 1 {
			t.Errorf("stream %s reports %s x%d, want float32 x1", s.Name, s.Format, s.ChannelCount)
		}
	}

	outcomes := sched.StopAll(2 * time.Second)
	if len(outcomes) != 3 {
		t.Fatalf("StopAll returned %d outcomes, want 3", len(outcomes))
	}
	for _, out := range outcomes {
		if out.Stuck {
			t.Errorf("stream %s reported stuck", out.Stream)
		}
		if out.State != Stopped {
			t.Errorf("stream %s ended %s, want Stopped", out.Stream, out.State)
		}
		if out.Err != nil {
			t.Errorf("stream %s ended with error %v", out.Stream, out.Err)
		}
		if out.SamplesEmitted == 0 {
			t.Errorf("stream %s outcome reports no samples", out.Stream)
		}
	}
	if sched.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after StopAll, want 0", sched.ActiveCount())
	}
	if len(sched.Status()) != 0 {
		t.Error("workers remain in the session after StopAll collected them")
	}
	for i, sink := range sinks {
		if sink.closed != 1 {
			t.Errorf("sink %d closed %d times, want 1", i, sink.closed)
		}
	}
}

func TestSchedulerReportsWorkerFaults(t *testing.T) {
	sched := NewStreamScheduler()
	boom := errors.New("tape ran out")
	faulty := StreamAssignment{
		Descriptor: StreamDescriptor{Name: "faulty", ChannelCount: 1, NominalRate: 0, Format: FormatFloat32},
		Source:     &sliceSource{samples: makeSamples(10, 1), failAt: 4, err: boom},
		Sink:       newCollectSink(),
	}
	workers, err := sched.StartAll([]StreamAssignment{faulty})
	if err != nil {
		t.Fatal(err)
	}
	<-workers[0].Done()

	status := sched.Status()
	if len(status) != 1 || status[0].State != "Failed" {
		t.Fatalf("Status() = %+v, want one Failed stream", status)
	}
	if !strings.Contains(status[0].Error, "tape ran out") {
		t.Errorf("status error %q does not carry the fault", status[0].Error)
	}

	outcomes := sched.StopAll(time.Second)
	if len(outcomes) != 1 {
		t.Fatalf("StopAll returned %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].State != Failed || !errors.Is(outcomes[0].Err, boom) {
		t.Errorf("outcome %s/%v, want Failed wrapping the fault", outcomes[0].State, outcomes[0].Err)
	}
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	sched := NewStreamScheduler()
	boom := errors.New("bad block in the buffer")
	left, leftSink := finiteAssignment("left", 1000, 200)
	right, rightSink := finiteAssignment("right", 1000, 200)
	faultySink := newCollectSink()
	faulty := StreamAssignment{
		Descriptor: StreamDescriptor{Name: "faulty", ChannelCount: 1, NominalRate: 0, Format: FormatFloat32},
		Source:     &sliceSource{samples: makeSamples(10, 1), failAt: 4, err: boom},
		Sink:       faultySink,
	}

	workers, err := sched.StartAll([]StreamAssignment{left, faulty, right})
	if err != nil {
		t.Fatal(err)
	}
	<-workers[1].Done()

	// The failure must not touch the siblings, which are still mid-replay.
	for _, s := range sched.Status() {
		if s.Name != "faulty" && s.State != "Running" {
			t.Errorf("stream %s is %s right after the fault, want Running", s.Name, s.State)
		}
	}
	<-workers[0].Done()
	<-workers[2].Done()

	outcomes := sched.StopAll(2 * time.Second)
	if len(outcomes) != 3 {
		t.Fatalf("StopAll returned %d outcomes, want 3", len(outcomes))
	}
	byName := make(map[string]WorkerOutcome)
	for _, out := range outcomes {
		if out.Stuck {
			t.Errorf("stream %s reported stuck", out.Stream)
		}
		byName[out.Stream] = out
	}
	out := byName["faulty"]
	if out.State != Failed || !errors.Is(out.Err, boom) {
		t.Errorf("faulty stream ended %s/%v, want Failed wrapping the fault", out.State, out.Err)
	}
	if out.SamplesEmitted != 4 || faultySink.count() != 4 {
		t.Errorf("faulty stream pushed %d samples (outcome says %d), want 4 before the fault",
			faultySink.count(), out.SamplesEmitted)
	}
	for _, name := range []string{"left", "right"} {
		if out := byName[name]; out.State != Stopped || out.Err != nil {
			t.Errorf("stream %s ended %s/%v, want Stopped with no error", name, out.State, out.Err)
		}
	}
	if leftSink.count() != 200 || rightSink.count() != 200 {
		t.Errorf("siblings pushed %d and %d samples, want all 200 each", leftSink.count(), rightSink.count())
	}
	for name, sink := range map[string]*collectSink{"left": leftSink, "faulty": faultySink, "right": rightSink} {
		if sink.closed != 1 {
			t.Errorf("stream %s sink closed %d times, want 1", name, sink.closed)
		}
	}
	if sched.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after the session drained, want 0", sched.ActiveCount())
	}
}

func TestStopAllRetainsStuckWorkers(t *testing.T) {
	sched := NewStreamScheduler()
	blocked := &blockedSource{release: make(chan struct{})}
	goodA, goodSink := finiteAssignment("good", 0, 5)
	stuckSink := newCollectSink()
	stuck := StreamAssignment{
		Descriptor: StreamDescriptor{Name: "stuck", ChannelCount: 1, NominalRate: 0, Format: FormatFloat32},
		Source:     blocked,
		Sink:       stuckSink,
	}
	if _, err := sched.StartAll([]StreamAssignment{goodA, stuck}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond) // let the finite stream finish

	begin := time.Now()
	outcomes := sched.StopAll(100 * time.Millisecond)
	if took := time.Since(begin); took > time.Second {
		t.Errorf("StopAll took %v, want about its 100ms timeout", took)
	}
	byName := make(map[string]WorkerOutcome)
	for _, out := range outcomes {
		byName[out.Stream] = out
	}
	if out := byName["good"]; out.Stuck || out.State != Stopped {
		t.Errorf("finished stream reported %s stuck=%v, want Stopped stuck=false", out.State, out.Stuck)
	}
	out := byName["stuck"]
	if !out.Stuck {
		t.Fatal("blocked worker not reported stuck")
	}
	if out.State.Terminal() {
		t.Errorf("stuck worker state %s, want a non-terminal state", out.State)
	}
	if sched.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want the stuck worker retained", sched.ActiveCount())
	}

	// The stuck worker also blocks new sessions.
	another, _ := finiteAssignment("another", 0, 5)
	if _, err := sched.StartAll([]StreamAssignment{another}); err == nil {
		t.Error("StartAll accepted while a stuck worker lingers")
	}

	// Releasing the source lets a second StopAll collect it.
	close(blocked.release)
	outcomes = sched.StopAll(2 * time.Second)
	if len(outcomes) != 1 {
		t.Fatalf("second StopAll returned %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].Stuck || outcomes[0].State != Stopped {
		t.Errorf("released worker reported %s stuck=%v, want Stopped", outcomes[0].State, outcomes[0].Stuck)
	}
	if sched.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after collecting the straggler, want 0", sched.ActiveCount())
	}
	if goodSink.closed != 1 || stuckSink.closed != 1 {
		t.Error("sinks not closed exactly once after the session ended")
	}
}

func TestStopAllTimeoutIsParallel(t *testing.T) {
	sched := NewStreamScheduler()
	var blocks []*blockedSource
	var assignments []StreamAssignment
	for i := 0; i < 4; i++ {
		b := &blockedSource{release: make(chan struct{})}
		blocks = append(blocks, b)
		assignments = append(assignments, StreamAssignment{
			Descriptor: StreamDescriptor{Name: fmt.Sprintf("blocked%d", i), ChannelCount: 1, NominalRate: 0, Format: FormatFloat32},
			Source:     b,
			Sink:       newCollectSink(),
		})
	}
	if _, err := sched.StartAll(assignments); err != nil {
		t.Fatal(err)
	}

	begin := time.Now()
	outcomes := sched.StopAll(150 * time.Millisecond)
	took := time.Since(begin)
	if took > 600*time.Millisecond {
		t.Errorf("StopAll over 4 stuck workers took %v, want about one 150ms timeout, not four", took)
	}
	nstuck := 0
	for _, out := range outcomes {
		if out.Stuck {
			nstuck++
		}
	}
	if nstuck != 4 {
		t.Errorf("%d workers reported stuck, want 4", nstuck)
	}

	for _, b := range blocks {
		close(b.release)
	}
	sched.StopAll(2 * time.Second)
	if sched.ActiveCount() != 0 {
		t.Error("workers remain after releasing the sources")
	}
}
