package encore

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"

	"github.com/usnistgov/encore/internal/replaydb"
)

// replayArchive records sessions to ClickHouse. The default nil connection
// records nothing; all its methods are nil-safe.
var replayArchive *replaydb.ReplayDBConnection

// SetReplayArchive installs the database connection that session records go
// to.
func SetReplayArchive(db *replaydb.ReplayDBConnection) {
	replayArchive = db
}

// newSessionSinks builds the sink factory for one replay session. Each
// session gets a fresh factory, so outlet ports always count up from
// Ports.FirstOutlet.
var newSessionSinks = func() SinkFactory { return NewZMQOutletFactory(Ports.FirstOutlet) }

// SetOutletFactory replaces how sessions build their outlets, e.g. NATS
// subjects instead of the default per-stream ZMQ PUB sockets.
func SetOutletFactory(f func() SinkFactory) {
	newSessionSinks = f
}

// DefaultStopTimeout bounds how long Stop waits for each stream worker
// before declaring it stuck. Override with the "stoptimeout" config key.
const DefaultStopTimeout = 2 * time.Second

// ReplayControl is the sub-server that handles configuration and operation
// of Encore replay sessions.
type ReplayControl struct {
	lock       sync.Mutex
	scheduler  *StreamScheduler
	recording  *Recording
	synthetic  *SyntheticSourceConfig
	multiplier int

	stopTimeout  time.Duration
	status       ServerStatus
	sessionID    string
	sessionStart time.Time
}

// ServerStatus is the overall state that ReplayControl reports to clients
// under the STATUS tag.
type ServerStatus struct {
	Running    bool
	SourceName string
	SessionID  string
	Nstreams   int
	Nchannels  int
}

// NewReplayControl prepares a control server with no active session.
func NewReplayControl() *ReplayControl {
	rc := &ReplayControl{
		scheduler:   NewStreamScheduler(),
		multiplier:  1,
		stopTimeout: DefaultStopTimeout,
	}
	if d := viper.GetDuration("stoptimeout"); d > 0 {
		rc.stopTimeout = d
	}
	return rc
}

// FactorArgs holds the arguments to a Multiply operation
type FactorArgs struct {
	A, B int
}

// Multiply is a silly RPC service that multiplies its two arguments.
// Clients use it as a connectivity check.
func (rc *ReplayControl) Multiply(args *FactorArgs, reply *int) error {
	*reply = args.A * args.B
	return nil
}

// Version returns the server's build information.
func (rc *ReplayControl) Version(dummy *string, reply *BuildInfo) error {
	*reply = Build
	return nil
}

// RecordingConfig points at a recording directory on the server's disk. It
// is persisted, so a restarted server reloads the last recording.
type RecordingConfig struct {
	Path string
}

// LoadRecording reads the manifest and data files of a recording directory
// and makes it the signal source for future RECORDING sessions.
func (rc *ReplayControl) LoadRecording(args *RecordingConfig, reply *bool) error {
	log.Printf("LoadRecording: %s\n", args.Path)
	rec, err := LoadRecording(args.Path)
	if err != nil {
		*reply = false
		return err
	}
	rc.lock.Lock()
	rc.recording = rec
	rc.lock.Unlock()
	queueClientUpdate("RECORDING", args)

	nchan := 0
	descriptors := make([]StreamDescriptor, 0, len(rec.Streams))
	for _, s := range rec.Streams {
		descriptors = append(descriptors, s.Descriptor)
		nchan += s.Descriptor.ChannelCount
	}
	log.Printf("Result is okay=true: %d streams, %d channels, ~%v of data\n",
		len(rec.Streams), nchan, rec.Duration().Round(time.Second))
	UpdateLogger.Printf("Loaded recording %s:\n%s", args.Path, spew.Sdump(descriptors))
	*reply = true
	return nil
}

// ConfigureSyntheticSource configures the source of simulated noise streams.
func (rc *ReplayControl) ConfigureSyntheticSource(args *SyntheticSourceConfig, reply *bool) error {
	log.Printf("ConfigureSyntheticSource: %d chan, rate=%.3f\n", args.Nchan, args.SampleRate)
	if _, err := args.Descriptor(); err != nil {
		*reply = false
		return err
	}
	rc.lock.Lock()
	rc.synthetic = args
	rc.lock.Unlock()
	queueClientUpdate("SYNTHETIC", args)
	*reply = true
	return nil
}

// SetStreamMultiplier makes future RECORDING sessions start count copies of
// every stream, for load testing many outlets. A count of 1 restores normal
// behavior.
func (rc *ReplayControl) SetStreamMultiplier(count *int, reply *bool) error {
	if *count < 1 {
		*reply = false
		return fmt.Errorf("stream multiplier is %d, want at least 1", *count)
	}
	rc.lock.Lock()
	rc.multiplier = *count
	rc.lock.Unlock()
	queueClientUpdate("MULTIPLIER", *count)
	*reply = true
	return nil
}

// Start builds one stream worker per stream of the named signal source
// ("RECORDING" or "SYNTHETIC") and begins rebroadcasting. Streams whose
// outlet cannot be created are skipped and reported under SINKFAIL; an
// invalid descriptor anywhere means nothing starts at all.
func (rc *ReplayControl) Start(sourceName *string, reply *bool) error {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	if rc.sessionID != "" {
		return fmt.Errorf("replay session %s still exists (you should call Stop)", rc.sessionID)
	}

	name := strings.ToUpper(*sourceName)
	var source string
	var assignments []StreamAssignment
	var failures []error
	sinks := newSessionSinks()
	switch name {
	case "RECORDING":
		if rc.recording == nil {
			return fmt.Errorf("no recording is loaded (you should call LoadRecording)")
		}
		source = "Recording"
		rec := rc.recording
		if rc.multiplier > 1 {
			var err error
			if rec, err = rec.Multiply(rc.multiplier); err != nil {
				return err
			}
		}
		assignments, failures = rec.Assignments(sinks)

	case "SYNTHETIC":
		if rc.synthetic == nil {
			return fmt.Errorf("no synthetic source is configured (you should call ConfigureSyntheticSource)")
		}
		source = "Synthetic"
		d, err := rc.synthetic.Descriptor()
		if err != nil {
			return err
		}
		sink, err := sinks.CreateSink(d)
		if err != nil {
			failures = append(failures, err)
		} else {
			assignments = append(assignments, StreamAssignment{
				Descriptor: d,
				Source:     rc.synthetic.Source(),
				Sink:       sink,
			})
		}

	default:
		return fmt.Errorf("signal source %q is not recognized (want RECORDING or SYNTHETIC)", *sourceName)
	}

	if len(failures) > 0 {
		skipped := make([]string, len(failures))
		for i, err := range failures {
			skipped[i] = err.Error()
			ProblemLogger.Printf("skipping stream: %s", err)
		}
		queueClientUpdate("SINKFAIL", skipped)
	}

	log.Printf("Starting replay of %s source with %d streams\n", source, len(assignments))
	workers, err := rc.scheduler.StartAll(assignments)
	if err != nil {
		for _, a := range assignments {
			a.Sink.Close()
		}
		*reply = false
		return err
	}

	nchan := 0
	for _, a := range assignments {
		nchan += a.Descriptor.ChannelCount
	}
	rc.sessionID = ulid.Make().String()
	rc.sessionStart = time.Now()
	rc.status = ServerStatus{
		Running:    true,
		SourceName: source,
		SessionID:  rc.sessionID,
		Nstreams:   len(workers),
		Nchannels:  nchan,
	}
	hostname, _ := os.Hostname()
	replayArchive.RecordSession(&replaydb.SessionMessage{
		ID:        rc.sessionID,
		Hostname:  hostname,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		Source:    source,
		Nstreams:  len(workers),
		Nchannels: nchan,
		Start:     rc.sessionStart,
	})
	go rc.watchWorkers(rc.sessionID, rc.sessionStart, workers)
	rc.broadcastStatus()
	*reply = true
	return nil
}

// Stop requests every worker in the session to stop, waits for them
// concurrently, and ends the session. Workers that do not stop within the
// timeout stay around to be collected by a later Stop.
func (rc *ReplayControl) Stop(dummy *string, reply *bool) error {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	if rc.sessionID == "" {
		return fmt.Errorf("no replay session exists")
	}
	log.Printf("Stopping replay session %s\n", rc.sessionID)
	outcomes := rc.scheduler.StopAll(rc.stopTimeout)
	stuck := 0
	for _, out := range outcomes {
		if out.Stuck {
			stuck++
		}
	}
	if stuck == 0 {
		rc.sessionID = ""
		rc.status = ServerStatus{}
	} else {
		rc.status.Nstreams = stuck
		log.Printf("Result: %d of %d workers stuck; session %s remains until they stop\n",
			stuck, len(outcomes), rc.sessionID)
	}
	rc.broadcastStatus()
	*reply = stuck == 0
	return nil
}

// StreamDoneMessage reports one finished stream under the STREAMDONE tag.
type StreamDoneMessage struct {
	SessionID      string
	Name           string
	State          string
	SamplesEmitted int64
	Error          string `json:",omitempty"`
}

// SessionDoneMessage reports a completely finished session under ALLDONE.
type SessionDoneMessage struct {
	SessionID string
	Elapsed   float64 // seconds since the session started
	Nstreams  int
}

// watchWorkers reports each stream's end as it happens and, once every
// worker has finished, reports the whole session done. A stuck worker
// delays only its own report and ALLDONE, never its siblings'.
func (rc *ReplayControl) watchWorkers(sessionID string, started time.Time, workers []*StreamWorker) {
	finished := make(chan *StreamWorker)
	for _, w := range workers {
		go func(w *StreamWorker) {
			<-w.Done()
			finished <- w
		}(w)
	}
	for range workers {
		w := <-finished
		state, err := w.State(), w.Err()
		d := w.Descriptor()
		msg := StreamDoneMessage{
			SessionID:      sessionID,
			Name:           d.Name,
			State:          state.String(),
			SamplesEmitted: w.SamplesEmitted(),
		}
		if err != nil {
			msg.Error = err.Error()
			ProblemLogger.Printf("stream %q failed: %s", d.Name, err)
		}
		queueClientUpdate("STREAMDONE", msg)
		replayArchive.RecordRebroadcast(&replaydb.RebroadcastMessage{
			SessionID:      sessionID,
			Stream:         d.Name,
			StreamType:     d.Type,
			Nchan:          d.ChannelCount,
			Rate:           d.NominalRate,
			Format:         d.Format.String(),
			State:          state.String(),
			SamplesEmitted: w.SamplesEmitted(),
			MaxLagNS:       int64(w.MaxLag()),
			Error:          msg.Error,
			Start:          started,
			End:            time.Now(),
		})
	}

	rc.lock.Lock()
	if rc.sessionID == sessionID {
		rc.status.Running = false
		rc.broadcastStatus()
	}
	rc.lock.Unlock()
	queueClientUpdate("ALLDONE", SessionDoneMessage{
		SessionID: sessionID,
		Elapsed:   time.Since(started).Seconds(),
		Nstreams:  len(workers),
	})
	log.Printf("Replay session %s finished all %d streams\n", sessionID, len(workers))
}

// SessionStatus reports the per-stream state of the current session.
func (rc *ReplayControl) SessionStatus(dummy *string, reply *[]StreamStatus) error {
	*reply = rc.scheduler.Status()
	return nil
}

// broadcastStatus queues the overall and per-stream status messages.
// Callers must hold rc.lock.
func (rc *ReplayControl) broadcastStatus() {
	queueClientUpdate("STATUS", rc.status)
	queueClientUpdate("STREAMS", rc.scheduler.Status())
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (rc *ReplayControl) SendAllStatus(dummy *string, reply *bool) error {
	rc.lock.Lock()
	rc.broadcastStatus()
	rc.lock.Unlock()
	queueClientUpdate("SENDALL", 0)
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server on the given
// port. If block, the accept loop runs in the foreground; otherwise it runs
// on its own goroutine and RunRPCServer returns once the listener is up.
func RunRPCServer(portrpc int, block bool) {
	control := NewReplayControl()

	// Restore whatever configuration the last run saved.
	var okay bool
	log.Printf("Encore is using config file %s\n", viper.ConfigFileUsed())
	var rconf RecordingConfig
	if err := viper.UnmarshalKey("recording", &rconf); err == nil && rconf.Path != "" {
		if err := control.LoadRecording(&rconf, &okay); err != nil {
			ProblemLogger.Printf("could not reload recording %s: %s", rconf.Path, err)
		}
	}
	var sconf SyntheticSourceConfig
	if err := viper.UnmarshalKey("synthetic", &sconf); err == nil && sconf.Nchan > 0 {
		if err := control.ConfigureSyntheticSource(&sconf, &okay); err != nil {
			ProblemLogger.Printf("could not restore synthetic source: %s", err)
		}
	}
	if m := viper.GetInt("multiplier"); m > 1 {
		control.SetStreamMultiplier(&m, &okay)
	}

	server := rpc.NewServer()
	server.Register(control)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	runloop := func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Fatal("accept error: " + err.Error())
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		runloop()
	} else {
		go runloop()
	}
}
