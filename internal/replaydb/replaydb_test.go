package replaydb

import (
	"testing"
	"time"
)

// The Record* API must be safe to call with no database at all: a nil
// connection, a dummy, or a connection whose server never answered.
func TestNilSafety(t *testing.T) {
	var db *ReplayDBConnection
	if db.IsConnected() {
		t.Error("nil connection claims to be connected")
	}
	db.RecordSession(&SessionMessage{ID: "x", Start: time.Now()})
	db.RecordRebroadcast(&RebroadcastMessage{SessionID: "x"})
	db.Disconnect()
}

func TestDummyConnection(t *testing.T) {
	db := DummyDBConnection()
	if db.IsConnected() {
		t.Error("dummy connection claims to be connected")
	}
	db.RecordSession(&SessionMessage{ID: "y", Start: time.Now()})
	db.RecordRebroadcast(nil)
	db.Disconnect()
	db.Wait() // no handler goroutine was started, so this returns at once
}

func TestStartDBConnectionWithoutServer(t *testing.T) {
	// Point at a port where nothing listens, so the test behaves the same
	// with or without a local ClickHouse server.
	t.Setenv("ENCORE_DB_ADDR", "localhost:1")
	abort := make(chan struct{})
	db := StartDBConnection(abort)
	if db.IsConnected() {
		t.Error("connection to localhost:1 claims to be connected")
	}
	db.RecordSession(&SessionMessage{ID: "z", Start: time.Now()})
	db.RecordRebroadcast(&RebroadcastMessage{SessionID: "z"})

	// Shutting down must terminate the handler goroutine.
	close(abort)
	done := make(chan struct{})
	go func() {
		db.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler goroutine did not exit after abort")
	}
}

// TestLiveServer exercises a real ClickHouse instance and skips without one.
func TestLiveServer(t *testing.T) {
	probe := createDBConnection()
	if !probe.IsConnected() {
		t.Skipf("no ClickHouse server available: %v", probe.err)
	}
	probe.conn.Close()

	if err := PingServer(); err != nil {
		t.Errorf("PingServer: %s", err)
	}

	abort := make(chan struct{})
	db := StartDBConnection(abort)
	if !db.IsConnected() {
		t.Fatalf("StartDBConnection not connected: %v", db.err)
	}
	start := time.Now()
	db.RecordSession(&SessionMessage{
		ID: "testsession", Hostname: "testhost", Githash: "none",
		Version: "0.0.0", GoVersion: "none", Source: "Synthetic",
		Nstreams: 1, Nchannels: 2, Start: start,
	})
	db.RecordRebroadcast(&RebroadcastMessage{
		SessionID: "testsession", Stream: "teststream", StreamType: "EEG",
		Nchan: 2, Rate: 100, Format: "float32", State: "Stopped",
		SamplesEmitted: 10, MaxLagNS: 1000, Start: start, End: time.Now(),
	})
	time.Sleep(100 * time.Millisecond) // let the async insert land
	close(abort)
	db.Wait()
}
