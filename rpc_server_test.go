package encore

import (
	"fmt"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/user"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	if err != nil {
		t.Fatalf("Could not connect simpleClient() to RPC server")
	}
	defer client.Close()

	// Test the silly multiply feature
	args := &FactorArgs{A: 33, B: 0}
	var product int
	for b := 10; b < 11; b++ {
		args.B = b
		err = client.Call("ReplayControl.Multiply", args, &product)
		if err != nil {
			t.Errorf("ReplayControl.Multiply error on call: %s", err.Error())
		}
		if product != args.A*args.B {
			t.Errorf("ReplayControl.Multiply: %d * %d = %d, want %d\n", args.A, args.B, product, args.A*args.B)
		}
	}

	var build BuildInfo
	dummy := ""
	err = client.Call("ReplayControl.Version", &dummy, &build)
	if err != nil {
		t.Errorf("Error calling ReplayControl.Version: %s", err.Error())
	}
	if build.Version == "" {
		t.Error("ReplayControl.Version returned an empty version")
	}

	// Stop with no session, and Start with a wrong name, must both error.
	var okay bool
	err = client.Call("ReplayControl.Stop", &dummy, &okay)
	if err == nil {
		t.Errorf("expected error on Stopping when there is no replay session")
	}
	sourceName := "petunia"
	err = client.Call("ReplayControl.Start", &sourceName, &okay)
	if err == nil {
		t.Errorf("Expected error calling ReplayControl.Start(\"%s\") with wrong name, saw none", sourceName)
	}

	// SYNTHETIC cannot start before it is configured.
	sourceName = "SYNTHETIC"
	err = client.Call("ReplayControl.Start", &sourceName, &okay)
	if err == nil {
		t.Errorf("expected error starting SYNTHETIC before ConfigureSyntheticSource")
	}

	// Make sure Nchan = 0 raises error when we try to configure
	sconfig := SyntheticSourceConfig{Nchan: 0, SampleRate: 500.0}
	err = client.Call("ReplayControl.ConfigureSyntheticSource", &sconfig, &okay)
	if err == nil {
		t.Errorf("Expected error on server with ReplayControl.ConfigureSyntheticSource() when Nchan<1")
	}

	// Test a basic configuration
	sconfig = SyntheticSourceConfig{Name: "noise", Nchan: 3, SampleRate: 500.0, Format: "float32", Seed: 4}
	err = client.Call("ReplayControl.ConfigureSyntheticSource", &sconfig, &okay)
	if !okay {
		t.Errorf("Error on server with ReplayControl.ConfigureSyntheticSource()")
	}
	if err != nil {
		t.Errorf("Error calling ReplayControl.ConfigureSyntheticSource(): %s", err.Error())
	}

	err = client.Call("ReplayControl.Start", &sourceName, &okay)
	if err != nil {
		t.Errorf("Error calling ReplayControl.Start(%s): %s", sourceName, err.Error())
	}
	if !okay {
		t.Errorf("ReplayControl.Start(\"%s\") returns !okay, want okay", sourceName)
	}
	err = client.Call("ReplayControl.Start", &sourceName, &okay)
	if err == nil {
		t.Errorf("expected error when starting while a replay session is active")
	}
	err = client.Call("ReplayControl.SendAllStatus", &dummy, &okay)
	if err != nil {
		t.Error("Error calling ReplayControl.SendAllStatus():", err)
	}

	time.Sleep(time.Millisecond * 400)
	var report []StreamStatus
	err = client.Call("ReplayControl.SessionStatus", &dummy, &report)
	if err != nil {
		t.Errorf("Error calling ReplayControl.SessionStatus: %s", err.Error())
	} else {
		if len(report) != 1 {
			t.Fatalf("SessionStatus reports %d streams, want 1", len(report))
		}
		if report[0].Name != "noise" {
			t.Errorf("stream name %q, want \"noise\"", report[0].Name)
		}
		if report[0].State != "Running" {
			t.Errorf("stream state %s, want Running", report[0].State)
		}
		if report[0].SamplesEmitted == 0 {
			t.Errorf("synthetic stream emitted nothing after 400ms at 500 Hz")
		}
		if report[0].ChannelCount != 3 || report[0].Format != "float32" {
			t.Errorf("stream reports %s x%d, want float32 x3", report[0].Format, report[0].ChannelCount)
		}
	}

	err = client.Call("ReplayControl.Stop", &dummy, &okay)
	if err != nil {
		t.Errorf("Error calling ReplayControl.Stop: %s", err.Error())
	}
	if !okay {
		t.Errorf("ReplayControl.Stop returns !okay, want okay")
	}
	err = client.Call("ReplayControl.SessionStatus", &dummy, &report)
	if err != nil {
		t.Errorf("Error calling ReplayControl.SessionStatus: %s", err.Error())
	}
	if len(report) != 0 {
		t.Errorf("SessionStatus reports %d streams after Stop, want 0", len(report))
	}
}

func TestServerReplaysRecording(t *testing.T) {
	client, err := simpleClient()
	if err != nil {
		t.Fatalf("Could not connect simpleClient() to RPC server")
	}
	defer client.Close()

	var okay bool
	rconfig := RecordingConfig{Path: "/no/such/recording"}
	if err := client.Call("ReplayControl.LoadRecording", &rconfig, &okay); err == nil {
		t.Errorf("expected error loading a nonexistent recording")
	}

	// 120 samples at 1 kHz: 120 ms of replay.
	dir := writeTestRecording(t, 120, 1000)
	rconfig = RecordingConfig{Path: dir}
	if err := client.Call("ReplayControl.LoadRecording", &rconfig, &okay); err != nil {
		t.Fatalf("Error calling ReplayControl.LoadRecording: %s", err.Error())
	}
	if !okay {
		t.Fatalf("ReplayControl.LoadRecording returns !okay, want okay")
	}

	badcount := 0
	if err := client.Call("ReplayControl.SetStreamMultiplier", &badcount, &okay); err == nil {
		t.Errorf("Expected error on ReplayControl.SetStreamMultiplier(0)")
	}
	count := 2
	if err := client.Call("ReplayControl.SetStreamMultiplier", &count, &okay); err != nil {
		t.Errorf("Error calling ReplayControl.SetStreamMultiplier: %s", err.Error())
	}

	sourceName := "recording" // names are case-insensitive
	if err := client.Call("ReplayControl.Start", &sourceName, &okay); err != nil {
		t.Fatalf("Error calling ReplayControl.Start(%s): %s", sourceName, err.Error())
	}
	if !okay {
		t.Fatalf("ReplayControl.Start(\"%s\") returns !okay, want okay", sourceName)
	}

	// Wait for the recording to play out.
	dummy := ""
	var report []StreamStatus
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.Call("ReplayControl.SessionStatus", &dummy, &report); err != nil {
			t.Fatalf("Error calling ReplayControl.SessionStatus: %s", err.Error())
		}
		done := len(report) == 2
		for _, s := range report {
			if s.State != "Stopped" {
				done = false
			}
		}
		if done {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if len(report) != 2 {
		t.Fatalf("SessionStatus reports %d streams, want 2 (the multiplied recording)", len(report))
	}
	names := make(map[string]bool)
	for _, s := range report {
		names[s.Name] = true
		if s.State != "Stopped" {
			t.Errorf("stream %s state %s, want Stopped after the recording played out", s.Name, s.State)
		}
		if s.SamplesEmitted != 120 {
			t.Errorf("stream %s emitted %d samples, want 120", s.Name, s.SamplesEmitted)
		}
	}
	if !names["alpha"] || !names["alpha-2"] {
		t.Errorf("stream names %v, want alpha and alpha-2", names)
	}

	// The session remains until Stop, even after playout.
	sourceName = "RECORDING"
	if err := client.Call("ReplayControl.Start", &sourceName, &okay); err == nil {
		t.Errorf("expected error restarting before Stop")
	}
	if err := client.Call("ReplayControl.Stop", &dummy, &okay); err != nil {
		t.Errorf("Error calling ReplayControl.Stop: %s", err.Error())
	}
	if !okay {
		t.Errorf("ReplayControl.Stop returns !okay, want okay")
	}

	// Restore the multiplier so later tests see normal behavior.
	count = 1
	if err := client.Call("ReplayControl.SetStreamMultiplier", &count, &okay); err != nil {
		t.Errorf("Error calling ReplayControl.SetStreamMultiplier: %s", err.Error())
	}
}

func TestPortnumbers(t *testing.T) {
	if Ports.RPC != 34500 {
		t.Errorf("Ports.RPC = %d, want the test range base 34500", Ports.RPC)
	}
	if Ports.Status != Ports.RPC+1 {
		t.Errorf("Ports.Status = %d, want %d", Ports.Status, Ports.RPC+1)
	}
	if Ports.FirstOutlet != Ports.RPC+20 {
		t.Errorf("Ports.FirstOutlet = %d, want %d", Ports.FirstOutlet, Ports.RPC+20)
	}
}

// resetConfigFile creates path/filename, truncating any config state a
// previous test run saved there.
func resetConfigFile(path, filename string) error {
	u, err := user.Current()
	if err != nil {
		return err
	}
	path = strings.Replace(path, "$HOME", u.HomeDir, 1)

	// Create directory <path>, if needed
	_, err = os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		err = os.MkdirAll(path, 0775)
		if err != nil {
			return err
		}
	}

	f, err := os.Create(fmt.Sprintf("%s/%s", path, filename))
	if err != nil {
		return err
	}
	return f.Close()
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	const path string = "$HOME/.encore"
	const filename string = "testconfig"
	const suffix string = ".yaml"
	if err := resetConfigFile(path, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(path)
	viper.AddConfigPath(".")
	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}

	// Set up different ports for testing than you'd use otherwise
	setPortnumbers(34500)
	return nil
}

func TestMain(m *testing.M) {
	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	// set log to write to a file
	f, err := os.Create("encoretestlogfile")
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	defer f.Close()
	log.SetOutput(f)

	abort := make(chan struct{})
	go RunClientUpdater(Ports.Status, abort)
	RunRPCServer(Ports.RPC, false)

	// run tests
	os.Exit(m.Run())
}
