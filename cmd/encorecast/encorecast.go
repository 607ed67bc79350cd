// Encorecast replays one recording directory as live ZMQ streams and exits
// when the recording runs out or on Ctrl-C. It is the no-daemon way to use
// Encore: no RPC server, no status port, no database.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usnistgov/encore"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: encorecast [flags] RECORDING_DIR [STREAM ...]\n\n")
	fmt.Fprintf(flag.CommandLine.Output(), "Replays the recording at RECORDING_DIR as live streams, one ZMQ PUB\nsocket per stream, until the data runs out or the process is interrupted.\nNaming streams replays only those; naming none replays them all.\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	port := flag.Int("port", encore.Ports.FirstOutlet, "first outlet port; streams bind consecutive ports from here")
	multiply := flag.Int("multiply", 1, "start this many copies of every stream")
	stopTimeout := flag.Duration("stoptimeout", encore.DefaultStopTimeout, "how long to wait for streams to stop")
	list := flag.Bool("list", false, "list the recording's streams and exit without replaying")
	quiet := flag.Bool("quiet", false, "print only errors")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	rec, err := encore.LoadRecording(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "encorecast: %s\n", err)
		os.Exit(1)
	}
	if *list {
		for _, s := range rec.Streams {
			nsamples, _ := s.Data.Dims()
			fmt.Printf("%-24s %3d chan  %10.4g Hz  %-8s  %d samples\n", s.Descriptor.Name,
				s.Descriptor.ChannelCount, s.Descriptor.NominalRate, s.Descriptor.Format, nsamples)
		}
		os.Exit(0)
	}
	if flag.NArg() > 1 {
		if rec, err = rec.Select(flag.Args()[1:]...); err != nil {
			fmt.Fprintf(os.Stderr, "encorecast: %s\n", err)
			os.Exit(1)
		}
	}
	if *multiply > 1 {
		if rec, err = rec.Multiply(*multiply); err != nil {
			fmt.Fprintf(os.Stderr, "encorecast: %s\n", err)
			os.Exit(1)
		}
	}

	assignments, failures := rec.Assignments(encore.NewZMQOutletFactory(*port))
	for _, err := range failures {
		fmt.Fprintf(os.Stderr, "encorecast: skipping stream: %s\n", err)
	}
	if !*quiet {
		for _, a := range assignments {
			endpoint := ""
			if z, ok := a.Sink.(*encore.ZMQOutlet); ok {
				endpoint = z.Endpoint()
			}
			fmt.Printf("%-24s %3d chan  %10.4g Hz  %-8s  %s\n", a.Descriptor.Name,
				a.Descriptor.ChannelCount, a.Descriptor.NominalRate, a.Descriptor.Format, endpoint)
		}
		if d := rec.Duration(); d > 0 {
			fmt.Printf("Replaying %d streams for about %v\n", len(assignments), d.Round(time.Second))
		}
	}

	scheduler := encore.NewStreamScheduler()
	workers, err := scheduler.StartAll(assignments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encorecast: %s\n", err)
		os.Exit(1)
	}

	alldone := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.Done()
		}
		close(alldone)
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	select {
	case <-alldone:
		if !*quiet {
			fmt.Printf("Recording played out.\n")
		}
	case sig := <-interrupts:
		fmt.Printf("\nCaught signal %v: stopping streams\n", sig)
	}

	exitCode := 0
	for _, out := range scheduler.StopAll(*stopTimeout) {
		switch {
		case out.Stuck:
			fmt.Fprintf(os.Stderr, "encorecast: stream %q is stuck in state %s\n", out.Stream, out.State)
			exitCode = 1
		case out.Err != nil:
			fmt.Fprintf(os.Stderr, "encorecast: stream %q failed: %s\n", out.Stream, out.Err)
			exitCode = 1
		default:
			if !*quiet {
				fmt.Printf("%-24s %s after %d samples\n", out.Stream, out.State, out.SamplesEmitted)
			}
		}
	}
	os.Exit(exitCode)
}
