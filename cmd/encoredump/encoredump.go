// Encoredump subscribes to Encore outlets and prints what they publish,
// decoding each 3-frame sample message. With -status it prints the 2-frame
// [tag, JSON] messages of the status port instead. It exists for eyeballing
// a live rebroadcast without writing a client.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/usnistgov/encore"
)

var printLock sync.Mutex

func main() {
	status := flag.Bool("status", false, "endpoints are status ports publishing [tag, JSON] messages")
	nmax := flag.Int("n", 0, "exit after this many messages per endpoint (0 means no limit)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: encoredump [flags] tcp://HOST:PORT [more endpoints]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	stop := make(chan struct{})
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		close(stop)
	}()

	var listeners sync.WaitGroup
	for _, endpoint := range flag.Args() {
		listeners.Add(1)
		go func(endpoint string) {
			defer listeners.Done()
			if err := listen(endpoint, *status, *nmax, stop); err != nil {
				fmt.Fprintf(os.Stderr, "encoredump: %s: %s\n", endpoint, err)
			}
		}(endpoint)
	}
	listeners.Wait()
}

// listen subscribes to one endpoint and prints its messages until stop
// closes or nmax messages have arrived.
func listen(endpoint string, status bool, nmax int, stop <-chan struct{}) error {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return err
	}
	defer socket.Close()
	socket.SetSubscribe("")
	socket.SetRcvtimeo(time.Second)
	if err := socket.Connect(endpoint); err != nil {
		return err
	}

	for received := 0; nmax == 0 || received < nmax; {
		select {
		case <-stop:
			return nil
		default:
		}
		frames, err := socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue // receive timeout: check stop and keep listening
			}
			return err
		}
		if status {
			printStatus(frames)
		} else {
			printSample(frames)
		}
		received++
	}
	return nil
}

func printStatus(frames [][]byte) {
	printLock.Lock()
	defer printLock.Unlock()
	if len(frames) != 2 {
		fmt.Printf("odd status message with %d frames\n", len(frames))
		return
	}
	fmt.Printf("%-12s %s\n", frames[0], frames[1])
}

func printSample(frames [][]byte) {
	printLock.Lock()
	defer printLock.Unlock()
	if len(frames) != 3 {
		fmt.Printf("odd sample message with %d frames\n", len(frames))
		return
	}
	header, sample, err := encore.DecodeSampleFrames(frames[1], frames[2])
	if err != nil {
		fmt.Printf("%-16s undecodable: %s\n", frames[0], err)
		return
	}
	fmt.Printf("%-16s #%08d  %s  %s %s\n", frames[0], header.Index,
		header.Timestamp.Format("15:04:05.000000"), header.Format, formatValues(sample))
}

// formatValues renders the first few channel values, eliding the rest.
func formatValues(s encore.Sample) string {
	const maxShow = 8
	vals := s
	suffix := ""
	if len(vals) > maxShow {
		vals = vals[:maxShow]
		suffix = " ..."
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + suffix + "]"
}
