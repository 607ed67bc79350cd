package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/spf13/viper"
	"github.com/usnistgov/encore"
	"github.com/usnistgov/encore/internal/replaydb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("verbose", false)
	viper.SetDefault("outlets", "zmq")
	viper.SetDefault("natsurl", "")
	viper.SetDefault("stoptimeout", encore.DefaultStopTimeout)

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotEncore := filepath.Join(home, ".encore")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotEncore, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/encore"))
	viper.AddConfigPath(dotEncore)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

// startLogger opens a rotating log file for one of the two global loggers.
func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	encore.Build.Date = buildDate
	encore.Build.Githash = githash
	encore.Build.Gitdate = gitdate
	encore.Build.Summary = fmt.Sprintf("ENCORE version %s (git commit %s of %s)", encore.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		encore.Build.Host = host
	} else {
		encore.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("ping", false, "check the ClickHouse connection and quit")
	noDB := flag.Bool("nodb", false, "run without recording sessions to ClickHouse")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is ENCORE version %s\n", encore.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if *pingDB {
		if err := replaydb.PingServer(); err != nil {
			fmt.Printf("ClickHouse is not reachable: %s\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is ENCORE version %s (git commit %s)\n", encore.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(home, ".encore", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	encore.ProblemLogger = startLogger(problemname)
	encore.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	encore.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	// Outlets are per-stream ZMQ PUB sockets unless configured for NATS.
	if viper.GetString("outlets") == "nats" {
		factory, err := encore.NewNATSOutletFactory(viper.GetString("natsurl"), "encore.stream")
		if err != nil {
			log.Fatalf("could not set up NATS outlets: %s", err)
		}
		defer factory.Close()
		encore.SetOutletFactory(func() encore.SinkFactory { return factory })
		fmt.Printf("Publishing streams as NATS subjects under encore.stream.*\n")
	}

	abort := make(chan struct{})
	var db *replaydb.ReplayDBConnection
	if !*noDB {
		db = replaydb.StartDBConnection(abort)
		encore.SetReplayArchive(db)
		if db.IsConnected() {
			fmt.Printf("Recording sessions to ClickHouse\n")
		} else {
			fmt.Printf("ClickHouse is not reachable; sessions will not be recorded\n")
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupts
		fmt.Printf("\nCaught signal %v: shutting down\n", sig)
		close(abort)
		if db != nil {
			db.Wait()
		}
		if *cpuprofile != "" {
			pprof.StopCPUProfile()
		}
		writeMemoryProfile(memprofile)
		os.Exit(0)
	}()

	go encore.RunClientUpdater(encore.Ports.Status, abort)
	encore.RunRPCServer(encore.Ports.RPC, true)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
