package encore

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by Encore.
type Portnumbers struct {
	RPC         int
	Status      int
	FirstOutlet int
}

// Ports globally holds all TCP port numbers used by Encore. Stream outlets
// bind consecutive ports counting up from FirstOutlet.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.FirstOutlet = base + 20
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.4",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// EncoreStartTime is a global holding the time init() was run
var EncoreStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log normal activity messages to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5580)
	EncoreStartTime = time.Now()

	// Encore main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
