package replaydb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the sessions table: one row per
// started replay session.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Source    string
	Nstreams  int
	Nchannels int
	Start     time.Time
}

// RebroadcastMessage is the information required to make an entry in the
// rebroadcasts table: one row per stream that finished rebroadcasting.
type RebroadcastMessage struct {
	SessionID      string
	Stream         string
	StreamType     string
	Nchan          int
	Rate           float64
	Format         string
	State          string
	SamplesEmitted int64
	MaxLagNS       int64
	Error          string
	Start          time.Time
	End            time.Time
}
