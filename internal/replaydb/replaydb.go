// Package replaydb records replay sessions to a ClickHouse database.
package replaydb

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "encore" // official SQL name of the database

const dbTimeLayout = "2006-01-02 15:04:05.000000"

// ReplayDBConnection owns one connection to the database and the goroutine
// that serializes inserts on it. All Record* methods are safe on a nil or
// unconnected receiver; they simply do nothing.
type ReplayDBConnection struct {
	conn       clickhouse.Conn
	err        error
	sessionmsg chan *SessionMessage
	streammsg  chan *RebroadcastMessage
	sync.WaitGroup
}

// IsConnected reports whether the database is reachable and error-free.
func (db *ReplayDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and reports the server version, so
// operators can check their credentials and network path.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		if db.err != nil {
			return db.err
		}
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection connects to the database and starts the goroutine that
// handles insert messages until abort closes. The returned connection is
// usable even when the database is down; it just records nothing.
func StartDBConnection(abort <-chan struct{}) *ReplayDBConnection {
	db := createDBConnection()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns a connection that records nothing, for use when
// the database is deliberately disabled.
func DummyDBConnection() *ReplayDBConnection {
	return &ReplayDBConnection{}
}

func createDBConnection() *ReplayDBConnection {
	db := &ReplayDBConnection{}
	addr := os.Getenv("ENCORE_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("ENCORE_DB_USER"),
		Password: os.Getenv("ENCORE_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "encore", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = make(chan *SessionMessage)
	db.streammsg = make(chan *RebroadcastMessage)
	return db
}

func (db *ReplayDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case rmsg := <-db.streammsg:
			db.handleRebroadcastMessage(rmsg)
		}
	}
}

// Disconnect closes the underlying connection, abandoning any messages not
// yet handled.
func (db *ReplayDBConnection) Disconnect() {
	if db.IsConnected() {
		db.conn.Close()
	}
}

// RecordSession takes a SessionMessage and stores it in the DB (if it's open).
// This function will block until the select statement in `handleConnection`
// accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that a
// session is entered in the DB before any corresponding calls to
// `RecordRebroadcast` begin. Without the blocking, there would be a race
// between the 2 kinds of DB entries, and some rebroadcast rows would be
// entered without valid session IDs.
func (db *ReplayDBConnection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// RecordRebroadcast stores one finished stream's row in the DB (if it's
// open). It never blocks the caller.
func (db *ReplayDBConnection) RecordRebroadcast(msg *RebroadcastMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.streammsg <- msg }()
}

func (db *ReplayDBConnection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(dbTimeLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Hostname, m.Githash, m.Version, m.GoVersion,
		m.Source, m.Nstreams, m.Nchannels, formattedStart,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *ReplayDBConnection) handleRebroadcastMessage(m *RebroadcastMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(dbTimeLayout)
	formattedEnd := m.End.Format(dbTimeLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO rebroadcasts VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Stream, m.StreamType, m.Nchan, m.Rate, m.Format,
		m.State, m.SamplesEmitted, m.MaxLagNS, m.Error,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into rebroadcasts ", err)
		db.err = err
	}
}
