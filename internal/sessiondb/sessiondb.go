// Package sessiondb records adcbridge activity and acquisition sessions in a
// ClickHouse database.
package sessiondb

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "adcbridge" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// Connection is an open (or failed) connection to the session database. All
// Record methods are no-ops when the connection is not usable, so callers
// never need to check.
type Connection struct {
	conn          clickhouse.Conn
	errLock       sync.Mutex // guards err, which the handler goroutine may set
	err           error
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	sync.WaitGroup
}

// NewID returns a new, time-ordered identifier for activity and session rows.
func NewID() string {
	return ulid.Make().String()
}

// IsConnected reports whether db can accept records.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that made the connection unusable, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	db.err = err
	db.errLock.Unlock()
}

// PingServer opens a connection, reports the server version, and closes it.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.Err())
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	log.Printf("ClickHouse server is alive. Version: %s", v)
	return db.conn.Close()
}

// StartConnection connects to the database, logs activity, and handles
// records until abort is closed. Call Wait to know when it is done.
func StartConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

// DummyConnection returns a connection that records nothing.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("ADCBRIDGE_DB_USER"),
		Password: os.Getenv("ADCBRIDGE_DB_PASSWORD"),
	}
	addr := os.Getenv("ADCBRIDGE_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: auth,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "adcbridge", Version: "unknown"},
			},
		},
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			log.Printf("ClickHouse exception [%d] %s", exception.Code, exception.Message)
		}
		db.err = err
		return db
	}
	db.Add(1)
	db.sessionmsg = make(chan *SessionMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ae := db.activityEntry
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO bridgeactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion, ae.CPUs,
		ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		log.Println("Error raised on AsyncInsert into bridgeactivity", err)
		db.setErr(err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case msg := <-db.sessionmsg:
			db.handleSessionMessage(msg)
		}
	}
}

func (db *Connection) disconnect() {
	if !db.IsConnected() {
		return
	}
	if db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
	db.conn.Close()
}

// RecordSession stores the start of a session. It blocks until the handler
// accepts the message, so the row exists before FinishSession updates it.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession stores the completed session without blocking the caller.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.End.IsZero() {
		msg.End = time.Now()
	}
	go func() { db.sessionmsg <- msg }()
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	activityID := ""
	if db.activityEntry != nil {
		activityID = db.activityEntry.ID
	}
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, activityID, m.URI, m.SrcID, m.Nchannels, m.BufferSize, m.SampleRate,
		m.OutputMode, m.BlocksFetched, m.ItemsWritten, m.StopCause,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		log.Println("Error raised on AsyncInsert into sessions", err)
		db.setErr(err)
	}
}
