package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the bridgeactivity table: one row
// per run of the adcbridge program.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// sessions table: one row per Start/Stop of an analog-input source.
type SessionMessage struct {
	ID            string
	URI           string
	SrcID         string
	Nchannels     int
	BufferSize    int
	SampleRate    float64
	OutputMode    string
	BlocksFetched int
	ItemsWritten  uint64
	StopCause     string
	Start         time.Time
	End           time.Time
}
