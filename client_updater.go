package adcbridge

// Contains the ClientUpdate type and RunClientUpdater, which publishes
// JSON-encoded messages giving the latest state of the sources.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"gonum.org/v1/gonum/stat"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// Tag returns the topic the update is published under.
func (u ClientUpdate) Tag() string { return u.tag }

// State returns the update's payload.
func (u ClientUpdate) State() interface{} { return u.state }

// TimeoutNotice is the payload of a TIMEOUT update: Work waited a full pull
// timeout without a refill. It is a liveness signal, not an error.
type TimeoutNotice struct {
	SrcID   string
	Message string
	Waited  time.Duration
}

// StoppedNotice is the payload of a STOPPED update, sent when the refill
// worker ends a session because a fetch failed.
type StoppedNotice struct {
	SrcID     string
	SessionID string
	Error     string
}

// BlockSummary is the payload of a BLOCK update: statistics of the raw samples
// in one fetched block, one entry per enabled channel.
type BlockSummary struct {
	SrcID    string
	Block    int
	Nsamp    int
	Channels []int
	Mean     []float64
	StdDev   []float64
}

func summarizeBlock(srcID string, blockNum int, block SampleBlock, channels []int, nsamp int) BlockSummary {
	s := BlockSummary{SrcID: srcID, Block: blockNum, Nsamp: nsamp, Channels: channels,
		Mean: make([]float64, len(channels)), StdDev: make([]float64, len(channels))}
	if nsamp < 2 {
		return s
	}
	for i, c := range channels {
		s.Mean[i], s.StdDev[i] = stat.MeanStdDev(block[c], nil)
	}
	return s
}

func marshalUpdate(update ClientUpdate) ([]byte, error) {
	return json.Marshal(update.state)
}

// RunClientUpdater forwards any message from its input channel to a ZMQ PUB
// socket, as a two-frame message [tag, JSON state]. It returns when abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case update := <-messages:
			message, err := marshalUpdate(update)
			if err != nil {
				ProblemLogger.Printf("could not marshal %s update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
				continue
			}
			if update.tag != "BLOCK" {
				UpdateLogger.Printf("SEND %v %s", update.tag, message)
			}
		}
	}
}
