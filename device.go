package adcbridge

import (
	"errors"
	"fmt"
)

// ErrBufferCancelled is returned by AnalogIn.GetSamplesRaw when the acquisition
// buffer was cancelled. A cancelled buffer stays cancelled until FlushBuffer.
var ErrBufferCancelled = errors.New("acquisition buffer cancelled")

// SampleBlock holds the raw samples of one fetch, indexed by physical channel.
// Channels that are not enabled may be nil.
type SampleBlock [][]float64

// length returns the number of samples per channel among the given channels,
// which must all be present and of equal length.
func (b SampleBlock) length(channels []int) (int, error) {
	nsamp := -1
	for _, c := range channels {
		if c >= len(b) {
			return 0, fmt.Errorf("sample block has %d channels, need channel %d", len(b), c)
		}
		if nsamp < 0 {
			nsamp = len(b[c])
		} else if len(b[c]) != nsamp {
			return 0, fmt.Errorf("sample block channel %d has %d samples, want %d", c, len(b[c]), nsamp)
		}
	}
	if nsamp < 0 {
		return 0, nil
	}
	return nsamp, nil
}

// Range selects the input range of one analog channel.
type Range int

// The two input ranges of the M2K analog inputs.
const (
	PlusMinus25V Range = iota // High range, +-25 V
	PlusMinus2V5              // Low range, +-2.5 V
)

func (r Range) String() string {
	switch r {
	case PlusMinus25V:
		return "+-25V"
	case PlusMinus2V5:
		return "+-2.5V"
	}
	return fmt.Sprintf("Range(%d)", int(r))
}

// voltsPerCount returns the voltage of one raw 12-bit ADC count.
func (r Range) voltsPerCount() float64 {
	if r == PlusMinus2V5 {
		return 2.5 / 2048
	}
	return 25.0 / 2048
}

// TriggerCondition is the analog trigger condition of one channel.
type TriggerCondition int

// Analog trigger conditions
const (
	RisingEdge TriggerCondition = iota
	FallingEdge
	LowLevel
	HighLevel
)

// TriggerMode is the analog trigger mode of one channel.
type TriggerMode int

// Analog trigger modes
const (
	TriggerAlways TriggerMode = iota
	TriggerAnalog
	TriggerExternal
	TriggerDigitalOrAnalog
	TriggerDigitalAndAnalog
	TriggerDigitalXorAnalog
	TriggerNDigitalOrAnalog
	TriggerNDigitalAndAnalog
	TriggerNDigitalXorAnalog
)

// TriggerSource selects which channels may fire the analog trigger.
type TriggerSource int

// Analog trigger sources
const (
	SourceChannel1 TriggerSource = iota
	SourceChannel2
	SourceChannel1OrChannel2
	SourceChannel1AndChannel2
	SourceChannel1XorChannel2
	SourceDigitalIn
	SourceChannel1OrLogicAnalyzer
	SourceChannel2OrLogicAnalyzer
	SourceChannel1OrChannel2OrLogicAnalyzer
	SourceNone
)

// AnalogIn is the analog-input half of an opened device context.
//
// GetSamplesRaw blocks until nsamples samples per channel are available. It
// must return promptly, with an error wrapping ErrBufferCancelled, once
// CancelBuffer has been called, and keep doing so until FlushBuffer.
type AnalogIn interface {
	GetSamplesRaw(nsamples int) (SampleBlock, error)
	CancelBuffer()
	FlushBuffer()
	ConvertRawToVolts(channel int, raw float64) float64

	EnableChannel(channel int, enable bool) error
	SetRange(channel int, r Range) error
	SetSampleRate(rate float64) error
	SetOversamplingRatio(ratio int) error
	SetKernelBuffersCount(count int) error
	Trigger() Trigger
}

// Trigger configures the hardware trigger of an AnalogIn.
type Trigger interface {
	SetAnalogCondition(channel int, c TriggerCondition) error
	SetAnalogMode(channel int, m TriggerMode) error
	SetAnalogLevel(channel int, level float64) error
	SetAnalogSource(s TriggerSource) error
	SetAnalogDelay(delay int) error
}

// Context is an opened device. URI returns its canonical connection string.
type Context interface {
	URI() string
	AnalogIn() AnalogIn
	CalibrateADC() error
	Close() error
}

// OpenFunc opens the device context named by a connection URI.
type OpenFunc func(uri string) (Context, error)
