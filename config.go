package adcbridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrChannelMapping means the output streams cannot be matched to the enabled channels.
var ErrChannelMapping = errors.New("output streams do not match enabled channels")

// DefaultPullTimeout is how long Work waits for the refill worker before
// publishing a TIMEOUT update and waiting again.
const DefaultPullTimeout = 100 * time.Millisecond

// OutputMultiple is the number of items the host loop requests per Work call.
const OutputMultiple = 0x400

// MaxChannels is the number of analog input channels on an M2K.
const MaxChannels = 2

// AnalogInConfig holds everything needed to construct an AnalogInSource. It is
// also the argument of the SourceControl.ConfigureAnalogIn RPC and the
// "analogin" section of the config file.
type AnalogInConfig struct {
	URI                 string             // connection identifier, e.g. "usb:1.2.5" or "sim:"
	BufferSize          int                // samples per channel requested from each fetch
	Channels            []bool             // which physical channels are enabled
	Ranges              []Range            // input range, one per physical channel
	SampleRate          float64            // samples per second
	OversamplingRatio   int                // hardware averaging ratio
	KernelBuffers       int                // number of kernel buffers for the device
	CalibrateADC        bool               // calibrate the ADC at construction
	StreamVoltageValues bool               // true: float32 volts; false: int16 raw codes
	TriggerCondition    []TriggerCondition // one per physical channel
	TriggerMode         []TriggerMode      // one per physical channel
	TriggerLevel        []float64          // volts, one per physical channel
	TriggerSource       TriggerSource
	TriggerDelay        int           // in samples, may be negative
	NumOutputs          int           // output streams; 0 means one per enabled channel
	PullTimeout         time.Duration // 0 means DefaultPullTimeout
}

// DefaultAnalogInConfig returns a configuration for channel 1 of a simulated device.
func DefaultAnalogInConfig() AnalogInConfig {
	return AnalogInConfig{
		URI:                 SimulatedURIPrefix,
		BufferSize:          0x8000,
		Channels:            []bool{true, false},
		Ranges:              []Range{PlusMinus25V, PlusMinus25V},
		SampleRate:          100000,
		OversamplingRatio:   1,
		KernelBuffers:       1,
		StreamVoltageValues: true,
		TriggerCondition:    []TriggerCondition{RisingEdge, RisingEdge},
		TriggerMode:         []TriggerMode{TriggerAlways, TriggerAlways},
		TriggerLevel:        []float64{0, 0},
		TriggerSource:       SourceChannel1,
		PullTimeout:         DefaultPullTimeout,
	}
}

// Validate checks the configuration for errors that would otherwise surface
// only when the device is configured or first read.
func (c *AnalogInConfig) Validate() error {
	nchan := len(c.Channels)
	switch {
	case c.URI == "":
		return fmt.Errorf("AnalogInConfig.URI is empty")
	case c.BufferSize < 1:
		return fmt.Errorf("AnalogInConfig.BufferSize=%d, must be positive", c.BufferSize)
	case nchan < 1 || nchan > MaxChannels:
		return fmt.Errorf("AnalogInConfig.Channels has %d entries, want 1 to %d", nchan, MaxChannels)
	case c.SampleRate <= 0:
		return fmt.Errorf("AnalogInConfig.SampleRate=%v, must be positive", c.SampleRate)
	case c.OversamplingRatio < 1:
		return fmt.Errorf("AnalogInConfig.OversamplingRatio=%d, must be at least 1", c.OversamplingRatio)
	case c.KernelBuffers < 1:
		return fmt.Errorf("AnalogInConfig.KernelBuffers=%d, must be at least 1", c.KernelBuffers)
	case c.PullTimeout < 0:
		return fmt.Errorf("AnalogInConfig.PullTimeout=%v, must not be negative", c.PullTimeout)
	case c.TriggerSource < SourceChannel1 || c.TriggerSource > SourceNone:
		return fmt.Errorf("AnalogInConfig.TriggerSource=%d is not a valid source", c.TriggerSource)
	}
	lengths := map[string]int{
		"Ranges":           len(c.Ranges),
		"TriggerCondition": len(c.TriggerCondition),
		"TriggerMode":      len(c.TriggerMode),
		"TriggerLevel":     len(c.TriggerLevel),
	}
	for name, n := range lengths {
		if n < nchan {
			return fmt.Errorf("AnalogInConfig.%s has %d entries, want %d (one per channel)", name, n, nchan)
		}
	}
	for i := 0; i < nchan; i++ {
		if !c.Channels[i] {
			continue
		}
		if c.Ranges[i] != PlusMinus25V && c.Ranges[i] != PlusMinus2V5 {
			return fmt.Errorf("AnalogInConfig.Ranges[%d]=%d is not a valid range", i, c.Ranges[i])
		}
		if c.TriggerCondition[i] < RisingEdge || c.TriggerCondition[i] > HighLevel {
			return fmt.Errorf("AnalogInConfig.TriggerCondition[%d]=%d is not valid", i, c.TriggerCondition[i])
		}
		if c.TriggerMode[i] < TriggerAlways || c.TriggerMode[i] > TriggerNDigitalXorAnalog {
			return fmt.Errorf("AnalogInConfig.TriggerMode[%d]=%d is not valid", i, c.TriggerMode[i])
		}
	}
	if _, err := mapChannels(c.Channels, c.NumOutputs); err != nil {
		return err
	}
	return nil
}

// mapChannels returns, for each output stream in order, the physical channel it
// carries. Streams follow the enabled channels in ascending order with no gaps,
// so nOutputs must equal the number of enabled channels (0 means "all of them").
func mapChannels(channels []bool, nOutputs int) ([]int, error) {
	var streams []int
	for c, enabled := range channels {
		if enabled {
			streams = append(streams, c)
		}
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: no channel is enabled", ErrChannelMapping)
	}
	if nOutputs != 0 && nOutputs != len(streams) {
		return nil, fmt.Errorf("%w: %d output streams requested, %d channels enabled",
			ErrChannelMapping, nOutputs, len(streams))
	}
	return streams, nil
}
