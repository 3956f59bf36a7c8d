package adcbridge

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultAnalogInConfig()
	assert.NoError(t, config.Validate())
	assert.Equal(t, SimulatedURIPrefix, config.URI)
	assert.Equal(t, DefaultPullTimeout, config.PullTimeout)
}

func TestMapChannels(t *testing.T) {
	tests := []struct {
		channels []bool
		nout     int
		want     []int
		wantErr  bool
	}{
		{[]bool{true, false}, 0, []int{0}, false},
		{[]bool{false, true}, 0, []int{1}, false},
		{[]bool{true, true}, 0, []int{0, 1}, false},
		{[]bool{true, true}, 2, []int{0, 1}, false},
		{[]bool{false, true}, 1, []int{1}, false},
		{[]bool{true, true}, 1, nil, true},
		{[]bool{true, false}, 2, nil, true},
		{[]bool{false, false}, 0, nil, true},
	}
	for _, tc := range tests {
		got, err := mapChannels(tc.channels, tc.nout)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrChannelMapping, "mapChannels(%v, %d)", tc.channels, tc.nout)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "mapChannels(%v, %d)", tc.channels, tc.nout)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]func(*AnalogInConfig){
		"empty URI":          func(c *AnalogInConfig) { c.URI = "" },
		"zero buffer":        func(c *AnalogInConfig) { c.BufferSize = 0 },
		"no channels":        func(c *AnalogInConfig) { c.Channels = nil },
		"three channels":     func(c *AnalogInConfig) { c.Channels = []bool{true, true, true} },
		"no channel enabled": func(c *AnalogInConfig) { c.Channels = []bool{false, false} },
		"zero rate":          func(c *AnalogInConfig) { c.SampleRate = 0 },
		"zero oversampling":  func(c *AnalogInConfig) { c.OversamplingRatio = 0 },
		"zero kernel bufs":   func(c *AnalogInConfig) { c.KernelBuffers = 0 },
		"negative timeout":   func(c *AnalogInConfig) { c.PullTimeout = -time.Second },
		"bad trigger source": func(c *AnalogInConfig) { c.TriggerSource = 99 },
		"short ranges":       func(c *AnalogInConfig) { c.Ranges = c.Ranges[:1] },
		"short levels":       func(c *AnalogInConfig) { c.TriggerLevel = nil },
		"bad range":          func(c *AnalogInConfig) { c.Ranges[0] = 7 },
		"bad condition":      func(c *AnalogInConfig) { c.TriggerCondition[0] = -1 },
		"bad mode":           func(c *AnalogInConfig) { c.TriggerMode[0] = 42 },
		"output mismatch":    func(c *AnalogInConfig) { c.NumOutputs = 2 },
	}
	for name, mutate := range tests {
		config := DefaultAnalogInConfig()
		mutate(&config)
		assert.Error(t, config.Validate(), name)
	}

	// Settings of disabled channels are not checked.
	config := DefaultAnalogInConfig()
	config.Ranges[1] = 7
	assert.NoError(t, config.Validate())
}

func TestConfigFromYAML(t *testing.T) {
	yaml := `
analogin:
  uri: "sim:unpaced"
  buffersize: 4096
  channels: [true, true]
  ranges: [1, 0]
  samplerate: 1000000
  oversamplingratio: 2
  kernelbuffers: 4
  calibrateadc: true
  streamvoltagevalues: false
  triggercondition: [0, 1]
  triggermode: [0, 0]
  triggerlevel: [0.5, -0.25]
  triggersource: 1
  triggerdelay: -200
  pulltimeout: 250ms
`
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	var config AnalogInConfig
	require.NoError(t, v.UnmarshalKey("analogin", &config))
	require.NoError(t, config.Validate())

	assert.Equal(t, "sim:unpaced", config.URI)
	assert.Equal(t, 4096, config.BufferSize)
	assert.Equal(t, []bool{true, true}, config.Channels)
	assert.Equal(t, []Range{PlusMinus2V5, PlusMinus25V}, config.Ranges)
	assert.Equal(t, 1e6, config.SampleRate)
	assert.Equal(t, 2, config.OversamplingRatio)
	assert.True(t, config.CalibrateADC)
	assert.False(t, config.StreamVoltageValues)
	assert.Equal(t, []TriggerCondition{RisingEdge, FallingEdge}, config.TriggerCondition)
	assert.Equal(t, []float64{0.5, -0.25}, config.TriggerLevel)
	assert.Equal(t, SourceChannel2, config.TriggerSource)
	assert.Equal(t, -200, config.TriggerDelay)
	assert.Equal(t, 250*time.Millisecond, config.PullTimeout)
}
