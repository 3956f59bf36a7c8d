package adcbridge

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedURIs(t *testing.T) {
	for uri, canonical := range map[string]string{
		"sim:":                    "sim:",
		"sim:sine":                "sim:sine",
		"sim:unpaced,sine":        "sim:sine,unpaced",
		"sim:fail=3,unpaced,sine": "sim:fail=3,sine,unpaced",
	} {
		sc, err := NewSimulatedContext(uri)
		require.NoError(t, err, uri)
		assert.Equal(t, canonical, sc.URI())
	}
	for _, uri := range []string{"usb:1", "sim:square", "sim:fail=0", "sim:fail=x", "sim:sine,"} {
		_, err := NewSimulatedContext(uri)
		assert.Error(t, err, uri)
	}
}

func TestSimulatedWaveforms(t *testing.T) {
	for _, sine := range []bool{false, true} {
		var minv, maxv float64
		for k := uint64(0); k < simPeriod; k++ {
			v := simulatedCode(0, k, sine)
			minv = math.Min(minv, v)
			maxv = math.Max(maxv, v)
			assert.Equal(t, v, simulatedCode(0, k+simPeriod, sine), "periodic")
			assert.Equal(t, v, simulatedCode(1, k+simPeriod/2, sine), "channel 2 lags half a cycle")
		}
		assert.GreaterOrEqual(t, minv, -2048.0)
		assert.LessOrEqual(t, maxv, 2047.0)
		assert.Greater(t, maxv-minv, 4000.0)
	}
	assert.Equal(t, -2048.0, simulatedCode(0, 0, false))
	assert.Equal(t, 2047.0, simulatedCode(0, simPeriod/2, false))
}

// Consecutive fetches continue the waveform.
func TestSimulatedFetchContinuity(t *testing.T) {
	sc, err := NewSimulatedContext("sim:unpaced")
	require.NoError(t, err)
	ai := sc.AnalogIn()
	var all []float64
	for i := 0; i < 3; i++ {
		block, err := ai.GetSamplesRaw(1000)
		require.NoError(t, err)
		require.Len(t, block, MaxChannels)
		require.Len(t, block[1], 1000)
		all = append(all, block[0]...)
	}
	for k, v := range all {
		require.Equal(t, simulatedCode(0, uint64(k), false), v, "sample %d", k)
	}
	_, err = ai.GetSamplesRaw(0)
	assert.Error(t, err)
}

func TestSimulatedPacing(t *testing.T) {
	sc, err := NewSimulatedContext("sim:")
	require.NoError(t, err)
	ai := sc.AnalogIn()
	require.NoError(t, ai.SetSampleRate(10000))
	tstart := time.Now()
	for i := 0; i < 3; i++ {
		_, err := ai.GetSamplesRaw(200) // 20 ms each
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(tstart), 55*time.Millisecond)
}

// CancelBuffer ends a paced fetch at once and sticks until FlushBuffer.
func TestSimulatedCancel(t *testing.T) {
	sc, err := NewSimulatedContext("sim:")
	require.NoError(t, err)
	ai := sc.AnalogIn()
	require.NoError(t, ai.SetSampleRate(10))

	result := make(chan error)
	go func() {
		_, err := ai.GetSamplesRaw(100) // 10 seconds
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ai.CancelBuffer()
	ai.CancelBuffer()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrBufferCancelled)
	case <-time.After(time.Second):
		t.Fatal("CancelBuffer did not end the fetch")
	}
	_, err = ai.GetSamplesRaw(1)
	assert.ErrorIs(t, err, ErrBufferCancelled, "cancel is sticky")

	ai.FlushBuffer()
	require.NoError(t, ai.SetSampleRate(1e6))
	_, err = ai.GetSamplesRaw(10)
	assert.NoError(t, err)
}

func TestSimulatedFailAndClose(t *testing.T) {
	sc, err := NewSimulatedContext("sim:unpaced,fail=2")
	require.NoError(t, err)
	ai := sc.SimulatedAnalogIn()
	_, err = ai.GetSamplesRaw(10)
	require.NoError(t, err)
	_, err = ai.GetSamplesRaw(10)
	assert.ErrorIs(t, err, ErrSimulatedFailure)
	_, err = ai.GetSamplesRaw(10)
	assert.ErrorIs(t, err, ErrSimulatedFailure)
	assert.Equal(t, 3, ai.Fetches())

	require.NoError(t, sc.Close())
	assert.True(t, sc.Closed())
	assert.ErrorIs(t, sc.Close(), ErrContextClosed)
	_, err = ai.GetSamplesRaw(10)
	assert.ErrorIs(t, err, ErrContextClosed)
	assert.ErrorIs(t, sc.CalibrateADC(), ErrContextClosed)
}

func TestSimulatedClosingEndsFetch(t *testing.T) {
	sc, err := NewSimulatedContext("sim:")
	require.NoError(t, err)
	ai := sc.AnalogIn()
	require.NoError(t, ai.SetSampleRate(10))
	result := make(chan error)
	go func() {
		_, err := ai.GetSamplesRaw(100)
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sc.Close())
	err = <-result
	assert.True(t, errors.Is(err, ErrContextClosed))
}

func TestSimulatedSettings(t *testing.T) {
	sc, err := NewSimulatedContext("sim:")
	require.NoError(t, err)
	ai := sc.SimulatedAnalogIn()

	assert.Error(t, ai.EnableChannel(2, true))
	assert.Error(t, ai.SetRange(-1, PlusMinus25V))
	assert.Error(t, ai.SetRange(0, Range(5)))
	assert.Error(t, ai.SetSampleRate(-1))
	assert.Error(t, ai.SetOversamplingRatio(0))
	assert.Error(t, ai.SetKernelBuffersCount(0))
	assert.Error(t, ai.Trigger().SetAnalogLevel(3, 0))

	require.NoError(t, ai.SetRange(0, PlusMinus2V5))
	assert.InDelta(t, 2.5, ai.ConvertRawToVolts(0, 2048), 1e-12)
	assert.InDelta(t, -25.0, ai.ConvertRawToVolts(1, -2048), 1e-12)

	assert.False(t, sc.Calibrated())
	require.NoError(t, sc.CalibrateADC())
	assert.True(t, sc.Calibrated())
}
