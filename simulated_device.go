package adcbridge

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimulatedURIPrefix starts the URI of a simulated device. Comma-separated
// options may follow the prefix:
//
//	sine      synthesize sine waves instead of triangle waves
//	unpaced   return each fetch at once instead of at the sample rate
//	fail=N    fail the Nth fetch and every one after it
//
// Options are order-insensitive: "sim:sine,unpaced" and "sim:unpaced,sine"
// name the same device.
const SimulatedURIPrefix = "sim:"

// simPeriod is the length in samples of one cycle of the simulated waveforms.
const simPeriod = 4096

// simAmplitude is the peak raw code of the simulated waveforms (12-bit ADC).
const simAmplitude = 2047

// ErrSimulatedFailure is the error returned by a simulated device told to fail.
var ErrSimulatedFailure = errors.New("simulated device failure")

// ErrContextClosed is returned by a device whose context has been closed.
var ErrContextClosed = errors.New("device context is closed")

// SimulatedContext is a software stand-in for an M2K: a Context whose analog
// input synthesizes waveforms.
type SimulatedContext struct {
	uri        string
	analogIn   *SimulatedAnalogIn
	mu         sync.Mutex
	calibrated bool
	closed     bool
}

// NewSimulatedContext opens a simulated device described by uri.
func NewSimulatedContext(uri string) (*SimulatedContext, error) {
	if !strings.HasPrefix(uri, SimulatedURIPrefix) {
		return nil, fmt.Errorf("%q is not a simulated device URI", uri)
	}
	ai := &SimulatedAnalogIn{
		ranges:     []Range{PlusMinus25V, PlusMinus25V},
		enabled:    []bool{false, false},
		sampleRate: 100000,
		paced:      true,
		abort:      make(chan struct{}),
	}
	var opts []string
	if rest := strings.TrimPrefix(uri, SimulatedURIPrefix); rest != "" {
		opts = strings.Split(rest, ",")
	}
	for _, opt := range opts {
		switch {
		case opt == "sine":
			ai.sine = true
		case opt == "unpaced":
			ai.paced = false
		case strings.HasPrefix(opt, "fail="):
			n, err := strconv.Atoi(strings.TrimPrefix(opt, "fail="))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("simulated device option %q: want fail=N with N>0", opt)
			}
			ai.failOn = n
		default:
			return nil, fmt.Errorf("unknown simulated device option %q", opt)
		}
	}
	sort.Strings(opts)
	sc := &SimulatedContext{
		uri:      SimulatedURIPrefix + strings.Join(opts, ","),
		analogIn: ai,
	}
	ai.trigger = &simulatedTrigger{ai: ai}
	return sc, nil
}

// URI returns the canonical URI, with options sorted.
func (sc *SimulatedContext) URI() string { return sc.uri }

// AnalogIn returns the analog input.
func (sc *SimulatedContext) AnalogIn() AnalogIn { return sc.analogIn }

// SimulatedAnalogIn returns the analog input with its concrete type.
func (sc *SimulatedContext) SimulatedAnalogIn() *SimulatedAnalogIn { return sc.analogIn }

// CalibrateADC marks the simulated ADC as calibrated.
func (sc *SimulatedContext) CalibrateADC() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return ErrContextClosed
	}
	sc.calibrated = true
	return nil
}

// Calibrated reports whether CalibrateADC has been called.
func (sc *SimulatedContext) Calibrated() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.calibrated
}

// Close shuts the device. Any fetch in progress returns ErrContextClosed.
func (sc *SimulatedContext) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return ErrContextClosed
	}
	sc.closed = true
	sc.analogIn.close()
	return nil
}

// Closed reports whether Close has been called.
func (sc *SimulatedContext) Closed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

// SimulatedAnalogIn synthesizes a triangle (or sine) wave on each channel,
// with channel 2 half a cycle behind channel 1. Consecutive fetches continue
// the waveform without a gap. Fetches are paced so that n samples take n/rate
// seconds, like a device streaming at the configured sample rate.
type SimulatedAnalogIn struct {
	mu           sync.Mutex
	ranges       []Range
	enabled      []bool
	sampleRate   float64
	oversampling int
	kernelBufs   int
	sine         bool
	paced        bool
	failOn       int    // fail the fetch with this 1-based number; 0 never
	fetches      int    // fetches attempted
	position     uint64 // index of the next sample
	lastread     time.Time
	cancelled    bool
	closed       bool
	abort        chan struct{}
	trigger      *simulatedTrigger
}

// GetSamplesRaw returns the next n samples of every channel. It blocks until
// they would have been acquired, unless the buffer is cancelled first.
func (sa *SimulatedAnalogIn) GetSamplesRaw(n int) (SampleBlock, error) {
	if n < 1 {
		return nil, fmt.Errorf("GetSamplesRaw(%d): sample count must be positive", n)
	}
	sa.mu.Lock()
	if sa.closed {
		sa.mu.Unlock()
		return nil, ErrContextClosed
	}
	if sa.cancelled {
		sa.mu.Unlock()
		return nil, ErrBufferCancelled
	}
	sa.fetches++
	if sa.failOn > 0 && sa.fetches >= sa.failOn {
		sa.mu.Unlock()
		return nil, fmt.Errorf("%w on fetch %d", ErrSimulatedFailure, sa.fetches)
	}
	abort := sa.abort
	var waittime time.Duration
	if sa.paced {
		if sa.lastread.IsZero() {
			sa.lastread = time.Now()
		}
		timeperbuf := time.Duration(float64(time.Second) * float64(n) / sa.sampleRate)
		nextread := sa.lastread.Add(timeperbuf)
		sa.lastread = nextread
		waittime = time.Until(nextread)
	}
	first := sa.position
	sa.position += uint64(n)
	sine := sa.sine
	sa.mu.Unlock()

	if waittime > 0 {
		select {
		case <-abort:
			return nil, sa.abortErr()
		case <-time.After(waittime):
		}
	}

	block := make(SampleBlock, MaxChannels)
	for c := range block {
		block[c] = make([]float64, n)
		for i := range block[c] {
			block[c][i] = simulatedCode(c, first+uint64(i), sine)
		}
	}
	return block, nil
}

func (sa *SimulatedAnalogIn) abortErr() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.closed {
		return ErrContextClosed
	}
	return ErrBufferCancelled
}

// simulatedCode is the raw code of channel c at sample k.
func simulatedCode(c int, k uint64, sine bool) float64 {
	phase := (k + uint64(c)*simPeriod/2) % simPeriod
	if sine {
		return math.Round(simAmplitude * math.Sin(2*math.Pi*float64(phase)/simPeriod))
	}
	// Triangle rising from -2048 in steps of 2, then falling from 2047.
	const half = simPeriod / 2
	if phase < half {
		return float64(-simAmplitude - 1 + 2*int(phase))
	}
	return float64(simAmplitude - 2*int(phase-half))
}

// CancelBuffer makes the fetch in progress, and all later ones, return
// ErrBufferCancelled until FlushBuffer.
func (sa *SimulatedAnalogIn) CancelBuffer() {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.cancelled || sa.closed {
		return
	}
	sa.cancelled = true
	closeIfOpen(sa.abort)
}

// FlushBuffer discards queued data and re-arms the device after CancelBuffer.
// Pacing restarts from now.
func (sa *SimulatedAnalogIn) FlushBuffer() {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.closed {
		return
	}
	if sa.cancelled {
		sa.abort = make(chan struct{})
		sa.cancelled = false
	}
	sa.lastread = time.Time{}
}

func (sa *SimulatedAnalogIn) close() {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.closed = true
	closeIfOpen(sa.abort)
}

// ConvertRawToVolts scales a raw code by the channel's input range.
func (sa *SimulatedAnalogIn) ConvertRawToVolts(channel int, raw float64) float64 {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	r := PlusMinus25V
	if channel >= 0 && channel < len(sa.ranges) {
		r = sa.ranges[channel]
	}
	return raw * r.voltsPerCount()
}

func checkChannel(channel int) error {
	if channel < 0 || channel >= MaxChannels {
		return fmt.Errorf("channel %d out of range [0,%d)", channel, MaxChannels)
	}
	return nil
}

// EnableChannel turns a channel on or off.
func (sa *SimulatedAnalogIn) EnableChannel(channel int, enable bool) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.enabled[channel] = enable
	return nil
}

// ChannelEnabled reports whether a channel is on.
func (sa *SimulatedAnalogIn) ChannelEnabled(channel int) bool {
	if checkChannel(channel) != nil {
		return false
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.enabled[channel]
}

// SetRange sets a channel's input range.
func (sa *SimulatedAnalogIn) SetRange(channel int, r Range) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	if r != PlusMinus25V && r != PlusMinus2V5 {
		return fmt.Errorf("invalid range %d", r)
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.ranges[channel] = r
	return nil
}

// SetSampleRate sets the pacing rate.
func (sa *SimulatedAnalogIn) SetSampleRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("sample rate %v must be positive", rate)
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.sampleRate = rate
	return nil
}

// SampleRate returns the pacing rate.
func (sa *SimulatedAnalogIn) SampleRate() float64 {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.sampleRate
}

// SetOversamplingRatio is recorded but has no effect on the waveform.
func (sa *SimulatedAnalogIn) SetOversamplingRatio(ratio int) error {
	if ratio < 1 {
		return fmt.Errorf("oversampling ratio %d must be at least 1", ratio)
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.oversampling = ratio
	return nil
}

// SetKernelBuffersCount is recorded but has no effect.
func (sa *SimulatedAnalogIn) SetKernelBuffersCount(count int) error {
	if count < 1 {
		return fmt.Errorf("kernel buffers count %d must be at least 1", count)
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.kernelBufs = count
	return nil
}

// Fetches returns the number of fetches attempted.
func (sa *SimulatedAnalogIn) Fetches() int {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.fetches
}

// Trigger returns the trigger settings.
func (sa *SimulatedAnalogIn) Trigger() Trigger { return sa.trigger }

// simulatedTrigger accepts and stores trigger settings. The simulated device
// always acquires as if TriggerAlways were set.
type simulatedTrigger struct {
	ai        *SimulatedAnalogIn
	condition [MaxChannels]TriggerCondition
	mode      [MaxChannels]TriggerMode
	level     [MaxChannels]float64
	source    TriggerSource
	delay     int
}

func (st *simulatedTrigger) SetAnalogCondition(channel int, cond TriggerCondition) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	st.ai.mu.Lock()
	defer st.ai.mu.Unlock()
	st.condition[channel] = cond
	return nil
}

func (st *simulatedTrigger) SetAnalogMode(channel int, mode TriggerMode) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	st.ai.mu.Lock()
	defer st.ai.mu.Unlock()
	st.mode[channel] = mode
	return nil
}

func (st *simulatedTrigger) SetAnalogLevel(channel int, volts float64) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	st.ai.mu.Lock()
	defer st.ai.mu.Unlock()
	st.level[channel] = volts
	return nil
}

func (st *simulatedTrigger) SetAnalogSource(source TriggerSource) error {
	st.ai.mu.Lock()
	defer st.ai.mu.Unlock()
	st.source = source
	return nil
}

func (st *simulatedTrigger) SetAnalogDelay(delay int) error {
	st.ai.mu.Lock()
	defer st.ai.mu.Unlock()
	st.delay = delay
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		log.Println("warning: tried to close a channel twice")
	default:
		close(c)
	}
}
