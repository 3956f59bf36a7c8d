package adcbridge

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/adcbridge/internal/sessiondb"
)

// SourceState is used to indicate the active/inactive/transition state of data sources
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Source is not active
	Starting                    // Source is in transition to Active state
	Active                      // Source is actively acquiring data
	Stopping                    // Source is in transition to Inactive state
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// ErrSourceActive is returned by Start on a source that is already running.
var ErrSourceActive = errors.New("source is already active")

// SessionRecorder stores the start and end of acquisition sessions.
// *sessiondb.Connection implements it.
type SessionRecorder interface {
	RecordSession(*sessiondb.SessionMessage)
	FinishSession(*sessiondb.SessionMessage)
}

// AnalogInSource bridges a blocking analog-input device to a pull-based
// pipeline. Between Start and Stop, a refill goroutine keeps one block of
// samples fetched from the device; Work hands it out in pieces of whatever
// size the pipeline asks for.
type AnalogInSource struct {
	name        string // source id attached to tags and updates
	config      AnalogInConfig
	registry    *ContextRegistry
	context     Context
	analogIn    AnalogIn
	channelMap  []int // channelMap[stream] is the physical channel of output stream
	outputMode  OutputMode
	bufferSize  int
	pullTimeout time.Duration

	buffer *sampleBuffer

	clientUpdates chan<- ClientUpdate
	allMetrics    *Metrics
	metrics       *sourceMetrics
	recorder      SessionRecorder
	session       *sessiondb.SessionMessage

	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState and session
	refillDone      sync.WaitGroup
}

// Option configures optional collaborators of an AnalogInSource.
type Option func(*AnalogInSource)

// WithName sets the source id used in tags, updates, and metrics.
func WithName(name string) Option {
	return func(ds *AnalogInSource) { ds.name = name }
}

// WithClientUpdates makes the source publish TIMEOUT, BLOCK, and STOPPED
// updates on updates. Sends never block; updates are dropped if it is full.
func WithClientUpdates(updates chan<- ClientUpdate) Option {
	return func(ds *AnalogInSource) { ds.clientUpdates = updates }
}

// WithMetrics makes the source report to m.
func WithMetrics(m *Metrics) Option {
	return func(ds *AnalogInSource) { ds.allMetrics = m }
}

// WithSessionRecorder records every session started on the source.
func WithSessionRecorder(r SessionRecorder) Option {
	return func(ds *AnalogInSource) { ds.recorder = r }
}

// NewAnalogInSource opens the device named by config.URI through registry and
// configures it. Any failure is returned immediately and leaves no reference
// held in the registry.
func NewAnalogInSource(registry *ContextRegistry, config AnalogInConfig, opts ...Option) (*AnalogInSource, error) {
	if registry == nil {
		return nil, fmt.Errorf("NewAnalogInSource requires a ContextRegistry")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	channelMap, err := mapChannels(config.Channels, config.NumOutputs)
	if err != nil {
		return nil, err
	}

	ds := &AnalogInSource{
		name:        "analog_in_source",
		config:      config,
		registry:    registry,
		channelMap:  channelMap,
		outputMode:  OutputVolts,
		bufferSize:  config.BufferSize,
		pullTimeout: config.PullTimeout,
		buffer:      newSampleBuffer(),
	}
	if !config.StreamVoltageValues {
		ds.outputMode = OutputRaw
	}
	if ds.pullTimeout == 0 {
		ds.pullTimeout = DefaultPullTimeout
	}
	for _, opt := range opts {
		opt(ds)
	}
	if ds.allMetrics == nil {
		ds.allMetrics = newMetrics()
	}
	ds.metrics = ds.allMetrics.forSource(ds.name)

	ctx, err := registry.Open(config.URI)
	if err != nil {
		return nil, err
	}
	ds.context = ctx
	ds.analogIn = ctx.AnalogIn()
	if ds.analogIn == nil {
		registry.Close(ctx)
		return nil, fmt.Errorf("context %s has no analog input", ctx.URI())
	}
	if err := ds.configureDevice(); err != nil {
		registry.Close(ctx)
		return nil, err
	}
	log.Printf("configured %s on %s: %d output stream(s), %s output, %d samples per fetch",
		ds.name, ctx.URI(), len(channelMap), ds.outputMode, ds.bufferSize)
	UpdateLogger.Println(spew.Sdump(config))
	return ds, nil
}

// configureDevice applies the channel, acquisition, and trigger settings, and
// calibrates the ADC if asked.
func (ds *AnalogInSource) configureDevice() error {
	c := &ds.config
	ai := ds.analogIn
	if err := ai.SetKernelBuffersCount(c.KernelBuffers); err != nil {
		return fmt.Errorf("set kernel buffers count: %w", err)
	}
	for i, enabled := range c.Channels {
		if !enabled {
			continue
		}
		if err := ai.EnableChannel(i, true); err != nil {
			return fmt.Errorf("enable channel %d: %w", i, err)
		}
		if err := ai.SetRange(i, c.Ranges[i]); err != nil {
			return fmt.Errorf("set range of channel %d: %w", i, err)
		}
	}
	if err := ai.SetSampleRate(c.SampleRate); err != nil {
		return fmt.Errorf("set sample rate: %w", err)
	}
	if err := ai.SetOversamplingRatio(c.OversamplingRatio); err != nil {
		return fmt.Errorf("set oversampling ratio: %w", err)
	}

	trigger := ai.Trigger()
	if trigger == nil {
		return fmt.Errorf("analog input has no trigger")
	}
	for i, enabled := range c.Channels {
		if !enabled {
			continue
		}
		if err := trigger.SetAnalogCondition(i, c.TriggerCondition[i]); err != nil {
			return fmt.Errorf("set trigger condition of channel %d: %w", i, err)
		}
		if err := trigger.SetAnalogMode(i, c.TriggerMode[i]); err != nil {
			return fmt.Errorf("set trigger mode of channel %d: %w", i, err)
		}
		if err := trigger.SetAnalogLevel(i, c.TriggerLevel[i]); err != nil {
			return fmt.Errorf("set trigger level of channel %d: %w", i, err)
		}
	}
	if err := trigger.SetAnalogSource(c.TriggerSource); err != nil {
		return fmt.Errorf("set trigger source: %w", err)
	}
	if err := trigger.SetAnalogDelay(c.TriggerDelay); err != nil {
		return fmt.Errorf("set trigger delay: %w", err)
	}

	if c.CalibrateADC {
		if err := ds.context.CalibrateADC(); err != nil {
			return fmt.Errorf("calibrate ADC: %w", err)
		}
	}
	return nil
}

// Start launches the refill goroutine. It does not wait for any data.
func (ds *AnalogInSource) Start() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.sourceState != Inactive {
		return fmt.Errorf("%w (state %s)", ErrSourceActive, ds.sourceState)
	}
	if ds.context == nil {
		return fmt.Errorf("source %s has been closed", ds.name)
	}
	ds.sourceState = Starting

	ds.buffer.mu.Lock()
	ds.buffer.reset()
	ds.buffer.mu.Unlock()

	ds.session = &sessiondb.SessionMessage{
		ID:         sessiondb.NewID(),
		URI:        ds.context.URI(),
		SrcID:      ds.name,
		Nchannels:  len(ds.channelMap),
		BufferSize: ds.bufferSize,
		SampleRate: ds.config.SampleRate,
		OutputMode: ds.outputMode.String(),
		Start:      time.Now(),
	}
	if ds.recorder != nil {
		ds.recorder.RecordSession(ds.session)
	}

	ds.refillDone.Add(1)
	go ds.refillBuffer(ds.session.ID)
	ds.sourceState = Active
	log.Printf("started %s, session %s", ds.name, ds.session.ID)
	return nil
}

// Stop cancels any fetch in progress, ends the session, and returns only after
// the refill goroutine has exited. Stopping an inactive source does nothing.
// Stop must not be called concurrently with itself.
func (ds *AnalogInSource) Stop() error {
	ds.sourceStateLock.Lock()
	switch ds.sourceState {
	case Inactive, Stopping:
		ds.sourceStateLock.Unlock()
		return nil
	}
	ds.sourceState = Stopping
	ds.sourceStateLock.Unlock()

	ds.buffer.mu.Lock()
	ds.buffer.cancelling = true
	ds.buffer.mu.Unlock()
	ds.analogIn.CancelBuffer()
	ds.buffer.mu.Lock()
	ds.buffer.stop(nil)
	ds.buffer.mu.Unlock()
	ds.refillDone.Wait()
	ds.analogIn.FlushBuffer()

	ds.buffer.mu.Lock()
	ds.buffer.discard()
	blocks, items, cause := ds.buffer.blocksFetched, ds.buffer.itemsWritten, ds.buffer.fetchErr
	ds.buffer.mu.Unlock()

	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.session != nil {
		ds.session.BlocksFetched = blocks
		ds.session.ItemsWritten = items
		ds.session.End = time.Now()
		if cause != nil {
			ds.session.StopCause = cause.Error()
		}
		if ds.recorder != nil {
			ds.recorder.FinishSession(ds.session)
		}
		log.Printf("stopped %s, session %s: %d blocks, %d items per stream",
			ds.name, ds.session.ID, blocks, items)
	}
	ds.sourceState = Inactive
	return nil
}

// Close stops the source and releases its device context. The source cannot
// be started again.
func (ds *AnalogInSource) Close() error {
	if err := ds.Stop(); err != nil {
		return err
	}
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.context == nil {
		return nil
	}
	err := ds.registry.Close(ds.context)
	ds.context = nil
	return err
}

// Running reports whether a session is active and has not ended.
func (ds *AnalogInSource) Running() bool {
	if ds.GetState() != Active {
		return false
	}
	ds.buffer.mu.Lock()
	defer ds.buffer.mu.Unlock()
	return !ds.buffer.stopped
}

// GetState returns the lifecycle state.
func (ds *AnalogInSource) GetState() SourceState {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	return ds.sourceState
}

// Err returns the fetch error that ended the current (or last) session, or nil
// if it was not ended by a failure.
func (ds *AnalogInSource) Err() error {
	ds.buffer.mu.Lock()
	defer ds.buffer.mu.Unlock()
	return ds.buffer.fetchErr
}

// SessionID returns the id of the current (or last) session.
func (ds *AnalogInSource) SessionID() string {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.session == nil {
		return ""
	}
	return ds.session.ID
}

// Name returns the source id.
func (ds *AnalogInSource) Name() string { return ds.name }

// NumOutputs returns the number of output streams Work fills.
func (ds *AnalogInSource) NumOutputs() int { return len(ds.channelMap) }

// OutputMode returns the representation Work writes.
func (ds *AnalogInSource) OutputMode() OutputMode { return ds.outputMode }

// Channels returns the physical channel carried by each output stream.
func (ds *AnalogInSource) Channels() []int {
	return append([]int(nil), ds.channelMap...)
}

// Config returns the configuration the source was built with.
func (ds *AnalogInSource) Config() AnalogInConfig { return ds.config }

// publish sends update without blocking.
func (ds *AnalogInSource) publish(update ClientUpdate) {
	if ds.clientUpdates == nil {
		return
	}
	select {
	case ds.clientUpdates <- update:
	default:
		ds.metrics.droppedUpdates.Inc()
	}
}
