package adcbridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// SourceControl is the sub-server that handles configuration and operation of
// the analog-input source.
type SourceControl struct {
	registry      *ContextRegistry
	clientUpdates chan<- ClientUpdate
	metrics       *Metrics
	recorder      SessionRecorder

	mu           sync.Mutex // guards everything below
	config       AnalogInConfig
	configured   bool
	activeSource *AnalogInSource
	cancelRun    context.CancelFunc
	runDone      chan struct{}
	status       ServerStatus
}

// ServerStatus the status that SourceControl reports to clients.
type ServerStatus struct {
	Running        bool
	URI            string
	SessionID      string
	Nchannels      int
	Channels       []int // physical channel of each output stream
	SampleRate     float64
	BufferSize     int
	OutputMode     string
	ItemsDelivered int64  // per stream, in the last finished run
	LastError      string // why the last run ended, if it failed
}

// StartArgs are the arguments of SourceControl.Start.
type StartArgs struct {
	MaxItems  int64  // items per stream to acquire; 0 means until Stop
	OutputDir string // if set, write one .npy file per channel here
	Basename  string // file name prefix; defaults to the session id
}

// NewSourceControl creates a SourceControl. The stored "analogin" settings, if
// any, become its configuration.
func NewSourceControl(registry *ContextRegistry, clientUpdates chan<- ClientUpdate,
	metrics *Metrics, recorder SessionRecorder) *SourceControl {
	s := &SourceControl{
		registry:      registry,
		clientUpdates: clientUpdates,
		metrics:       metrics,
		recorder:      recorder,
		config:        DefaultAnalogInConfig(),
	}
	if viper.IsSet("analogin") {
		var aic AnalogInConfig
		if err := viper.UnmarshalKey("analogin", &aic); err != nil {
			log.Printf("could not read stored analogin settings: %v", err)
		} else if err := aic.Validate(); err != nil {
			log.Printf("stored analogin settings are invalid: %v", err)
		} else {
			s.config = aic
			s.configured = true
		}
	}
	return s
}

// ConfigureAnalogIn sets the configuration used by the next Start.
func (s *SourceControl) ConfigureAnalogIn(args *AnalogInConfig, reply *bool) error {
	*reply = false
	if err := args.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource != nil {
		return fmt.Errorf("cannot configure while a source is active (call Stop)")
	}
	s.config = *args
	s.configured = true
	log.Printf("ConfigureAnalogIn: %s, %d samples per fetch, rate=%.3f", args.URI, args.BufferSize, args.SampleRate)
	viper.Set("analogin", *args)
	if viper.ConfigFileUsed() != "" {
		if err := viper.WriteConfig(); err != nil {
			log.Printf("could not save analogin settings: %v", err)
		}
	}
	s.publish(ClientUpdate{"ANALOGIN", *args})
	*reply = true
	return nil
}

// Start builds a source from the current configuration and runs it until
// Stop, MaxItems, or a device failure.
func (s *SourceControl) Start(args *StartArgs, reply *bool) error {
	*reply = false
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource != nil {
		return fmt.Errorf("activeSource is not nil, want nil (you should call Stop)")
	}
	if !s.configured {
		return fmt.Errorf("no analog input is configured (call ConfigureAnalogIn)")
	}

	opts := []Option{WithName("analogin"), WithMetrics(s.metrics)}
	if s.clientUpdates != nil {
		opts = append(opts, WithClientUpdates(s.clientUpdates))
	}
	if s.recorder != nil {
		opts = append(opts, WithSessionRecorder(s.recorder))
	}
	src, err := NewAnalogInSource(s.registry, s.config, opts...)
	if err != nil {
		return err
	}
	var sink Sink = &CountingSink{}
	if args.OutputDir != "" {
		basename := args.Basename
		if basename == "" {
			basename = time.Now().Format("20060102_150405")
		}
		sink, err = NewNpySink(args.OutputDir, basename, src.Channels(), src.OutputMode())
		if err != nil {
			src.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.activeSource = src
	s.cancelRun = cancel
	s.runDone = done
	s.status = ServerStatus{
		Running:    true,
		URI:        s.config.URI,
		Nchannels:  src.NumOutputs(),
		Channels:   src.Channels(),
		SampleRate: s.config.SampleRate,
		BufferSize: s.config.BufferSize,
		OutputMode: src.OutputMode().String(),
	}
	log.Printf("Starting analog input on %s", s.config.URI)
	go s.run(ctx, src, sink, args.MaxItems, done)
	*reply = true
	return nil
}

// run drives one flowgraph and cleans up when it ends, however it ends.
func (s *SourceControl) run(ctx context.Context, src *AnalogInSource, sink Sink, maxItems int64, done chan struct{}) {
	defer close(done)
	n, err := RunFlowgraph(ctx, src, sink, maxItems)
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := src.Close(); cerr != nil {
		log.Printf("closing source: %v", cerr)
	}
	if err != nil {
		log.Printf("analog input run ended with error: %v", err)
	} else {
		log.Printf("analog input run ended after %d items per stream", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource == src {
		s.activeSource = nil
		s.cancelRun = nil
	}
	s.status.Running = false
	s.status.SessionID = src.SessionID()
	s.status.ItemsDelivered = n
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.broadcastUpdate()
}

// Stop stops the running data source, if any, and waits until it is released.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	*reply = false
	s.mu.Lock()
	if s.activeSource == nil {
		s.mu.Unlock()
		return fmt.Errorf("No source is active")
	}
	cancel, done := s.cancelRun, s.runDone
	s.mu.Unlock()

	log.Printf("Stopping data source")
	cancel()
	<-done
	*reply = true
	return nil
}

// Status returns a copy of the current status.
func (s *SourceControl) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus()
	return s.status
}

// refreshStatus must be called with s.mu held.
func (s *SourceControl) refreshStatus() {
	if s.activeSource != nil {
		s.status.SessionID = s.activeSource.SessionID()
		s.status.Running = s.activeSource.Running()
	}
}

// broadcastUpdate must be called with s.mu held.
func (s *SourceControl) broadcastUpdate() {
	s.refreshStatus()
	s.publish(ClientUpdate{"STATUS", s.status})
}

func (s *SourceControl) publish(update ClientUpdate) {
	if s.clientUpdates == nil {
		return
	}
	select {
	case s.clientUpdates <- update:
	default:
		ProblemLogger.Printf("client update channel full, dropping %s update", update.tag)
	}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastUpdate()
	s.publish(ClientUpdate{"ANALOGIN", s.config})
	s.publish(ClientUpdate{"SENDALL", 0})
	*reply = true
	return nil
}

// shutdown stops any active source.
func (s *SourceControl) shutdown() {
	var dummy string
	var okay bool
	if err := s.Stop(&dummy, &okay); err == nil {
		log.Printf("stopped active source at shutdown")
	}
}

// RunRPCServer serves JSON-RPC requests to sourceControl on portrpc and
// broadcasts its status every 2 seconds. It returns when abort is closed,
// after stopping any active source.
func RunRPCServer(sourceControl *SourceControl, portrpc int, abort <-chan struct{}) error {
	server := rpc.NewServer()
	if err := server.Register(sourceControl); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	log.Printf("adcbridge is using config file %q", viper.ConfigFileUsed())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				listener.Close()
				return
			case <-ticker.C:
				sourceControl.mu.Lock()
				sourceControl.broadcastUpdate()
				sourceControl.mu.Unlock()
			}
		}
	}()

	var conns sync.WaitGroup
	go func() {
		defer wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("accept error: %v", err)
				}
				return
			}
			log.Printf("new connection established")
			conns.Add(1)
			go func() {
				defer conns.Done()
				server.ServeCodec(jsonrpc.NewServerCodec(conn))
			}()
			go func() {
				<-abort
				conn.Close()
			}()
		}
	}()

	wg.Wait()
	sourceControl.shutdown()
	conns.Wait()
	return nil
}
