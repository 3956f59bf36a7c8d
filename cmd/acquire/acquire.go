// Command acquire streams samples from one analog-input device straight into
// .npy files, without the RPC server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/usnistgov/adcbridge"
)

type acquireOptions struct {
	uri        string
	nSamples   int64
	bufferSize int
	rate       float64
	channels   string
	raw        bool
	output     string
	basename   string
}

var opt acquireOptions

func parseOptions() error {
	flag.StringVar(&opt.uri, "uri", adcbridge.SimulatedURIPrefix, "device URI")
	flag.Int64Var(&opt.nSamples, "n", 0, "number of samples per channel to acquire (<=0 means run until interrupted)")
	flag.IntVar(&opt.bufferSize, "b", 0x8000, "samples per channel in each device fetch")
	flag.Float64Var(&opt.rate, "r", 100000, "sample rate (samples per second)")
	flag.StringVar(&opt.channels, "c", "1", "enabled channels: 1, 2, or 12")
	flag.BoolVar(&opt.raw, "raw", false, "store raw ADC codes instead of volts")
	flag.StringVar(&opt.output, "o", "", "output directory (empty: count samples only)")
	flag.StringVar(&opt.basename, "name", "", "output file prefix (default: start time)")
	flag.Parse()

	switch {
	case opt.bufferSize < 1:
		return fmt.Errorf("Buffer size (%d) must be at least 1", opt.bufferSize)
	case opt.bufferSize < adcbridge.OutputMultiple:
		log.Printf("WARNING: Buffer size (%d) is recommended to be at least %d", opt.bufferSize, adcbridge.OutputMultiple)
	}
	return nil
}

func channelFlags(spec string) ([]bool, error) {
	switch spec {
	case "1":
		return []bool{true, false}, nil
	case "2":
		return []bool{false, true}, nil
	case "12", "21":
		return []bool{true, true}, nil
	}
	return nil, fmt.Errorf("channels %q: want 1, 2, or 12", spec)
}

func acquire(ctx context.Context) (int64, error) {
	config := adcbridge.DefaultAnalogInConfig()
	config.URI = opt.uri
	config.BufferSize = opt.bufferSize
	config.SampleRate = opt.rate
	config.StreamVoltageValues = !opt.raw
	channels, err := channelFlags(opt.channels)
	if err != nil {
		return 0, err
	}
	config.Channels = channels

	registry := adcbridge.NewContextRegistry(nil)
	defer registry.CloseAll()
	src, err := adcbridge.NewAnalogInSource(registry, config, adcbridge.WithName("acquire"))
	if err != nil {
		return 0, err
	}
	defer src.Close()

	var sink adcbridge.Sink = &adcbridge.CountingSink{}
	if opt.output != "" {
		basename := opt.basename
		if basename == "" {
			basename = time.Now().Format("20060102_150405")
		}
		npysink, err := adcbridge.NewNpySink(opt.output, basename, src.Channels(), src.OutputMode())
		if err != nil {
			return 0, err
		}
		for _, name := range npysink.Filenames() {
			log.Printf("Writing %s", name)
		}
		sink = npysink
	}
	n, err := adcbridge.RunFlowgraph(ctx, src, sink, opt.nSamples)
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return n, err
}

func main() {
	if err := parseOptions(); err != nil {
		log.Println(err)
		os.Exit(2)
	}

	// Trap interrupts so we can cleanly exit the program
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	tstart := time.Now()
	n, err := acquire(ctx)
	elapsed := time.Since(tstart)
	fmt.Printf("Acquired %d samples per channel in %v (%.0f samples/s)\n", n, elapsed, float64(n)/elapsed.Seconds())
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
