package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/usnistgov/adcbridge"
	"github.com/usnistgov/adcbridge/internal/sessiondb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("portbase", 5600)
	viper.SetDefault("database", false)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotAdcbridge := filepath.Join(HOME, ".adcbridge")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotAdcbridge, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/adcbridge"))
	viper.AddConfigPath(dotAdcbridge)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

// serveMetrics exposes the Prometheus registry on port until the process ends.
func serveMetrics(reg *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		adcbridge.ProblemLogger.Printf("metrics server: %v", err)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	adcbridge.Build.Date = buildDate
	adcbridge.Build.Githash = githash
	adcbridge.Build.Gitdate = gitdate
	adcbridge.Build.Summary = fmt.Sprintf("adcbridge version %s (git commit %s of %s)", adcbridge.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		adcbridge.Build.Host = host
	} else {
		adcbridge.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("pingdb", false, "check the session database connection and quit")
	portbase := flag.Int("port", 0, "base TCP port (JSON-RPC; status is +1, metrics +2); 0 uses the config file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is adcbridge version %s\n", adcbridge.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if *pingDB {
		if err := sessiondb.PingServer(); err != nil {
			fmt.Println("Session database:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is adcbridge version %s (git commit %s)\n", adcbridge.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".adcbridge", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	adcbridge.ProblemLogger = startLogger(problemname)
	adcbridge.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	adcbridge.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	if *portbase > 0 {
		adcbridge.SetPortnumbers(*portbase)
	} else {
		adcbridge.SetPortnumbers(viper.GetInt("portbase"))
	}
	if viper.GetBool("Verbose") {
		spew.Fdump(os.Stdout, adcbridge.Ports)
	}

	abort := make(chan struct{})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := adcbridge.NewMetrics(reg)
	if err != nil {
		panic(err)
	}
	go serveMetrics(reg, adcbridge.Ports.Metrics)

	clientMessageChan := make(chan adcbridge.ClientUpdate, 100)
	go func() {
		if err := adcbridge.RunClientUpdater(clientMessageChan, adcbridge.Ports.Status, abort); err != nil {
			adcbridge.ProblemLogger.Printf("client updater: %v", err)
			log.Printf("client updater failed: %v", err)
		}
	}()

	var recorder adcbridge.SessionRecorder
	db := sessiondb.DummyConnection()
	if viper.GetBool("database") {
		activity := &sessiondb.ActivityMessage{
			ID:        sessiondb.NewID(),
			Hostname:  adcbridge.Build.Host,
			Githash:   githash,
			Version:   adcbridge.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     adcbridge.StartTime,
		}
		db = sessiondb.StartConnection(activity, abort)
		if db.IsConnected() {
			recorder = db
		} else {
			log.Printf("Session database is not connected: %v", db.Err())
		}
	}

	// Stop cleanly on interrupt or termination.
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interruptCatcher
		log.Println("caught signal, shutting down")
		close(abort)
	}()

	registry := adcbridge.NewContextRegistry(nil)
	sourceControl := adcbridge.NewSourceControl(registry, clientMessageChan, metrics, recorder)
	if err := adcbridge.RunRPCServer(sourceControl, adcbridge.Ports.RPC, abort); err != nil {
		log.Printf("RPC server: %v", err)
	}
	if err := registry.CloseAll(); err != nil {
		log.Printf("closing device contexts: %v", err)
	}
	if db.IsConnected() {
		db.Wait()
	}
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
