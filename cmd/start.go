package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/config"
)

// startFlags are the "dispctl start" overrides. Empty or zero means the
// config file decides.
type startFlags struct {
	Config       string
	Addr         string
	StateDB      string
	LogLevel     string
	LogFile      string
	DisplayID    int
	Blanker      string
	Device       string
	InitialState string
	Mdns         bool
	TLS          bool
	BlockSuspend bool
	Proximity    bool
}

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	sf := &startFlags{}
	fs.StringVar(&sf.Config, "config", "", "Path to config file (default: ~/.dispctl/config.toml)")
	fs.StringVar(&sf.Addr, "addr", "", "Address for the HTTP and WebSocket API (default: "+config.DefaultAddr+")")
	fs.StringVar(&sf.StateDB, "state-db", "", "Path to the settings and stats database (default: ~/.dispctl/dispctl.db)")
	fs.StringVar(&sf.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error (default: info)")
	fs.StringVar(&sf.LogFile, "log-file", "", "Write logs to this file instead of stderr")
	fs.IntVar(&sf.DisplayID, "display", 0, "Logical display id to control")
	fs.StringVar(&sf.Blanker, "blanker", "", "Panel backend: log, sysfs or logind (default: log)")
	fs.StringVar(&sf.Device, "device", "", "Backlight device under /sys/class/backlight")
	fs.StringVar(&sf.InitialState, "initial-state", "", "Panel state at startup: on or off (default: on)")
	fs.BoolVar(&sf.Mdns, "mdns", false, "Advertise the API with mDNS")
	fs.BoolVar(&sf.TLS, "tls", false, "Serve the API over TLS with a self-signed certificate")
	fs.BoolVar(&sf.BlockSuspend, "block-suspend", false, "Hold a logind sleep inhibitor while the controller is busy")
	fs.BoolVar(&sf.Proximity, "proximity", false, "Enable the API-fed proximity sensor")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: dispctl start [options]\n\nRun the display controller in the foreground.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	cfg, err := config.Load(sf.Config)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	mergeStartFlags(cfg, sf, explicitFlags)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		printError(stderr, err)
		return 1
	}

	logger, logFile, err := newLogger(cfg.LogLevel, cfg.LogFile, stderr)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := logrus.NewEntry(logger)

	d, err := newDaemon(cfg, log)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if err := d.start(); err != nil {
		d.shutdown()
		printError(stderr, err)
		return 1
	}

	writeStartBanner(stdout, cfg, d)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	d.shutdown()
	return 0
}

// mergeStartFlags applies command line values over the file. Booleans only
// win when they were given explicitly so --tls=false can turn off a file
// setting.
func mergeStartFlags(cfg *config.Config, sf *startFlags, explicit map[string]bool) {
	if sf.Addr != "" {
		cfg.Addr = sf.Addr
	}
	if sf.StateDB != "" {
		cfg.StateDB = sf.StateDB
	}
	if sf.LogLevel != "" {
		cfg.LogLevel = sf.LogLevel
	}
	if sf.LogFile != "" {
		cfg.LogFile = sf.LogFile
	}
	if explicit["display"] {
		cfg.DisplayID = sf.DisplayID
	}
	if sf.Blanker != "" {
		cfg.Blanker.Kind = sf.Blanker
	}
	if sf.Device != "" {
		cfg.Blanker.Device = sf.Device
	}
	if sf.InitialState != "" {
		cfg.InitialState = sf.InitialState
	}
	if explicit["mdns"] {
		cfg.MdnsEnabled = sf.Mdns
	}
	if explicit["tls"] {
		cfg.TLS = sf.TLS
	}
	if explicit["block-suspend"] {
		cfg.BlockSuspend = sf.BlockSuspend
	}
	if explicit["proximity"] {
		cfg.Proximity.Enabled = sf.Proximity
	}
}

func writeStartBanner(stdout io.Writer, cfg *config.Config, d *daemon) {
	scheme := "http"
	if d.cert != nil {
		scheme = "https"
	}
	fmt.Fprintln(stdout, "")
	fmt.Fprintln(stdout, "===========================================")
	fmt.Fprintln(stdout, "  dispctl")
	fmt.Fprintln(stdout, "===========================================")
	fmt.Fprintf(stdout, "  Display:  %d (%s)\n", cfg.DisplayID, cfg.Blanker.Kind)
	fmt.Fprintf(stdout, "  API:      %s://%s\n", scheme, cfg.Addr)
	if cfg.APITokenHash != "" {
		fmt.Fprintln(stdout, "  Auth:     bearer token")
	} else {
		fmt.Fprintln(stdout, "  Auth:     none")
	}
	if d.cert != nil {
		fmt.Fprintf(stdout, "  Cert:     %s\n", d.cert.Fingerprint)
	}
	if d.adv != nil && d.adv.IsRunning() {
		fmt.Fprintln(stdout, "  mDNS:     advertising")
	}
	fmt.Fprintln(stdout, "===========================================")
	fmt.Fprintln(stdout, "")
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "Path to write (default: ~/.dispctl/config.toml)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := *path
	if target == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			printError(stderr, err)
			return 1
		}
		target = p
	}
	if _, err := os.Stat(target); err == nil {
		fmt.Fprintf(stdout, "Config already exists: %s\n", target)
		return 0
	}
	if err := config.WriteDefault(target); err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Created config: %s\n", target)
	return 0
}
