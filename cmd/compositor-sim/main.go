// Command compositor-sim stands in for a compositor during development.
// It connects to /ws/compositor and acknowledges screen tokens.
//
// Usage: go run ./cmd/compositor-sim --addr 127.0.0.1:7171 --delay 50ms
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/config"
	dtls "github.com/dispctl/host/internal/tls"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("compositor-sim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", config.DefaultAddr, "Daemon address")
	token := fs.String("token", os.Getenv("DISPCTL_TOKEN"), "API token")
	fingerprint := fs.String("fingerprint", "", "Pinned certificate fingerprint; implies wss")
	delay := fs.Duration("delay", 0, "Delay before acknowledging a token")
	ignoreOff := fs.Bool("ignore-off", false, "Never acknowledge turning-off tokens")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger.SetLevel(lvl)

	sim := newSimulator(*addr, *token, *fingerprint, logrus.NewEntry(logger).WithField("component", "compositor-sim"))
	sim.delay = *delay
	sim.ignoreOff = *ignoreOff
	if err := sim.run(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "acknowledged %d tokens\n", sim.Acked())
	return 0
}

func newSimulator(addr, token, fingerprint string, log *logrus.Entry) *simulator {
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		if fingerprint != "" {
			url = "wss://" + url
		} else {
			url = "ws://" + url
		}
	}
	if fingerprint != "" {
		dialer.TLSClientConfig = dtls.PinnedClientConfig(fingerprint)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &simulator{
		url:    strings.TrimRight(url, "/") + "/ws/compositor",
		header: header,
		dialer: dialer,
		log:    log,
	}
}
