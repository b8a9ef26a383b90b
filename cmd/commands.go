package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"

	"github.com/dispctl/host/internal/config"
	"github.com/dispctl/host/internal/mdns"
	"github.com/dispctl/host/internal/server"
	"github.com/dispctl/host/internal/storage"
)

// parseFlags parses args and reports the exit code to use when the caller
// should return immediately.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

func newFlagSet(name, synopsis string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: dispctl %s\n\nOptions:\n", synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", "status [options]", stderr)
	var cf clientFlags
	cf.register(fs)
	if code, done := parseFlags(fs, args); done {
		return code
	}

	var status server.StatusResponse
	if err := cf.client().do(http.MethodGet, "/api/status", nil, &status); err != nil {
		printError(stderr, err)
		return 1
	}
	if cf.json {
		writeJSONOutput(stdout, status)
		return 0
	}
	writeStatusOutput(stdout, &status)
	return 0
}

// writeStatusOutput renders human-readable daemon status.
func writeStatusOutput(w io.Writer, status *server.StatusResponse) {
	d := status.Display
	started := time.Now().Add(-time.Duration(status.UptimeSeconds) * time.Second)
	fmt.Fprintf(w, "Display %d\n", d.DisplayID)
	fmt.Fprintf(w, "==========\n")
	fmt.Fprintf(w, "Listening:    %s (started %s)\n", status.Addr, humanize.Time(started))
	fmt.Fprintf(w, "Policy:       %s\n", d.Policy)
	fmt.Fprintf(w, "Screen:       %s (reported %s)\n", d.ScreenState, d.ReportedState)
	fmt.Fprintf(w, "Brightness:   %s", formatLevel(d.Brightness))
	if d.Ramping {
		fmt.Fprintf(w, " -> %s", formatLevel(d.TargetBrightness))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Ready:        %v\n", d.DisplayReady)
	var blocked []string
	if d.ScreenOnBlocked {
		blocked = append(blocked, "screen on")
	}
	if d.ScreenOffBlocked {
		blocked = append(blocked, "screen off")
	}
	if d.OffloadBlocked {
		blocked = append(blocked, "offload")
	}
	if len(blocked) > 0 {
		fmt.Fprintf(w, "Blocked:      %s\n", strings.Join(blocked, ", "))
	}
	if d.Proximity != "" {
		fmt.Fprintf(w, "Proximity:    %s\n", d.Proximity)
	}
	fmt.Fprintf(w, "Clients:      %d compositor, %d offload, %d observer\n",
		status.Clients["compositor"], status.Clients["offload"], status.Clients["observer"])
	if status.Suspend != nil {
		fmt.Fprintf(w, "Suspend:      %s", status.Suspend.State)
		if len(status.SuspendBlockers) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(status.SuspendBlockers, ", "))
		}
		fmt.Fprintln(w)
	}
	if d.Stopped {
		fmt.Fprintln(w, "Controller stopped.")
	}
}

func formatLevel(v float64) string {
	if v < 0 {
		return "unset"
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func runRequest(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("request", "request [options] <OFF|DOZE|DIM|BRIGHT>", stderr)
	var cf clientFlags
	cf.register(fs)
	override := fs.Float64("brightness", -1, "Brightness override in [0, 1]; negative for none")
	useProx := fs.Bool("use-proximity", false, "Turn the screen off while the proximity sensor is positive")
	waitNeg := fs.Bool("wait-negative", false, "Keep the screen off until the sensor reports far")
	dozeState := fs.String("doze-state", "", "Screen state while dozing: DOZE, DOZE_SUSPEND, ON_SUSPEND")
	dozeBrightness := fs.Float64("doze-brightness", -1, "Doze brightness in [0, 1]; negative for the default")
	lowPower := fs.Float64("low-power", -1, "Low power brightness factor in [0, 1]; negative to disable")
	boost := fs.Bool("boost", false, "Boost to maximum brightness")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	body := server.PowerRequestBody{
		Policy:                   fs.Arg(0),
		UseProximity:             *useProx,
		WaitForNegativeProximity: *waitNeg,
		DozeState:                *dozeState,
		Boost:                    *boost,
	}
	if *override >= 0 {
		body.BrightnessOverride = override
	}
	if *dozeBrightness >= 0 {
		body.DozeBrightness = dozeBrightness
	}
	if *lowPower >= 0 {
		body.LowPower = true
		body.LowPowerFactor = lowPower
	}

	var resp server.PowerRequestResponse
	if err := cf.client().do(http.MethodPost, "/api/request", body, &resp); err != nil {
		printError(stderr, err)
		return 1
	}
	if cf.json {
		writeJSONOutput(stdout, resp)
		return 0
	}
	if resp.Ready {
		fmt.Fprintln(stdout, "Display ready")
	} else {
		fmt.Fprintln(stdout, "Request accepted; display not ready yet")
	}
	return 0
}

// parseValueArg reads a brightness-like argument. "clear" yields nil when
// allowed.
func parseValueArg(arg string, allowClear bool) (*float64, error) {
	if allowClear && strings.EqualFold(arg, "clear") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", arg)
	}
	return &v, nil
}

func runBrightness(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("brightness", "brightness [options] <value|clear>", stderr)
	var cf clientFlags
	cf.register(fs)
	temporary := fs.Bool("temporary", false, "Set the temporary brightness instead of the stored one")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	v, err := parseValueArg(fs.Arg(0), *temporary)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	path := "/api/brightness"
	if *temporary {
		path = "/api/temporary-brightness"
	}
	if err := cf.client().do(http.MethodPost, path, server.ValueBody{Value: v}, nil); err != nil {
		printError(stderr, err)
		return 1
	}
	if v == nil {
		fmt.Fprintln(stdout, "Temporary brightness cleared")
	} else {
		fmt.Fprintf(stdout, "Brightness set to %s\n", formatLevel(*v))
	}
	return 0
}

func runAutoAdjust(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("auto-adjust", "auto-adjust [options] <value|clear>", stderr)
	var cf clientFlags
	cf.register(fs)
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	v, err := parseValueArg(fs.Arg(0), true)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if err := cf.client().do(http.MethodPost, "/api/temporary-auto-adjustment", server.ValueBody{Value: v}, nil); err != nil {
		printError(stderr, err)
		return 1
	}
	if v == nil {
		fmt.Fprintln(stdout, "Temporary adjustment cleared")
	} else {
		fmt.Fprintf(stdout, "Temporary adjustment set to %+.3f\n", *v)
	}
	return 0
}

func runProximity(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("proximity", "proximity [options] <near|far|ignore>", stderr)
	var cf clientFlags
	cf.register(fs)
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	var body server.ProximityBody
	switch strings.ToLower(fs.Arg(0)) {
	case "near", "positive":
		body.Positive = true
	case "far", "negative":
	case "ignore":
		body.Ignore = true
	default:
		fmt.Fprintf(stderr, "Error: unknown proximity reading %q\n", fs.Arg(0))
		return 1
	}
	if err := cf.client().do(http.MethodPost, "/api/proximity", body, nil); err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Proximity %s sent\n", strings.ToLower(fs.Arg(0)))
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", "events [options]", stderr)
	var cf clientFlags
	cf.register(fs)
	limit := fs.Int("limit", 20, "Maximum number of events")
	fromDB := fs.Bool("db", false, "Read persisted events instead of the in-memory buffer")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *fromDB {
		q.Set("source", "db")
	}
	path := "/api/events?" + q.Encode()
	client := cf.client()

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	if *fromDB {
		var events []storage.StoredEvent
		if err := client.do(http.MethodGet, path, nil, &events); err != nil {
			printError(stderr, err)
			return 1
		}
		if cf.json {
			writeJSONOutput(stdout, events)
			return 0
		}
		fmt.Fprintln(tw, "WHEN\tREASON\tBRIGHTNESS\tHBM")
		for _, ev := range events {
			b := "-"
			if ev.Brightness != nil {
				b = formatLevel(*ev.Brightness)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", humanize.Time(ev.At), ev.Reason, b, ev.HbmMode)
		}
		return 0
	}

	var events []server.EventResponse
	if err := client.do(http.MethodGet, path, nil, &events); err != nil {
		printError(stderr, err)
		return 1
	}
	if cf.json {
		writeJSONOutput(stdout, events)
		return 0
	}
	fmt.Fprintln(tw, "WHEN\tREASON\tBRIGHTNESS\tHBM\tAUTO")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", humanize.Time(ev.Time), ev.Reason, formatLevel(ev.Brightness), ev.HbmMode, ev.Auto)
	}
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("stats", "stats [options]", stderr)
	var cf clientFlags
	cf.register(fs)
	window := fs.Duration("window", 24*time.Hour, "How far back to count")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	var resp server.StatsResponse
	path := "/api/stats?window=" + url.QueryEscape(window.String())
	if err := cf.client().do(http.MethodGet, path, nil, &resp); err != nil {
		printError(stderr, err)
		return 1
	}
	if cf.json {
		writeJSONOutput(stdout, resp)
		return 0
	}
	fmt.Fprintf(stdout, "Screen states since %s:\n", humanize.Time(resp.Since))
	if len(resp.ScreenStates) == 0 {
		fmt.Fprintln(stdout, "  (none)")
	}
	for _, c := range resp.ScreenStates {
		fmt.Fprintf(stdout, "  %-14s %s\n", c.State, humanize.Comma(int64(c.Count)))
	}
	return 0
}

func runDump(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("dump", "dump [options]", stderr)
	var cf clientFlags
	cf.register(fs)
	if code, done := parseFlags(fs, args); done {
		return code
	}

	data, err := cf.client().raw(http.MethodGet, "/api/dump", nil)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	stdout.Write(data)
	return 0
}

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("discover", "discover [options]", stderr)
	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	hosts, err := mdns.Discover(ctx)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if *jsonOutput {
		if hosts == nil {
			hosts = []mdns.Host{}
		}
		writeJSONOutput(stdout, hosts)
		return 0
	}
	if len(hosts) == 0 {
		fmt.Fprintln(stdout, "No daemons found.")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tDISPLAY\tFINGERPRINT")
	for _, h := range hosts {
		fp := h.Fingerprint
		if fp == "" {
			fp = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", h.Name, h.URL(), h.DisplayID, fp)
	}
	tw.Flush()
	return 0
}

func runHashToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("hash-token", "hash-token [options] [token]", stderr)
	showQR := fs.Bool("qr", false, "Also print a QR code a client can scan to connect")
	addr := fs.String("addr", config.DefaultAddr, "Daemon address to put in the QR code")
	fingerprint := fs.String("fingerprint", "", "TLS certificate fingerprint to put in the QR code")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return 1
	}

	token := fs.Arg(0)
	generated := token == ""
	if generated {
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if generated {
		fmt.Fprintf(stdout, "token = %s\n", token)
	}
	fmt.Fprintf(stdout, "api_token_hash = %q\n", string(hash))
	if *showQR {
		printConnectQR(stdout, *addr, token, *fingerprint)
	}
	return 0
}

// connectURL is what the QR code carries:
// dispctl://connect?host=<addr>&token=<token>[&fp=<fingerprint>]
func connectURL(addr, token, fingerprint string) string {
	q := url.Values{}
	q.Set("host", addr)
	q.Set("token", token)
	if fingerprint != "" {
		q.Set("fp", fingerprint)
	}
	return (&url.URL{Scheme: "dispctl", Host: "connect", RawQuery: q.Encode()}).String()
}

// printConnectQR falls back to the plain URL when the payload does not fit.
func printConnectQR(w io.Writer, addr, token, fingerprint string) {
	payload := connectURL(addr, token, fingerprint)
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Connect URL: %s\n", payload)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO CONNECT")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintf(w, "  Host:        %s\n", addr)
	if fingerprint != "" {
		fmt.Fprintf(w, "  Fingerprint: %s\n", fingerprint)
	}
	fmt.Fprintf(w, "  URL:         %s\n", payload)
	fmt.Fprintln(w, "===========================================")
}
