// Package blanker applies screen state and backlight level to a panel.
package blanker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	apperrors "github.com/dispctl/host/internal/errors"
	"github.com/dispctl/host/internal/powerstate"
)

// Options selects and configures a blanker.
type Options struct {
	// Kind is log, sysfs or logind.
	Kind string
	// Device is the backlight name, e.g. intel_backlight.
	Device string
	// Dir is the backlight class directory. Default /sys/class/backlight.
	Dir string
	Log *logrus.Entry
}

// New returns the blanker named by opts.Kind.
func New(opts Options) (powerstate.Blanker, error) {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Dir == "" {
		opts.Dir = "/sys/class/backlight"
	}
	switch opts.Kind {
	case "", "log":
		return NewLog(opts.Log), nil
	case "sysfs":
		return NewSysfs(filepath.Join(opts.Dir, opts.Device), opts.Log)
	case "logind":
		return NewLogind(opts.Dir, opts.Device, opts.Log)
	default:
		return nil, apperrors.ConfigInvalid("blanker.kind", fmt.Sprintf("unknown blanker %q", opts.Kind))
	}
}

// Log records panel writes without touching hardware.
type Log struct {
	log *logrus.Entry

	mu    sync.Mutex
	state display.ScreenState
	level float64
}

// NewLog returns a blanker that logs every change.
func NewLog(log *logrus.Entry) *Log {
	return &Log{log: log.WithField("component", "blanker"), state: display.ScreenUnknown, level: math.NaN()}
}

func (l *Log) Apply(_ context.Context, state display.ScreenState, brightness, sdr float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state == l.state && display.FloatEqual(brightness, l.level) {
		return nil
	}
	l.state, l.level = state, brightness
	l.log.WithFields(logrus.Fields{
		"state":      state.String(),
		"brightness": brightness,
		"sdr":        sdr,
	}).Info("panel updated")
	return nil
}

// Last returns the last applied state and brightness.
func (l *Log) Last() (display.ScreenState, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.level
}

// toRaw scales a [0, 1] brightness onto [0, max]. A positive brightness
// never rounds down to zero, which would blank some panels.
func toRaw(brightness float64, max uint32) uint32 {
	if math.IsNaN(brightness) || brightness <= 0 || max == 0 {
		return 0
	}
	if brightness >= 1 {
		return max
	}
	raw := uint32(math.Round(brightness * float64(max)))
	if raw == 0 {
		raw = 1
	}
	return raw
}

func readUint(path string) (uint32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint32(v), nil
}
