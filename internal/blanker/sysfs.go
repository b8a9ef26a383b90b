package blanker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	apperrors "github.com/dispctl/host/internal/errors"
)

// bl_power values from the kernel backlight class.
const (
	blPowerOn   = 0
	blPowerDown = 4
)

// Sysfs drives a /sys/class/backlight device directly.
type Sysfs struct {
	dir string
	max uint32
	log *logrus.Entry

	mu      sync.Mutex
	power   int
	raw     uint32
	written bool
}

// NewSysfs opens the backlight directory and reads max_brightness.
func NewSysfs(dir string, log *logrus.Entry) (*Sysfs, error) {
	max, err := readUint(filepath.Join(dir, "max_brightness"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBlankerNoDevice, "read max_brightness in "+dir, err)
	}
	if max == 0 {
		return nil, apperrors.New(apperrors.CodeBlankerNoDevice, "max_brightness is 0 in "+dir)
	}
	log = log.WithFields(logrus.Fields{"component": "blanker", "device": filepath.Base(dir)})
	log.WithField("max_brightness", max).Info("using sysfs backlight")
	return &Sysfs{dir: dir, max: max, log: log}, nil
}

// Apply powers the backlight down for OFF and otherwise writes the scaled
// brightness.
func (s *Sysfs) Apply(ctx context.Context, state display.ScreenState, brightness, _ float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	power := blPowerOn
	if state == display.ScreenOff {
		power = blPowerDown
	}
	raw := toRaw(brightness, s.max)

	if power == blPowerOn && (!s.written || s.raw != raw) {
		if err := s.write("brightness", int(raw)); err != nil {
			return err
		}
		s.raw = raw
	}
	if !s.written || s.power != power {
		if err := s.write("bl_power", power); err != nil {
			return err
		}
		s.power = power
	}
	s.written = true
	return nil
}

func (s *Sysfs) write(name string, v int) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(strconv.Itoa(v)+"\n"), 0644); err != nil {
		return apperrors.BlankerWriteFailed(path, err)
	}
	s.log.WithField(name, v).Debug("backlight write")
	return nil
}
