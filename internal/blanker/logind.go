package blanker

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	apperrors "github.com/dispctl/host/internal/errors"
)

const (
	login1Dest          = "org.freedesktop.login1"
	login1SessionPath   = "/org/freedesktop/login1/session/auto"
	login1SetBrightness = "org.freedesktop.login1.Session.SetBrightness"
)

// caller is the part of dbus.BusObject the logind blanker uses.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Logind sets the backlight through systemd-logind, which lets an
// unprivileged session user write it. logind cannot power the panel off,
// so OFF writes zero.
type Logind struct {
	obj    caller
	name   string
	max    uint32
	log    *logrus.Entry
	mu     sync.Mutex
	last   uint32
	hasSet bool
}

// NewLogind connects to the system bus. max_brightness is still read from
// sysfs since logind takes raw values.
func NewLogind(classDir, device string, log *logrus.Entry) (*Logind, error) {
	max, err := readUint(filepath.Join(classDir, device, "max_brightness"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBlankerNoDevice, "read max_brightness for "+device, err)
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBlankerNoDevice, "connect to system bus", err)
	}
	obj := conn.Object(login1Dest, dbus.ObjectPath(login1SessionPath))
	return newLogind(obj, device, max, log), nil
}

func newLogind(obj caller, device string, max uint32, log *logrus.Entry) *Logind {
	return &Logind{
		obj:  obj,
		name: device,
		max:  max,
		log:  log.WithFields(logrus.Fields{"component": "blanker", "device": device, "via": "logind"}),
	}
}

func (l *Logind) Apply(ctx context.Context, state display.ScreenState, brightness, _ float64) error {
	raw := toRaw(brightness, l.max)
	if state == display.ScreenOff {
		raw = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasSet && raw == l.last {
		return nil
	}
	call := l.obj.CallWithContext(ctx, login1SetBrightness, 0, "backlight", l.name, raw)
	if call.Err != nil {
		return apperrors.BlankerWriteFailed("logind brightness", call.Err)
	}
	l.last, l.hasSet = raw, true
	l.log.WithField("raw", raw).Debug("backlight set")
	return nil
}
