//go:build linux

package suspend

import (
	"context"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"

	apperrors "github.com/dispctl/host/internal/errors"
)

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = "/org/freedesktop/login1"
	login1Inhibit = "org.freedesktop.login1.Manager.Inhibit"
)

// NewDefaultAdapter returns the logind sleep inhibitor adapter.
func NewDefaultAdapter() Adapter {
	return &logindAdapter{
		connect: dbus.SystemBus,
		who:     "dispctl",
		why:     "display transition in progress",
	}
}

type logindAdapter struct {
	connect func() (*dbus.Conn, error)
	who     string
	why     string
}

// Acquire takes a "sleep" block inhibitor. logind hands back a file
// descriptor; the inhibitor lasts until it is closed.
func (a *logindAdapter) Acquire(ctx context.Context) (Handle, error) {
	conn, err := a.connect()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSuspendUnsupported, "system bus unavailable", err)
	}
	var fd dbus.UnixFD
	obj := conn.Object(login1Dest, dbus.ObjectPath(login1Path))
	if err := obj.CallWithContext(ctx, login1Inhibit, 0, "sleep", a.who, a.why, "block").Store(&fd); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSuspendInhibitFailed, "logind inhibit", err)
	}
	h := &fdHandle{file: os.NewFile(uintptr(fd), "logind-inhibit"), done: make(chan struct{})}
	go h.watch(conn)
	return h, nil
}

type fdHandle struct {
	file *os.File
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// watch ends the handle when the bus connection drops, since logind
// releases the inhibitor with it.
func (h *fdHandle) watch(conn *dbus.Conn) {
	select {
	case <-conn.Context().Done():
		h.finish(apperrors.New(apperrors.CodeSuspendInhibitFailed, "system bus connection closed"))
	case <-h.done:
	}
}

func (h *fdHandle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fdHandle) Done() <-chan struct{} { return h.done }

func (h *fdHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fdHandle) Release(context.Context) error {
	err := h.file.Close()
	h.finish(nil)
	return err
}
