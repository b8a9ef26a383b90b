package server

import (
	"context"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dispctl/host/internal/controller"
	"github.com/dispctl/host/internal/display"
	apperrors "github.com/dispctl/host/internal/errors"
	"github.com/dispctl/host/internal/gate"
	"github.com/dispctl/host/internal/storage"
	"github.com/dispctl/host/internal/suspend"
)

// channelBufferSize is the buffer size of per-client send channels. A
// client that falls this far behind loses messages.
const channelBufferSize = 64

// Display is the controller surface the server drives.
type Display interface {
	DisplayID() int
	Status() controller.Status
	BrightnessInfo() display.BrightnessInfo
	Events() []display.BrightnessEvent
	Dump(ctx context.Context, w io.Writer) error

	RequestPowerState(req display.PowerRequest, waitForNegativeProximity bool) bool
	SetBrightness(v float64)
	SetTemporaryBrightness(v float64)
	SetTemporaryAutoBrightnessAdjustment(adj float64)
	SetBrightnessFromOffload(v float64)
	SetAutomaticScreenBrightnessMode(idle bool)
	SetDisplayOffloadSession(s gate.Session)
	OverrideDozeScreenState(state display.ScreenState, reason display.StateReason)
	SetDisplayState(enabled, inTransition bool)
	OnProximity(positive bool)
	IgnoreProximitySensorUntilChanged()
	OnBootCompleted()
	OnSwitchUser(userID int)
}

// StatsSource answers the stats queries.
type StatsSource interface {
	ScreenStateCounts(displayID int, since time.Time) ([]storage.ScreenStateCount, error)
	RecentEvents(displayID, limit int) ([]storage.StoredEvent, error)
}

// SuspendSource reports the sleep inhibitor.
type SuspendSource interface {
	Status() suspend.Status
	Held() []string
}

// Options configures a Server.
type Options struct {
	// Addr is the address to listen on, e.g. 127.0.0.1:7171.
	Addr string
	Log  *logrus.Entry

	// TokenHash is a bcrypt hash of the API token. Empty disables auth.
	TokenHash string

	// RequestsPerSecond limits mutating calls. Zero disables the limit.
	RequestsPerSecond float64

	// Stats and Suspend are optional.
	Stats   StatsSource
	Suspend SuspendSource

	// DumpTimeout bounds how long /api/dump waits for the loop.
	DumpTimeout time.Duration
}

type clientRole int

const (
	roleCompositor clientRole = iota
	roleOffload
	roleObserver
)

func (r clientRole) String() string {
	switch r {
	case roleCompositor:
		return "compositor"
	case roleOffload:
		return "offload"
	default:
		return "observer"
	}
}

// Server exposes one display controller. Before SetDisplay is called every
// API route answers display.not_found.
type Server struct {
	addr     string
	log      *logrus.Entry
	upgrader websocket.Upgrader
	opts     Options
	limiter  *rate.Limiter
	started  time.Time

	// mu protects everything below.
	mu         sync.RWMutex
	display    Display
	clients    map[*Client]bool
	stopped    bool
	httpServer *http.Server

	// tokens handed to compositors, by id.
	screenTokens map[string]*gate.Token
	// offload holds waiting for release, by id.
	offloadHolds map[string]func()
}

// NewServer creates a server. Call SetDisplay before Start.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.DumpTimeout <= 0 {
		opts.DumpTimeout = 2 * time.Second
	}
	s := &Server{
		addr: opts.Addr,
		log:  log.WithField("component", "server"),
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are local processes, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started:      time.Now(),
		clients:      make(map[*Client]bool),
		screenTokens: make(map[string]*gate.Token),
		offloadHolds: make(map[string]func()),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(math.Ceil(opts.RequestsPerSecond))
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return s
}

// SetDisplay attaches the controller. The controller is built after the
// server because the server is its WindowPolicy.
func (s *Server) SetDisplay(d Display) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.display = d
}

func (s *Server) getDisplay() Display {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.display
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) countRole(role clientRole) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countRoleLocked(role)
}

func (s *Server) countRoleLocked(role clientRole) int {
	n := 0
	for c := range s.clients {
		if c.role == role {
			n++
		}
	}
	return n
}

// broadcast queues msg for every client whose role is in roles. Slow
// clients drop the message.
func (s *Server) broadcast(msg Message, roles ...clientRole) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return 0
	}
	sent := 0
	for c := range s.clients {
		if !hasRole(roles, c.role) {
			continue
		}
		if c.trySend(msg) {
			sent++
		} else {
			s.log.WithFields(logrus.Fields{"role": c.role, "code": apperrors.CodeServerSendFailed}).Warn("client send buffer full, dropping message")
		}
	}
	return sent
}

func hasRole(roles []clientRole, r clientRole) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

// NotifyStateChanged publishes the controller status to every client.
func (s *Server) NotifyStateChanged() {
	d := s.getDisplay()
	if d == nil {
		return
	}
	s.broadcast(Message{Type: MessageTypeStatus, Payload: d.Status()}, roleCompositor, roleOffload, roleObserver)
}

// OnBrightnessChanged publishes brightness changes. It runs on the
// controller loop and never blocks.
func (s *Server) OnBrightnessChanged(displayID int, info display.BrightnessInfo) {
	s.broadcast(Message{Type: MessageTypeBrightnessInfo, Payload: brightnessInfoPayload(displayID, info)},
		roleCompositor, roleOffload, roleObserver)
}

func brightnessInfoPayload(displayID int, info display.BrightnessInfo) BrightnessInfoPayload {
	return BrightnessInfoPayload{
		DisplayID:          displayID,
		Brightness:         jsonFloat(info.Brightness),
		AdjustedBrightness: jsonFloat(info.AdjustedBrightness),
		BrightnessMin:      jsonFloat(info.BrightnessMin),
		BrightnessMax:      jsonFloat(info.BrightnessMax),
		HbmMode:            info.HbmMode.String(),
		HbmTransitionPoint: jsonFloat(info.HbmTransitionPoint),
		MaxReason:          info.MaxReason.String(),
	}
}

// jsonFloat maps values JSON cannot carry to -1.
func jsonFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return v
}
