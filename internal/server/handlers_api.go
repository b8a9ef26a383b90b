package server

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dispctl/host/internal/controller"
	"github.com/dispctl/host/internal/display"
	apperrors "github.com/dispctl/host/internal/errors"
	"github.com/dispctl/host/internal/storage"
	"github.com/dispctl/host/internal/suspend"
)

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Addr            string            `json:"addr"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	Clients         map[string]int    `json:"clients"`
	Display         controller.Status `json:"display"`
	Suspend         *suspend.Status   `json:"suspend,omitempty"`
	SuspendBlockers []string          `json:"suspend_blockers,omitempty"`
}

// PowerRequestBody is the body of POST /api/request. Omitted optional
// values keep their unset defaults.
type PowerRequestBody struct {
	Policy                     string   `json:"policy"`
	BrightnessOverride         *float64 `json:"brightness_override,omitempty"`
	UseProximity               bool     `json:"use_proximity,omitempty"`
	WaitForNegativeProximity   bool     `json:"wait_for_negative_proximity,omitempty"`
	DozeState                  string   `json:"doze_state,omitempty"`
	DozeBrightness             *float64 `json:"doze_brightness,omitempty"`
	UseNormalBrightnessForDoze bool     `json:"use_normal_brightness_for_doze,omitempty"`
	LowPower                   bool     `json:"low_power,omitempty"`
	LowPowerFactor             *float64 `json:"low_power_factor,omitempty"`
	Boost                      bool     `json:"boost,omitempty"`
}

// PowerRequestResponse reports whether the display was ready for the
// previous request when this one was submitted.
type PowerRequestResponse struct {
	Ready bool `json:"ready"`
}

// ValueBody carries an optional value. Null clears temporary values.
type ValueBody struct {
	Value *float64 `json:"value"`
}

// ProximityBody is the body of POST /api/proximity.
type ProximityBody struct {
	Positive bool `json:"positive"`
	// Ignore turns the screen back on while the sensor stays positive.
	Ignore bool `json:"ignore,omitempty"`
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withDisplay resolves the attached controller or writes an error.
func (s *Server) withDisplay(w http.ResponseWriter) (Display, bool) {
	d := s.getDisplay()
	if d == nil {
		writeError(w, apperrors.New(apperrors.CodeDisplayNotFound, "no display attached"))
		return nil, false
	}
	return d, true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	resp := StatusResponse{
		Addr:          s.addr,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Clients: map[string]int{
			roleCompositor.String(): s.countRole(roleCompositor),
			roleOffload.String():    s.countRole(roleOffload),
			roleObserver.String():   s.countRole(roleObserver),
		},
		Display: d.Status(),
	}
	if s.opts.Suspend != nil {
		st := s.opts.Suspend.Status()
		resp.Suspend = &st
		resp.SuspendBlockers = s.opts.Suspend.Held()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBrightnessInfo(w http.ResponseWriter, _ *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, brightnessInfoPayload(d.DisplayID(), d.BrightnessInfo()))
}

// EventResponse is one brightness event.
type EventResponse struct {
	Time       time.Time `json:"time"`
	Reason     string    `json:"reason"`
	Brightness float64   `json:"brightness"`
	Lux        float64   `json:"lux"`
	HbmMode    string    `json:"hbm_mode"`
	Flags      int       `json:"flags"`
	Auto       bool      `json:"automatic_brightness"`
}

// handleEvents serves the in-memory history, or with source=db the
// persisted one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperrors.InvalidMessage("limit must be a positive integer"))
			return
		}
		limit = n
	}

	if r.URL.Query().Get("source") == "db" {
		if s.opts.Stats == nil {
			writeError(w, apperrors.NotFound("stats store"))
			return
		}
		events, err := s.opts.Stats.RecentEvents(d.DisplayID(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if events == nil {
			events = []storage.StoredEvent{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	events := d.Events()
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, EventResponse{
			Time:       ev.Time,
			Reason:     ev.Reason.String(),
			Brightness: jsonFloat(ev.Brightness),
			Lux:        jsonFloat(ev.Lux),
			HbmMode:    ev.HbmMode.String(),
			Flags:      ev.Flags,
			Auto:       ev.AutomaticBrightness,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	Since        time.Time                  `json:"since"`
	ScreenStates []storage.ScreenStateCount `json:"screen_states"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	if s.opts.Stats == nil {
		writeError(w, apperrors.NotFound("stats store"))
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil || dur <= 0 {
			writeError(w, apperrors.InvalidMessage("window must be a positive duration"))
			return
		}
		window = dur
	}
	since := time.Now().Add(-window)
	counts, err := s.opts.Stats.ScreenStateCounts(d.DisplayID(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if counts == nil {
		counts = []storage.ScreenStateCount{}
	}
	writeJSON(w, http.StatusOK, StatsResponse{Since: since, ScreenStates: counts})
}

// handleDump is local-only; it exposes internal state.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: dump endpoint is local-only", http.StatusForbidden)
		return
	}
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.DumpTimeout)
	defer cancel()

	var buf bytes.Buffer
	if err := d.Dump(ctx, &buf); err != nil {
		s.log.WithError(err).Warn("dump did not complete on the loop")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	var body PowerRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := body.toPowerRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	ready := d.RequestPowerState(req, body.WaitForNegativeProximity)
	s.log.WithField("request", req.String()).Debug("power request submitted")
	writeJSON(w, http.StatusOK, PowerRequestResponse{Ready: ready})
}

func (b PowerRequestBody) toPowerRequest() (display.PowerRequest, error) {
	policy, ok := display.ParsePolicy(strings.ToUpper(b.Policy))
	if !ok {
		return display.PowerRequest{}, apperrors.InvalidPolicy(b.Policy)
	}
	req := display.NewPowerRequest(policy)
	unit := func(v *float64, dst *float64) error {
		if v == nil {
			return nil
		}
		if *v < 0 || *v > 1 {
			return apperrors.InvalidBrightness(*v)
		}
		*dst = *v
		return nil
	}
	if err := unit(b.BrightnessOverride, &req.ScreenBrightnessOverride); err != nil {
		return req, err
	}
	if err := unit(b.DozeBrightness, &req.DozeScreenBrightness); err != nil {
		return req, err
	}
	if err := unit(b.LowPowerFactor, &req.ScreenLowPowerBrightnessFactor); err != nil {
		return req, err
	}
	if b.DozeState != "" {
		state, ok := display.ParseScreenState(strings.ToUpper(b.DozeState))
		if !ok {
			return req, apperrors.New(apperrors.CodeDisplayInvalidValue, "unknown doze state: "+b.DozeState)
		}
		req.DozeScreenState = state
	}
	req.UseProximitySensor = b.UseProximity
	req.UseNormalBrightnessForDoze = b.UseNormalBrightnessForDoze
	req.LowPowerMode = b.LowPower
	req.BoostScreenBrightness = b.Boost
	return req, nil
}

func (s *Server) handleBrightness(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	var body ValueBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Value == nil {
		writeError(w, apperrors.InvalidMessage("value is required"))
		return
	}
	if *body.Value < 0 || *body.Value > 1 {
		writeError(w, apperrors.InvalidBrightness(*body.Value))
		return
	}
	d.SetBrightness(*body.Value)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

// optionalValue decodes a ValueBody, mapping null to NaN.
func optionalValue(r *http.Request, lo, hi float64) (float64, error) {
	var body ValueBody
	if err := decodeBody(r, &body); err != nil {
		return 0, err
	}
	if body.Value == nil {
		return math.NaN(), nil
	}
	if *body.Value < lo || *body.Value > hi {
		return 0, apperrors.New(apperrors.CodeDisplayInvalidValue, "value "+strconv.FormatFloat(*body.Value, 'g', -1, 64)+" is out of range")
	}
	return *body.Value, nil
}

func (s *Server) handleTemporaryBrightness(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	v, err := optionalValue(r, 0, 1)
	if err != nil {
		writeError(w, err)
		return
	}
	d.SetTemporaryBrightness(v)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handleTemporaryAutoAdjustment(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	v, err := optionalValue(r, -1, 1)
	if err != nil {
		writeError(w, err)
		return
	}
	d.SetTemporaryAutoBrightnessAdjustment(v)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handleAutoBrightnessMode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	var body struct {
		Idle bool `json:"idle"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d.SetAutomaticScreenBrightnessMode(body.Idle)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handleProximity(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	var body ProximityBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Ignore {
		d.IgnoreProximitySensorUntilChanged()
	} else {
		d.OnProximity(body.Positive)
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handleBootCompleted(w http.ResponseWriter, _ *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	d.OnBootCompleted()
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handleSwitchUser(w http.ResponseWriter, r *http.Request) {
	d, ok := s.withDisplay(w)
	if !ok {
		return
	}
	var body struct {
		UserID int `json:"user_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.UserID < 0 {
		writeError(w, apperrors.InvalidMessage("user_id must not be negative"))
		return
	}
	d.OnSwitchUser(body.UserID)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}
