package server

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/gate"
)

// The Server is the controller's WindowPolicy. Tokens are forwarded to
// every connected compositor and released by the first screen.ack. With
// no compositor connected there is nothing to draw, so tokens are
// acknowledged at once. Tokens still outstanding when the last compositor
// disconnects are acknowledged too.

// ScreenTurningOn forwards a turning-on notice.
func (s *Server) ScreenTurningOn(displayID int, token *gate.Token) {
	s.forwardScreen(MessageTypeScreenTurningOn, displayID, token)
}

// ScreenTurnedOn forwards a turned-on notice.
func (s *Server) ScreenTurnedOn(displayID int) {
	s.broadcast(Message{Type: MessageTypeScreenTurnedOn, Payload: ScreenPayload{DisplayID: displayID}},
		roleCompositor, roleObserver)
}

// ScreenTurningOff forwards a turning-off notice.
func (s *Server) ScreenTurningOff(displayID int, token *gate.Token) {
	s.forwardScreen(MessageTypeScreenTurningOff, displayID, token)
}

// ScreenTurnedOff forwards a turned-off notice.
func (s *Server) ScreenTurnedOff(displayID int, inTransition bool) {
	s.broadcast(Message{Type: MessageTypeScreenTurnedOff, Payload: ScreenPayload{DisplayID: displayID, InTransition: inTransition}},
		roleCompositor, roleObserver)
}

func (s *Server) forwardScreen(kind MessageType, displayID int, token *gate.Token) {
	payload := ScreenPayload{DisplayID: displayID}
	if token == nil {
		s.broadcast(Message{Type: kind, Payload: payload}, roleCompositor, roleObserver)
		return
	}
	payload.Token = token.ID()

	s.mu.Lock()
	if s.stopped || s.countRoleLocked(roleCompositor) == 0 {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"type": kind, "token": payload.Token}).
			Debug("no compositor connected, acknowledging")
		token.Ack()
		s.broadcast(Message{Type: kind, Payload: ScreenPayload{DisplayID: displayID}}, roleObserver)
		return
	}
	s.screenTokens[payload.Token] = token
	s.mu.Unlock()

	s.broadcast(Message{Type: kind, Payload: payload}, roleCompositor)
	s.broadcast(Message{Type: kind, Payload: ScreenPayload{DisplayID: displayID}}, roleObserver)
}

// ackScreen releases a compositor token. Unknown ids are stale and
// ignored.
func (s *Server) ackScreen(id string) bool {
	s.mu.Lock()
	token, ok := s.screenTokens[id]
	delete(s.screenTokens, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	token.Ack()
	return true
}

// releaseScreenTokens acknowledges every outstanding compositor token.
func (s *Server) releaseScreenTokens() {
	s.mu.Lock()
	tokens := s.screenTokens
	s.screenTokens = make(map[string]*gate.Token)
	s.mu.Unlock()
	for _, t := range tokens {
		t.Ack()
	}
}

// offloadSession adapts the offload WebSocket clients to gate.Session.
type offloadSession struct {
	s *Server
}

// BlockScreenOn asks connected offload clients to hold screen-on. It
// declines when none is connected.
func (o offloadSession) BlockScreenOn(ack func()) bool {
	s := o.s
	id := uuid.NewString()

	s.mu.Lock()
	if s.stopped || s.countRoleLocked(roleOffload) == 0 {
		s.mu.Unlock()
		return false
	}
	s.offloadHolds[id] = ack
	s.mu.Unlock()

	if s.broadcast(Message{Type: MessageTypeOffloadBlock, Payload: AckPayload{Token: id}}, roleOffload) == 0 {
		s.mu.Lock()
		_, still := s.offloadHolds[id]
		delete(s.offloadHolds, id)
		s.mu.Unlock()
		// A disconnect may already have released it.
		return !still
	}
	return true
}

func (s *Server) releaseOffloadHold(id string) bool {
	s.mu.Lock()
	ack, ok := s.offloadHolds[id]
	delete(s.offloadHolds, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ack()
	return true
}

func (s *Server) releaseOffloadHolds() {
	s.mu.Lock()
	holds := s.offloadHolds
	s.offloadHolds = make(map[string]func())
	s.mu.Unlock()
	for _, ack := range holds {
		ack()
	}
}

// clientJoined runs after a client is registered.
func (s *Server) clientJoined(c *Client) {
	d := s.getDisplay()
	if d == nil {
		return
	}
	if c.role == roleOffload && s.countRole(roleOffload) == 1 {
		d.SetDisplayOffloadSession(offloadSession{s})
	}
	c.trySend(Message{Type: MessageTypeStatus, Payload: d.Status()})
}

// clientLeft runs after a client is unregistered.
func (s *Server) clientLeft(c *Client) {
	switch c.role {
	case roleCompositor:
		if s.countRole(roleCompositor) == 0 {
			s.releaseScreenTokens()
		}
	case roleOffload:
		if s.countRole(roleOffload) == 0 {
			s.releaseOffloadHolds()
			if d := s.getDisplay(); d != nil {
				d.SetDisplayOffloadSession(nil)
			}
		}
	}
}

func parseDozeState(name string) (display.ScreenState, bool) {
	if name == "" {
		return display.ScreenUnknown, true
	}
	return display.ParseScreenState(name)
}
