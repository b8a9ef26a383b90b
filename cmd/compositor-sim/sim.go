package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/server"
)

// frame is an inbound message with its payload left raw.
type frame struct {
	Type    server.MessageType `json:"type"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

// simulator plays a compositor: it acknowledges every screen token after
// an optional drawing delay.
type simulator struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	// delay is how long a transition "draws" before the ack.
	delay time.Duration
	// ignoreOff leaves turning-off tokens unacknowledged.
	ignoreOff bool
	log       *logrus.Entry

	acked int64
	wg    sync.WaitGroup
}

// Acked is the number of tokens acknowledged so far.
func (s *simulator) Acked() int64 {
	return atomic.LoadInt64(&s.acked)
}

// run keeps a session open until ctx ends, reconnecting with exponential
// backoff.
func (s *simulator) run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := s.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.WithError(err).WithField("retry_in", wait).Warn("disconnected")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	s.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session serves one connection. connected is called once the dial
// succeeds.
func (s *simulator) session(ctx context.Context, connected func()) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return err
	}
	defer conn.Close()
	connected()
	s.log.WithField("url", s.url).Info("connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	var writeMu sync.Mutex
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		reply := s.handle(f)
		if reply == nil {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.delay > 0 {
				select {
				case <-time.After(s.delay):
				case <-ctx.Done():
					return
				}
			}
			writeMu.Lock()
			err := conn.WriteJSON(reply)
			writeMu.Unlock()
			if err != nil {
				s.log.WithError(err).Debug("ack not sent")
				return
			}
			atomic.AddInt64(&s.acked, 1)
		}()
	}
}

// handle returns the reply to f, or nil.
func (s *simulator) handle(f frame) *server.Message {
	switch f.Type {
	case server.MessageTypeScreenTurningOn, server.MessageTypeScreenTurningOff:
		var p server.ScreenPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.WithError(err).Warn("bad screen payload")
			return nil
		}
		s.log.WithFields(logrus.Fields{"type": f.Type, "display": p.DisplayID}).Info("screen transition")
		if p.Token == "" {
			return nil
		}
		if s.ignoreOff && f.Type == server.MessageTypeScreenTurningOff {
			s.log.WithField("token", p.Token).Info("leaving turn-off token pending")
			return nil
		}
		return &server.Message{Type: server.MessageTypeScreenAck, Payload: server.AckPayload{Token: p.Token}}
	case server.MessageTypeScreenTurnedOn, server.MessageTypeScreenTurnedOff:
		s.log.WithField("type", f.Type).Info("screen transition finished")
	case server.MessageTypeError:
		var p server.ErrorPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			s.log.WithField("code", p.Code).Warn(p.Message)
		}
	default:
		s.log.WithField("type", f.Type).Debug("message")
	}
	return nil
}
