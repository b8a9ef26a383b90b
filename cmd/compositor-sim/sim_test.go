package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/server"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func screenFrame(t *testing.T, typ server.MessageType, token string) frame {
	t.Helper()
	raw, err := json.Marshal(server.ScreenPayload{DisplayID: 0, Token: token})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return frame{Type: typ, Payload: raw}
}

func TestHandle(t *testing.T) {
	s := &simulator{log: quietLog()}

	reply := s.handle(screenFrame(t, server.MessageTypeScreenTurningOn, "tok-1"))
	want := &server.Message{Type: server.MessageTypeScreenAck, Payload: server.AckPayload{Token: "tok-1"}}
	if diff := cmp.Diff(want, reply); diff != "" {
		t.Fatalf("reply mismatch (-want +got):\n%s", diff)
	}

	if r := s.handle(screenFrame(t, server.MessageTypeScreenTurningOn, "")); r != nil {
		t.Fatalf("notice without token answered: %+v", r)
	}
	if r := s.handle(screenFrame(t, server.MessageTypeScreenTurnedOn, "")); r != nil {
		t.Fatalf("turned_on answered: %+v", r)
	}
	if r := s.handle(frame{Type: server.MessageTypeScreenTurningOff, Payload: json.RawMessage(`"garbage"`)}); r != nil {
		t.Fatalf("bad payload answered: %+v", r)
	}

	s.ignoreOff = true
	if r := s.handle(screenFrame(t, server.MessageTypeScreenTurningOff, "tok-2")); r != nil {
		t.Fatalf("turning_off acked with ignoreOff: %+v", r)
	}
	if r := s.handle(screenFrame(t, server.MessageTypeScreenTurningOn, "tok-3")); r == nil {
		t.Fatal("turning_on not acked with ignoreOff")
	}
}

func TestNewSimulatorURL(t *testing.T) {
	tests := []struct {
		addr, fingerprint, want string
	}{
		{"127.0.0.1:7171", "", "ws://127.0.0.1:7171/ws/compositor"},
		{"127.0.0.1:7171", "AA:BB", "wss://127.0.0.1:7171/ws/compositor"},
		{"ws://kiosk:7171/", "", "ws://kiosk:7171/ws/compositor"},
	}
	for _, tt := range tests {
		s := newSimulator(tt.addr, "tok", tt.fingerprint, quietLog())
		if s.url != tt.want {
			t.Errorf("url(%q) = %q, want %q", tt.addr, s.url, tt.want)
		}
		if s.header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", s.header.Get("Authorization"))
		}
		if (s.dialer.TLSClientConfig != nil) != (tt.fingerprint != "") {
			t.Errorf("TLS config for %q set = %v", tt.addr, s.dialer.TLSClientConfig != nil)
		}
	}
}

// fakeCompositorHub sends one turning-on token per connection, records the
// ack and drops the connection.
func fakeCompositorHub(t *testing.T, acks chan<- string, conns *int64) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/compositor" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt64(conns, 1)

		token := "tok-" + string(rune('0'+n))
		if err := conn.WriteJSON(server.Message{
			Type:    server.MessageTypeScreenTurningOn,
			Payload: server.ScreenPayload{Token: token},
		}); err != nil {
			return
		}
		var msg struct {
			Type    server.MessageType `json:"type"`
			Payload server.AckPayload  `json:"payload"`
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == server.MessageTypeScreenAck {
			acks <- msg.Payload.Token
		}
	}))
}

func TestRunAcksAndReconnects(t *testing.T) {
	acks := make(chan string, 8)
	var conns int64
	ts := fakeCompositorHub(t, acks, &conns)
	defer ts.Close()

	s := newSimulator(strings.TrimPrefix(ts.URL, "http://"), "", "", quietLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	var got []string
	for len(got) < 2 {
		select {
		case tok := <-acks:
			got = append(got, tok)
		case <-time.After(5 * time.Second):
			t.Fatalf("acks so far %v", got)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if diff := cmp.Diff([]string{"tok-1", "tok-2"}, got); diff != "" {
		t.Fatalf("acks mismatch (-want +got):\n%s", diff)
	}
	if atomic.LoadInt64(&conns) < 2 {
		t.Fatalf("connections = %d, want a reconnect", conns)
	}
}

func TestRunFlagErrors(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"--log-level", "loud"}, &stderr); code != 1 {
		t.Fatalf("run = %d, want 1", code)
	}
	if code := run(context.Background(), []string{"--help"}, &stderr); code != 0 {
		t.Fatalf("run --help = %d, want 0", code)
	}
}
