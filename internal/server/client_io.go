package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	apperrors "github.com/dispctl/host/internal/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 64 * 1024
)

// Client is one WebSocket connection.
type Client struct {
	server *Server
	conn   *websocket.Conn
	role   clientRole
	log    *logrus.Entry

	send     chan Message
	done     chan struct{}
	sendOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn, role clientRole) *Client {
	return &Client{
		server: s,
		conn:   conn,
		role:   role,
		log:    s.log.WithFields(logrus.Fields{"role": role.String(), "remote": conn.RemoteAddr().String()}),
		send:   make(chan Message, channelBufferSize),
		done:   make(chan struct{}),
	}
}

// trySend queues msg without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *Client) trySend(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// closeSend signals the client to shut down. Safe to call more than once.
// Only done is closed; senders check it before sending.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// writePump sends queued messages and periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.WithError(err).Error("failed to marshal message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound messages until the connection drops, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.closeSend()
		c.log.WithField("remaining", c.server.ClientCount()).Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read error")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", apperrors.InvalidMessage("malformed JSON"))
			continue
		}
		if err := c.handle(msg); err != nil {
			c.sendError(msg.ID, err)
		}
	}
}

func (c *Client) sendError(id string, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	c.log.WithFields(logrus.Fields{"code": code}).Debug(message)
	c.trySend(Message{Type: MessageTypeError, ID: id, Payload: ErrorPayload{Code: code, Message: message}})
}

// handle dispatches one inbound message by client role.
func (c *Client) handle(msg inboundMessage) error {
	d := c.server.getDisplay()
	if d == nil {
		return apperrors.New(apperrors.CodeDisplayNotFound, "no display attached")
	}

	switch {
	case c.role == roleCompositor && msg.Type == MessageTypeScreenAck:
		var p AckPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		if !c.server.ackScreen(p.Token) {
			return apperrors.StaleToken(p.Token)
		}

	case c.role == roleCompositor && msg.Type == MessageTypeDisplayState:
		var p DisplayStatePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		d.SetDisplayState(p.Enabled, p.InTransition)

	case c.role == roleOffload && msg.Type == MessageTypeOffloadUnblock:
		var p AckPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		if !c.server.releaseOffloadHold(p.Token) {
			return apperrors.StaleToken(p.Token)
		}

	case c.role == roleOffload && msg.Type == MessageTypeOffloadBrightness:
		var p BrightnessPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		if p.Brightness < 0 || p.Brightness > 1 {
			return apperrors.InvalidBrightness(p.Brightness)
		}
		d.SetBrightnessFromOffload(p.Brightness)

	case c.role == roleOffload && msg.Type == MessageTypeOffloadDozeState:
		var p DozeStatePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		state, ok := parseDozeState(p.State)
		if !ok {
			return apperrors.New(apperrors.CodeDisplayInvalidValue, "unknown screen state: "+p.State)
		}
		d.OverrideDozeScreenState(state, display.ReasonOffload)

	default:
		return apperrors.InvalidMessage("unexpected message type " + string(msg.Type) + " for " + c.role.String())
	}
	return nil
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperrors.InvalidMessage("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(apperrors.CodeServerInvalidMessage, "invalid payload", err)
	}
	return nil
}
