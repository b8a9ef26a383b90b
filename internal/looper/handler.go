package looper

import "time"

// HandlerFunc processes one message on the looper goroutine.
type HandlerFunc func(m *Message)

// Handler sends messages to its Looper and receives them back on the loop.
// Removal calls only affect messages sent through the same Handler.
type Handler struct {
	looper *Looper
	fn     HandlerFunc
}

// NewHandler binds fn to l.
func NewHandler(l *Looper, fn HandlerFunc) *Handler {
	return &Handler{looper: l, fn: fn}
}

// Looper returns the looper the handler is bound to.
func (h *Handler) Looper() *Looper {
	return h.looper
}

// Send queues m to run as soon as possible. It returns false if the looper
// has quit.
func (h *Handler) Send(m Message) bool {
	return h.SendAt(m, h.looper.clock.Now())
}

// SendEmpty queues a message carrying only what.
func (h *Handler) SendEmpty(what int) bool {
	return h.Send(Message{What: what})
}

// SendDelayed queues m to run after d.
func (h *Handler) SendDelayed(m Message, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	return h.SendAt(m, h.looper.clock.Now()+d)
}

// SendAt queues m to run at the monotonic time when.
func (h *Handler) SendAt(m Message, when time.Duration) bool {
	msg := m
	msg.target = h
	msg.callback = nil
	return h.looper.enqueue(&msg, when)
}

// Post queues fn to run as soon as possible.
func (h *Handler) Post(fn func()) bool {
	return h.PostAt(nil, fn, h.looper.clock.Now())
}

// PostDelayed queues fn under token to run after d.
func (h *Handler) PostDelayed(token any, fn func(), d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	return h.PostAt(token, fn, h.looper.clock.Now()+d)
}

// PostAt queues fn under token to run at when.
func (h *Handler) PostAt(token any, fn func(), when time.Duration) bool {
	return h.looper.enqueue(&Message{Token: token, callback: fn, target: h}, when)
}

// HasMessages reports whether a message with what is queued.
func (h *Handler) HasMessages(what int) bool {
	h.looper.mu.Lock()
	defer h.looper.mu.Unlock()
	for _, m := range h.looper.queue {
		if m.target == h && m.callback == nil && m.What == what {
			return true
		}
	}
	return false
}

// HasCallbacks reports whether a callback posted under token is queued.
func (h *Handler) HasCallbacks(token any) bool {
	h.looper.mu.Lock()
	defer h.looper.mu.Unlock()
	for _, m := range h.looper.queue {
		if m.target == h && m.callback != nil && m.Token == token {
			return true
		}
	}
	return false
}

// RemoveMessages drops queued messages with what.
func (h *Handler) RemoveMessages(what int) int {
	h.looper.mu.Lock()
	defer h.looper.mu.Unlock()
	return h.looper.removeLocked(func(m *Message) bool {
		return m.target == h && m.callback == nil && m.What == what
	})
}

// RemoveCallbacks drops queued callbacks posted under token.
func (h *Handler) RemoveCallbacks(token any) int {
	h.looper.mu.Lock()
	defer h.looper.mu.Unlock()
	return h.looper.removeLocked(func(m *Message) bool {
		return m.target == h && m.callback != nil && m.Token == token
	})
}

// RemoveAll drops everything sent through h.
func (h *Handler) RemoveAll() int {
	h.looper.mu.Lock()
	defer h.looper.mu.Unlock()
	return h.looper.removeLocked(func(m *Message) bool {
		return m.target == h
	})
}
