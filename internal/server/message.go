// Package server exposes a display controller over HTTP and WebSocket.
//
// The HTTP API under /api serves status queries and power requests for
// the dispctl CLI. Two WebSocket endpoints carry the screen handshakes:
// /ws/compositor receives screen transition notices and returns token
// acknowledgements, /ws/offload lets a display offload process hold
// screen-on and drive brightness while dozing. /ws/events is a read-only
// feed of state and brightness changes.
package server

import (
	"encoding/json"
)

// MessageType identifies the kind of message being sent over WebSocket.
type MessageType string

const (
	// MessageTypeScreenTurningOn tells compositors the panel is about to
	// show content. Payload: ScreenPayload with a token to acknowledge
	// once the first frame is drawn.
	MessageTypeScreenTurningOn MessageType = "screen.turning_on"

	// MessageTypeScreenTurnedOn follows a completed turn-on.
	// Payload: ScreenPayload
	MessageTypeScreenTurnedOn MessageType = "screen.turned_on"

	// MessageTypeScreenTurningOff asks compositors to hide content before
	// the panel goes dark. Payload: ScreenPayload with a token.
	MessageTypeScreenTurningOff MessageType = "screen.turning_off"

	// MessageTypeScreenTurnedOff follows a completed turn-off.
	// Payload: ScreenPayload
	MessageTypeScreenTurnedOff MessageType = "screen.turned_off"

	// MessageTypeScreenAck is sent by compositors to release a token.
	// Payload: AckPayload
	MessageTypeScreenAck MessageType = "screen.ack"

	// MessageTypeDisplayState is sent by compositors when the display is
	// disabled or enters a layout transition. Payload: DisplayStatePayload
	MessageTypeDisplayState MessageType = "display.state"

	// MessageTypeOffloadBlock asks the offload process to hold screen-on.
	// Payload: AckPayload naming the hold to release.
	MessageTypeOffloadBlock MessageType = "offload.block_screen_on"

	// MessageTypeOffloadUnblock releases an offload hold.
	// Payload: AckPayload
	MessageTypeOffloadUnblock MessageType = "offload.unblock_screen_on"

	// MessageTypeOffloadBrightness sets the brightness chosen by offload.
	// Payload: BrightnessPayload
	MessageTypeOffloadBrightness MessageType = "offload.brightness"

	// MessageTypeOffloadDozeState overrides the doze screen state.
	// Payload: DozeStatePayload
	MessageTypeOffloadDozeState MessageType = "offload.doze_state"

	// MessageTypeStatus carries a controller status snapshot.
	// Payload: controller.Status
	MessageTypeStatus MessageType = "status"

	// MessageTypeBrightnessInfo carries the published brightness info.
	// Payload: BrightnessInfoPayload
	MessageTypeBrightnessInfo MessageType = "brightness.info"

	// MessageTypeError reports a rejected inbound message.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for every WebSocket frame.
type Message struct {
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation.
	ID string `json:"id,omitempty"`

	Payload interface{} `json:"payload,omitempty"`
}

// inboundMessage defers payload decoding until the type is known.
type inboundMessage struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ScreenPayload describes a screen transition.
type ScreenPayload struct {
	DisplayID int `json:"display_id"`
	// Token must be echoed in a screen.ack. Empty for notices that need
	// no acknowledgement.
	Token        string `json:"token,omitempty"`
	InTransition bool   `json:"in_transition,omitempty"`
}

// AckPayload releases a token.
type AckPayload struct {
	Token string `json:"token"`
}

// DisplayStatePayload mirrors Controller.SetDisplayState.
type DisplayStatePayload struct {
	Enabled      bool `json:"enabled"`
	InTransition bool `json:"in_transition"`
}

// BrightnessPayload carries one brightness value in [0, 1].
type BrightnessPayload struct {
	Brightness float64 `json:"brightness"`
}

// DozeStatePayload names a screen state, or "UNKNOWN" to clear.
type DozeStatePayload struct {
	State string `json:"state"`
}

// BrightnessInfoPayload is the JSON form of display.BrightnessInfo.
// Unset values are reported as -1.
type BrightnessInfoPayload struct {
	DisplayID          int     `json:"display_id"`
	Brightness         float64 `json:"brightness"`
	AdjustedBrightness float64 `json:"adjusted_brightness"`
	BrightnessMin      float64 `json:"brightness_min"`
	BrightnessMax      float64 `json:"brightness_max"`
	HbmMode            string  `json:"hbm_mode"`
	HbmTransitionPoint float64 `json:"hbm_transition_point"`
	MaxReason          string  `json:"max_reason"`
}

// ErrorPayload is the body of an error message or error response.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
