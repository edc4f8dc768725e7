// Package protocol defines the JSON frames exchanged over the relay's
// WebSockets: browser ↔ hub ↔ daemon for console sessions, and hub → browser
// for node utilization.
//
// Console frames follow the daemon's own event/args shape so the hub can pass
// them through verbatim; the hub only synthesizes a handful of them.
package protocol

import "encoding/json"

// Frame is the console wire format shared by browser, hub, and daemon.
type Frame struct {
	Event string   `json:"event"`
	Args  []string `json:"args,omitempty"`
}

// Console event names.
const (
	EventAuth          = "auth"
	EventAuthSuccess   = "auth success"
	EventSendCommand   = "send command"
	EventConsoleOutput = "console output"
	EventStatus        = "status"
	EventDaemonMessage = "daemon message"
	EventDaemonError   = "daemon error"
	EventTokenExpiring = "token expiring"
	EventTokenExpired  = "token expired"
)

// IsDaemonControl reports whether event belongs to the daemon's token
// handshake rather than to the console stream.
func IsDaemonControl(event string) bool {
	switch event {
	case EventAuthSuccess, EventTokenExpiring, EventTokenExpired:
		return true
	}
	return false
}

// NewFrame encodes a console frame. Encoding a Frame cannot fail.
func NewFrame(event string, args ...string) []byte {
	data, _ := json.Marshal(Frame{Event: event, Args: args})
	return data
}

// AuthFrame is sent by the hub right after the daemon socket opens.
func AuthFrame(token string) []byte {
	return NewFrame(EventAuth, token)
}

// DaemonError is synthesized by the hub when the daemon cannot be reached.
func DaemonError(text string) []byte {
	return NewFrame(EventDaemonError, text)
}

// DaemonMessage is synthesized by the hub for informational notices.
func DaemonMessage(text string) []byte {
	return NewFrame(EventDaemonMessage, text)
}
