// Package ws implements the gateway websocket hub: every bus event is pushed to
// connected clients, and request frames dispatch gateway commands.
package ws

import "encoding/json"

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the WebSocket protocol envelope. For requests Method is a gateway
// command name and Params its flat argument object.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Event   string          `json:"event,omitempty"`
	Subject string          `json:"subject,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// NewEventFrame creates a Frame for broadcasting an event about subject.
func NewEventFrame(event, subject string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Subject: subject,
		Payload: data,
	}, nil
}

// NewResponseFrame creates a successful response Frame.
func NewResponseFrame(id string, payload any) (Frame, error) {
	ok := true
	f := Frame{Type: FrameTypeResponse, ID: id, OK: &ok}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}

// NewErrorFrame creates a failed response Frame carrying the error kind.
func NewErrorFrame(id, kind, msg string) Frame {
	ok := false
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Error: msg, Kind: kind}
}
