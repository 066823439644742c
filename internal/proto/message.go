package proto

import (
	"encoding/json"
	"fmt"
)

// SignalMsg is one queued or relayed signaling message between two devices.
// Payload is opaque to the relay; it is carried verbatim to the destination.
type SignalMsg struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// Validate checks the addressing fields a client must supply. From may be
// empty here; the relay stamps it from the authenticated connection.
func (m *SignalMsg) Validate() error {
	if !ValidSignalType(m.Type) {
		return fmt.Errorf("unknown signal type %q", m.Type)
	}
	if !ValidDeviceID(m.To) {
		return fmt.Errorf("invalid destination device id %q", m.To)
	}
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return fmt.Errorf("empty payload")
	}
	return nil
}

// Frame is the envelope for every server-to-client message on the live
// connection: a welcome on connect, relayed signals, or an error report.
type Frame struct {
	Kind   string     `json:"kind"`
	Device string     `json:"device,omitempty"`
	TS     int64      `json:"ts"`
	Signal *SignalMsg `json:"signal,omitempty"`
	Error  string     `json:"error,omitempty"`
	Code   string     `json:"code,omitempty"`
}

// WelcomeFrame builds the connection-confirmation frame.
func WelcomeFrame(deviceID string) Frame {
	return Frame{Kind: FrameWelcome, Device: deviceID, TS: NowMillis()}
}

// SignalFrame wraps a relayed message for delivery.
func SignalFrame(msg SignalMsg) Frame {
	return Frame{Kind: FrameSignal, TS: NowMillis(), Signal: &msg}
}

// ErrorFrame reports a per-message failure back to the sender.
func ErrorFrame(code, detail string) Frame {
	return Frame{Kind: FrameError, TS: NowMillis(), Code: code, Error: detail}
}
