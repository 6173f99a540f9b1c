package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the frame exchanged over the websocket.
type Envelope struct {
	Channel Channel         `json:"channel"`
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a frame for payload.
func Encode(channel Channel, event Event, payload interface{}) ([]byte, error) {
	env := Envelope{Channel: channel, Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame. Frames without channel or event are protocol errors.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if env.Channel == "" || env.Event == "" {
		return Envelope{}, &ProtocolError{Reason: "frame without channel or event"}
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return &ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "empty payload"}
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "malformed payload", Err: err}
	}
	return nil
}
