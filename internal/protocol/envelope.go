package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/example/ride-dispatch/internal/apperrors"
)

// Envelope is an inbound frame: {"type": ..., "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outbound frame. Payload is marshalled as-is.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func New(typ string, payload any) Message { return Message{Type: typ, Payload: payload} }

// Validator is implemented by every request payload.
type Validator interface {
	Validate() error
}

// Decode parses one frame. The frame must not include the trailing newline.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, apperrors.Protocol("", "malformed message: %v", err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return env, apperrors.Protocol("type", "missing required field \"type\"")
	}
	return env, nil
}

// Encode marshals m as a single line terminated by '\n'.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodePayload unmarshals raw into dst and validates it. Type mismatches name the field.
func DecodePayload(raw json.RawMessage, dst Validator) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return apperrors.Protocol("payload", "payload must be an object")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			return apperrors.Protocol(te.Field, "field %q must be %s", te.Field, te.Type.String())
		}
		return apperrors.Protocol("payload", "invalid payload: %v", err)
	}
	return dst.Validate()
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.Protocol(field, "missing required field %q", field)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
