// Package messaging carries typed commands to the engine over the pubsub
// bus and correlates their replies.
package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nfrund/scriptd/internal/pubsub"
)

// Command selects how an envelope is handled.
type Command string

const (
	// CommandToScript delivers a named message to script handlers.
	CommandToScript Command = "toScript"
	// CommandDeclarations returns the ambient declaration set.
	CommandDeclarations Command = "declarations"
)

var (
	// RequestTopic carries envelopes to the engine.
	RequestTopic = pubsub.NewTopic[Envelope]("scriptd.messages")
	// ReplyTopic carries replies back to requesters.
	ReplyTopic = pubsub.NewTopic[Reply]("scriptd.replies")
)

// Envelope is one command addressed to the engine.
type Envelope struct {
	Command       Command         `json:"command" validate:"required,oneof=toScript declarations"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// ToScript is the payload of CommandToScript. An empty or "*" script
// broadcasts to every script with a matching handler.
type ToScript struct {
	Script  string `json:"script"`
	Message string `json:"message" validate:"required"`
	Data    any    `json:"data,omitempty"`
}

// Declarations is the payload of CommandDeclarations. With Script set, the
// declarations visible to that global script before its own are returned.
type Declarations struct {
	Script string `json:"script,omitempty" validate:"omitempty,startswith=script.js."`
}

// Reply answers one envelope.
type Reply struct {
	CorrelationID string `json:"correlationId"`
	Delivered     int    `json:"delivered"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the envelope and its payload.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	switch e.Command {
	case CommandToScript:
		_, err := e.ToScript()
		return err
	case CommandDeclarations:
		_, err := e.Declarations()
		return err
	}
	return nil
}

// ToScript decodes and validates the payload of a toScript command.
func (e *Envelope) ToScript() (*ToScript, error) {
	var p ToScript
	if err := decodePayload(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Declarations decodes and validates the payload of a declarations command.
func (e *Envelope) Declarations() (*Declarations, error) {
	var p Declarations
	if len(e.Payload) == 0 {
		return &p, nil
	}
	if err := decodePayload(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// NewEnvelope encodes payload into an envelope for command.
func NewEnvelope(command Command, payload any) (Envelope, error) {
	env := Envelope{Command: command}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return env, fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = raw
	}
	return env, nil
}
