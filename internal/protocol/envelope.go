package protocol

import (
	"encoding/json"
	"fmt"
)

// Channel identifies the wire protocol version. Both sides of the boundary
// embed it in every envelope; a mismatch means the message belongs to a
// different protocol generation and must be ignored.
const Channel = "pi-ext-1"

// Direction indicates which way an envelope crosses the boundary
type Direction string

const (
	SandboxToHost Direction = "sandbox_to_host"
	HostToSandbox Direction = "host_to_sandbox"
)

// Kind discriminates the three message shapes
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Envelope is the single message unit crossing the sandbox boundary.
// Fields beyond the four identity fields are populated per Kind:
// requests carry requestId/method/params, responses carry requestId/ok
// plus result or error, events carry event/data.
type Envelope struct {
	Channel    string    `json:"channel"`
	InstanceID string    `json:"instanceId"`
	Direction  Direction `json:"direction"`
	Kind       Kind      `json:"kind"`

	// Request fields
	RequestID string          `json:"requestId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK           bool            `json:"ok,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`

	// Event fields
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request envelope. Params must already be JSON.
func NewRequest(instanceID string, dir Direction, requestID, method string, params json.RawMessage) Envelope {
	return Envelope{
		Channel:    Channel,
		InstanceID: instanceID,
		Direction:  dir,
		Kind:       KindRequest,
		RequestID:  requestID,
		Method:     method,
		Params:     params,
	}
}

// NewResponse builds a success response for the given request id.
func NewResponse(instanceID string, dir Direction, requestID string, result json.RawMessage) Envelope {
	return Envelope{
		Channel:    Channel,
		InstanceID: instanceID,
		Direction:  dir,
		Kind:       KindResponse,
		RequestID:  requestID,
		OK:         true,
		Result:     result,
	}
}

// NewErrorResponse builds a failure response. Details, if non-nil, carry a
// machine-readable error payload alongside the human message.
func NewErrorResponse(instanceID string, dir Direction, requestID, message string, details json.RawMessage) Envelope {
	return Envelope{
		Channel:      Channel,
		InstanceID:   instanceID,
		Direction:    dir,
		Kind:         KindResponse,
		RequestID:    requestID,
		OK:           false,
		Error:        message,
		ErrorDetails: details,
	}
}

// NewEvent builds an event envelope.
func NewEvent(instanceID string, dir Direction, event string, data json.RawMessage) Envelope {
	return Envelope{
		Channel:    Channel,
		InstanceID: instanceID,
		Direction:  dir,
		Kind:       KindEvent,
		Event:      event,
		Data:       data,
	}
}

// Encode serializes an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses raw bytes into an envelope without validating identity.
// Callers must pass the result through Validate before acting on it.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
