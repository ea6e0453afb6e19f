package protocol

import (
	"encoding/json"
	"fmt"
)

// OCPP-J frame type discriminators (first array element on the wire).
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Wire error codes. SecurityError and InternalError are also used by the
// relay path when rejecting remote commands.
const (
	ErrNotImplemented       = "NotImplemented"
	ErrInternalError        = "InternalError"
	ErrSecurityError        = "SecurityError"
	ErrProtocolError        = "ProtocolError"
	ErrFormationViolation   = "FormationViolation"
	ErrPropertyConstraint   = "PropertyConstraintViolation"
	ErrTimeout              = "Timeout"
	ErrGenericError         = "GenericError"
)

// Frame is one decoded protocol message. Exactly one of the three wire
// shapes applies, selected by Type:
//
//	[2, "<id>", "<Action>", {payload}]
//	[3, "<id>", {payload}]
//	[4, "<id>", "<ErrorCode>", "<Description>", {details}]
type Frame struct {
	Type             int
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Decode parses a raw text frame into a Frame. Malformed frames return an
// error and must be dropped by the caller, never answered.
func Decode(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("frame has %d elements, need at least 3", len(parts))
	}

	var msgType int
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		return nil, fmt.Errorf("invalid message type element: %w", err)
	}

	var id string
	if err := json.Unmarshal(parts[1], &id); err != nil {
		return nil, fmt.Errorf("invalid message id element: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("empty message id")
	}

	frame := &Frame{Type: msgType, ID: id}

	switch msgType {
	case MessageTypeCall:
		if len(parts) < 4 {
			return nil, fmt.Errorf("CALL frame has %d elements, need 4", len(parts))
		}
		if err := json.Unmarshal(parts[2], &frame.Action); err != nil {
			return nil, fmt.Errorf("invalid action element: %w", err)
		}
		if frame.Action == "" {
			return nil, fmt.Errorf("empty action")
		}
		frame.Payload = parts[3]

	case MessageTypeCallResult:
		frame.Payload = parts[2]

	case MessageTypeCallError:
		if len(parts) < 5 {
			return nil, fmt.Errorf("CALLERROR frame has %d elements, need 5", len(parts))
		}
		if err := json.Unmarshal(parts[2], &frame.ErrorCode); err != nil {
			return nil, fmt.Errorf("invalid error code element: %w", err)
		}
		if err := json.Unmarshal(parts[3], &frame.ErrorDescription); err != nil {
			return nil, fmt.Errorf("invalid error description element: %w", err)
		}
		frame.ErrorDetails = parts[4]

	default:
		return nil, fmt.Errorf("unknown message type %d", msgType)
	}

	return frame, nil
}

// Encode serializes the frame back to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	var parts []interface{}
	switch f.Type {
	case MessageTypeCall:
		parts = []interface{}{f.Type, f.ID, f.Action, rawOrEmpty(f.Payload)}
	case MessageTypeCallResult:
		parts = []interface{}{f.Type, f.ID, rawOrEmpty(f.Payload)}
	case MessageTypeCallError:
		parts = []interface{}{f.Type, f.ID, f.ErrorCode, f.ErrorDescription, rawOrEmpty(f.ErrorDetails)}
	default:
		return nil, fmt.Errorf("cannot encode message type %d", f.Type)
	}
	return json.Marshal(parts)
}

// NewCall builds a CALL frame for an outbound request.
func NewCall(id, action string, payload interface{}) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call payload: %w", err)
	}
	return &Frame{Type: MessageTypeCall, ID: id, Action: action, Payload: raw}, nil
}

// NewCallResult builds a success reply for a CALL.
func NewCallResult(id string, payload interface{}) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result payload: %w", err)
	}
	return &Frame{Type: MessageTypeCallResult, ID: id, Payload: raw}, nil
}

// NewCallError builds an error reply for a CALL.
func NewCallError(id, code, description string) *Frame {
	return &Frame{
		Type:             MessageTypeCallError,
		ID:               id,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     json.RawMessage(`{}`),
	}
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
