package connection

import "fmt"

// ErrorCode is the machine-readable classification of a connection failure.
type ErrorCode string

const (
	CodeMissingConnection ErrorCode = "missing_connection"
	CodeInvalidConnection ErrorCode = "invalid_connection"
	CodeAuthFailed        ErrorCode = "connection_auth_failed"
)

// ErrorDetails is the structured payload attached to every connection
// error so callers can branch without string matching.
type ErrorDetails struct {
	Kind            string    `json:"kind"`
	ErrorCode       ErrorCode `json:"errorCode"`
	ConnectionID    string    `json:"connectionId"`
	ConnectionTitle string    `json:"connectionTitle,omitempty"`
	Status          Status    `json:"status,omitempty"`
	SetupHint       string    `json:"setupHint,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// Error is a connection failure with structured details.
type Error struct {
	Message string
	Details ErrorDetails
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a connection error. The setup hint points extension users
// at the fix; the message is what extension authors see in rejected
// promises.
func NewError(code ErrorCode, connectionID, connectionTitle string, status Status, message, reason string) *Error {
	title := connectionTitle
	if title == "" {
		title = connectionID
	}
	return &Error{
		Message: message,
		Details: ErrorDetails{
			Kind:            "connection_error",
			ErrorCode:       code,
			ConnectionID:    connectionID,
			ConnectionTitle: connectionTitle,
			Status:          status,
			SetupHint:       fmt.Sprintf("Open connection settings and reconnect %q.", title),
			Reason:          reason,
		},
	}
}
