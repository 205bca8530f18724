package schema

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidNotebook indicates an invalid notebook identifier.
	ErrInvalidNotebook = errors.New("invalid notebook")
	// ErrInvalidCell indicates an invalid cell identifier.
	ErrInvalidCell = errors.New("invalid cell")
	// ErrCellNotFound indicates the document has no code for the cell.
	ErrCellNotFound = errors.New("cell not found")
	// ErrSessionNotFound indicates the server no longer knows the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionUnavailable indicates no session can be created (no endpoint configured).
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrSessionLost is returned by session operations that ended in loss recovery.
	ErrSessionLost = errors.New("session lost")
	// ErrStoreUnavailable indicates the durable store cannot be used.
	ErrStoreUnavailable = errors.New("durable store unavailable")
	// ErrInputClosed indicates the presentation layer abandoned an input request.
	ErrInputClosed = errors.New("input closed")
	// ErrClosed indicates the notebook was closed.
	ErrClosed = errors.New("notebook closed")
	// ErrInvalidDevice indicates an unknown compute device.
	ErrInvalidDevice = errors.New("invalid compute device")
	// ErrEndpointMissing indicates a collaborator endpoint is not configured.
	ErrEndpointMissing = errors.New("endpoint not configured")
)

// RemoteError classifies a non-2xx collaborator response.
type RemoteError struct {
	Op      string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "remote error"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.Status)
}

// Unwrap maps session-not-found responses onto ErrSessionNotFound.
func (e *RemoteError) Unwrap() error {
	if e.SessionLost() {
		return ErrSessionNotFound
	}
	return nil
}

// SessionLost reports whether the response means the session is gone.
// A 404 on a session-scoped call and a 400 saying the session was not created both qualify.
func (e *RemoteError) SessionLost() bool {
	if e == nil {
		return false
	}
	if e.Status == http.StatusNotFound {
		return true
	}
	return e.Status == http.StatusBadRequest && IsSessionNotCreatedMessage(e.Message)
}

// sessionNotCreatedPhrases are matched against lower-cased server messages.
var sessionNotCreatedPhrases = []string{
	"session not created",
	"session is not created",
	"session has not been created",
	"сессия не создана",
}

// IsSessionNotCreatedMessage reports whether a server message says the session does not exist yet.
func IsSessionNotCreatedMessage(message string) bool {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return false
	}
	for _, phrase := range sessionNotCreatedPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
