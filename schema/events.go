package schema

import "time"

// CellStatusEvent reports a status transition for one cell.
type CellStatusEvent struct {
	NotebookID NotebookID  `json:"notebook_id"`
	CellID     CellID      `json:"cell_id"`
	State      CellState   `json:"state"`
	Meta       *StatusMeta `json:"meta,omitempty"`
	// Busy is true when the run control should offer cancel.
	Busy bool `json:"busy"`
}

// CellOutputEvent replaces the rendered output of a cell.
type CellOutputEvent struct {
	NotebookID NotebookID `json:"notebook_id"`
	CellID     CellID     `json:"cell_id"`
	HTML       string     `json:"html"`
	// Live is true while the run is still producing output.
	Live bool `json:"live,omitempty"`
}

// SessionEventType identifies a session event payload.
type SessionEventType string

const (
	// SessionEventState reports a lifecycle transition.
	SessionEventState SessionEventType = "state"
	// SessionEventFiles reports a refreshed workspace listing.
	SessionEventFiles SessionEventType = "files"
)

// SessionEvent reports session handle changes.
type SessionEvent struct {
	NotebookID NotebookID       `json:"notebook_id"`
	Type       SessionEventType `json:"type"`
	Session    SessionSnapshot  `json:"session"`
	Files      []FileEntry      `json:"files,omitempty"`
}

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	// NoticeInfo is an informational message.
	NoticeInfo NoticeKind = "info"
	// NoticeError is a failure the user should see.
	NoticeError NoticeKind = "error"
	// NoticePresence asks the user to confirm they are still there.
	NoticePresence NoticeKind = "presence"
	// NoticePresenceCleared withdraws a presence prompt.
	NoticePresenceCleared NoticeKind = "presence_cleared"
	// NoticeBanned reports that the session was stopped for inactivity.
	NoticeBanned NoticeKind = "banned"
)

// NoticeEvent is a short localized message for the user.
type NoticeEvent struct {
	NotebookID NotebookID `json:"notebook_id"`
	Kind       NoticeKind `json:"kind"`
	Message    string     `json:"message"`
	Deadline   time.Time  `json:"deadline,omitempty"`
}

// InputRequest asks the presentation layer for one line of stdin.
type InputRequest struct {
	NotebookID NotebookID `json:"notebook_id"`
	CellID     CellID     `json:"cell_id"`
	Prompt     string     `json:"prompt"`
}
