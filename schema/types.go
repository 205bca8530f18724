package schema

// NotebookID identifies a notebook document.
type NotebookID string

// CellID identifies a cell within a notebook. It is opaque and stable across reloads.
type CellID string

// SessionID identifies a remote execution session.
type SessionID string

// RunID identifies one streaming execution on the server.
type RunID string

// CellState is the execution status surfaced for a cell.
type CellState string

const (
	// CellIdle means no status is recorded for the cell.
	CellIdle CellState = "idle"
	// CellQueued means the cell waits behind other runs.
	CellQueued CellState = "queued"
	// CellRunning means the cell is the active run.
	CellRunning CellState = "running"
	// CellSuccess means the last run finished without error.
	CellSuccess CellState = "success"
	// CellError means the last run failed.
	CellError CellState = "error"
	// CellCancelled means the user cancelled the last run.
	CellCancelled CellState = "cancelled"
	// CellReset means the run or its output belongs to a session that is gone.
	CellReset CellState = "reset"
	// CellInputWait means the active run waits for a line of stdin.
	CellInputWait CellState = "input-wait"
)

// Valid reports whether the state is one of the known cell states.
func (s CellState) Valid() bool {
	switch s {
	case CellIdle, CellQueued, CellRunning, CellSuccess, CellError, CellCancelled, CellReset, CellInputWait:
		return true
	default:
		return false
	}
}

// Busy reports whether the cell's run control should offer cancel instead of run.
func (s CellState) Busy() bool {
	switch s {
	case CellRunning, CellQueued, CellInputWait:
		return true
	default:
		return false
	}
}

// StatusMeta carries optional per-state details.
type StatusMeta struct {
	DurationMs *int64 `json:"durationMs,omitempty"`
	QueueAhead *int   `json:"queueAhead,omitempty"`
}

// DurationMeta returns meta for a success status.
func DurationMeta(ms int64) *StatusMeta {
	if ms < 0 {
		ms = 0
	}
	return &StatusMeta{DurationMs: &ms}
}

// QueueMeta returns meta for a queued status.
func QueueMeta(ahead int) *StatusMeta {
	if ahead < 0 {
		ahead = 0
	}
	return &StatusMeta{QueueAhead: &ahead}
}

// StatusRecord is the durable status of one cell.
type StatusRecord struct {
	State CellState   `json:"state"`
	Meta  *StatusMeta `json:"meta,omitempty"`
}

// SessionState is the lifecycle state of the notebook's session handle.
type SessionState string

const (
	// SessionIdle means no session exists.
	SessionIdle SessionState = "idle"
	// SessionCreating means a create call is in flight.
	SessionCreating SessionState = "creating"
	// SessionReady means a session id is held.
	SessionReady SessionState = "ready"
	// SessionRestarting means a reset call is in flight.
	SessionRestarting SessionState = "restarting"
	// SessionStopping means a stop call is in flight.
	SessionStopping SessionState = "stopping"
	// SessionError means the last create failed.
	SessionError SessionState = "error"
)

// SessionSnapshot is a read-only view of the session handle.
type SessionSnapshot struct {
	ID      SessionID    `json:"session_id,omitempty"`
	State   SessionState `json:"state"`
	Message string       `json:"message,omitempty"`
}

// FileEntry is one file in the session workspace.
type FileEntry struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`
	Dir  bool   `json:"dir,omitempty"`
}

// Artifact is a file produced by a run.
type Artifact struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Protocol selects how run results are delivered.
type Protocol string

const (
	// ProtocolAuto picks streaming when the start and status endpoints exist.
	ProtocolAuto Protocol = "auto"
	// ProtocolSingle sends one request and receives the complete result.
	ProtocolSingle Protocol = "single"
	// ProtocolStreaming starts a run and polls for incremental output.
	ProtocolStreaming Protocol = "streaming"
)

// ComputeDevice selects the hardware a notebook's sessions run on.
type ComputeDevice string

const (
	// DeviceCPU is the default device.
	DeviceCPU ComputeDevice = "cpu"
	// DeviceGPU requests a GPU-backed session.
	DeviceGPU ComputeDevice = "gpu"
)
