package core

import (
	"context"
	"time"

	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/persist"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// SessionAPI is the session collaborator of one notebook.
type SessionAPI interface {
	Create(ctx context.Context, notebook schema.NotebookID) (schema.SessionID, error)
	Reset(ctx context.Context, session schema.SessionID) (schema.SessionID, error)
	Stop(ctx context.Context, session schema.SessionID) error
	ListFiles(ctx context.Context, session schema.SessionID) ([]schema.FileEntry, error)
}

// RunRequest starts or resubmits one cell run.
type RunRequest struct {
	Notebook schema.NotebookID
	Session  schema.SessionID
	Cell     schema.CellID
	Code     string
	// Stdin carries every line entered so far, each terminated by a newline.
	Stdin string
}

// RunAPI executes a cell in one request and returns the complete result.
type RunAPI interface {
	Run(ctx context.Context, req RunRequest) (schema.RunResult, error)
}

// StatusRequest polls a streaming run for output past the given offsets.
type StatusRequest struct {
	Session      schema.SessionID
	Run          schema.RunID
	StdoutOffset int64
	StderrOffset int64
}

// StdinRequest delivers one line of input to a streaming run.
type StdinRequest struct {
	Session schema.SessionID
	Cell    schema.CellID
	Run     schema.RunID
	Stdin   string
	// EOF closes the run's stdin.
	EOF bool
}

// StreamAPI starts a run and polls for incremental output.
type StreamAPI interface {
	Start(ctx context.Context, req RunRequest) (schema.RunResult, error)
	Status(ctx context.Context, req StatusRequest) (schema.RunResult, error)
	SubmitStdin(ctx context.Context, req StdinRequest) (schema.RunResult, error)
}

// Document is the source of cell code and stored cell output.
type Document interface {
	Cells(ctx context.Context) ([]schema.CellID, error)
	CellCode(ctx context.Context, cell schema.CellID) (string, error)
	CellOutput(ctx context.Context, cell schema.CellID) (string, error)
}

// OutputSaver persists the code and rendered output of a cell.
type OutputSaver interface {
	SaveOutput(ctx context.Context, notebook schema.NotebookID, cell schema.CellID, code, outputHTML string) error
}

// DeviceAPI records the compute device of a notebook.
type DeviceAPI interface {
	SetComputeDevice(ctx context.Context, notebook schema.NotebookID, device schema.ComputeDevice) error
}

// Deps captures the collaborators of one notebook coordinator.
type Deps struct {
	Sessions  SessionAPI
	Executor  Executor
	Document  Document
	Saver     OutputSaver
	// Devices is nil when the compute device cannot be changed.
	Devices   DeviceAPI
	Presenter Presenter
	// KV is the durable local store. Nil keeps state in memory only.
	KV       persist.KV
	Messages *i18n.Messages
	Logger   pslog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}
