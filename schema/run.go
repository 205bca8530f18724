package schema

import "time"

// CancelReason records why a run was cancelled.
type CancelReason string

const (
	// CancelNone means the run was not cancelled.
	CancelNone CancelReason = ""
	// CancelUser means the user asked to cancel the run.
	CancelUser CancelReason = "user"
	// CancelReset means the session is being reset or has been lost.
	CancelReset CancelReason = "reset"
)

// RunResultKind tags a normalized collaborator response.
type RunResultKind string

const (
	// ResultInline is a complete single-shot result.
	ResultInline RunResultKind = "inline"
	// ResultStarted acknowledges a streaming run and carries its run id.
	ResultStarted RunResultKind = "started"
	// ResultStreamChunk carries incremental output of a streaming run.
	ResultStreamChunk RunResultKind = "stream_chunk"
	// ResultFinished is the terminal result of a streaming run.
	ResultFinished RunResultKind = "finished"
	// ResultFailed means the server aborted the run.
	ResultFailed RunResultKind = "failed"
	// ResultInputRequired means the run waits for a line of stdin.
	ResultInputRequired RunResultKind = "input_required"
)

// RunResult is the normalized form of every run-related response. Downstream code
// switches on Kind and never inspects raw wire fields.
type RunResult struct {
	Kind         RunResultKind
	RunID        RunID
	Stdout       string
	Stderr       string
	Error        string
	Prompt       string
	Artifacts    []Artifact
	StdoutOffset int64
	StderrOffset int64
	// Duration is the server-reported execution time, zero when absent.
	Duration time.Duration
	// Final is the complete result attached to a finished stream, nil when absent.
	Final *RunResult
}

// HasOutput reports whether the result carries any stdout, stderr or error text.
func (r RunResult) HasOutput() bool {
	return r.Stdout != "" || r.Stderr != "" || r.Error != ""
}

// OutcomeKind is the terminal classification of a settled run.
type OutcomeKind string

const (
	// OutcomeSuccess means the code ran without error.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeError means the code or the server reported a failure.
	OutcomeError OutcomeKind = "error"
)

// RunOutcome is what an executor returns once a run settles.
type RunOutcome struct {
	Kind           OutcomeKind
	Stdout         string
	Stderr         string
	Error          string
	Artifacts      []Artifact
	RenderedOutput string
	Duration       time.Duration
}

// DurationMs returns the outcome duration in milliseconds.
func (o RunOutcome) DurationMs() int64 {
	ms := o.Duration.Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
