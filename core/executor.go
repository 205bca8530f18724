package core

import (
	"context"
	"time"

	"pkt.systems/notebookx/internal/render"
	"pkt.systems/notebookx/schema"
)

// ExecRequest identifies one run handed to an executor.
type ExecRequest struct {
	Notebook schema.NotebookID
	Session  schema.SessionID
	Cell     schema.CellID
	Code     string
}

// RunSink receives live output and serves stdin requests of the active run.
type RunSink interface {
	// Live replaces the in-progress output with the accumulated text.
	Live(stdout, stderr string)
	// Input blocks until the user enters one line, without the trailing newline.
	Input(ctx context.Context, prompt string) (string, error)
}

// Executor performs one run. The context is the run's cancellation token: once it is
// cancelled Execute returns a *CancelledError. Server-side code failures come back as an
// error outcome; transport failures and non-2xx responses come back as errors.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest, sink RunSink) (schema.RunOutcome, error)
}

// ExecutorOptions selects and configures an executor.
type ExecutorOptions struct {
	Protocol schema.Protocol
	// Runner serves the single-shot protocol; nil when not configured.
	Runner RunAPI
	// Streamer serves the start+poll protocol; nil when not configured.
	Streamer     StreamAPI
	PollInterval time.Duration
	Renderer     *render.Renderer
}

// NewExecutor picks the protocol: auto prefers streaming when a streamer is configured.
// It returns nil when neither protocol is available.
func NewExecutor(opts ExecutorOptions) Executor {
	if opts.Renderer == nil {
		opts.Renderer = render.New(nil)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = schema.DefaultPollInterval
	}
	switch opts.Protocol {
	case schema.ProtocolSingle:
		if opts.Runner != nil {
			return &singleShotExecutor{api: opts.Runner, render: opts.Renderer}
		}
		return nil
	case schema.ProtocolStreaming:
		if opts.Streamer != nil {
			return &streamingExecutor{api: opts.Streamer, render: opts.Renderer, poll: opts.PollInterval}
		}
		return nil
	}
	if opts.Streamer != nil {
		return &streamingExecutor{api: opts.Streamer, render: opts.Renderer, poll: opts.PollInterval}
	}
	if opts.Runner != nil {
		return &singleShotExecutor{api: opts.Runner, render: opts.Renderer}
	}
	return nil
}

// outcomeOf classifies a complete result.
func outcomeOf(r *render.Renderer, stdout, stderr, errText string, artifacts []schema.Artifact, duration time.Duration) schema.RunOutcome {
	kind := schema.OutcomeSuccess
	if errText != "" {
		kind = schema.OutcomeError
	}
	return schema.RunOutcome{
		Kind:           kind,
		Stdout:         stdout,
		Stderr:         stderr,
		Error:          errText,
		Artifacts:      artifacts,
		RenderedOutput: r.Output(stdout, stderr, errText, artifacts),
		Duration:       duration,
	}
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return cancelCause(ctx)
	}
}
