package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/internal/render"
	"pkt.systems/notebookx/schema"
)

// streamingExecutor starts a run and polls its status, appending only the new output
// past the tracked offsets.
type streamingExecutor struct {
	api    StreamAPI
	render *render.Renderer
	poll   time.Duration
}

// streamState accumulates the output of one streaming run.
type streamState struct {
	run          schema.RunID
	stdout       strings.Builder
	stderr       strings.Builder
	stdoutOffset int64
	stderrOffset int64
}

// apply appends the increments of res and advances the offsets. It reports whether
// anything new arrived.
func (s *streamState) apply(res schema.RunResult) bool {
	grew := false
	if res.Stdout != "" {
		s.stdout.WriteString(res.Stdout)
		grew = true
	}
	if res.Stderr != "" {
		s.stderr.WriteString(res.Stderr)
		grew = true
	}
	s.stdoutOffset = nextOffset(s.stdoutOffset, res.StdoutOffset, len(res.Stdout))
	s.stderrOffset = nextOffset(s.stderrOffset, res.StderrOffset, len(res.Stderr))
	return grew
}

// nextOffset prefers the server's cumulative offset and falls back to counting the chunk.
func nextOffset(current, reported int64, chunk int) int64 {
	if reported > current {
		return reported
	}
	return current + int64(chunk)
}

func (e *streamingExecutor) Execute(ctx context.Context, req ExecRequest, sink RunSink) (schema.RunOutcome, error) {
	log := logx.WithSession(logx.WithNotebookCell(ctx, req.Notebook, req.Cell), req.Session)
	if ctx.Err() != nil {
		return schema.RunOutcome{}, cancelCause(ctx)
	}
	res, err := e.api.Start(ctx, RunRequest{
		Notebook: req.Notebook,
		Session:  req.Session,
		Cell:     req.Cell,
		Code:     req.Code,
	})
	if err != nil {
		return schema.RunOutcome{}, e.wrap(ctx, err)
	}
	state := &streamState{}
	for {
		if res.RunID != "" && res.RunID != state.run {
			state.run = res.RunID
			log = logx.WithRun(log, state.run)
			log.Debug("run started")
		}
		if state.apply(res) {
			sink.Live(state.stdout.String(), state.stderr.String())
		}
		switch res.Kind {
		case schema.ResultInline:
			return outcomeOf(e.render, res.Stdout, res.Stderr, res.Error, res.Artifacts, res.Duration), nil
		case schema.ResultFailed:
			return schema.RunOutcome{}, &ExecutionError{Op: "run status", Message: res.Error}
		case schema.ResultFinished:
			return e.finish(state, res), nil
		case schema.ResultInputRequired:
			if state.run == "" {
				return schema.RunOutcome{}, &ExecutionError{Op: "run start", Message: e.render.Messages().T(i18n.RunStartFailed)}
			}
			res, err = e.answerInput(ctx, req, state, res.Prompt, sink)
			if err != nil {
				return schema.RunOutcome{}, err
			}
			continue
		}
		if state.run == "" {
			return schema.RunOutcome{}, &ExecutionError{Op: "run start", Message: e.render.Messages().T(i18n.RunStartFailed)}
		}
		if err := sleepCtx(ctx, e.poll); err != nil {
			return schema.RunOutcome{}, err
		}
		if ctx.Err() != nil {
			return schema.RunOutcome{}, cancelCause(ctx)
		}
		log.Trace("run status poll", "stdout_offset", state.stdoutOffset, "stderr_offset", state.stderrOffset)
		res, err = e.api.Status(ctx, StatusRequest{
			Session:      req.Session,
			Run:          state.run,
			StdoutOffset: state.stdoutOffset,
			StderrOffset: state.stderrOffset,
		})
		if err != nil {
			return schema.RunOutcome{}, e.wrap(ctx, err)
		}
	}
}

// answerInput waits for a line and submits it. An abandoned input closes the run's stdin.
func (e *streamingExecutor) answerInput(ctx context.Context, req ExecRequest, state *streamState, prompt string, sink RunSink) (schema.RunResult, error) {
	line, err := sink.Input(ctx, prompt)
	submit := StdinRequest{Session: req.Session, Cell: req.Cell, Run: state.run}
	switch {
	case err == nil:
		submit.Stdin = line + "\n"
	case ctx.Err() != nil:
		return schema.RunResult{}, cancelCause(ctx)
	case errors.Is(err, schema.ErrInputClosed):
		submit.EOF = true
	default:
		return schema.RunResult{}, err
	}
	res, err := e.api.SubmitStdin(ctx, submit)
	if err != nil {
		return schema.RunResult{}, e.wrap(ctx, err)
	}
	// A bare acknowledgement means the run continues and must be polled again.
	if res.Kind == schema.ResultInline && !res.HasOutput() && len(res.Artifacts) == 0 {
		res.Kind = schema.ResultStarted
	}
	switch res.Kind {
	case schema.ResultStarted, schema.ResultStreamChunk, schema.ResultInputRequired:
		// Output of a continuing run arrives through polling past the tracked offsets.
		res.Stdout, res.Stderr = "", ""
		res.StdoutOffset, res.StderrOffset = 0, 0
	}
	return res, nil
}

// finish builds the outcome of a finished stream from the accumulated text and the
// attached final result.
func (e *streamingExecutor) finish(state *streamState, res schema.RunResult) schema.RunOutcome {
	stdout := state.stdout.String()
	stderr := state.stderr.String()
	errText := res.Error
	artifacts := res.Artifacts
	duration := res.Duration
	if final := res.Final; final != nil {
		if stdout == "" {
			stdout = final.Stdout
		}
		if stderr == "" {
			stderr = final.Stderr
		}
		if final.Error != "" {
			errText = final.Error
		}
		if len(final.Artifacts) > 0 {
			artifacts = final.Artifacts
		}
		if final.Duration > 0 {
			duration = final.Duration
		}
	}
	return outcomeOf(e.render, stdout, stderr, errText, artifacts, duration)
}

func (e *streamingExecutor) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return cancelCause(ctx)
	}
	return err
}
