package core

import (
	"context"
	"errors"
	"strings"

	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/render"
	"pkt.systems/notebookx/schema"
)

// singleShotExecutor sends one request per attempt and receives the complete result.
// Input requests are answered by resubmitting the run with every line entered so far.
type singleShotExecutor struct {
	api    RunAPI
	render *render.Renderer
}

func (e *singleShotExecutor) Execute(ctx context.Context, req ExecRequest, sink RunSink) (schema.RunOutcome, error) {
	var stdin strings.Builder
	for {
		if ctx.Err() != nil {
			return schema.RunOutcome{}, cancelCause(ctx)
		}
		res, err := e.api.Run(ctx, RunRequest{
			Notebook: req.Notebook,
			Session:  req.Session,
			Cell:     req.Cell,
			Code:     req.Code,
			Stdin:    stdin.String(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return schema.RunOutcome{}, cancelCause(ctx)
			}
			return schema.RunOutcome{}, err
		}
		switch res.Kind {
		case schema.ResultInputRequired:
			if res.HasOutput() {
				sink.Live(res.Stdout, res.Stderr)
			}
			line, err := sink.Input(ctx, res.Prompt)
			if err != nil {
				if ctx.Err() != nil {
					return schema.RunOutcome{}, cancelCause(ctx)
				}
				if errors.Is(err, schema.ErrInputClosed) {
					return outcomeOf(e.render, res.Stdout, res.Stderr, e.render.Messages().T(i18n.InputClosed), nil, res.Duration), nil
				}
				return schema.RunOutcome{}, err
			}
			stdin.WriteString(line)
			stdin.WriteString("\n")
		case schema.ResultFailed:
			return schema.RunOutcome{}, &ExecutionError{Op: "run", Message: res.Error}
		case schema.ResultFinished:
			if res.Final != nil {
				final := res.Final
				return outcomeOf(e.render, final.Stdout, final.Stderr, final.Error, final.Artifacts, final.Duration), nil
			}
			return outcomeOf(e.render, res.Stdout, res.Stderr, res.Error, res.Artifacts, res.Duration), nil
		default:
			return outcomeOf(e.render, res.Stdout, res.Stderr, res.Error, res.Artifacts, res.Duration), nil
		}
	}
}
