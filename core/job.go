package core

import (
	"context"
	"errors"

	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/schema"
)

// runJob executes one started job. The queue settles the job when it returns.
func (n *Notebook) runJob(j *job) {
	log := logx.WithNotebookCell(j.ctx, n.cfg.NotebookID, j.cell).With("job", j.id)
	ctx := logx.ContextWithCellLogger(j.ctx, log, n.cfg.NotebookID, j.cell)
	j.snapshot = n.currentOutput(ctx, j.cell)

	code, err := n.doc.CellCode(ctx, j.cell)
	if err != nil {
		log.Warn("cell code unavailable", "err", err)
		n.settleError(ctx, j, "", n.msg.T(i18n.ExecutionFailed))
		return
	}
	if n.exec == nil {
		log.Warn("run endpoint not configured")
		n.settleError(ctx, j, code, n.msg.T(i18n.ExecutionFailed))
		return
	}

	session, err := n.session.Ensure(ctx)
	if reason := n.queue.reasonOf(j); reason != schema.CancelNone {
		n.settleCancelled(ctx, j, code, reason)
		return
	}
	if err != nil || session == "" {
		log.Warn("run skipped without session", "err", err)
		if errors.Is(err, schema.ErrSessionUnavailable) {
			n.notice(schema.NoticeError, n.msg.T(i18n.CreateFirst))
		}
		n.status.Set(j.cell, schema.CellError, nil)
		return
	}

	n.Touch()
	n.saves.push(ctx, j.cell, code, j.snapshot)
	n.publishOutput(j.cell, n.render.Executing(), true)
	started := n.now()
	log = logx.WithSession(log, session)
	log.Info("run start")

	outcome, err := n.exec.Execute(ctx, ExecRequest{
		Notebook: n.cfg.NotebookID,
		Session:  session,
		Cell:     j.cell,
		Code:     code,
	}, &jobSink{n: n, job: j})
	if err != nil && errors.Is(err, schema.ErrSessionNotFound) {
		log.Warn("run found no session", "err", err)
		n.session.HandleLossFor(session, n.lossMessage(err))
	}

	switch reason := n.queue.reasonOf(j); {
	case reason != schema.CancelNone:
		log.Info("run cancelled", "reason", reason)
		n.settleCancelled(ctx, j, code, reason)
	case err != nil:
		log.Warn("run failed", "err", err)
		n.settleError(ctx, j, code, userMessage(err, n.msg.T(i18n.ExecutionFailed)))
	default:
		elapsed := n.now().Sub(started)
		if elapsed < 0 {
			elapsed = 0
		}
		if outcome.Duration == 0 {
			outcome.Duration = elapsed
		}
		log.Info("run done", "outcome", outcome.Kind, "duration_ms", outcome.DurationMs(), "artifacts", len(outcome.Artifacts))
		n.settleOutcome(ctx, j, code, outcome)
	}
	n.refreshFilesAsync(ctx)
}

func (n *Notebook) settleOutcome(ctx context.Context, j *job, code string, outcome schema.RunOutcome) {
	html := outcome.RenderedOutput
	if html == "" {
		html = n.render.Output(outcome.Stdout, outcome.Stderr, outcome.Error, outcome.Artifacts)
	}
	n.rememberOutput(j.cell, html)
	n.publishOutput(j.cell, html, false)
	if outcome.Kind == schema.OutcomeError {
		n.status.Set(j.cell, schema.CellError, nil)
	} else {
		n.status.Set(j.cell, schema.CellSuccess, schema.DurationMeta(outcome.DurationMs()))
	}
	n.saves.push(ctx, j.cell, code, html)
}

func (n *Notebook) settleError(ctx context.Context, j *job, code, message string) {
	html := n.render.Error(message)
	n.rememberOutput(j.cell, html)
	n.publishOutput(j.cell, html, false)
	n.status.Set(j.cell, schema.CellError, nil)
	if code != "" {
		n.saves.push(ctx, j.cell, code, html)
	}
}

// settleCancelled presents a cancelled run. A user cancel replaces the output with a
// notice; a reset cancel restores the output shown before the run.
func (n *Notebook) settleCancelled(ctx context.Context, j *job, code string, reason schema.CancelReason) {
	if reason == schema.CancelReset {
		restored := j.snapshot
		if restored == "" {
			restored = n.render.Empty()
		}
		n.publishOutput(j.cell, restored, false)
		n.status.Set(j.cell, schema.CellReset, nil)
		n.saves.push(ctx, j.cell, code, n.render.ResetNotice())
		return
	}
	note := n.render.Cancelled(reason)
	n.rememberOutput(j.cell, note)
	n.publishOutput(j.cell, note, false)
	n.status.Set(j.cell, schema.CellCancelled, nil)
	n.saves.push(ctx, j.cell, code, note)
}

func (n *Notebook) lossMessage(err error) string {
	var remote *schema.RemoteError
	if errors.As(err, &remote) && remote.Status == 400 {
		return n.msg.T(i18n.SessionNotCreated)
	}
	return n.msg.T(i18n.SessionNotFound)
}

// currentOutput returns the output shown for cell before a run starts.
func (n *Notebook) currentOutput(ctx context.Context, cell schema.CellID) string {
	n.outMu.Lock()
	html, ok := n.outputs[cell]
	n.outMu.Unlock()
	if ok {
		return html
	}
	stored, err := n.doc.CellOutput(ctx, cell)
	if err != nil {
		return ""
	}
	return stored
}

func (n *Notebook) rememberOutput(cell schema.CellID, html string) {
	n.outMu.Lock()
	n.outputs[cell] = html
	n.outMu.Unlock()
}

func (n *Notebook) publishOutput(cell schema.CellID, html string, live bool) {
	n.presenter.OnCellOutput(schema.CellOutputEvent{NotebookID: n.cfg.NotebookID, CellID: cell, HTML: html, Live: live})
}

// jobSink connects an executor to the notebook's presenter.
type jobSink struct {
	n   *Notebook
	job *job
}

func (s *jobSink) Live(stdout, stderr string) {
	s.n.publishOutput(s.job.cell, s.n.render.Live(stdout, stderr), true)
}

// Input shows one input control for the cell, replacing any stale one.
func (s *jobSink) Input(ctx context.Context, prompt string) (string, error) {
	n := s.n
	cell := s.job.cell
	inputCtx, cancel := context.WithCancel(ctx)
	n.inputMu.Lock()
	if stale, ok := n.inputs[cell]; ok {
		stale()
	}
	n.inputs[cell] = cancel
	n.inputMu.Unlock()
	defer func() {
		cancel()
		n.inputMu.Lock()
		delete(n.inputs, cell)
		n.inputMu.Unlock()
	}()

	n.status.Set(cell, schema.CellInputWait, nil)
	line, err := n.presenter.RequestInput(inputCtx, schema.InputRequest{NotebookID: n.cfg.NotebookID, CellID: cell, Prompt: prompt})
	if ctx.Err() == nil {
		n.status.Set(cell, schema.CellRunning, nil)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", cancelCause(ctx)
		}
		return "", err
	}
	n.Touch()
	return line, nil
}
