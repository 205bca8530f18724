package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/notebookx/internal/cellstatus"
	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/internal/render"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// Notebook coordinates cell runs against the remote session of one notebook.
type Notebook struct {
	cfg       schema.NotebookConfig
	sessions  SessionAPI
	exec      Executor
	doc       Document
	presenter Presenter
	render    *render.Renderer
	msg       *i18n.Messages
	log       pslog.Logger
	now       func() time.Time

	status  *cellstatus.Store
	queue   *runQueue
	session *sessionHandle
	idle    *idleWatch
	saves   *saveQueue

	base       context.Context
	baseCancel context.CancelFunc
	watchDone  chan struct{}

	outMu   sync.Mutex
	outputs map[schema.CellID]string

	inputMu sync.Mutex
	inputs  map[schema.CellID]context.CancelFunc

	filesMu  sync.Mutex
	filesSeq uint64

	devices  DeviceAPI
	deviceMu sync.Mutex
	device   schema.ComputeDevice

	closeOnce sync.Once
}

// NewNotebook constructs the coordinator for one notebook, loads persisted cell status and
// adopts a stored session id. The watchdog runs until Close.
func NewNotebook(ctx context.Context, cfg schema.NotebookConfig, deps Deps) (*Notebook, error) {
	normalized, err := schema.NormalizeNotebookConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Document == nil {
		return nil, errors.New("notebook document is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	logger = logger.With("notebook", cfg.NotebookID)
	if deps.Presenter == nil {
		deps.Presenter = NopPresenter{}
	}
	if deps.Messages == nil {
		deps.Messages = i18n.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	base, cancel := context.WithCancel(logx.ContextWithNotebookLogger(context.WithoutCancel(ctx), logger, cfg.NotebookID))
	n := &Notebook{
		cfg:        cfg,
		sessions:   deps.Sessions,
		exec:       deps.Executor,
		doc:        deps.Document,
		presenter:  deps.Presenter,
		render:     render.New(deps.Messages),
		msg:        deps.Messages,
		log:        logger,
		now:        deps.Clock,
		base:       base,
		baseCancel: cancel,
		devices:    deps.Devices,
		device:     cfg.ComputeDevice,
		outputs:    make(map[schema.CellID]string),
		inputs:     make(map[schema.CellID]context.CancelFunc),
	}
	n.status = cellstatus.New(cellstatus.Options{
		Notebook: cfg.NotebookID,
		KV:       deps.KV,
		Logger:   logger,
		Listener: n.presenter.OnCellStatus,
	})
	n.queue = newRunQueue(base, n.status, n.runJob, n.now, logger)
	n.session = &sessionHandle{
		notebook: cfg.NotebookID,
		api:      deps.Sessions,
		kv:       deps.KV,
		queue:    n.queue,
		status:   n.status,
		msg:      n.msg,
		log:      logger,
		drain:    cfg.ResetDrain,
		state:    schema.SessionIdle,
		hooks: sessionHooks{
			event:        n.presenter.OnSessionEvent,
			notice:       n.notice,
			ready:        func() { n.refreshFilesAsync(n.base) },
			afterReset:   n.markOutputsStale,
			markActivity: n.Touch,
		},
	}
	n.saves = &saveQueue{
		notebook: cfg.NotebookID,
		saver:    deps.Saver,
		base:     base,
		timeout:  cfg.SaveTimeout,
	}
	n.idle = &idleWatch{
		threshold: cfg.IdleThreshold,
		window:    cfg.PresenceWindow,
		interval:  cfg.IdleCheckInterval,
		now:       n.now,
		onPrompt:  n.promptPresence,
		onClear:   n.clearPresence,
		onBan:     n.ban,
		last:      n.now(),
	}

	n.status.Load()
	if cells, err := n.doc.Cells(ctx); err != nil {
		logger.Warn("notebook cells list failed", "err", err)
	} else {
		n.status.Track(cells...)
		for _, cell := range cells {
			record := n.status.Get(cell)
			n.presenter.OnCellStatus(schema.CellStatusEvent{
				NotebookID: cfg.NotebookID,
				CellID:     cell,
				State:      record.State,
				Meta:       record.Meta,
				Busy:       record.State.Busy(),
			})
		}
	}
	if n.session.load() {
		n.presenter.OnSessionEvent(schema.SessionEvent{NotebookID: cfg.NotebookID, Type: schema.SessionEventState, Session: n.session.Snapshot()})
		n.refreshFilesAsync(base)
	}
	if !cfg.DisableIdleWatch {
		n.watchDone = make(chan struct{})
		go func() {
			defer close(n.watchDone)
			n.idle.run(base)
		}()
	}
	logger.Info("notebook open", "protocol", cfg.Protocol, "executor", n.exec != nil, "sessions", n.sessions != nil)
	return n, nil
}

// ID returns the notebook id.
func (n *Notebook) ID() schema.NotebookID {
	return n.cfg.NotebookID
}

// RequestRun toggles a run for cell: it starts or queues a run, cancels the active run of
// the same cell, or removes the cell from the queue.
func (n *Notebook) RequestRun(cell schema.CellID) (EnqueueResult, error) {
	normalized, err := schema.NormalizeCellID(string(cell))
	if err != nil {
		return "", err
	}
	n.Touch()
	result := n.queue.enqueue(normalized)
	if result == EnqueueRejected {
		return result, schema.ErrClosed
	}
	n.log.Debug("run requested", "cell", normalized, "result", result)
	return result, nil
}

// RequestRunAll queues every cell in order, skipping cells already queued or running.
func (n *Notebook) RequestRunAll(cells []schema.CellID) (int, error) {
	n.Touch()
	queued := 0
	for _, cell := range cells {
		normalized, err := schema.NormalizeCellID(string(cell))
		if err != nil {
			return queued, err
		}
		if n.queue.enqueueIfAbsent(normalized) {
			queued++
		}
	}
	return queued, nil
}

// CancelActive asks the active run to stop. It reports whether a run was active.
func (n *Notebook) CancelActive() bool {
	n.Touch()
	return n.queue.cancelActive(schema.CancelUser)
}

// CreateSession creates a session unless one is held.
func (n *Notebook) CreateSession(ctx context.Context) (schema.SessionID, error) {
	n.Touch()
	if id := n.session.current(); id != "" {
		return id, nil
	}
	id, err := n.session.Create(ctx)
	if err != nil && !errors.Is(err, schema.ErrSessionUnavailable) {
		n.notice(schema.NoticeError, userMessage(err, n.msg.T(i18n.SessionCreateFail)))
	}
	return id, err
}

// ResetSession cancels every run and replaces the session with a fresh one.
func (n *Notebook) ResetSession(ctx context.Context) error {
	return n.session.Reset(ctx, ReasonUser)
}

// StopSession ends the session.
func (n *Notebook) StopSession(ctx context.Context) error {
	n.Touch()
	return n.session.Stop(ctx, ReasonUser)
}

// Session returns the session snapshot.
func (n *Notebook) Session() schema.SessionSnapshot {
	return n.session.Snapshot()
}

// Status returns the status of one cell.
func (n *Notebook) Status(cell schema.CellID) schema.StatusRecord {
	return n.status.Get(cell)
}

// Statuses returns every non-idle cell status.
func (n *Notebook) Statuses() map[schema.CellID]schema.StatusRecord {
	return n.status.Snapshot()
}

// QueuePositions returns the number of runs ahead of each waiting cell.
func (n *Notebook) QueuePositions() map[schema.CellID]int {
	return n.queue.positions()
}

// ActiveCell returns the cell of the active run.
func (n *Notebook) ActiveCell() (schema.CellID, bool) {
	return n.queue.active()
}

// Output returns the last output rendered for cell in this process.
func (n *Notebook) Output(cell schema.CellID) (string, bool) {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	html, ok := n.outputs[cell]
	return html, ok
}

// WaitIdle blocks until no run is active or queued.
func (n *Notebook) WaitIdle(ctx context.Context) error {
	return n.queue.waitIdle(ctx)
}

// Touch records user activity.
func (n *Notebook) Touch() {
	n.idle.touch()
}

// AckPresence answers the presence prompt.
func (n *Notebook) AckPresence() {
	n.idle.touch()
	n.notice(schema.NoticeInfo, n.msg.T(i18n.PresenceConfirmed))
}

// PresenceDeadline returns the ban deadline while a presence prompt is open.
func (n *Notebook) PresenceDeadline() (time.Time, bool) {
	return n.idle.pending()
}

// CheckIdle evaluates the inactivity timers at now.
func (n *Notebook) CheckIdle(now time.Time) {
	n.idle.check(now)
}

// RefreshFiles lists the session workspace and publishes it.
func (n *Notebook) RefreshFiles(ctx context.Context) ([]schema.FileEntry, error) {
	return n.refreshFiles(ctx)
}

// Close cancels every run, stops the watchdog and waits for pending output saves.
func (n *Notebook) Close(ctx context.Context) error {
	var err error
	n.closeOnce.Do(func() {
		n.queue.close()
		n.queue.cancelAll(schema.CancelUser)
		if waitErr := n.queue.waitIdle(ctx); waitErr != nil {
			err = waitErr
		}
		n.baseCancel()
		if n.watchDone != nil {
			<-n.watchDone
		}
		if saveErr := n.saves.wait(ctx); saveErr != nil && err == nil {
			err = saveErr
		}
		n.log.Info("notebook closed")
	})
	return err
}

func (n *Notebook) notice(kind schema.NoticeKind, message string) {
	n.presenter.OnNotice(schema.NoticeEvent{NotebookID: n.cfg.NotebookID, Kind: kind, Message: message})
}

func (n *Notebook) promptPresence(deadline time.Time) {
	n.log.Info("presence prompt", "deadline", deadline)
	n.presenter.OnNotice(schema.NoticeEvent{
		NotebookID: n.cfg.NotebookID,
		Kind:       schema.NoticePresence,
		Message:    n.msg.T(i18n.PresencePrompt, deadline.Format("15:04")),
		Deadline:   deadline,
	})
}

func (n *Notebook) clearPresence() {
	n.presenter.OnNotice(schema.NoticeEvent{NotebookID: n.cfg.NotebookID, Kind: schema.NoticePresenceCleared})
}

// ban silently resets the session after an unanswered presence prompt.
func (n *Notebook) ban() {
	n.clearPresence()
	ctx := n.base
	if n.session.current() != "" {
		if err := n.session.Reset(ctx, ReasonBan); err != nil {
			n.log.Warn("inactivity stop failed", "err", err)
			return
		}
	}
	n.log.Info("inactivity stop done")
	n.notice(schema.NoticeBanned, n.msg.T(i18n.Banned))
}

// markOutputsStale re-renders remembered outputs under a rerun-required note. Cells already
// marked reset keep the output they were rolled back to.
func (n *Notebook) markOutputsStale() {
	n.outMu.Lock()
	stale := make(map[schema.CellID]string, len(n.outputs))
	for cell, html := range n.outputs {
		if n.status.Get(cell).State == schema.CellReset {
			continue
		}
		stale[cell] = n.render.Stale(html)
	}
	n.outMu.Unlock()
	for cell, html := range stale {
		n.publishOutput(cell, html, false)
	}
}

// refreshFilesAsync refreshes the file list in the background. The refresh outlives
// origin but keeps its log fields and ends when the notebook closes.
func (n *Notebook) refreshFilesAsync(origin context.Context) {
	if n.sessions == nil {
		return
	}
	ctx := logx.Detach(n.base, origin)
	go func() {
		if _, err := n.refreshFiles(ctx); err != nil && !errors.Is(err, schema.ErrSessionUnavailable) {
			logx.WithNotebook(ctx, n.cfg.NotebookID).Debug("session files refresh failed", "err", err)
		}
	}()
}

func (n *Notebook) refreshFiles(ctx context.Context) ([]schema.FileEntry, error) {
	if n.sessions == nil {
		return nil, schema.ErrSessionUnavailable
	}
	id := n.session.Snapshot().ID
	if id == "" {
		return nil, schema.ErrSessionUnavailable
	}
	n.filesMu.Lock()
	n.filesSeq++
	seq := n.filesSeq
	n.filesMu.Unlock()
	files, err := n.sessions.ListFiles(ctx, id)
	if err != nil {
		if errors.Is(err, schema.ErrSessionNotFound) {
			if !n.session.HandleLossFor(id, n.msg.T(i18n.SessionNotFound)) {
				return nil, schema.ErrSessionUnavailable
			}
			return nil, errors.Join(schema.ErrSessionLost, err)
		}
		return nil, err
	}
	n.filesMu.Lock()
	latest := seq == n.filesSeq
	n.filesMu.Unlock()
	if latest {
		n.presenter.OnSessionEvent(schema.SessionEvent{
			NotebookID: n.cfg.NotebookID,
			Type:       schema.SessionEventFiles,
			Session:    n.session.Snapshot(),
			Files:      files,
		})
	}
	return files, nil
}
