package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/notebookx/internal/cellstatus"
	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/internal/persist"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// SessionReason distinguishes user-driven session calls from the inactivity path.
type SessionReason string

const (
	// ReasonUser is an explicit user request.
	ReasonUser SessionReason = "user"
	// ReasonBan is the silent inactivity stop.
	ReasonBan SessionReason = "ban"
)

// sessionHooks are notebook callbacks run after session transitions, outside session locks.
type sessionHooks struct {
	event        func(schema.SessionEvent)
	notice       func(kind schema.NoticeKind, message string)
	ready        func()
	afterReset   func()
	markActivity func()
}

// sessionHandle owns the remote session id of one notebook.
type sessionHandle struct {
	notebook schema.NotebookID
	api      SessionAPI
	kv       persist.KV
	queue    *runQueue
	status   *cellstatus.Store
	msg      *i18n.Messages
	log      pslog.Logger
	drain    time.Duration
	hooks    sessionHooks
	group    singleflight.Group

	mu      sync.Mutex
	id      schema.SessionID
	state   schema.SessionState
	message string
}

// load adopts a durably stored session id.
func (h *sessionHandle) load() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id != "" {
		return true
	}
	if stored := h.storedLocked(); stored != "" {
		h.id = stored
		h.state = schema.SessionReady
		h.message = ""
		return true
	}
	return false
}

// current returns the held session id, adopting a stored one if needed. It never creates.
func (h *sessionHandle) current() schema.SessionID {
	h.mu.Lock()
	if h.id != "" {
		id := h.id
		h.mu.Unlock()
		return id
	}
	stored := h.storedLocked()
	if stored == "" {
		h.mu.Unlock()
		return ""
	}
	h.id = stored
	h.state = schema.SessionReady
	h.message = ""
	h.mu.Unlock()
	h.emit()
	h.runHook(h.hooks.ready)
	return stored
}

// Ensure returns the current session id or creates one. Concurrent callers share a single
// in-flight creation.
func (h *sessionHandle) Ensure(ctx context.Context) (schema.SessionID, error) {
	if id := h.current(); id != "" {
		return id, nil
	}
	return h.Create(ctx)
}

// Create calls the session-create collaborator unless a session is already held.
func (h *sessionHandle) Create(ctx context.Context) (schema.SessionID, error) {
	if h.api == nil {
		h.setState(schema.SessionIdle, h.msg.T(i18n.SessionNotCreated))
		return "", schema.ErrSessionUnavailable
	}
	ch := h.group.DoChan("create", func() (any, error) {
		return h.create(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(schema.SessionID), nil
	case <-ctx.Done():
		return "", cancelCause(ctx)
	}
}

func (h *sessionHandle) create(ctx context.Context) (schema.SessionID, error) {
	h.mu.Lock()
	if h.id != "" {
		id := h.id
		h.mu.Unlock()
		return id, nil
	}
	h.mu.Unlock()
	log := logx.WithNotebook(ctx, h.notebook)
	h.setState(schema.SessionCreating, "")
	log.Info("session create start")
	id, err := h.api.Create(ctx, h.notebook)
	if err == nil && strings.TrimSpace(string(id)) == "" {
		err = errors.New("session create returned no session id")
	}
	if err != nil {
		if errors.Is(err, schema.ErrSessionUnavailable) {
			h.setState(schema.SessionIdle, h.msg.T(i18n.SessionNotCreated))
			log.Warn("session create unavailable")
			return "", err
		}
		message := userMessage(err, h.msg.T(i18n.SessionCreateFail))
		h.setState(schema.SessionError, message)
		log.Warn("session create failed", "err", err)
		return "", err
	}
	h.mu.Lock()
	h.id = id
	h.state = schema.SessionReady
	h.message = ""
	h.storeLocked(id)
	h.mu.Unlock()
	logx.WithSession(log, id).Info("session create ok")
	h.emit()
	h.runHook(h.hooks.ready)
	return id, nil
}

// Reset cancels every run, waits briefly for the active run to settle and asks the server
// for a fresh session.
func (h *sessionHandle) Reset(ctx context.Context, reason SessionReason) error {
	silent := reason == ReasonBan
	id := h.current()
	if id == "" {
		if !silent {
			h.notice(schema.NoticeError, h.msg.T(i18n.CreateFirst))
		}
		return schema.ErrSessionUnavailable
	}
	if reason != ReasonBan {
		h.runHook(h.hooks.markActivity)
	}
	log := logx.WithSession(logx.WithNotebook(ctx, h.notebook), id)
	h.queue.cancelAll(schema.CancelReset)
	h.waitDrain(ctx)
	h.setState(schema.SessionRestarting, "")
	log.Info("session reset start", "reason", reason)
	next, err := h.api.Reset(ctx, id)
	if err != nil {
		if errors.Is(err, schema.ErrSessionNotFound) {
			log.Warn("session reset found no session")
			h.HandleLossFor(id, h.msg.T(i18n.SessionNotFound))
			return errors.Join(schema.ErrSessionLost, err)
		}
		log.Warn("session reset failed", "err", err)
		h.restoreState()
		if !silent {
			h.notice(schema.NoticeError, h.msg.T(i18n.SessionResetFail)+": "+userMessage(err, err.Error()))
		}
		return err
	}
	h.mu.Lock()
	if strings.TrimSpace(string(next)) == "" {
		next = id
	}
	h.removeStoredLocked()
	h.id = next
	h.storeLocked(next)
	h.state = schema.SessionReady
	h.message = ""
	h.mu.Unlock()
	logx.WithSession(log, next).Info("session reset ok")
	h.runHook(h.hooks.afterReset)
	h.status.ResetAll(schema.CellReset)
	h.emit()
	h.runHook(h.hooks.ready)
	if !silent {
		h.notice(schema.NoticeInfo, h.msg.T(i18n.SessionResetDone))
	}
	return nil
}

// Stop ends the session. Success and not-found both take the session-loss path.
func (h *sessionHandle) Stop(ctx context.Context, reason SessionReason) error {
	silent := reason == ReasonBan
	id := h.current()
	if id == "" {
		if !silent {
			h.notice(schema.NoticeError, h.msg.T(i18n.SessionNotCreated))
		}
		return schema.ErrSessionUnavailable
	}
	log := logx.WithSession(logx.WithNotebook(ctx, h.notebook), id)
	h.setState(schema.SessionStopping, "")
	log.Info("session stop start", "reason", reason)
	if err := h.api.Stop(ctx, id); err != nil {
		if errors.Is(err, schema.ErrSessionNotFound) {
			log.Warn("session stop found no session")
			h.HandleLossFor(id, h.msg.T(i18n.SessionNotFound))
			return nil
		}
		log.Warn("session stop failed", "err", err)
		h.restoreState()
		if !silent {
			h.notice(schema.NoticeError, h.msg.T(i18n.SessionStopFail)+": "+userMessage(err, err.Error()))
		}
		return err
	}
	log.Info("session stop ok")
	h.HandleLossFor(id, h.msg.T(i18n.SessionStopped))
	return nil
}

// HandleLossFor is the single session invalidation routine: it cancels all runs, forgets the
// session id and marks every cell that showed a status as reset. It does nothing when id is
// no longer the current session, so a late failure against a replaced session cannot drop
// its successor. It reports whether the session was invalidated.
func (h *sessionHandle) HandleLossFor(id schema.SessionID, message string) bool {
	h.mu.Lock()
	if id == "" || h.id != id {
		current := h.id
		h.mu.Unlock()
		h.log.Debug("session loss ignored", "notebook", h.notebook, "session", id, "current", current)
		return false
	}
	h.mu.Unlock()
	affected := h.status.Snapshot()
	h.queue.cancelAll(schema.CancelReset)
	h.mu.Lock()
	if h.id != id {
		h.mu.Unlock()
		return false
	}
	h.id = ""
	h.removeStoredLocked()
	h.state = schema.SessionIdle
	h.message = message
	h.mu.Unlock()
	h.log.Info("session lost", "notebook", h.notebook, "session", id, "cells", len(affected))
	for cell := range affected {
		h.status.Set(cell, schema.CellReset, nil)
	}
	h.emit()
	if h.hooks.event != nil {
		h.hooks.event(schema.SessionEvent{NotebookID: h.notebook, Type: schema.SessionEventFiles, Session: h.Snapshot()})
	}
	return true
}

// Snapshot returns a read-only view of the handle.
func (h *sessionHandle) Snapshot() schema.SessionSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *sessionHandle) snapshotLocked() schema.SessionSnapshot {
	state := h.state
	if state == "" {
		state = schema.SessionIdle
	}
	return schema.SessionSnapshot{ID: h.id, State: state, Message: h.message}
}

func (h *sessionHandle) setState(state schema.SessionState, message string) {
	h.mu.Lock()
	h.state = state
	h.message = message
	h.mu.Unlock()
	h.emit()
}

// restoreState returns to ready or idle after a failed reset or stop.
func (h *sessionHandle) restoreState() {
	h.mu.Lock()
	if h.id != "" {
		h.state = schema.SessionReady
	} else {
		h.state = schema.SessionIdle
	}
	h.message = ""
	h.mu.Unlock()
	h.emit()
}

func (h *sessionHandle) waitDrain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, h.drain)
	defer cancel()
	if err := h.queue.waitIdle(drainCtx); err != nil {
		h.log.Warn("session reset drain timed out", "notebook", h.notebook, "err", err)
	}
}

func (h *sessionHandle) emit() {
	if h.hooks.event == nil {
		return
	}
	snapshot := h.Snapshot()
	h.hooks.event(schema.SessionEvent{NotebookID: h.notebook, Type: schema.SessionEventState, Session: snapshot})
}

func (h *sessionHandle) notice(kind schema.NoticeKind, message string) {
	if h.hooks.notice != nil {
		h.hooks.notice(kind, message)
	}
}

func (h *sessionHandle) runHook(fn func()) {
	if fn != nil {
		fn()
	}
}

func (h *sessionHandle) storedLocked() schema.SessionID {
	if h.kv == nil {
		return ""
	}
	value, ok, err := h.kv.Get(persist.SessionKey(h.notebook))
	if err != nil {
		h.log.Warn("session id load failed", "notebook", h.notebook, "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	return schema.SessionID(strings.TrimSpace(value))
}

func (h *sessionHandle) storeLocked(id schema.SessionID) {
	if h.kv == nil || id == "" {
		return
	}
	if err := h.kv.Set(persist.SessionKey(h.notebook), string(id)); err != nil {
		h.log.Warn("session id save failed", "notebook", h.notebook, "err", err)
	}
}

func (h *sessionHandle) removeStoredLocked() {
	if h.kv == nil {
		return
	}
	if err := h.kv.Remove(persist.SessionKey(h.notebook)); err != nil {
		h.log.Warn("session id remove failed", "notebook", h.notebook, "err", err)
	}
}
