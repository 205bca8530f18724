// Package httpapi is the local presentation bridge: JSON endpoints that drive notebook
// coordinators and an SSE stream of their presentation events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/schema"
)

// NotebookSummary lists a notebook served by the bridge.
type NotebookSummary struct {
	ID    schema.NotebookID `json:"id"`
	Title string            `json:"title,omitempty"`
	Cells int               `json:"cells"`
	Open  bool              `json:"open"`
}

// Library opens the notebooks served by the bridge. Open returns the same coordinator for
// every call with the same id.
type Library interface {
	List(ctx context.Context) ([]NotebookSummary, error)
	Open(ctx context.Context, id schema.NotebookID) (*core.Notebook, core.Document, error)
}

// Server serves the HTTP API and UI.
type Server struct {
	cfg      Config
	library  Library
	hub      *Hub
	base     basePath
	baseHref string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, library Library, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(0)
	}
	return &Server{
		cfg:      cfg,
		library:  library,
		hub:      hub,
		base:     newBasePath(cfg.BasePath),
		baseHref: newBasePath(cfg.BasePath).href(cfg.BaseURL),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.FileServer(http.FS(embedded)))

	mux.HandleFunc("GET /api/notebooks", s.handleList)
	mux.HandleFunc("GET /api/notebooks/{notebook}", s.withNotebook(s.handleSnapshot))
	mux.HandleFunc("GET /api/notebooks/{notebook}/stream", s.withNotebook(s.handleStream))
	mux.HandleFunc("GET /api/notebooks/{notebook}/files", s.withNotebook(s.handleFiles))
	mux.HandleFunc("POST /api/notebooks/{notebook}/cells/{cell}/run", s.withNotebook(s.handleRun))
	mux.HandleFunc("POST /api/notebooks/{notebook}/cells/{cell}/stdin", s.withNotebook(s.handleStdin))
	mux.HandleFunc("POST /api/notebooks/{notebook}/run-all", s.withNotebook(s.handleRunAll))
	mux.HandleFunc("POST /api/notebooks/{notebook}/cancel", s.withNotebook(s.handleCancel))
	mux.HandleFunc("POST /api/notebooks/{notebook}/session", s.withNotebook(s.handleCreateSession))
	mux.HandleFunc("POST /api/notebooks/{notebook}/session/reset", s.withNotebook(s.handleResetSession))
	mux.HandleFunc("POST /api/notebooks/{notebook}/session/stop", s.withNotebook(s.handleStopSession))
	mux.HandleFunc("POST /api/notebooks/{notebook}/presence", s.withNotebook(s.handlePresence))
	mux.HandleFunc("POST /api/notebooks/{notebook}/activity", s.withNotebook(s.handleActivity))
	mux.HandleFunc("PATCH /api/notebooks/{notebook}/device", s.withNotebook(s.handleDevice))

	return s.base.mount(LogRequests(mux))
}

type notebookHandler func(w http.ResponseWriter, r *http.Request, nb *core.Notebook, doc core.Document)

func (s *Server) withNotebook(next notebookHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := schema.NormalizeNotebookID(r.PathValue("notebook"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		nb, doc, err := s.library.Open(r.Context(), id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, schema.ErrInvalidNotebook) {
				status = http.StatusNotFound
			}
			logx.WithNotebook(r.Context(), id).Warn("http notebook open failed", "err", err)
			writeError(w, status, err)
			return
		}
		next(w, r, nb, doc)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := renderIndex(s.baseHref)
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	page.ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.library.List(r.Context())
	if err != nil {
		logx.Ctx(r.Context()).Warn("http notebook list failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []NotebookSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebooks": list})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, nb *core.Notebook, doc core.Document) {
	snapshot, err := s.buildSnapshot(r.Context(), nb, doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) buildSnapshot(ctx context.Context, nb *core.Notebook, doc core.Document) (SnapshotPayload, error) {
	id := nb.ID()
	seq := s.hub.Seq(id)
	cells, err := doc.Cells(ctx)
	if err != nil {
		return SnapshotPayload{}, err
	}
	statuses := nb.Statuses()
	positions := nb.QueuePositions()
	out := make([]CellSnapshot, 0, len(cells))
	for _, cell := range cells {
		code, err := doc.CellCode(ctx, cell)
		if err != nil {
			return SnapshotPayload{}, err
		}
		view := CellSnapshot{ID: cell, Code: code, Status: statuses[cell]}
		if view.Status.State == "" {
			view.Status.State = schema.CellIdle
		}
		if pos, ok := positions[cell]; ok {
			view.Position = &pos
		}
		if rendered, ok := nb.Output(cell); ok {
			view.Output = rendered
		} else if stored, err := doc.CellOutput(ctx, cell); err == nil {
			view.Output = stored
		}
		out = append(out, view)
	}
	snapshot := SnapshotPayload{
		NotebookID: id,
		Cells:      out,
		Session:    nb.Session(),
		Device:     nb.ComputeDevice(),
		Inputs:     s.hub.PendingInputs(id),
		Seq:        seq,
	}
	if titled, ok := doc.(interface{ Title() string }); ok {
		snapshot.Title = titled.Title()
	}
	if active, ok := nb.ActiveCell(); ok {
		snapshot.Active = active
	}
	if deadline, ok := nb.PresenceDeadline(); ok {
		snapshot.PresenceDeadline = &deadline
	}
	return snapshot, nil
}

func cellParam(r *http.Request) (schema.CellID, error) {
	return schema.NormalizeCellID(r.PathValue("cell"))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, nb *core.Notebook, doc core.Document) {
	cell, err := cellParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := doc.CellCode(r.Context(), cell); err != nil {
		writeCoreError(w, err)
		return
	}
	result, err := nb.RequestRun(cell)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	logx.WithNotebookCell(r.Context(), nb.ID(), cell).Debug("http run requested", "result", result)
	writeJSON(w, http.StatusAccepted, map[string]any{"result": result, "status": nb.Status(cell)})
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request, nb *core.Notebook, doc core.Document) {
	cells, err := doc.Cells(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	queued, err := nb.RequestRunAll(cells)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request, nb *core.Notebook, _ core.Document) {
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": nb.CancelActive()})
}

func (s *Server) handleStdin(w http.ResponseWriter, r *http.Request, nb *core.Notebook, _ core.Document) {
	cell, err := cellParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Line string `json:"line"`
		EOF  bool   `json:"eof"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.hub.SubmitInput(nb.ID(), cell, payload.Line, payload.EOF) {
		writeError(w, http.StatusConflict, errors.New("cell is not waiting for input"))
		return
	}
	nb.Touch()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, nb *core.Notebook, _ core.Document) {
	if _, err := nb.CreateSession(r.Context()); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": nb.Session()})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request, nb *core.Notebook, _ core.Document) {
	if err := nb.ResetSession(r.Context()); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": nb.Session()})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request, nb *core.Notebook, _ core.Document) {
	if err := nb.StopSession(r.Context()); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": nb.Session()})
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request, nb *core.Notebook, _ core.Document) {
	nb.AckPresence()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request, nb *core.Notebook, _ core.Document) {
	nb.Touch()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request, nb *core.Notebook, _ core.Document) {
	var payload struct {
		ComputeDevice string `json:"compute_device"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	changed, err := nb.ChangeComputeDevice(r.Context(), payload.ComputeDevice)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compute_device": nb.ComputeDevice(), "changed": changed})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, nb *core.Notebook, _ core.Document) {
	files, err := nb.RefreshFiles(r.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if files == nil {
		files = []schema.FileEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, nb *core.Notebook, doc core.Document) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	id := nb.ID()
	log := logx.WithNotebook(r.Context(), id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe, subscribedAt := s.hub.Subscribe(id)
	defer unsubscribe()

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("last_event_id"))
	}
	replayCount := 0
	sent := uint64(0)
	if replay, ok := s.replayable(id, lastID, subscribedAt); ok {
		for _, event := range replay {
			_ = writeSSEvent(w, event)
			sent = event.Seq
			replayCount++
		}
		sent = max(sent, lastID)
	} else {
		snapshot, err := s.buildSnapshot(r.Context(), nb, doc)
		if err != nil {
			log.Warn("http stream snapshot failed", "err", err)
		}
		_ = writeSSEvent(w, StreamEvent{Type: EventSnapshot, NotebookID: id, Snapshot: &snapshot, Timestamp: time.Now()})
		sent = snapshot.Seq
	}
	flusher.Flush()
	nb.Touch()

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= sent {
				continue
			}
			_ = writeSSEvent(w, event)
			sent = event.Seq
			flusher.Flush()
		}
	}
}

// replayable returns the events after lastID when history still holds all of them.
// Otherwise the client needs a fresh snapshot.
func (s *Server) replayable(id schema.NotebookID, lastID, subscribedAt uint64) ([]StreamEvent, bool) {
	if lastID == 0 || lastID > subscribedAt {
		return nil, false
	}
	events := s.hub.Replay(id, lastID)
	if len(events) > 0 && events[0].Seq != lastID+1 {
		return nil, false
	}
	if len(events) == 0 && lastID < subscribedAt {
		return nil, false
	}
	out := events[:0]
	for _, event := range events {
		if event.Seq <= subscribedAt {
			out = append(out, event)
		}
	}
	return out, true
}

func parseUint(value string) uint64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// writeCoreError maps coordinator errors onto HTTP statuses.
func writeCoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var remote *schema.RemoteError
	switch {
	case errors.Is(err, schema.ErrInvalidCell), errors.Is(err, schema.ErrInvalidNotebook), errors.Is(err, schema.ErrInvalidDevice):
		status = http.StatusBadRequest
	case errors.Is(err, schema.ErrCellNotFound):
		status = http.StatusNotFound
	case errors.Is(err, schema.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, schema.ErrEndpointMissing):
		status = http.StatusNotImplemented
	case errors.Is(err, schema.ErrSessionUnavailable), errors.Is(err, schema.ErrSessionNotFound), errors.Is(err, schema.ErrSessionLost):
		status = http.StatusConflict
	case errors.As(err, &remote):
		status = http.StatusBadGateway
	}
	writeError(w, status, err)
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}
