// Package mockserver is an in-memory execution server for notebook cells. It speaks the
// single-shot and the streaming protocol and runs code with a toy line interpreter.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"pkt.systems/notebookx/internal/logx"
)

// Config configures the mock server.
type Config struct {
	// StepDelay is the pause between statements of a streaming run.
	StepDelay time.Duration
}

// SavedOutput is the last code and output saved for a cell.
type SavedOutput struct {
	Code   string
	Output string
	Saved  time.Time
}

// Server holds sessions, streaming runs and saved outputs in memory.
type Server struct {
	cfg      Config
	sessions *xsync.MapOf[string, *session]
	runs     *xsync.MapOf[string, *run]
	outputs  *xsync.MapOf[string, SavedOutput]
	devices  *xsync.MapOf[string, string]
	requests *xsync.Counter
}

type session struct {
	id       string
	notebook string
	// device is the notebook device at session creation.
	device string
	files  *xsync.MapOf[string, int64]
}

// New constructs an empty server.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		sessions: xsync.NewMapOf[string, *session](),
		runs:     xsync.NewMapOf[string, *run](),
		outputs:  xsync.NewMapOf[string, SavedOutput](),
		devices:  xsync.NewMapOf[string, string](),
		requests: xsync.NewCounter(),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/notebooks/{notebook}/session", s.handleCreate)
	mux.HandleFunc("POST /api/sessions/{session}/reset", s.handleReset)
	mux.HandleFunc("POST /api/sessions/{session}/stop", s.handleStop)
	mux.HandleFunc("GET /api/sessions/{session}/files", s.handleFiles)
	mux.HandleFunc("POST /api/sessions/{session}/run", s.handleRun)
	mux.HandleFunc("POST /api/sessions/{session}/runs", s.handleStart)
	mux.HandleFunc("GET /api/sessions/{session}/runs/{run}", s.handleStatus)
	mux.HandleFunc("POST /api/sessions/{session}/runs/{run}/stdin", s.handleStdin)
	mux.HandleFunc("POST /api/notebooks/{notebook}/cells/{cell}/output", s.handleSaveOutput)
	mux.HandleFunc("PATCH /api/notebooks/{notebook}/device", s.handleDevice)
	mux.HandleFunc("POST /api/notebooks/{notebook}/device", s.handleDevice)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Inc()
		mux.ServeHTTP(w, r)
	})
}

// Close aborts every streaming run.
func (s *Server) Close() {
	s.runs.Range(func(_ string, r *run) bool {
		r.abort()
		return true
	})
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Size()
}

// Requests returns the number of requests served.
func (s *Server) Requests() int64 {
	return s.requests.Value()
}

// Saved returns the output saved for a cell.
func (s *Server) Saved(notebook, cell string) (SavedOutput, bool) {
	return s.outputs.Load(outputKey(notebook, cell))
}

// Device returns the compute device recorded for a notebook.
func (s *Server) Device(notebook string) string {
	if device, ok := s.devices.Load(notebook); ok {
		return device
	}
	return "cpu"
}

// SessionDevice returns the device a live session was created with.
func (s *Server) SessionDevice(id string) (string, bool) {
	sess, ok := s.sessions.Load(id)
	if !ok {
		return "", false
	}
	return sess.device, true
}

func outputKey(notebook, cell string) string {
	return notebook + "\x00" + cell
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	notebook := r.PathValue("notebook")
	var payload struct {
		NotebookID string `json:"notebook_id"`
	}
	if err := decodeBody(r.Body, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if notebook == "" {
		notebook = payload.NotebookID
	}
	sess := s.newSession(notebook)
	logx.Ctx(r.Context()).Info("mock session created", "notebook", notebook, "session", sess.id)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.id})
}

func (s *Server) newSession(notebook string) *session {
	sess := &session{
		id:       uuid.NewString(),
		notebook: notebook,
		device:   s.Device(notebook),
		files:    xsync.NewMapOf[string, int64](),
	}
	s.sessions.Store(sess.id, sess)
	return sess
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	id := r.PathValue("session")
	sess, ok := s.sessions.Load(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// sessionNotCreatedDetail is the answer of the run endpoints for an unknown session.
const sessionNotCreatedDetail = "Сессия не создана. Сначала создайте новую сессию."

// lookupRunSession resolves the session of a run request. Unknown sessions get a 400.
func (s *Server) lookupRunSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	sess, ok := s.sessions.Load(r.PathValue("session"))
	if !ok {
		writeDetail(w, http.StatusBadRequest, sessionNotCreatedDetail)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	old, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.dropSession(old)
	sess := s.newSession(old.notebook)
	logx.Ctx(r.Context()).Info("mock session reset", "session", old.id, "new_session", sess.id)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.dropSession(sess)
	logx.Ctx(r.Context()).Info("mock session stopped", "session", sess.id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

// dropSession removes the session and aborts its runs.
func (s *Server) dropSession(sess *session) {
	s.sessions.Delete(sess.id)
	s.runs.Range(func(id string, r *run) bool {
		if r.session == sess.id {
			r.abort()
			s.runs.Delete(id)
		}
		return true
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	type file struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	files := make([]file, 0, sess.files.Size())
	sess.files.Range(func(name string, size int64) bool {
		files = append(files, file{Name: name, Size: size})
		return true
	})
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

type runPayload struct {
	SessionID  string `json:"session_id"`
	NotebookID string `json:"notebook_id"`
	CellID     string `json:"cell_id"`
	Code       string `json:"code"`
	Stdin      string `json:"stdin"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupRunSession(w, r)
	if !ok {
		return
	}
	var payload runPayload
	if err := decodeBody(r.Body, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	started := time.Now()
	out := newBufferedConsole(payload.Stdin)
	err := s.runProgram(r.Context(), payload.Code, out)
	sess.recordArtifacts(out.artifacts)

	var need *needInput
	if errors.As(err, &need) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "input_required",
			"prompt": need.prompt,
			"stdout": out.stdout.String(),
			"stderr": out.stderr.String(),
		})
		return
	}
	if err != nil && r.Context().Err() != nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stdout":      out.stdout.String(),
		"stderr":      out.stderr.String(),
		"error":       errorValue(err),
		"artifacts":   nonNil(out.artifacts),
		"duration_ms": float64(time.Since(started).Microseconds()) / 1000,
	})
	logx.Ctx(r.Context()).Debug("mock run finished", "session", sess.id, "cell", payload.CellID, "err", err)
}

func (s *Server) runProgram(ctx context.Context, code string, out console) error {
	program, err := parseProgram(code)
	if err != nil {
		return err
	}
	return execute(ctx, program, out, 0)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupRunSession(w, r)
	if !ok {
		return
	}
	var payload runPayload
	if err := decodeBody(r.Body, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	program, parseErr := parseProgram(payload.Code)
	rn := newRun(sess.id, payload.CellID)
	s.runs.Store(rn.id, rn)
	log := logx.Ctx(r.Context()).With("session", sess.id, "run", rn.id)
	go func() {
		var err error
		if parseErr != nil {
			err = parseErr
		} else {
			err = execute(rn.ctx, program, rn, s.cfg.StepDelay)
		}
		rn.finish(err)
		sess.recordArtifacts(rn.artifactNames())
		log.Debug("mock streaming run settled", "err", err)
	}()
	log.Info("mock streaming run started", "cell", payload.CellID)
	writeJSON(w, http.StatusOK, map[string]any{"run_id": rn.id, "status": "running"})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request, sess *session) (*run, bool) {
	rn, ok := s.runs.Load(r.PathValue("run"))
	if !ok || rn.session != sess.id {
		writeDetail(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return rn, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	rn, ok := s.lookupRun(w, r, sess)
	if !ok {
		return
	}
	query := r.URL.Query()
	stdoutOffset, _ := strconv.ParseInt(query.Get("stdout_offset"), 10, 64)
	stderrOffset, _ := strconv.ParseInt(query.Get("stderr_offset"), 10, 64)
	status := rn.status(stdoutOffset, stderrOffset)
	if status.terminal {
		s.runs.Delete(rn.id)
	}
	writeJSON(w, http.StatusOK, status.payload)
}

func (s *Server) handleStdin(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	rn, ok := s.lookupRun(w, r, sess)
	if !ok {
		return
	}
	var payload struct {
		SessionID string `json:"session_id"`
		CellID    string `json:"cell_id"`
		RunID     string `json:"run_id"`
		Stdin     string `json:"stdin"`
		StdinEOF  bool   `json:"stdin_eof"`
	}
	if err := decodeBody(r.Body, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if !rn.deliver(stdinMessage{line: payload.Stdin, eof: payload.StdinEOF}) {
		writeDetail(w, http.StatusConflict, "run is not waiting for input")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "running"})
}

func (s *Server) handleSaveOutput(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		NotebookID string `json:"notebook_id"`
		CellID     string `json:"cell_id"`
		Code       string `json:"code"`
		Output     string `json:"output"`
	}
	if err := decodeBody(r.Body, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	notebook := firstNonEmpty(r.PathValue("notebook"), payload.NotebookID)
	cell := firstNonEmpty(r.PathValue("cell"), payload.CellID)
	s.outputs.Store(outputKey(notebook, cell), SavedOutput{Code: payload.Code, Output: payload.Output, Saved: time.Now()})
	w.WriteHeader(http.StatusNoContent)
}

func (sess *session) recordArtifacts(names []string) {
	for _, name := range names {
		sess.files.Store(name, 0)
	}
}

// run is one streaming execution. It implements console for the interpreter.
type run struct {
	id      string
	session string
	cell    string
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	input   chan stdinMessage

	mu        sync.Mutex
	stdout    strings.Builder
	stderr    strings.Builder
	artifacts []string
	prompt    *string
	done      bool
	aborted   bool
	err       error
	duration  time.Duration
}

type stdinMessage struct {
	line string
	eof  bool
}

func newRun(sessionID, cell string) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		id:      uuid.NewString(),
		session: sessionID,
		cell:    cell,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		input:   make(chan stdinMessage, 1),
	}
}

func (r *run) Stdout(text string) {
	r.mu.Lock()
	r.stdout.WriteString(text)
	r.mu.Unlock()
}

func (r *run) Stderr(text string) {
	r.mu.Lock()
	r.stderr.WriteString(text)
	r.mu.Unlock()
}

func (r *run) Artifact(name string) {
	r.mu.Lock()
	r.artifacts = append(r.artifacts, name)
	r.mu.Unlock()
}

func (r *run) artifactNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.artifacts...)
}

func (r *run) ReadLine(ctx context.Context, prompt string) (string, error) {
	r.mu.Lock()
	r.prompt = &prompt
	r.mu.Unlock()
	select {
	case msg := <-r.input:
		r.mu.Lock()
		if !msg.eof {
			r.stdout.WriteString(prompt + strings.TrimRight(msg.line, "\n") + "\n")
		}
		r.mu.Unlock()
		if msg.eof {
			return "", io.EOF
		}
		return msg.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// deliver hands a line to a run that is waiting for input. The prompt clears at once so
// a poll racing the interpreter does not ask again.
func (r *run) deliver(msg stdinMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prompt == nil || r.done {
		return false
	}
	select {
	case r.input <- msg:
		r.prompt = nil
		return true
	default:
		return false
	}
}

func (r *run) abort() {
	r.mu.Lock()
	if !r.done {
		r.aborted = true
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) finish(err error) {
	r.mu.Lock()
	r.done = true
	r.prompt = nil
	r.err = err
	r.duration = time.Since(r.started)
	r.mu.Unlock()
	r.cancel()
}

type runStatus struct {
	payload  map[string]any
	terminal bool
}

// status returns output past the offsets and the run state.
func (r *run) status(stdoutOffset, stderrOffset int64) runStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	stdout := r.stdout.String()
	stderr := r.stderr.String()
	payload := map[string]any{
		"run_id":        r.id,
		"stdout":        tail(stdout, stdoutOffset),
		"stderr":        tail(stderr, stderrOffset),
		"stdout_offset": len(stdout),
		"stderr_offset": len(stderr),
	}
	switch {
	case r.aborted:
		payload["status"] = "aborted"
		payload["error"] = "run aborted"
		return runStatus{payload: payload, terminal: true}
	case r.done:
		payload["status"] = "finished"
		payload["result"] = map[string]any{
			"stdout":      stdout,
			"stderr":      stderr,
			"error":       errorValue(r.err),
			"artifacts":   nonNil(r.artifacts),
			"duration_ms": float64(r.duration.Microseconds()) / 1000,
		}
		return runStatus{payload: payload, terminal: true}
	case r.prompt != nil:
		payload["status"] = "input_required"
		payload["prompt"] = *r.prompt
	default:
		payload["status"] = "running"
	}
	return runStatus{payload: payload}
}

func tail(text string, offset int64) string {
	if offset <= 0 {
		return text
	}
	if offset >= int64(len(text)) {
		return ""
	}
	return text[offset:]
}

func errorValue(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	notebook := r.PathValue("notebook")
	var payload struct {
		ComputeDevice string `json:"compute_device"`
	}
	_ = decodeBody(r.Body, &payload)
	device := strings.ToLower(strings.TrimSpace(payload.ComputeDevice))
	if device != "cpu" && device != "gpu" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "Недопустимое устройство вычислений"})
		return
	}
	s.devices.Store(notebook, device)
	logx.Ctx(r.Context()).Info("mock compute device updated", "notebook", notebook, "device", device)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "notebook_id": notebook, "compute_device": device})
}

func decodeBody(body io.Reader, target any) error {
	data, err := io.ReadAll(io.LimitReader(body, 4<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
