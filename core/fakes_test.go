package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/notebookx/internal/persist"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

type fakeDocument struct {
	mu      sync.Mutex
	code    map[schema.CellID]string
	outputs map[schema.CellID]string
	order   []schema.CellID
}

func newFakeDocument(cells ...schema.CellID) *fakeDocument {
	doc := &fakeDocument{code: make(map[schema.CellID]string), outputs: make(map[schema.CellID]string)}
	for _, cell := range cells {
		doc.order = append(doc.order, cell)
		doc.code[cell] = "print(" + string(cell) + ")"
	}
	return doc
}

func (d *fakeDocument) Cells(context.Context) ([]schema.CellID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]schema.CellID(nil), d.order...), nil
}

func (d *fakeDocument) CellCode(_ context.Context, cell schema.CellID) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, ok := d.code[cell]
	if !ok {
		return "", schema.ErrCellNotFound
	}
	return code, nil
}

func (d *fakeDocument) CellOutput(_ context.Context, cell schema.CellID) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[cell], nil
}

type savedOutput struct {
	cell schema.CellID
	code string
	html string
}

type fakeSaver struct {
	mu    sync.Mutex
	saves []savedOutput
}

func (s *fakeSaver) SaveOutput(_ context.Context, _ schema.NotebookID, cell schema.CellID, code, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, savedOutput{cell: cell, code: code, html: html})
	return nil
}

func (s *fakeSaver) last(cell schema.CellID) (savedOutput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.saves) - 1; i >= 0; i-- {
		if s.saves[i].cell == cell {
			return s.saves[i], true
		}
	}
	return savedOutput{}, false
}

type fakeSessions struct {
	mu         sync.Mutex
	creates    int
	resets     int
	stops      int
	next       int
	createGate chan struct{}
	createErr  error
	resetErr   error
	stopErr    error
	filesErr   error
	// files overrides ListFiles when set and runs without the lock held.
	files func(context.Context, schema.SessionID) ([]schema.FileEntry, error)
}

func (f *fakeSessions) Create(ctx context.Context, _ schema.NotebookID) (schema.SessionID, error) {
	if f.createGate != nil {
		select {
		case <-f.createGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	return schema.SessionID("sess-" + string(rune('0'+f.next))), nil
}

func (f *fakeSessions) Reset(_ context.Context, _ schema.SessionID) (schema.SessionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	if f.resetErr != nil {
		return "", f.resetErr
	}
	f.next++
	return schema.SessionID("sess-" + string(rune('0'+f.next))), nil
}

func (f *fakeSessions) Stop(context.Context, schema.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeSessions) ListFiles(ctx context.Context, id schema.SessionID) ([]schema.FileEntry, error) {
	f.mu.Lock()
	files := f.files
	f.mu.Unlock()
	if files != nil {
		return files(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return []schema.FileEntry{{Name: "data.csv"}}, nil
}

func (f *fakeSessions) counts() (creates, resets, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.resets, f.stops
}

// runCall is one recorded call into a fake runner.
type runCall struct {
	req RunRequest
}

// fakeRunner answers single-shot runs with a handler; nil handler returns "ok".
type fakeRunner struct {
	mu      sync.Mutex
	calls   []runCall
	active  int
	maxSeen int
	handler func(ctx context.Context, req RunRequest) (schema.RunResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, req RunRequest) (schema.RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{req: req})
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	handler := r.handler
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()
	if handler == nil {
		return schema.RunResult{Kind: schema.ResultInline, Stdout: "ok\n"}, nil
	}
	return handler(ctx, req)
}

func (r *fakeRunner) cells() []schema.CellID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.CellID, 0, len(r.calls))
	for _, call := range r.calls {
		out = append(out, call.req.Cell)
	}
	return out
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSeen
}

// recordingPresenter records every event and answers input from a channel.
type recordingPresenter struct {
	mu       sync.Mutex
	statuses []schema.CellStatusEvent
	outputs  []schema.CellOutputEvent
	sessions []schema.SessionEvent
	notices  []schema.NoticeEvent
	inputs   []schema.InputRequest
	answers  chan string
}

func newRecordingPresenter() *recordingPresenter {
	return &recordingPresenter{answers: make(chan string, 8)}
}

func (p *recordingPresenter) OnCellStatus(ev schema.CellStatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, ev)
}

func (p *recordingPresenter) OnCellOutput(ev schema.CellOutputEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs = append(p.outputs, ev)
}

func (p *recordingPresenter) OnSessionEvent(ev schema.SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, ev)
}

func (p *recordingPresenter) OnNotice(ev schema.NoticeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, ev)
}

func (p *recordingPresenter) RequestInput(ctx context.Context, req schema.InputRequest) (string, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, req)
	p.mu.Unlock()
	select {
	case line, ok := <-p.answers:
		if !ok {
			return "", schema.ErrInputClosed
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// statesFor returns the state sequence seen for cell, skipping the initial idle event
// emitted when the notebook opens.
func (p *recordingPresenter) statesFor(cell schema.CellID) []schema.CellStatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schema.CellStatusEvent
	for _, ev := range p.statuses {
		if ev.CellID == cell {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPresenter) lastOutput(cell schema.CellID) (schema.CellOutputEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.outputs) - 1; i >= 0; i-- {
		if p.outputs[i].CellID == cell {
			return p.outputs[i], true
		}
	}
	return schema.CellOutputEvent{}, false
}

func (p *recordingPresenter) lastNotice() (schema.NoticeEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.notices) == 0 {
		return schema.NoticeEvent{}, false
	}
	return p.notices[len(p.notices)-1], true
}

func (p *recordingPresenter) noticeKinds() []schema.NoticeKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.NoticeKind, 0, len(p.notices))
	for _, ev := range p.notices {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	nb        *Notebook
	doc       *fakeDocument
	sessions  *fakeSessions
	runner    *fakeRunner
	saver     *fakeSaver
	presenter *recordingPresenter
	kv        *persist.Memory
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg       schema.NotebookConfig
	deps      Deps
	noSession bool
	executor  Executor
	kv        *persist.Memory
}

func withoutSessions() harnessOption {
	return func(c *harnessConfig) { c.noSession = true }
}

func withExecutor(exec Executor) harnessOption {
	return func(c *harnessConfig) { c.executor = exec }
}

func withKV(kv *persist.Memory) harnessOption {
	return func(c *harnessConfig) { c.kv = kv }
}

func withLogger(log pslog.Logger) harnessOption {
	return func(c *harnessConfig) { c.deps.Logger = log }
}

func withDevices(devices DeviceAPI) harnessOption {
	return func(c *harnessConfig) { c.deps.Devices = devices }
}

func withClock(now func() time.Time) harnessOption {
	return func(c *harnessConfig) { c.deps.Clock = now }
}

func newHarness(t *testing.T, cells []schema.CellID, opts ...harnessOption) *harness {
	t.Helper()
	hc := &harnessConfig{
		cfg: schema.NotebookConfig{
			NotebookID:       "nb",
			PollInterval:     time.Millisecond,
			ResetDrain:       2 * time.Second,
			DisableIdleWatch: true,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	h := &harness{
		doc:       newFakeDocument(cells...),
		sessions:  &fakeSessions{},
		runner:    &fakeRunner{},
		saver:     &fakeSaver{},
		presenter: newRecordingPresenter(),
		kv:        hc.kv,
	}
	if h.kv == nil {
		h.kv = persist.NewMemory()
	}
	deps := hc.deps
	deps.Document = h.doc
	deps.Saver = h.saver
	deps.Presenter = h.presenter
	deps.KV = h.kv
	if !hc.noSession {
		deps.Sessions = h.sessions
	}
	deps.Executor = hc.executor
	if deps.Executor == nil {
		deps.Executor = NewExecutor(ExecutorOptions{Protocol: schema.ProtocolSingle, Runner: h.runner})
	}
	nb, err := NewNotebook(context.Background(), hc.cfg, deps)
	if err != nil {
		t.Fatalf("new notebook: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = nb.Close(ctx)
	})
	h.nb = nb
	return h
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.nb.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

func (h *harness) waitSaves(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.nb.saves.wait(ctx); err != nil {
		t.Fatalf("wait saves: %v", err)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blockingHandler makes every run wait until released or cancelled.
type blockingHandler struct {
	started chan schema.CellID
	release chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan schema.CellID, 16), release: make(chan struct{}, 16)}
}

func (b *blockingHandler) handle(ctx context.Context, req RunRequest) (schema.RunResult, error) {
	b.started <- req.Cell
	select {
	case <-b.release:
		return schema.RunResult{Kind: schema.ResultInline, Stdout: string(req.Cell) + "\n"}, nil
	case <-ctx.Done():
		return schema.RunResult{}, ctx.Err()
	}
}

func (b *blockingHandler) awaitStart(t *testing.T) schema.CellID {
	t.Helper()
	select {
	case cell := <-b.started:
		return cell
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for run start")
		return ""
	}
}
