package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/persist"
	"pkt.systems/notebookx/internal/render"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

func TestRunSettlesWithDuration(t *testing.T) {
	h := newHarness(t, []schema.CellID{"7"})
	h.runner.handler = func(context.Context, RunRequest) (schema.RunResult, error) {
		return schema.RunResult{Kind: schema.ResultInline, Stdout: "hi\n"}, nil
	}
	result, err := h.nb.RequestRun("7")
	if err != nil {
		t.Fatalf("request run: %v", err)
	}
	if result != EnqueueAccepted {
		t.Fatalf("expected accepted, got %q", result)
	}
	h.waitIdle(t)

	events := h.presenter.statesFor("7")
	var states []schema.CellState
	for _, ev := range events {
		states = append(states, ev.State)
	}
	want := []schema.CellState{schema.CellIdle, schema.CellQueued, schema.CellRunning, schema.CellSuccess}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
	queued := events[1]
	if queued.Meta == nil || queued.Meta.QueueAhead == nil || *queued.Meta.QueueAhead != 0 {
		t.Fatalf("expected queue position 0, got %+v", queued.Meta)
	}
	if !queued.Busy || !events[2].Busy || events[3].Busy {
		t.Fatalf("unexpected busy flags: %+v", events)
	}
	record := h.nb.Status("7")
	if record.State != schema.CellSuccess || record.Meta == nil || record.Meta.DurationMs == nil {
		t.Fatalf("expected success with duration, got %+v", record)
	}
	out, ok := h.presenter.lastOutput("7")
	if !ok || !strings.Contains(out.HTML, "hi") || out.Live {
		t.Fatalf("unexpected output: %+v", out)
	}
	creates, _, _ := h.sessions.counts()
	if creates != 1 {
		t.Fatalf("expected one session create, got %d", creates)
	}
}

func TestRunWithoutSessionCollaboratorFails(t *testing.T) {
	h := newHarness(t, []schema.CellID{"8"}, withoutSessions())
	if _, err := h.nb.RequestRun("8"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if got := h.nb.Status("8").State; got != schema.CellError {
		t.Fatalf("expected error status, got %q", got)
	}
	if calls := h.runner.callCount(); calls != 0 {
		t.Fatalf("expected no run calls, got %d", calls)
	}
	kinds := h.presenter.noticeKinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != schema.NoticeError {
		t.Fatalf("expected an error notice, got %v", kinds)
	}
	if snap := h.nb.Session(); snap.State != schema.SessionIdle || snap.ID != "" {
		t.Fatalf("unexpected session snapshot: %+v", snap)
	}
}

func TestRunsAreSerializedInOrder(t *testing.T) {
	block := newBlockingHandler()
	h := newHarness(t, []schema.CellID{"a", "b", "c"})
	h.runner.handler = block.handle
	for _, cell := range []schema.CellID{"a", "b", "c"} {
		if _, err := h.nb.RequestRun(cell); err != nil {
			t.Fatalf("request run %s: %v", cell, err)
		}
	}
	if got := block.awaitStart(t); got != "a" {
		t.Fatalf("expected a first, got %q", got)
	}
	positions := h.nb.QueuePositions()
	if positions["b"] != 0 || positions["c"] != 1 {
		t.Fatalf("unexpected positions: %v", positions)
	}
	record := h.nb.Status("c")
	if record.State != schema.CellQueued || record.Meta == nil || *record.Meta.QueueAhead != 1 {
		t.Fatalf("unexpected status for c: %+v", record)
	}
	if active, ok := h.nb.ActiveCell(); !ok || active != "a" {
		t.Fatalf("expected a active, got %q", active)
	}

	block.release <- struct{}{}
	if got := block.awaitStart(t); got != "b" {
		t.Fatalf("expected b second, got %q", got)
	}
	if record := h.nb.Status("c"); record.State != schema.CellQueued || *record.Meta.QueueAhead != 0 {
		t.Fatalf("expected c at position 0, got %+v", record)
	}
	block.release <- struct{}{}
	if got := block.awaitStart(t); got != "c" {
		t.Fatalf("expected c third, got %q", got)
	}
	block.release <- struct{}{}
	h.waitIdle(t)

	if peak := h.runner.peak(); peak != 1 {
		t.Fatalf("expected at most one active run, saw %d", peak)
	}
	order := h.runner.cells()
	if strings.Join([]string{string(order[0]), string(order[1]), string(order[2])}, ",") != "a,b,c" {
		t.Fatalf("unexpected run order: %v", order)
	}
	for _, cell := range []schema.CellID{"a", "b", "c"} {
		if got := h.nb.Status(cell).State; got != schema.CellSuccess {
			t.Fatalf("expected %s success, got %q", cell, got)
		}
	}
}

func TestRequestRunToggles(t *testing.T) {
	block := newBlockingHandler()
	h := newHarness(t, []schema.CellID{"a", "b"})
	h.runner.handler = block.handle
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	if _, err := h.nb.RequestRun("b"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	block.awaitStart(t)

	result, err := h.nb.RequestRun("b")
	if err != nil || result != EnqueueDequeued {
		t.Fatalf("expected dequeued, got %q %v", result, err)
	}
	if got := h.nb.Status("b").State; got != schema.CellIdle {
		t.Fatalf("expected b idle after dequeue, got %q", got)
	}
	result, err = h.nb.RequestRun("a")
	if err != nil || result != EnqueueCancelledActive {
		t.Fatalf("expected cancelled_active, got %q %v", result, err)
	}
	h.waitIdle(t)
	h.waitSaves(t)

	if got := h.nb.Status("a").State; got != schema.CellCancelled {
		t.Fatalf("expected a cancelled, got %q", got)
	}
	note := render.New(nil).Cancelled(schema.CancelUser)
	if out, _ := h.presenter.lastOutput("a"); out.HTML != note {
		t.Fatalf("expected cancel note, got %q", out.HTML)
	}
	if saved, ok := h.saver.last("a"); !ok || saved.html != note {
		t.Fatalf("expected cancel note saved, got %+v", saved)
	}
	if calls := h.runner.callCount(); calls != 1 {
		t.Fatalf("expected b never to run, got %d calls", calls)
	}

	// Toggling again after settling starts a new run.
	block.release <- struct{}{}
	if result, _ := h.nb.RequestRun("a"); result != EnqueueAccepted {
		t.Fatalf("expected rerun accepted, got %q", result)
	}
	block.awaitStart(t)
	h.waitIdle(t)
	if got := h.nb.Status("a").State; got != schema.CellSuccess {
		t.Fatalf("expected rerun success, got %q", got)
	}
}

func TestRunAllSkipsQueuedCells(t *testing.T) {
	block := newBlockingHandler()
	h := newHarness(t, []schema.CellID{"a", "b", "c"})
	h.runner.handler = block.handle
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	block.awaitStart(t)
	queued, err := h.nb.RequestRunAll([]schema.CellID{"a", "b", "c"})
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected two cells queued, got %d", queued)
	}
	for i := 0; i < 3; i++ {
		block.release <- struct{}{}
	}
	h.waitIdle(t)
	if calls := h.runner.callCount(); calls != 3 {
		t.Fatalf("expected three runs, got %d", calls)
	}
}

func TestRequestRunRejectsInvalidCell(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.nb.RequestRun("bad cell"); !errors.Is(err, schema.ErrInvalidCell) {
		t.Fatalf("expected invalid cell, got %v", err)
	}
}

func TestRunLosesSession(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a", "b"})
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if got := h.nb.Status("a").State; got != schema.CellSuccess {
		t.Fatalf("expected a success, got %q", got)
	}

	h.runner.mu.Lock()
	h.runner.handler = func(context.Context, RunRequest) (schema.RunResult, error) {
		return schema.RunResult{}, &schema.RemoteError{Op: "run", Status: 404}
	}
	h.runner.mu.Unlock()
	if _, err := h.nb.RequestRun("b"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)

	for _, cell := range []schema.CellID{"a", "b"} {
		if got := h.nb.Status(cell).State; got != schema.CellReset {
			t.Fatalf("expected %s reset, got %q", cell, got)
		}
	}
	snap := h.nb.Session()
	if snap.ID != "" || snap.State != schema.SessionIdle {
		t.Fatalf("expected idle session, got %+v", snap)
	}
	if snap.Message != i18n.Default().T(i18n.SessionNotFound) {
		t.Fatalf("unexpected loss message %q", snap.Message)
	}
	if _, ok, _ := h.kv.Get(persist.SessionKey("nb")); ok {
		t.Fatalf("expected stored session id removed")
	}

	h.runner.mu.Lock()
	h.runner.handler = nil
	h.runner.mu.Unlock()
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if creates, _, _ := h.sessions.counts(); creates != 2 {
		t.Fatalf("expected a fresh session after loss, got %d creates", creates)
	}
}

func TestFilesRefreshLosesSession(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	h.sessions.filesErr = &schema.RemoteError{Op: "files", Status: 404}
	if _, err := h.nb.CreateSession(context.Background()); err != nil {
		t.Fatalf("create session: %v", err)
	}
	eventually(t, "session loss", func() bool {
		return h.nb.Session().ID == ""
	})
	if _, ok, _ := h.kv.Get(persist.SessionKey("nb")); ok {
		t.Fatalf("expected stored session id removed")
	}
}

func TestResetNotFoundLosesSession(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	h.sessions.mu.Lock()
	h.sessions.resetErr = &schema.RemoteError{Op: "reset", Status: 404}
	h.sessions.mu.Unlock()

	err := h.nb.ResetSession(context.Background())
	if !errors.Is(err, schema.ErrSessionLost) || !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected session lost, got %v", err)
	}
	if snap := h.nb.Session(); snap.ID != "" || snap.State != schema.SessionIdle {
		t.Fatalf("expected idle session, got %+v", snap)
	}
	if got := h.nb.Status("a").State; got != schema.CellReset {
		t.Fatalf("expected a reset, got %q", got)
	}
}

func TestResetFailureKeepsSession(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	id, err := h.nb.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	h.sessions.mu.Lock()
	h.sessions.resetErr = &schema.RemoteError{Op: "reset", Status: 500, Message: "kernel busy"}
	h.sessions.mu.Unlock()
	if err := h.nb.ResetSession(context.Background()); err == nil {
		t.Fatalf("expected reset error")
	}
	snap := h.nb.Session()
	if snap.ID != id || snap.State != schema.SessionReady {
		t.Fatalf("expected session kept, got %+v", snap)
	}
	h.presenter.mu.Lock()
	last := h.presenter.notices[len(h.presenter.notices)-1]
	h.presenter.mu.Unlock()
	if last.Kind != schema.NoticeError || !strings.Contains(last.Message, "kernel busy") {
		t.Fatalf("unexpected notice %+v", last)
	}
}

func TestResetRestoresOutputOfActiveRun(t *testing.T) {
	block := newBlockingHandler()
	h := newHarness(t, []schema.CellID{"a"})
	h.doc.outputs["a"] = "<p>before</p>"
	h.runner.handler = block.handle
	first, err := h.nb.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	block.awaitStart(t)
	if err := h.nb.ResetSession(context.Background()); err != nil {
		t.Fatalf("reset session: %v", err)
	}
	h.waitIdle(t)
	h.waitSaves(t)

	if out, _ := h.presenter.lastOutput("a"); out.HTML != "<p>before</p>" {
		t.Fatalf("expected previous output restored, got %q", out.HTML)
	}
	if got := h.nb.Status("a").State; got != schema.CellReset {
		t.Fatalf("expected a reset, got %q", got)
	}
	if saved, ok := h.saver.last("a"); !ok || saved.html != render.New(nil).ResetNotice() {
		t.Fatalf("expected reset note saved, got %+v", saved)
	}
	snap := h.nb.Session()
	if snap.ID == "" || snap.ID == first || snap.State != schema.SessionReady {
		t.Fatalf("expected a new ready session, got %+v", snap)
	}
	if stored, _, _ := h.kv.Get(persist.SessionKey("nb")); stored != string(snap.ID) {
		t.Fatalf("expected stored id %q, got %q", snap.ID, stored)
	}
}

func TestResetMarksOutputsStale(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a", "b"})
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	before, _ := h.nb.Output("a")
	if err := h.nb.ResetSession(context.Background()); err != nil {
		t.Fatalf("reset session: %v", err)
	}
	out, _ := h.presenter.lastOutput("a")
	if !strings.Contains(out.HTML, "output-reset-note") || render.Unwrap(out.HTML) != before {
		t.Fatalf("expected stale wrapper around %q, got %q", before, out.HTML)
	}
	for _, cell := range []schema.CellID{"a", "b"} {
		if got := h.nb.Status(cell).State; got != schema.CellReset {
			t.Fatalf("expected %s reset, got %q", cell, got)
		}
	}
	kinds := h.presenter.noticeKinds()
	if kinds[len(kinds)-1] != schema.NoticeInfo {
		t.Fatalf("expected reset done notice, got %v", kinds)
	}
}

func TestResetWithoutSessionNotices(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	if err := h.nb.ResetSession(context.Background()); !errors.Is(err, schema.ErrSessionUnavailable) {
		t.Fatalf("expected session unavailable, got %v", err)
	}
	if err := h.nb.StopSession(context.Background()); !errors.Is(err, schema.ErrSessionUnavailable) {
		t.Fatalf("expected session unavailable, got %v", err)
	}
	if creates, resets, stops := h.sessions.counts(); creates+resets+stops != 0 {
		t.Fatalf("expected no session calls, got %d/%d/%d", creates, resets, stops)
	}
	if kinds := h.presenter.noticeKinds(); len(kinds) != 2 {
		t.Fatalf("expected two notices, got %v", kinds)
	}
}

func TestStopClearsSession(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if err := h.nb.StopSession(context.Background()); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	snap := h.nb.Session()
	if snap.ID != "" || snap.Message != i18n.Default().T(i18n.SessionStopped) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if got := h.nb.Status("a").State; got != schema.CellReset {
		t.Fatalf("expected a reset, got %q", got)
	}
	if _, _, stops := h.sessions.counts(); stops != 1 {
		t.Fatalf("expected one stop call, got %d", stops)
	}
}

func TestStoredStatusesNormalizeOnOpen(t *testing.T) {
	kv := persist.NewMemory()
	raw := `{"a":{"state":"running"},"b":{"state":"success","meta":{"durationMs":12}},"c":"error","d":{"state":"bogus"}}`
	if err := kv.Set(persist.CellStatusKey("nb"), raw); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := newHarness(t, []schema.CellID{"a", "b", "c", "d"}, withKV(kv))
	if got := h.nb.Status("a").State; got != schema.CellIdle {
		t.Fatalf("expected stale running dropped, got %q", got)
	}
	b := h.nb.Status("b")
	if b.State != schema.CellSuccess || b.Meta == nil || *b.Meta.DurationMs != 12 {
		t.Fatalf("unexpected b: %+v", b)
	}
	if got := h.nb.Status("c").State; got != schema.CellError {
		t.Fatalf("expected bare string status, got %q", got)
	}
	if got := h.nb.Status("d").State; got != schema.CellIdle {
		t.Fatalf("expected invalid state dropped, got %q", got)
	}
}

func TestCorruptStatusesOpenEmpty(t *testing.T) {
	kv := persist.NewMemory()
	_ = kv.Set(persist.CellStatusKey("nb"), "{not json")
	h := newHarness(t, []schema.CellID{"a"}, withKV(kv))
	if statuses := h.nb.Statuses(); len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %v", statuses)
	}
}

func TestStoredSessionIsAdopted(t *testing.T) {
	kv := persist.NewMemory()
	_ = kv.Set(persist.SessionKey("nb"), "sess-9")
	h := newHarness(t, []schema.CellID{"a"}, withKV(kv))
	if snap := h.nb.Session(); snap.ID != "sess-9" || snap.State != schema.SessionReady {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if creates, _, _ := h.sessions.counts(); creates != 0 {
		t.Fatalf("expected stored session reused, got %d creates", creates)
	}
	h.runner.mu.Lock()
	session := h.runner.calls[0].req.Session
	h.runner.mu.Unlock()
	if session != "sess-9" {
		t.Fatalf("expected run on sess-9, got %q", session)
	}
}

func TestConcurrentEnsureCreatesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.sessions.createGate = make(chan struct{})
	var wg sync.WaitGroup
	ids := make([]schema.SessionID, 5)
	errs := make([]error, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = h.nb.session.Ensure(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(h.sessions.createGate)
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("ensure %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] || ids[i] == "" {
			t.Fatalf("expected one shared id, got %v", ids)
		}
	}
	if creates, _, _ := h.sessions.counts(); creates != 1 {
		t.Fatalf("expected one create, got %d", creates)
	}
}

func TestCreateFailureSetsError(t *testing.T) {
	h := newHarness(t, nil)
	h.sessions.createErr = &schema.RemoteError{Op: "create", Status: 503, Message: "no capacity"}
	if _, err := h.nb.CreateSession(context.Background()); err == nil {
		t.Fatalf("expected create error")
	}
	snap := h.nb.Session()
	if snap.State != schema.SessionError || snap.Message != "no capacity" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSingleShotStdinIsCumulative(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	h.runner.handler = func(_ context.Context, req RunRequest) (schema.RunResult, error) {
		if strings.Count(req.Stdin, "\n") < 2 {
			return schema.RunResult{Kind: schema.ResultInputRequired, Prompt: "name? ", Stdout: "asking\n"}, nil
		}
		return schema.RunResult{Kind: schema.ResultInline, Stdout: req.Stdin}, nil
	}
	h.presenter.answers <- "ann"
	h.presenter.answers <- "bob"
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)

	h.runner.mu.Lock()
	var stdins []string
	for _, call := range h.runner.calls {
		stdins = append(stdins, call.req.Stdin)
	}
	h.runner.mu.Unlock()
	if len(stdins) != 3 || stdins[0] != "" || stdins[1] != "ann\n" || stdins[2] != "ann\nbob\n" {
		t.Fatalf("unexpected stdin sequence %q", stdins)
	}
	sawWait := false
	for _, ev := range h.presenter.statesFor("a") {
		if ev.State == schema.CellInputWait {
			sawWait = true
		}
	}
	if !sawWait {
		t.Fatalf("expected input-wait status")
	}
	h.presenter.mu.Lock()
	prompts := len(h.presenter.inputs)
	prompt := h.presenter.inputs[0].Prompt
	h.presenter.mu.Unlock()
	if prompts != 2 || prompt != "name? " {
		t.Fatalf("unexpected input requests: %d %q", prompts, prompt)
	}
	out, _ := h.presenter.lastOutput("a")
	if !strings.Contains(out.HTML, "ann\nbob") {
		t.Fatalf("unexpected output %q", out.HTML)
	}
	if got := h.nb.Status("a").State; got != schema.CellSuccess {
		t.Fatalf("expected success, got %q", got)
	}
}

func TestSingleShotInputClosedFailsRun(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	h.runner.handler = func(context.Context, RunRequest) (schema.RunResult, error) {
		return schema.RunResult{Kind: schema.ResultInputRequired, Prompt: "?"}, nil
	}
	close(h.presenter.answers)
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if got := h.nb.Status("a").State; got != schema.CellError {
		t.Fatalf("expected error, got %q", got)
	}
	out, _ := h.presenter.lastOutput("a")
	if !strings.Contains(out.HTML, render.Escape(i18n.Default().T(i18n.InputClosed))) {
		t.Fatalf("unexpected output %q", out.HTML)
	}
}

func TestCodeErrorSettlesAsError(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	h.runner.handler = func(context.Context, RunRequest) (schema.RunResult, error) {
		return schema.RunResult{Kind: schema.ResultInline, Stderr: "trace", Error: "NameError: x"}, nil
	}
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if got := h.nb.Status("a").State; got != schema.CellError {
		t.Fatalf("expected error, got %q", got)
	}
	out, _ := h.presenter.lastOutput("a")
	if !strings.Contains(out.HTML, "output-errors") || !strings.Contains(out.HTML, "STDERR:") {
		t.Fatalf("unexpected output %q", out.HTML)
	}
}

func TestRemoteFailureShowsServerMessage(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	h.runner.handler = func(context.Context, RunRequest) (schema.RunResult, error) {
		return schema.RunResult{}, &schema.RemoteError{Op: "run", Status: 500, Message: "worker <crashed>"}
	}
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	out, _ := h.presenter.lastOutput("a")
	if !strings.Contains(out.HTML, "worker &lt;crashed&gt;") {
		t.Fatalf("expected escaped server message, got %q", out.HTML)
	}
	if snap := h.nb.Session(); snap.ID == "" {
		t.Fatalf("expected session kept on non-404 failure")
	}
}

func TestRunSavesCodeBeforeExecuting(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	h.doc.outputs["a"] = "<p>old</p>"
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if err := h.nb.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.saver.mu.Lock()
	saves := append([]savedOutput(nil), h.saver.saves...)
	h.saver.mu.Unlock()
	if len(saves) != 2 {
		t.Fatalf("expected two saves, got %+v", saves)
	}
	if saves[0].html != "<p>old</p>" || saves[0].code != "print(a)" {
		t.Fatalf("expected code saved with previous output, got %+v", saves[0])
	}
	if !strings.Contains(saves[1].html, "ok") {
		t.Fatalf("expected final output saved, got %+v", saves[1])
	}
}

func TestCloseRejectsNewRuns(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	if err := h.nb.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.nb.RequestRun("a"); !errors.Is(err, schema.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func TestInactivityPromptsThenBans(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	h := newHarness(t, []schema.CellID{"a"}, withClock(clock.Now))
	if _, err := h.nb.CreateSession(context.Background()); err != nil {
		t.Fatalf("create session: %v", err)
	}

	h.nb.CheckIdle(start.Add(10 * time.Minute))
	if _, open := h.nb.PresenceDeadline(); open {
		t.Fatalf("expected no prompt before the threshold")
	}
	h.nb.CheckIdle(start.Add(31 * time.Minute))
	deadline, open := h.nb.PresenceDeadline()
	if !open || !deadline.Equal(start.Add(41*time.Minute)) {
		t.Fatalf("unexpected deadline %v %v", deadline, open)
	}
	h.nb.CheckIdle(start.Add(41 * time.Minute))

	if _, resets, _ := h.sessions.counts(); resets != 1 {
		t.Fatalf("expected one reset, got %d", resets)
	}
	kinds := h.presenter.noticeKinds()
	want := []schema.NoticeKind{schema.NoticePresence, schema.NoticePresenceCleared, schema.NoticeBanned}
	if len(kinds) != len(want) {
		t.Fatalf("expected notices %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected notices %v, got %v", want, kinds)
		}
	}
}

func TestPresenceAckClearsPrompt(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	h := newHarness(t, nil, withClock(clock.Now))
	h.nb.CheckIdle(start.Add(time.Hour))
	if _, open := h.nb.PresenceDeadline(); !open {
		t.Fatalf("expected prompt")
	}
	h.nb.AckPresence()
	if _, open := h.nb.PresenceDeadline(); open {
		t.Fatalf("expected prompt withdrawn")
	}
	h.nb.CheckIdle(start.Add(2 * time.Hour))
	h.nb.CheckIdle(start.Add(3 * time.Hour))
	kinds := h.presenter.noticeKinds()
	if kinds[len(kinds)-1] != schema.NoticeBanned {
		t.Fatalf("expected ban notice without a session, got %v", kinds)
	}
	if _, resets, _ := h.sessions.counts(); resets != 0 {
		t.Fatalf("expected no reset without a session")
	}
}

func TestStreamingNotebookRun(t *testing.T) {
	streamer := &fakeStreamer{script: []schema.RunResult{
		{Kind: schema.ResultStreamChunk, Stdout: "hel", StdoutOffset: 3},
		{Kind: schema.ResultFinished, Stdout: "lo", StdoutOffset: 5},
	}}
	exec := NewExecutor(ExecutorOptions{Protocol: schema.ProtocolAuto, Streamer: streamer, PollInterval: time.Millisecond})
	h := newHarness(t, []schema.CellID{"a"}, withExecutor(exec))
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	out, _ := h.nb.Output("a")
	if !strings.Contains(out, "hello") {
		t.Fatalf("unexpected output %q", out)
	}
	h.presenter.mu.Lock()
	live := 0
	for _, ev := range h.presenter.outputs {
		if ev.Live && strings.Contains(ev.HTML, "data-stream-stdout") {
			live++
		}
	}
	h.presenter.mu.Unlock()
	if live < 2 {
		t.Fatalf("expected incremental live output, got %d updates", live)
	}
}

func TestServerDurationWins(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a"})
	h.runner.handler = func(context.Context, RunRequest) (schema.RunResult, error) {
		return schema.RunResult{Kind: schema.ResultInline, Stdout: "ok\n", Duration: 1500 * time.Millisecond}, nil
	}
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	record := h.nb.Status("a")
	if record.Meta == nil || record.Meta.DurationMs == nil || *record.Meta.DurationMs != 1500 {
		t.Fatalf("expected the reported 1500ms duration, got %+v", record.Meta)
	}
}

func TestRunNotCreatedLosesSession(t *testing.T) {
	h := newHarness(t, []schema.CellID{"a", "b"})
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)

	h.runner.mu.Lock()
	h.runner.handler = func(context.Context, RunRequest) (schema.RunResult, error) {
		return schema.RunResult{}, &schema.RemoteError{
			Op:      "run",
			Status:  400,
			Message: "Сессия не создана. Сначала создайте новую сессию.",
		}
	}
	h.runner.mu.Unlock()
	if _, err := h.nb.RequestRun("b"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)

	for _, cell := range []schema.CellID{"a", "b"} {
		if got := h.nb.Status(cell).State; got != schema.CellReset {
			t.Fatalf("expected %s reset, got %q", cell, got)
		}
	}
	snap := h.nb.Session()
	if snap.ID != "" || snap.State != schema.SessionIdle {
		t.Fatalf("expected idle session, got %+v", snap)
	}
	if snap.Message != i18n.Default().T(i18n.SessionNotCreated) {
		t.Fatalf("unexpected loss message %q", snap.Message)
	}

	h.runner.mu.Lock()
	h.runner.handler = nil
	h.runner.mu.Unlock()
	if _, err := h.nb.RequestRun("b"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if got := h.nb.Status("b").State; got != schema.CellSuccess {
		t.Fatalf("expected a success on the new session, got %q", got)
	}
	if creates, _, _ := h.sessions.counts(); creates != 2 {
		t.Fatalf("expected a fresh session after loss, got %d creates", creates)
	}
}

func TestStaleFilesRefreshKeepsNewSession(t *testing.T) {
	logs := &lockedBuffer{}
	logger := pslog.NewWithOptions(logs, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.DebugLevel,
	})
	h := newHarness(t, []schema.CellID{"a"}, withLogger(logger))
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.sessions.mu.Lock()
	h.sessions.files = func(ctx context.Context, id schema.SessionID) ([]schema.FileEntry, error) {
		if id != "sess-1" {
			return []schema.FileEntry{{Name: "data.csv"}}, nil
		}
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, &schema.RemoteError{Op: "files", Status: 404}
	}
	h.sessions.mu.Unlock()

	if _, err := h.nb.CreateSession(context.Background()); err != nil {
		t.Fatalf("create session: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("files refresh for the first session never started")
	}
	if err := h.nb.ResetSession(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if id := h.nb.Session().ID; id != "sess-2" {
		t.Fatalf("expected the reset session, got %q", id)
	}
	if _, err := h.nb.RequestRun("a"); err != nil {
		t.Fatalf("request run: %v", err)
	}
	h.waitIdle(t)
	if got := h.nb.Status("a").State; got != schema.CellSuccess {
		t.Fatalf("expected a success, got %q", got)
	}

	close(release)
	eventually(t, "stale loss ignored", func() bool {
		logs.mu.Lock()
		defer logs.mu.Unlock()
		return strings.Contains(logs.buf.String(), "session loss ignored")
	})

	snap := h.nb.Session()
	if snap.ID != "sess-2" || snap.State != schema.SessionReady {
		t.Fatalf("expected the new session to survive, got %+v", snap)
	}
	if got := h.nb.Status("a").State; got != schema.CellSuccess {
		t.Fatalf("expected the cell to keep its success, got %q", got)
	}
	if stored, ok, _ := h.kv.Get(persist.SessionKey("nb")); !ok || stored != "sess-2" {
		t.Fatalf("expected stored session sess-2, got %q (%v)", stored, ok)
	}
	if creates, _, _ := h.sessions.counts(); creates != 1 {
		t.Fatalf("expected no extra session create, got %d", creates)
	}
}
