package sessionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/internal/appconfig"
	"pkt.systems/notebookx/schema"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   map[string]any
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) record(req *http.Request) recordedRequest {
	rec := recordedRequest{
		Method: req.Method,
		Path:   req.URL.EscapedPath(),
		Query:  map[string]string{},
		Header: req.Header.Clone(),
	}
	for key := range req.URL.Query() {
		rec.Query[key] = req.URL.Query().Get(key)
	}
	if data, _ := io.ReadAll(req.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}
	r.mu.Lock()
	r.requests = append(r.requests, rec)
	r.mu.Unlock()
	return rec
}

func (r *recorder) last() recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, rec recordedRequest)) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, rec.record(r))
	}))
	t.Cleanup(srv.Close)
	client, err := New(Config{
		BaseURL:   srv.URL,
		Headers:   map[string]string{"X-Token": "secret"},
		Endpoints: appconfig.DefaultEndpoints(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, rec
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "not a url"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateSendsNotebookID(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ recordedRequest) {
		writeJSON(w, http.StatusOK, `{"session_id":"s-1"}`)
	})
	id, err := client.Create(context.Background(), "nb/1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "s-1" {
		t.Fatalf("id = %q", id)
	}
	req := rec.last()
	if req.Method != http.MethodPost || req.Path != "/api/notebooks/nb%2F1/session" {
		t.Fatalf("request = %s %s", req.Method, req.Path)
	}
	if req.Body["notebook_id"] != "nb/1" {
		t.Fatalf("body = %+v", req.Body)
	}
	if req.Header.Get("X-Token") != "secret" || req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("headers = %+v", req.Header)
	}
}

func TestCreateWithoutEndpointIsUnavailable(t *testing.T) {
	client, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.HasSessions() {
		t.Fatalf("expected no sessions")
	}
	if _, err := client.Create(context.Background(), "nb"); !errors.Is(err, schema.ErrSessionUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := client.Run(context.Background(), core.RunRequest{}); !errors.Is(err, schema.ErrEndpointMissing) {
		t.Fatalf("expected endpoint missing, got %v", err)
	}
}

func TestNotFoundMapsToSessionNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ recordedRequest) {
		writeJSON(w, http.StatusNotFound, `{"detail":"session not found"}`)
	})
	_, err := client.Reset(context.Background(), "s-9")
	if !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	var remote *schema.RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusNotFound || remote.Message != "session not found" {
		t.Fatalf("remote = %+v", remote)
	}
}

func TestServerErrorKeepsMessage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ recordedRequest) {
		writeJSON(w, http.StatusInternalServerError, `{"message":"kernel crashed"}`)
	})
	_, err := client.Run(context.Background(), core.RunRequest{Session: "s", Cell: "c"})
	var remote *schema.RemoteError
	if !errors.As(err, &remote) || remote.Message != "kernel crashed" {
		t.Fatalf("unexpected error %v", err)
	}
	if errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("500 must not mean session loss")
	}
}

func TestRunSendsCodeAndStdin(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ recordedRequest) {
		writeJSON(w, http.StatusOK, `{"stdout":"3\n","artifacts":[]}`)
	})
	res, err := client.Run(context.Background(), core.RunRequest{
		Notebook: "nb",
		Session:  "s-1",
		Cell:     "c1",
		Code:     "print(1+2)",
		Stdin:    "a\n",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Kind != schema.ResultInline || res.Stdout != "3\n" {
		t.Fatalf("result = %+v", res)
	}
	req := rec.last()
	if req.Path != "/api/sessions/s-1/run" {
		t.Fatalf("path = %s", req.Path)
	}
	if req.Body["code"] != "print(1+2)" || req.Body["stdin"] != "a\n" || req.Body["cell_id"] != "c1" {
		t.Fatalf("body = %+v", req.Body)
	}
}

func TestStreamingCalls(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, req recordedRequest) {
		switch {
		case strings.HasSuffix(req.Path, "/runs"):
			writeJSON(w, http.StatusOK, `{"run_id":"r-1","status":"running"}`)
		case strings.HasSuffix(req.Path, "/stdin"):
			writeJSON(w, http.StatusOK, `{"status":"running"}`)
		default:
			writeJSON(w, http.StatusOK, `{"status":"running","stdout":"x","stdout_offset":5,"stderr_offset":0}`)
		}
	})
	if !client.HasStreaming() {
		t.Fatalf("expected streaming endpoints")
	}
	ctx := context.Background()
	res, err := client.Start(ctx, core.RunRequest{Session: "s-1", Cell: "c1", Code: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Kind != schema.ResultStarted || res.RunID != "r-1" {
		t.Fatalf("start = %+v", res)
	}

	res, err = client.Status(ctx, core.StatusRequest{Session: "s-1", Run: "r-1", StdoutOffset: 4})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Kind != schema.ResultStreamChunk || res.StdoutOffset != 5 {
		t.Fatalf("status = %+v", res)
	}
	req := rec.last()
	if req.Method != http.MethodGet || req.Path != "/api/sessions/s-1/runs/r-1" {
		t.Fatalf("status request = %s %s", req.Method, req.Path)
	}
	if req.Query["stdout_offset"] != "4" || req.Query["stderr_offset"] != "0" || req.Query["run_id"] != "r-1" {
		t.Fatalf("query = %+v", req.Query)
	}

	if _, err := client.SubmitStdin(ctx, core.StdinRequest{Session: "s-1", Cell: "c1", Run: "r-1", EOF: true}); err != nil {
		t.Fatalf("stdin: %v", err)
	}
	req = rec.last()
	if req.Path != "/api/sessions/s-1/runs/r-1/stdin" || req.Body["stdin_eof"] != true {
		t.Fatalf("stdin request = %s %+v", req.Path, req.Body)
	}
}

func TestListFilesAndSave(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, req recordedRequest) {
		if req.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, `{"files":["a.txt",{"name":"out","is_dir":true}]}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	files, err := client.ListFiles(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 || !files[1].Dir {
		t.Fatalf("files = %+v", files)
	}
	if rec.last().Query["session_id"] != "s-1" {
		t.Fatalf("query = %+v", rec.last().Query)
	}
	if err := client.SaveOutput(context.Background(), "nb", "c1", "print(1)", "<pre>1</pre>"); err != nil {
		t.Fatalf("save: %v", err)
	}
	req := rec.last()
	if req.Path != "/api/notebooks/nb/cells/c1/output" || req.Body["output"] != "<pre>1</pre>" || req.Body["code"] != "print(1)" {
		t.Fatalf("save request = %s %+v", req.Path, req.Body)
	}
}

func TestAbsoluteEndpoint(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()
	endpoints := appconfig.DefaultEndpoints()
	endpoints.SessionStop = srv.URL + "/custom/{session}/halt"
	client, err := New(Config{Endpoints: endpoints})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := client.Stop(context.Background(), "s 1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := rec.last().Path; got != "/custom/s%201/halt" {
		t.Fatalf("path = %s", got)
	}
}

func TestContextCancelReturnsContextError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ recordedRequest) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Stop(ctx, "s"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestFromAppConfig(t *testing.T) {
	full, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg := full.Server
	mapped := FromAppConfig(cfg)
	if mapped.BaseURL != cfg.BaseURL || mapped.Timeout != cfg.Timeout() {
		t.Fatalf("mapped = %+v", mapped)
	}
}

func TestSetComputeDevice(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, req recordedRequest) {
		if req.Body["compute_device"] == "tpu" {
			writeJSON(w, http.StatusBadRequest, `{"status":"error","message":"Недопустимое устройство вычислений"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"status":"success","compute_device":"gpu"}`)
	})
	if err := client.SetComputeDevice(context.Background(), "nb", schema.DeviceGPU); err != nil {
		t.Fatalf("set device: %v", err)
	}
	req := rec.last()
	if req.Method != http.MethodPatch || req.Path != "/api/notebooks/nb/device" || req.Body["compute_device"] != "gpu" {
		t.Fatalf("device request = %s %s %+v", req.Method, req.Path, req.Body)
	}

	err := client.SetComputeDevice(context.Background(), "nb", "tpu")
	var remote *schema.RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusBadRequest || remote.Message != "Недопустимое устройство вычислений" {
		t.Fatalf("expected remote 400, got %v", err)
	}
}

func TestSetComputeDeviceWithoutEndpoint(t *testing.T) {
	client, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.HasComputeDevice() {
		t.Fatalf("expected no device endpoint")
	}
	if err := client.SetComputeDevice(context.Background(), "nb", schema.DeviceCPU); !errors.Is(err, schema.ErrEndpointMissing) {
		t.Fatalf("expected missing endpoint, got %v", err)
	}
}
