// Package sessionhttp implements the session, execution and output-save collaborators over
// JSON HTTP calls to the remote execution server.
package sessionhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/internal/appconfig"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

const maxResponseBytes = 16 << 20

// Endpoints holds path templates or absolute URLs. Placeholders {notebook}, {session},
// {cell} and {run} are replaced with path-escaped values. Empty disables the call.
type Endpoints = appconfig.EndpointsConfig

// Config configures a Client.
type Config struct {
	BaseURL   string
	Headers   map[string]string
	Timeout   time.Duration
	Endpoints Endpoints
	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	// Logger overrides the logger carried by the request context.
	Logger pslog.Logger
}

// FromAppConfig maps the server section of the application config.
func FromAppConfig(cfg appconfig.ServerConfig) Config {
	return Config{
		BaseURL:   cfg.BaseURL,
		Headers:   cfg.Headers,
		Timeout:   cfg.Timeout(),
		Endpoints: cfg.Endpoints,
	}
}

// Client talks to the remote execution server.
type Client struct {
	base      *url.URL
	headers   http.Header
	endpoints Endpoints
	http      *http.Client
	log       pslog.Logger
}

var (
	_ core.SessionAPI  = (*Client)(nil)
	_ core.RunAPI      = (*Client)(nil)
	_ core.StreamAPI   = (*Client)(nil)
	_ core.OutputSaver = (*Client)(nil)
	_ core.DeviceAPI   = (*Client)(nil)
)

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	var base *url.URL
	if raw := strings.TrimSpace(cfg.BaseURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid server base url %q", cfg.BaseURL)
		}
		base = parsed
	}
	headers := make(http.Header)
	for key, value := range cfg.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		headers.Set(key, value)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:      base,
		headers:   headers,
		endpoints: cfg.Endpoints,
		http:      client,
		log:       cfg.Logger,
	}, nil
}

// HasSessions reports whether sessions can be created.
func (c *Client) HasSessions() bool {
	return strings.TrimSpace(c.endpoints.SessionCreate) != ""
}

// HasRun reports whether the single-shot endpoint is configured.
func (c *Client) HasRun() bool {
	return strings.TrimSpace(c.endpoints.Run) != ""
}

// HasStreaming reports whether the start and status endpoints are configured.
func (c *Client) HasStreaming() bool {
	return strings.TrimSpace(c.endpoints.RunStart) != "" && strings.TrimSpace(c.endpoints.RunStatus) != ""
}

// HasSaveOutput reports whether outputs can be saved remotely.
func (c *Client) HasSaveOutput() bool {
	return strings.TrimSpace(c.endpoints.SaveOutput) != ""
}

// HasComputeDevice reports whether the notebook device can be changed remotely.
func (c *Client) HasComputeDevice() bool {
	return strings.TrimSpace(c.endpoints.ComputeDevice) != ""
}

type vars struct {
	notebook schema.NotebookID
	session  schema.SessionID
	cell     schema.CellID
	run      schema.RunID
}

// Create asks the server for a new session.
func (c *Client) Create(ctx context.Context, notebook schema.NotebookID) (schema.SessionID, error) {
	if !c.HasSessions() {
		return "", schema.ErrSessionUnavailable
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]any{"notebook_id": notebook}
	if err := c.call(ctx, "session create", http.MethodPost, c.endpoints.SessionCreate, vars{notebook: notebook}, nil, body, &resp); err != nil {
		return "", err
	}
	return schema.SessionID(strings.TrimSpace(resp.SessionID)), nil
}

// Reset replaces the session. An empty id in the response keeps the current one.
func (c *Client) Reset(ctx context.Context, session schema.SessionID) (schema.SessionID, error) {
	if strings.TrimSpace(c.endpoints.SessionReset) == "" {
		return "", fmt.Errorf("session reset: %w", schema.ErrEndpointMissing)
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]any{"session_id": session}
	if err := c.call(ctx, "session reset", http.MethodPost, c.endpoints.SessionReset, vars{session: session}, nil, body, &resp); err != nil {
		return "", err
	}
	return schema.SessionID(strings.TrimSpace(resp.SessionID)), nil
}

// Stop ends the session.
func (c *Client) Stop(ctx context.Context, session schema.SessionID) error {
	if strings.TrimSpace(c.endpoints.SessionStop) == "" {
		return fmt.Errorf("session stop: %w", schema.ErrEndpointMissing)
	}
	body := map[string]any{"session_id": session}
	return c.call(ctx, "session stop", http.MethodPost, c.endpoints.SessionStop, vars{session: session}, nil, body, nil)
}

// ListFiles lists the session workspace.
func (c *Client) ListFiles(ctx context.Context, session schema.SessionID) ([]schema.FileEntry, error) {
	if strings.TrimSpace(c.endpoints.Files) == "" {
		return nil, fmt.Errorf("session files: %w", schema.ErrEndpointMissing)
	}
	var resp struct {
		Files []json.RawMessage `json:"files"`
	}
	query := url.Values{"session_id": {string(session)}}
	if err := c.call(ctx, "session files", http.MethodGet, c.endpoints.Files, vars{session: session}, query, nil, &resp); err != nil {
		return nil, err
	}
	return decodeFiles(resp.Files), nil
}

// Run executes a cell in one request.
func (c *Client) Run(ctx context.Context, req core.RunRequest) (schema.RunResult, error) {
	if !c.HasRun() {
		return schema.RunResult{}, fmt.Errorf("run: %w", schema.ErrEndpointMissing)
	}
	var resp wireResult
	if err := c.call(ctx, "run", http.MethodPost, c.endpoints.Run, varsOf(req), nil, runBody(req), &resp); err != nil {
		return schema.RunResult{}, err
	}
	return normalizeResult(resp, callRun), nil
}

// Start begins a streaming run.
func (c *Client) Start(ctx context.Context, req core.RunRequest) (schema.RunResult, error) {
	if strings.TrimSpace(c.endpoints.RunStart) == "" {
		return schema.RunResult{}, fmt.Errorf("run start: %w", schema.ErrEndpointMissing)
	}
	var resp wireResult
	if err := c.call(ctx, "run start", http.MethodPost, c.endpoints.RunStart, varsOf(req), nil, runBody(req), &resp); err != nil {
		return schema.RunResult{}, err
	}
	return normalizeResult(resp, callStart), nil
}

// Status polls a streaming run for output past the offsets.
func (c *Client) Status(ctx context.Context, req core.StatusRequest) (schema.RunResult, error) {
	if strings.TrimSpace(c.endpoints.RunStatus) == "" {
		return schema.RunResult{}, fmt.Errorf("run status: %w", schema.ErrEndpointMissing)
	}
	query := url.Values{
		"session_id":    {string(req.Session)},
		"run_id":        {string(req.Run)},
		"stdout_offset": {strconv.FormatInt(req.StdoutOffset, 10)},
		"stderr_offset": {strconv.FormatInt(req.StderrOffset, 10)},
	}
	var resp wireResult
	if err := c.call(ctx, "run status", http.MethodGet, c.endpoints.RunStatus, vars{session: req.Session, run: req.Run}, query, nil, &resp); err != nil {
		return schema.RunResult{}, err
	}
	return normalizeResult(resp, callStatus), nil
}

// SubmitStdin delivers a line of input, or EOF, to a streaming run.
func (c *Client) SubmitStdin(ctx context.Context, req core.StdinRequest) (schema.RunResult, error) {
	if strings.TrimSpace(c.endpoints.RunStdin) == "" {
		return schema.RunResult{}, fmt.Errorf("run stdin: %w", schema.ErrEndpointMissing)
	}
	body := map[string]any{
		"session_id": req.Session,
		"cell_id":    req.Cell,
		"run_id":     req.Run,
		"stdin":      req.Stdin,
	}
	if req.EOF {
		body["stdin_eof"] = true
	}
	var resp wireResult
	if err := c.call(ctx, "run stdin", http.MethodPost, c.endpoints.RunStdin, vars{session: req.Session, cell: req.Cell, run: req.Run}, nil, body, &resp); err != nil {
		return schema.RunResult{}, err
	}
	return normalizeResult(resp, callStdin), nil
}

// SaveOutput stores the code and rendered output of a cell.
func (c *Client) SaveOutput(ctx context.Context, notebook schema.NotebookID, cell schema.CellID, code, outputHTML string) error {
	if !c.HasSaveOutput() {
		return fmt.Errorf("save output: %w", schema.ErrEndpointMissing)
	}
	body := map[string]any{
		"notebook_id": notebook,
		"cell_id":     cell,
		"code":        code,
		"output":      outputHTML,
	}
	return c.call(ctx, "save output", http.MethodPost, c.endpoints.SaveOutput, vars{notebook: notebook, cell: cell}, nil, body, nil)
}

// SetComputeDevice records the compute device of the notebook. Sessions created afterwards
// use it.
func (c *Client) SetComputeDevice(ctx context.Context, notebook schema.NotebookID, device schema.ComputeDevice) error {
	if !c.HasComputeDevice() {
		return fmt.Errorf("compute device: %w", schema.ErrEndpointMissing)
	}
	body := map[string]any{"compute_device": device}
	return c.call(ctx, "compute device", http.MethodPatch, c.endpoints.ComputeDevice, vars{notebook: notebook}, nil, body, nil)
}

func varsOf(req core.RunRequest) vars {
	return vars{notebook: req.Notebook, session: req.Session, cell: req.Cell}
}

func runBody(req core.RunRequest) map[string]any {
	body := map[string]any{
		"session_id": req.Session,
		"cell_id":    req.Cell,
		"code":       req.Code,
	}
	if req.Notebook != "" {
		body["notebook_id"] = req.Notebook
	}
	if req.Stdin != "" {
		body["stdin"] = req.Stdin
	}
	return body
}

// call sends one request and decodes a 2xx JSON body into out. Non-2xx responses become
// *schema.RemoteError.
func (c *Client) call(ctx context.Context, op, method, template string, v vars, query url.Values, body any, out any) error {
	target, err := c.resolve(template, v, query)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for key, values := range c.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := c.logger(ctx)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn("sessionhttp request failed", "op", op, "method", method, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	log.Debug("sessionhttp request", "op", op, "method", method, "status", resp.StatusCode, "bytes", len(data), "duration_ms", time.Since(start).Milliseconds())
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remote := &schema.RemoteError{Op: op, Status: resp.StatusCode, Message: errorMessage(data)}
		if remote.SessionLost() {
			log.Info("sessionhttp session not found", "op", op, "status", resp.StatusCode)
		}
		return remote
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) resolve(template string, v vars, query url.Values) (string, error) {
	path := expand(template, v)
	target, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if !target.IsAbs() {
		if c.base == nil {
			return "", errors.New("server base url is not configured")
		}
		target = c.base.ResolveReference(target)
	}
	if len(query) > 0 {
		merged := target.Query()
		for key, values := range query {
			if merged.Has(key) {
				continue
			}
			for _, value := range values {
				if value != "" {
					merged.Add(key, value)
				}
			}
		}
		target.RawQuery = merged.Encode()
	}
	return target.String(), nil
}

func expand(template string, v vars) string {
	replacer := strings.NewReplacer(
		"{notebook}", url.PathEscape(string(v.notebook)),
		"{session}", url.PathEscape(string(v.session)),
		"{cell}", url.PathEscape(string(v.cell)),
		"{run}", url.PathEscape(string(v.run)),
	)
	return replacer.Replace(strings.TrimSpace(template))
}

func (c *Client) logger(ctx context.Context) pslog.Logger {
	if c.log != nil {
		return c.log
	}
	return pslog.Ctx(ctx)
}
