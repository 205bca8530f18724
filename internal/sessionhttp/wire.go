package sessionhttp

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"pkt.systems/notebookx/schema"
)

// wireResult is every field the server may send for a run-related call. The canonical
// shape is {stdout, stderr, error, artifacts}; output, outputs[], errors[] and stats are
// accepted from older servers.
type wireResult struct {
	Status       string            `json:"status"`
	RunID        string            `json:"run_id"`
	Prompt       *string           `json:"prompt"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	Error        json.RawMessage   `json:"error"`
	Detail       json.RawMessage   `json:"detail"`
	Message      string            `json:"message"`
	Output       json.RawMessage   `json:"output"`
	Outputs      []json.RawMessage `json:"outputs"`
	Errors       []json.RawMessage `json:"errors"`
	Stats        *wireStats        `json:"stats"`
	DurationMs   *float64          `json:"duration_ms"`
	Artifacts    []json.RawMessage `json:"artifacts"`
	StdoutOffset *int64            `json:"stdout_offset"`
	StderrOffset *int64            `json:"stderr_offset"`
	Result       *wireResult       `json:"result"`
}

type wireStats struct {
	DurationMs *float64 `json:"duration_ms"`
}

type wireArtifact struct {
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	MimeType    string `json:"mime_type"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type wireFile struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
	Dir   bool   `json:"dir"`
	Type  string `json:"type"`
}

type wireOutput struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	OutputType string            `json:"output_type"`
	Text       json.RawMessage   `json:"text"`
	Content    string            `json:"content"`
	Data       map[string]any    `json:"data"`
	Traceback  []json.RawMessage `json:"traceback"`
	Ename      string            `json:"ename"`
	Evalue     string            `json:"evalue"`
}

// callKind selects how an ambiguous status is read.
type callKind int

const (
	callRun callKind = iota
	callStart
	callStatus
	callStdin
)

// normalizeResult turns a decoded response into the tagged RunResult.
func normalizeResult(w wireResult, kind callKind) schema.RunResult {
	res := schema.RunResult{
		RunID:     schema.RunID(strings.TrimSpace(w.RunID)),
		Artifacts: decodeArtifacts(w.Artifacts),
		Duration:  w.duration(),
	}
	res.Stdout, res.Stderr = w.text()
	res.Error = w.errorText()
	if w.Prompt != nil {
		res.Prompt = *w.Prompt
	}
	if w.StdoutOffset != nil {
		res.StdoutOffset = *w.StdoutOffset
	}
	if w.StderrOffset != nil {
		res.StderrOffset = *w.StderrOffset
	}

	status := strings.ToLower(strings.TrimSpace(w.Status))
	switch status {
	case "input_required", "input-required", "awaiting_input":
		res.Kind = schema.ResultInputRequired
		return res
	case "finished", "done", "completed":
		res.Kind = schema.ResultFinished
		if w.Result != nil {
			final := normalizeResult(*w.Result, callRun)
			final.Kind = schema.ResultInline
			res.Final = &final
		}
		return res
	case "error", "failed", "aborted":
		if kind == callStatus {
			res.Kind = schema.ResultFailed
			if res.Error == "" {
				res.Error = firstNonEmpty(rawText(w.Detail), w.Message)
			}
			return res
		}
		if res.Error == "" {
			res.Error = firstNonEmpty(rawText(w.Detail), w.Message, "execution failed")
		}
		res.Kind = schema.ResultInline
		return res
	case "running", "started", "pending", "queued", "accepted":
		if kind == callStatus || res.HasOutput() {
			res.Kind = schema.ResultStreamChunk
		} else {
			res.Kind = schema.ResultStarted
		}
		return res
	case "success", "ok":
		if kind == callStatus {
			res.Kind = schema.ResultFinished
			return res
		}
		res.Kind = schema.ResultInline
		return res
	}

	switch kind {
	case callStatus:
		res.Kind = schema.ResultStreamChunk
	case callStart:
		if res.RunID != "" && !res.HasOutput() && len(res.Artifacts) == 0 {
			res.Kind = schema.ResultStarted
		} else {
			res.Kind = schema.ResultInline
		}
	default:
		res.Kind = schema.ResultInline
	}
	return res
}

// text returns stdout and stderr, falling back to the legacy output fields.
func (w wireResult) text() (string, string) {
	stdout, stderr := w.Stdout, w.Stderr
	if stdout == "" {
		stdout = rawText(w.Output)
	}
	if stdout != "" || stderr != "" || len(w.Outputs) == 0 {
		return stdout, stderr
	}
	var out, errOut strings.Builder
	for _, raw := range w.Outputs {
		text, isErr := outputText(raw)
		if isErr {
			errOut.WriteString(text)
		} else {
			out.WriteString(text)
		}
	}
	return out.String(), errOut.String()
}

func (w wireResult) errorText() string {
	if text := rawText(w.Error); text != "" {
		return text
	}
	parts := make([]string, 0, len(w.Errors))
	for _, raw := range w.Errors {
		if text := errorEntryText(raw); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func (w wireResult) duration() time.Duration {
	ms := w.DurationMs
	if w.Stats != nil && w.Stats.DurationMs != nil {
		ms = w.Stats.DurationMs
	}
	if ms == nil || *ms < 0 {
		return 0
	}
	return time.Duration(*ms * float64(time.Millisecond))
}

// outputText extracts the text of one legacy outputs[] entry and reports whether it is stderr.
func outputText(raw json.RawMessage) (string, bool) {
	if text, ok := rawString(raw); ok {
		return text, false
	}
	var entry wireOutput
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false
	}
	isErr := entry.Name == "stderr" || entry.Type == "stderr" || entry.OutputType == "stderr"
	if entry.OutputType == "error" || entry.Type == "error" {
		lines := make([]string, 0, len(entry.Traceback)+1)
		if entry.Ename != "" {
			lines = append(lines, strings.TrimSpace(entry.Ename+": "+entry.Evalue))
		}
		for _, line := range entry.Traceback {
			lines = append(lines, rawText(line))
		}
		return strings.Join(lines, "\n") + "\n", true
	}
	if text := concatText(entry.Text); text != "" {
		return text, isErr
	}
	if entry.Content != "" {
		return entry.Content, isErr
	}
	if plain, ok := entry.Data["text/plain"]; ok {
		switch v := plain.(type) {
		case string:
			return v, isErr
		case []any:
			var b strings.Builder
			for _, part := range v {
				if s, ok := part.(string); ok {
					b.WriteString(s)
				}
			}
			return b.String(), isErr
		}
	}
	return "", isErr
}

func errorEntryText(raw json.RawMessage) string {
	if text, ok := rawString(raw); ok {
		return text
	}
	var entry struct {
		Message string `json:"message"`
		Ename   string `json:"ename"`
		Evalue  string `json:"evalue"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ""
	}
	if entry.Message != "" {
		return entry.Message
	}
	if entry.Ename != "" {
		return strings.TrimSpace(entry.Ename + ": " + entry.Evalue)
	}
	return entry.Detail
}

func decodeArtifacts(raws []json.RawMessage) []schema.Artifact {
	if len(raws) == 0 {
		return nil
	}
	out := make([]schema.Artifact, 0, len(raws))
	for _, raw := range raws {
		if name, ok := rawString(raw); ok {
			if name != "" {
				out = append(out, schema.Artifact{Name: name, Path: name})
			}
			continue
		}
		var a wireArtifact
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		artifact := schema.Artifact{
			Name:     firstNonEmpty(a.Name, a.Filename, a.Path),
			Path:     a.Path,
			URL:      a.URL,
			MimeType: firstNonEmpty(a.MimeType, a.ContentType),
			Size:     a.Size,
		}
		if artifact.Name == "" && artifact.URL == "" {
			continue
		}
		out = append(out, artifact)
	}
	return out
}

func decodeFiles(raws []json.RawMessage) []schema.FileEntry {
	out := make([]schema.FileEntry, 0, len(raws))
	for _, raw := range raws {
		if name, ok := rawString(raw); ok {
			if name != "" {
				out = append(out, schema.FileEntry{Name: name, Path: name, Dir: strings.HasSuffix(name, "/")})
			}
			continue
		}
		var f wireFile
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		name := firstNonEmpty(f.Name, f.Path)
		if name == "" {
			continue
		}
		out = append(out, schema.FileEntry{
			Name: name,
			Path: f.Path,
			Size: f.Size,
			Dir:  f.IsDir || f.Dir || f.Type == "dir" || f.Type == "directory",
		})
	}
	return out
}

// errorMessage extracts detail, message or error from a failed response body.
func errorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &payload); err == nil {
			return firstNonEmpty(rawText(payload.Detail), rawText(payload.Message), rawText(payload.Error))
		}
	}
	if trimmed[0] == '<' {
		return ""
	}
	text := string(trimmed)
	if len(text) > maxErrorText {
		text = text[:maxErrorText]
	}
	return text
}

const maxErrorText = 300

// rawString decodes raw as a JSON string.
func rawString(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

// concatText joins a string or a list of string fragments without separators.
func concatText(raw json.RawMessage) string {
	if s, ok := rawString(raw); ok {
		return s
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	return strings.Join(parts, "")
}

// rawText renders a string, a list of strings or an object with a message as text.
// null and absent values are empty.
func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("false")) {
		return ""
	}
	if s, ok := rawString(trimmed); ok {
		return s
	}
	switch trimmed[0] {
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return ""
		}
		texts := make([]string, 0, len(parts))
		for _, part := range parts {
			if text := rawText(part); text != "" {
				texts = append(texts, text)
			}
		}
		return strings.Join(texts, "\n")
	case '{':
		var obj struct {
			Message string `json:"message"`
			Msg     string `json:"msg"`
			Detail  string `json:"detail"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return ""
		}
		return firstNonEmpty(obj.Message, obj.Msg, obj.Detail)
	}
	return string(trimmed)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
