// Package render turns run results into the escaped HTML fragments stored with each cell.
package render

import (
	"html"
	"strings"

	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/schema"
)

// Renderer renders cell output using localized labels.
type Renderer struct {
	msg *i18n.Messages
}

// New returns a renderer. A nil catalog uses english.
func New(msg *i18n.Messages) *Renderer {
	if msg == nil {
		msg = i18n.Default()
	}
	return &Renderer{msg: msg}
}

// Messages returns the catalog used for labels.
func (r *Renderer) Messages() *i18n.Messages {
	return r.msg
}

// Output renders the complete output of a settled run. Empty output renders a placeholder.
func (r *Renderer) Output(stdout, stderr, errText string, artifacts []schema.Artifact) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(`<div class="output-text"><pre>`)
		b.WriteString(Escape(stdout))
		b.WriteString(`</pre></div>`)
	}
	if stderr != "" {
		b.WriteString(`<div class="output-stderr"><strong>STDERR:</strong><pre>`)
		b.WriteString(Escape(stderr))
		b.WriteString(`</pre></div>`)
	}
	if errText != "" {
		b.WriteString(`<div class="output-errors"><pre>`)
		b.WriteString(Escape(errText))
		b.WriteString(`</pre></div>`)
	}
	if len(artifacts) > 0 {
		b.WriteString(r.Artifacts(artifacts))
	}
	if b.Len() == 0 {
		return r.Empty()
	}
	return b.String()
}

// Live renders the in-progress output of a streaming run.
func (r *Renderer) Live(stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(`<div class="output-text"><pre data-stream-stdout>`)
	b.WriteString(Escape(stdout))
	b.WriteString(`</pre></div>`)
	if stderr != "" {
		b.WriteString(`<div class="output-stderr"><strong>STDERR:</strong><pre data-stream-stderr>`)
		b.WriteString(Escape(stderr))
		b.WriteString(`</pre></div>`)
	}
	return b.String()
}

// Executing renders the placeholder shown while a run has produced nothing yet.
func (r *Renderer) Executing() string {
	return `<div class="output-loading">` + Escape(r.msg.T(i18n.Executing)) + `</div>`
}

// Empty renders the no-output placeholder.
func (r *Renderer) Empty() string {
	return `<div class="output-empty">` + Escape(r.msg.T(i18n.NoOutput)) + `</div>`
}

// Error renders an escaped error block.
func (r *Renderer) Error(message string) string {
	if strings.TrimSpace(message) == "" {
		message = r.msg.T(i18n.ExecutionFailed)
	}
	return `<div class="output-error"><strong>` + Escape(r.msg.T(i18n.ErrorLabel)) + `</strong> ` + Escape(message) + `</div>`
}

// Cancelled renders the notice for a cancelled run.
func (r *Renderer) Cancelled(reason schema.CancelReason) string {
	text := r.msg.T(i18n.CancelledByUser)
	if reason == schema.CancelReset {
		text = r.msg.T(i18n.CancelledByReset)
	}
	return `<div class="output-error"><strong>` + Escape(r.msg.T(i18n.CancelLabel)) + `</strong> ` + Escape(text) + `</div>`
}

// ResetNotice renders the body saved for a run stopped by a session reset.
func (r *Renderer) ResetNotice() string {
	return `<div class="output-reset-note">` + Escape(r.msg.T(i18n.CancelledByReset)) + `</div>`
}

// Stale wraps the previous session's output under a rerun-required note.
func (r *Renderer) Stale(previous string) string {
	if strings.TrimSpace(previous) == "" {
		previous = r.Empty()
	}
	return `<div class="output-reset-note">` + Escape(r.msg.T(i18n.RerunRequired)) + `</div>` +
		`<div class="output-previous">` + previous + `</div>`
}

// Unwrap returns the previous output held by a stale fragment, or the fragment itself.
func Unwrap(fragment string) string {
	const open = `<div class="output-previous">`
	idx := strings.Index(fragment, open)
	if idx == -1 || !strings.HasSuffix(fragment, "</div>") {
		return fragment
	}
	return fragment[idx+len(open) : len(fragment)-len("</div>")]
}

// Artifacts renders the artifact list of a run.
func (r *Renderer) Artifacts(artifacts []schema.Artifact) string {
	if len(artifacts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(`<ul class="output-artifacts">`)
	for _, artifact := range artifacts {
		name := artifact.Name
		if name == "" {
			name = artifact.Path
		}
		b.WriteString("<li>")
		if artifact.URL != "" {
			b.WriteString(`<a href="`)
			b.WriteString(html.EscapeString(artifact.URL))
			b.WriteString(`">`)
			b.WriteString(Escape(name))
			b.WriteString("</a>")
		} else {
			b.WriteString(Escape(name))
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")
	return b.String()
}

// Escape escapes text for inclusion in a pre block.
func Escape(text string) string {
	return html.EscapeString(text)
}

// Text strips markup from a rendered fragment, for terminals and logs.
func Text(fragment string) string {
	var b strings.Builder
	inTag := false
	for _, r := range fragment {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(b.String())
}
