// Package termview presents notebook events on a terminal: status badges, output as it
// streams, notices and stdin prompts.
package termview

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/render"
	"pkt.systems/notebookx/schema"
)

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Options configures a View.
type Options struct {
	Out io.Writer
	// In serves stdin prompts. Nil declines every input request.
	In       io.Reader
	Color    string
	Messages *i18n.Messages
	// Quiet hides status transitions other than settled ones.
	Quiet bool
}

type styles struct {
	cell    *color.Color
	running *color.Color
	success *color.Color
	failure *color.Color
	muted   *color.Color
	notice  *color.Color
	warn    *color.Color
}

type lineResult struct {
	line string
	err  error
}

// View is a core.Presenter writing to a terminal.
type View struct {
	out   io.Writer
	in    io.Reader
	msg   *i18n.Messages
	quiet bool
	style styles
	// executing is the placeholder shown before the first output arrives.
	executing string

	mu      sync.Mutex
	last    map[schema.CellID]string
	live    map[schema.CellID]string
	session string

	readOnce sync.Once
	lines    chan lineResult
	inputMu  sync.Mutex
}

var _ core.Presenter = (*View)(nil)

// New builds a view. Auto colour is enabled only when Out is a terminal.
func New(opts Options) *View {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	msg := opts.Messages
	if msg == nil {
		msg = i18n.Default()
	}
	v := &View{
		out:   out,
		in:    opts.In,
		msg:   msg,
		quiet: opts.Quiet,
		last:  make(map[schema.CellID]string),
		live:  make(map[schema.CellID]string),
		style: newStyles(colorEnabled(opts.Color, out)),
	}
	v.executing = render.New(msg).Executing()
	return v
}

func newStyles(enabled bool) styles {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return styles{
		cell:    mk(color.Bold),
		running: mk(color.FgCyan),
		success: mk(color.FgGreen),
		failure: mk(color.FgRed, color.Bold),
		muted:   mk(color.Faint),
		notice:  mk(color.FgBlue),
		warn:    mk(color.FgYellow),
	}
}

func colorEnabled(mode string, out io.Writer) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// OnCellStatus prints a badge when the status line of a cell changes.
func (v *View) OnCellStatus(event schema.CellStatusEvent) {
	if event.State == schema.CellIdle {
		return
	}
	if v.quiet && event.State.Busy() {
		return
	}
	label := v.msg.CellStatus(schema.StatusRecord{State: event.State, Meta: event.Meta})
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last[event.CellID] == label {
		return
	}
	v.last[event.CellID] = label
	if event.State == schema.CellRunning {
		v.live[event.CellID] = ""
	}
	v.endLiveLineLocked(event.CellID)
	_, _ = fmt.Fprintf(v.out, "%s %s %s\n", v.badge(event.State), v.style.cell.Sprintf("[%s]", event.CellID), v.stateStyle(event.State).Sprint(label))
}

// OnCellOutput prints output as it grows. A final output that extends the streamed text
// prints only the remainder. Stale outputs print their note without the previous output.
func (v *View) OnCellOutput(event schema.CellOutputEvent) {
	fragment := event.HTML
	if fragment == v.executing {
		return
	}
	if idx := strings.Index(fragment, `<div class="output-previous">`); idx > 0 {
		fragment = fragment[:idx]
	}
	text := render.Text(fragment)
	v.mu.Lock()
	defer v.mu.Unlock()
	printed := v.live[event.CellID]
	if event.Live {
		if strings.HasPrefix(text, printed) {
			v.writeLocked(text[len(printed):])
		} else {
			v.endLiveLineLocked(event.CellID)
			v.writeLocked(text)
		}
		v.live[event.CellID] = text
		return
	}
	delete(v.live, event.CellID)
	switch {
	case printed != "" && strings.HasPrefix(text, printed):
		text = text[len(printed):]
	case printed != "" && strings.TrimSpace(text) == strings.TrimSpace(printed):
		text = ""
	case printed != "" && !strings.HasSuffix(printed, "\n"):
		_, _ = io.WriteString(v.out, "\n")
	}
	v.writeLocked(text)
	if text != "" && !strings.HasSuffix(text, "\n") {
		_, _ = io.WriteString(v.out, "\n")
	}
}

func (v *View) writeLocked(text string) {
	if text != "" {
		_, _ = io.WriteString(v.out, text)
	}
}

// endLiveLineLocked terminates a partially printed live line before other output.
func (v *View) endLiveLineLocked(cell schema.CellID) {
	if printed := v.live[cell]; printed != "" && !strings.HasSuffix(printed, "\n") {
		_, _ = io.WriteString(v.out, "\n")
		v.live[cell] = printed + "\n"
	}
}

// OnSessionEvent prints session state changes and workspace listings.
func (v *View) OnSessionEvent(event schema.SessionEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch event.Type {
	case schema.SessionEventFiles:
		if len(event.Files) == 0 {
			return
		}
		names := make([]string, 0, len(event.Files))
		for _, f := range event.Files {
			name := f.Name
			if f.Dir {
				name += "/"
			}
			names = append(names, name)
		}
		_, _ = fmt.Fprintf(v.out, "%s %s\n", v.style.muted.Sprint("files:"), strings.Join(names, " "))
	default:
		line := v.msg.Session(event.Session)
		if event.Session.ID != "" {
			line = fmt.Sprintf("%s (%s)", line, event.Session.ID)
		}
		if line == v.session {
			return
		}
		v.session = line
		style := v.style.muted
		switch event.Session.State {
		case schema.SessionReady:
			style = v.style.success
		case schema.SessionError:
			style = v.style.failure
		}
		_, _ = fmt.Fprintf(v.out, "%s %s\n", v.style.muted.Sprint("session:"), style.Sprint(line))
	}
}

// OnNotice prints a notice.
func (v *View) OnNotice(event schema.NoticeEvent) {
	if event.Message == "" {
		return
	}
	style := v.style.notice
	prefix := "i"
	switch event.Kind {
	case schema.NoticeError, schema.NoticeBanned:
		style, prefix = v.style.failure, "!"
	case schema.NoticePresence:
		style, prefix = v.style.warn, "?"
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprintf(v.out, "%s %s\n", style.Sprint(prefix), style.Sprint(event.Message))
}

// RequestInput prompts on the terminal and reads one line. The read continues in the
// background when ctx ends first, and its line serves the next request.
func (v *View) RequestInput(ctx context.Context, req schema.InputRequest) (string, error) {
	if v.in == nil {
		return "", schema.ErrInputClosed
	}
	v.inputMu.Lock()
	defer v.inputMu.Unlock()
	v.readOnce.Do(v.startReader)

	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = v.msg.T(i18n.InputPrompt) + ": "
	}
	v.mu.Lock()
	v.endLiveLineLocked(req.CellID)
	_, _ = fmt.Fprintf(v.out, "%s %s", v.style.cell.Sprintf("[%s]", req.CellID), v.style.warn.Sprint(prompt))
	v.mu.Unlock()

	select {
	case res, ok := <-v.lines:
		if !ok {
			return "", schema.ErrInputClosed
		}
		if res.err != nil {
			return "", schema.ErrInputClosed
		}
		return res.line, nil
	case <-ctx.Done():
		v.mu.Lock()
		_, _ = io.WriteString(v.out, "\n")
		v.mu.Unlock()
		return "", ctx.Err()
	}
}

func (v *View) startReader() {
	v.lines = make(chan lineResult)
	go func() {
		defer close(v.lines)
		reader := bufio.NewReader(v.in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" || err == nil {
				v.lines <- lineResult{line: strings.TrimRight(line, "\r\n")}
			}
			if err != nil {
				v.lines <- lineResult{err: err}
				return
			}
		}
	}()
}

func (v *View) badge(state schema.CellState) string {
	switch state {
	case schema.CellRunning, schema.CellQueued, schema.CellInputWait:
		return v.style.running.Sprint("•")
	case schema.CellSuccess:
		return v.style.success.Sprint("✓")
	case schema.CellError:
		return v.style.failure.Sprint("✗")
	default:
		return v.style.warn.Sprint("-")
	}
}

func (v *View) stateStyle(state schema.CellState) *color.Color {
	switch state {
	case schema.CellSuccess:
		return v.style.success
	case schema.CellError:
		return v.style.failure
	case schema.CellCancelled, schema.CellReset:
		return v.style.warn
	case schema.CellRunning, schema.CellQueued, schema.CellInputWait:
		return v.style.running
	default:
		return v.style.muted
	}
}
