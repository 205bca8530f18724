package core

import (
	"context"
	"errors"

	"pkt.systems/notebookx/schema"
)

// Presenter reflects coordinator state in a view layer. Event callbacks may be invoked while
// coordinator locks are held, so they must not block or call back into the Notebook.
// RequestInput is called without locks and blocks until a line is entered or ctx ends.
type Presenter interface {
	OnCellStatus(event schema.CellStatusEvent)
	OnCellOutput(event schema.CellOutputEvent)
	OnSessionEvent(event schema.SessionEvent)
	OnNotice(event schema.NoticeEvent)
	RequestInput(ctx context.Context, req schema.InputRequest) (string, error)
}

// NopPresenter discards events and declines input.
type NopPresenter struct{}

func (NopPresenter) OnCellStatus(schema.CellStatusEvent) {}
func (NopPresenter) OnCellOutput(schema.CellOutputEvent) {}
func (NopPresenter) OnSessionEvent(schema.SessionEvent) {}
func (NopPresenter) OnNotice(schema.NoticeEvent) {}
func (NopPresenter) RequestInput(context.Context, schema.InputRequest) (string, error) {
	return "", schema.ErrInputClosed
}

// Fanout forwards events to several presenters. Input requests go to all of them and the
// first answer wins.
type Fanout []Presenter

func (f Fanout) OnCellStatus(event schema.CellStatusEvent) {
	for _, p := range f {
		if p == nil {
			continue
		}
		p.OnCellStatus(event)
	}
}

func (f Fanout) OnCellOutput(event schema.CellOutputEvent) {
	for _, p := range f {
		if p == nil {
			continue
		}
		p.OnCellOutput(event)
	}
}

func (f Fanout) OnSessionEvent(event schema.SessionEvent) {
	for _, p := range f {
		if p == nil {
			continue
		}
		p.OnSessionEvent(event)
	}
}

func (f Fanout) OnNotice(event schema.NoticeEvent) {
	for _, p := range f {
		if p == nil {
			continue
		}
		p.OnNotice(event)
	}
}

func (f Fanout) RequestInput(ctx context.Context, req schema.InputRequest) (string, error) {
	targets := make([]Presenter, 0, len(f))
	for _, p := range f {
		if p != nil {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return "", schema.ErrInputClosed
	}
	if len(targets) == 1 {
		return targets[0].RequestInput(ctx, req)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type answer struct {
		line string
		err  error
	}
	answers := make(chan answer, len(targets))
	for _, p := range targets {
		go func(p Presenter) {
			line, err := p.RequestInput(ctx, req)
			answers <- answer{line: line, err: err}
		}(p)
	}
	var lastErr error
	for range targets {
		a := <-answers
		if a.err == nil {
			return a.line, nil
		}
		lastErr = a.err
	}
	if lastErr == nil || errors.Is(lastErr, context.Canceled) {
		lastErr = schema.ErrInputClosed
	}
	return "", lastErr
}
