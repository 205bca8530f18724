package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/schema"
)

type saveJob struct {
	ctx  context.Context
	cell schema.CellID
	code string
	html string
}

// saveQueue delivers output saves in order on a single background worker. Failures are
// logged and never reach the caller.
type saveQueue struct {
	notebook schema.NotebookID
	saver    OutputSaver
	base     context.Context
	timeout  time.Duration

	mu      sync.Mutex
	pending []saveJob
	running bool
	done    chan struct{}
}

func (s *saveQueue) push(ctx context.Context, cell schema.CellID, code, html string) {
	if s == nil || s.saver == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, saveJob{ctx: ctx, cell: cell, code: code, html: html})
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	go s.drain(s.done)
}

func (s *saveQueue) drain(done chan struct{}) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			close(done)
			s.mu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.save(next)
	}
}

func (s *saveQueue) save(job saveJob) {
	base := context.WithoutCancel(s.base)
	if job.ctx != nil {
		base = logx.Detach(base, job.ctx)
	}
	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()
	log := logx.WithNotebookCell(ctx, s.notebook, job.cell)
	if err := s.saver.SaveOutput(ctx, s.notebook, job.cell, job.code, job.html); err != nil {
		log.Warn("cell output save failed", "err", err)
		return
	}
	log.Trace("cell output save ok", "bytes", len(job.html))
}

// wait blocks until every queued save has been attempted or ctx ends.
func (s *saveQueue) wait(ctx context.Context) error {
	if s == nil {
		return nil
	}
	for {
		s.mu.Lock()
		running, done := s.running, s.done
		s.mu.Unlock()
		if !running {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
