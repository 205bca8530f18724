// Package notebookx composes the notebook workspace with the local presentation bridge and
// the optional mock execution server.
package notebookx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/httpapi"
	"pkt.systems/notebookx/internal/appconfig"
	"pkt.systems/notebookx/internal/mockserver"
	"pkt.systems/pslog"
)

// Server composes the HTTP bridge and the mock execution server.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	App  appconfig.Config
	HTTP httpapi.Config
	Mock mockserver.Config
	// MockAddr is the listen address of the mock execution server.
	MockAddr string
}

// ServerDeps captures optional collaborators.
type ServerDeps struct {
	Workspace WorkspaceDeps
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableMock bool
}

// WithHTTP enables the HTTP API/UI server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithMock enables the built-in mock execution server.
func WithMock() ServerOption {
	return func(o *serverOptions) { o.enableMock = true }
}

// New constructs a composable notebookx server.
func New(ctx context.Context, cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableMock {
		return nil, errors.New("no services enabled")
	}

	srv := &compositeServer{cfg: cfg, options: options}
	if options.enableMock {
		if cfg.MockAddr == "" {
			return nil, errors.New("mock server address is required")
		}
		srv.mock = mockserver.New(cfg.Mock)
	}
	if options.enableHTTP {
		hub := httpapi.NewHub(cfg.App.HTTP.HubHistory)
		wsDeps := deps.Workspace
		if wsDeps.Presenter == nil {
			wsDeps.Presenter = hub
		} else {
			wsDeps.Presenter = core.Fanout{hub, wsDeps.Presenter}
		}
		workspace, err := NewWorkspace(ctx, cfg.App, wsDeps)
		if err != nil {
			return nil, err
		}
		srv.workspace = workspace
		srv.httpSrv = httpapi.NewServer(cfg.HTTP, workspace, hub)
	}
	return srv, nil
}

// service is one listener owned by the compositor.
type service struct {
	name    string
	addr    string
	handler http.Handler
}

type compositeServer struct {
	cfg       ServerConfig
	options   serverOptions
	httpSrv   *httpapi.Server
	workspace *Workspace
	mock      *mockserver.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
	stopped bool
}

func (s *compositeServer) services() []service {
	var out []service
	if s.mock != nil {
		out = append(out, service{name: "mock", addr: s.cfg.MockAddr, handler: httpapi.LogRequests(s.mock.Handler())})
	}
	if s.httpSrv != nil {
		out = append(out, service{name: "http", addr: s.cfg.HTTP.Addr, handler: s.httpSrv.Handler()})
	}
	return out
}

// Start binds every enabled listener before serving, so address errors surface here.
func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := pslog.Ctx(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	services := s.services()
	listeners := make([]net.Listener, 0, len(services))
	var lc net.ListenConfig
	for _, svc := range services {
		ln, err := lc.Listen(ctx, "tcp", svc.addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return fmt.Errorf("%s listen %s: %w", svc.name, svc.addr, err)
		}
		listeners = append(listeners, ln)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	log.Info("server start", "services", len(services), "notebooks", s.cfg.App.HTTP.NotebooksDir, "remote", s.cfg.App.Server.BaseURL)

	// A failing service cancels the group context, which drains the others.
	group, groupCtx := errgroup.WithContext(runCtx)
	for i, svc := range services {
		ln := listeners[i]
		group.Go(func() error {
			svcCtx := pslog.ContextWithLogger(groupCtx, log.With("service", svc.name))
			if err := httpapi.Serve(svcCtx, ln, svc.handler); err != nil {
				log.Error("server service failed", "service", svc.name, "err", err)
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			return nil
		})
	}
	go func() {
		err := group.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

// Wait blocks until every service has stopped and returns the first service failure.
func (s *compositeServer) Wait() error {
	s.mu.Lock()
	done, started := s.done, s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	<-done
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		_ = s.Stop(context.Background())
	}
	return err
}

// Stop closes the workspace and the mock, then waits for the listeners to drain.
func (s *compositeServer) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	log := pslog.Ctx(ctx)
	var errs []error
	if s.workspace != nil {
		if err := s.workspace.Close(ctx); err != nil {
			log.Warn("server workspace close failed", "err", err)
			errs = append(errs, err)
		}
	}
	if s.mock != nil {
		s.mock.Close()
	}
	cancel()
	select {
	case <-done:
		log.Info("server stopped")
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
