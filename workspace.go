package notebookx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/httpapi"
	"pkt.systems/notebookx/internal/appconfig"
	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/notebookfile"
	"pkt.systems/notebookx/internal/persist"
	"pkt.systems/notebookx/internal/render"
	"pkt.systems/notebookx/internal/sessionhttp"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// WorkspaceDeps captures optional collaborators of a Workspace.
type WorkspaceDeps struct {
	// Client overrides the remote client built from the server config.
	Client *sessionhttp.Client
	// KV overrides the file store under the state directory.
	KV persist.KV
	// Presenter receives the events of every opened notebook.
	Presenter core.Presenter
	Messages  *i18n.Messages
	Logger    pslog.Logger
}

// Workspace opens notebook files and keeps one coordinator per notebook.
type Workspace struct {
	cfg       appconfig.Config
	dir       string
	client    *sessionhttp.Client
	kv        persist.KV
	presenter core.Presenter
	msg       *i18n.Messages
	log       pslog.Logger

	group singleflight.Group

	mu     sync.Mutex
	open   map[schema.NotebookID]*openNotebook
	closed bool
}

type openNotebook struct {
	notebook *core.Notebook
	file     *notebookfile.File
}

var _ httpapi.Library = (*Workspace)(nil)

// NewWorkspace builds a workspace from the application config.
func NewWorkspace(ctx context.Context, cfg appconfig.Config, deps WorkspaceDeps) (*Workspace, error) {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	client := deps.Client
	if client == nil {
		clientCfg := sessionhttp.FromAppConfig(cfg.Server)
		clientCfg.Logger = logger
		built, err := sessionhttp.New(clientCfg)
		if err != nil {
			return nil, fmt.Errorf("remote client: %w", err)
		}
		client = built
	}
	kv := deps.KV
	if kv == nil {
		// An unusable state directory degrades to in-memory state.
		store, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
		if err != nil {
			logger.Warn("state store unavailable", "state_dir", cfg.StateDir, "err", err)
		} else {
			kv = persist.NewDurable(store, logger)
		}
	}
	msg := deps.Messages
	if msg == nil {
		msg = i18n.New(cfg.UI.Language)
	}
	presenter := deps.Presenter
	if presenter == nil {
		presenter = core.NopPresenter{}
	}
	return &Workspace{
		cfg:       cfg,
		dir:       cfg.HTTP.NotebooksDir,
		client:    client,
		kv:        kv,
		presenter: presenter,
		msg:       msg,
		log:       logger,
		open:      make(map[schema.NotebookID]*openNotebook),
	}, nil
}

// Client returns the remote client shared by every notebook.
func (w *Workspace) Client() *sessionhttp.Client {
	return w.client
}

// Messages returns the localized catalog.
func (w *Workspace) Messages() *i18n.Messages {
	return w.msg
}

// List implements httpapi.Library.
func (w *Workspace) List(ctx context.Context) ([]httpapi.NotebookSummary, error) {
	if w.dir == "" {
		return nil, nil
	}
	paths, err := notebookfile.List(w.dir)
	if err != nil {
		return nil, err
	}
	out := make([]httpapi.NotebookSummary, 0, len(paths))
	for _, path := range paths {
		file, err := notebookfile.Open(path)
		if err != nil {
			pslog.Ctx(ctx).Warn("notebook list skipped file", "path", path, "err", err)
			continue
		}
		cells, _ := file.Cells(ctx)
		w.mu.Lock()
		_, open := w.open[file.ID()]
		w.mu.Unlock()
		out = append(out, httpapi.NotebookSummary{ID: file.ID(), Title: file.Title(), Cells: len(cells), Open: open})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Open implements httpapi.Library. The notebook file lives under the notebooks directory.
func (w *Workspace) Open(ctx context.Context, id schema.NotebookID) (*core.Notebook, core.Document, error) {
	id, err := schema.NormalizeNotebookID(string(id))
	if err != nil {
		return nil, nil, err
	}
	if w.dir == "" {
		return nil, nil, fmt.Errorf("notebook %s: %w", id, os.ErrNotExist)
	}
	nb, file, err := w.OpenFile(ctx, filepath.Join(w.dir, string(id)+notebookfile.Extension))
	if err != nil {
		return nil, nil, err
	}
	return nb, file, nil
}

// OpenFile opens the notebook stored at path, returning the running coordinator when it is
// already open.
func (w *Workspace) OpenFile(ctx context.Context, path string) (*core.Notebook, *notebookfile.File, error) {
	id, err := schema.NormalizeNotebookID(notebookfile.IDFromPath(path))
	if err != nil {
		return nil, nil, err
	}
	if open, ok := w.lookup(id); ok {
		return open.notebook, open.file, nil
	}
	value, err, _ := w.group.Do(string(id), func() (any, error) {
		if open, ok := w.lookup(id); ok {
			return open, nil
		}
		return w.openLocked(ctx, id, path)
	})
	if err != nil {
		return nil, nil, err
	}
	open := value.(*openNotebook)
	return open.notebook, open.file, nil
}

func (w *Workspace) lookup(id schema.NotebookID) (*openNotebook, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	open, ok := w.open[id]
	return open, ok
}

// openLocked runs inside the singleflight group for id.
func (w *Workspace) openLocked(ctx context.Context, id schema.NotebookID, path string) (*openNotebook, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, schema.ErrClosed
	}
	file, err := notebookfile.Open(path)
	if err != nil {
		return nil, err
	}
	cfg := w.cfg.Notebook(id)
	cfg.ComputeDevice = file.ComputeDevice()
	nb, err := core.NewNotebook(ctx, cfg, w.deps(file))
	if err != nil {
		return nil, err
	}
	open := &openNotebook{notebook: nb, file: file}
	w.mu.Lock()
	w.open[id] = open
	w.mu.Unlock()
	w.log.Info("workspace notebook opened", "notebook", id, "path", path)
	return open, nil
}

func (w *Workspace) deps(file *notebookfile.File) core.Deps {
	deps := core.Deps{
		Document:  file,
		Saver:     outputSavers{file, w.remoteSaver()},
		Devices:   deviceStores{w.remoteDevices(), file},
		Presenter: w.presenter,
		KV:        w.kv,
		Messages:  w.msg,
		Logger:    w.log,
	}
	if w.client.HasSessions() {
		deps.Sessions = w.client
	}
	opts := core.ExecutorOptions{
		Protocol:     w.cfg.Notebook(file.ID()).Protocol,
		PollInterval: w.cfg.Notebook(file.ID()).PollInterval,
		Renderer:     render.New(w.msg),
	}
	if w.client.HasRun() {
		opts.Runner = w.client
	}
	if w.client.HasStreaming() {
		opts.Streamer = w.client
	}
	deps.Executor = core.NewExecutor(opts)
	return deps
}

func (w *Workspace) remoteSaver() core.OutputSaver {
	if !w.client.HasSaveOutput() {
		return nil
	}
	return w.client
}

func (w *Workspace) remoteDevices() core.DeviceAPI {
	if !w.client.HasComputeDevice() {
		return nil
	}
	return w.client
}

// Close stops every open notebook and waits for pending saves.
func (w *Workspace) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	open := make([]*openNotebook, 0, len(w.open))
	for _, nb := range w.open {
		open = append(open, nb)
	}
	w.open = make(map[schema.NotebookID]*openNotebook)
	w.mu.Unlock()
	var errs []error
	for _, nb := range open {
		if err := nb.notebook.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", nb.notebook.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// outputSavers writes the output to every configured saver and reports all failures.
type outputSavers []core.OutputSaver

func (s outputSavers) SaveOutput(ctx context.Context, notebook schema.NotebookID, cell schema.CellID, code, outputHTML string) error {
	var errs []error
	for _, saver := range s {
		if saver == nil {
			continue
		}
		if err := saver.SaveOutput(ctx, notebook, cell, code, outputHTML); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deviceStores records the device in order and stops at the first failure, so the notebook
// file only changes once the server accepted the device.
type deviceStores []core.DeviceAPI

func (s deviceStores) SetComputeDevice(ctx context.Context, notebook schema.NotebookID, device schema.ComputeDevice) error {
	for _, store := range s {
		if store == nil {
			continue
		}
		if err := store.SetComputeDevice(ctx, notebook, device); err != nil {
			return err
		}
	}
	return nil
}
