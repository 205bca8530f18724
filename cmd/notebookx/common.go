package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"

	"pkt.systems/notebookx"
	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/internal/appconfig"
	"pkt.systems/notebookx/internal/i18n"
	"pkt.systems/notebookx/internal/notebookfile"
	"pkt.systems/notebookx/internal/termview"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// commonFlags are shared by the commands that open a notebook.
type commonFlags struct {
	configPath string
	server     string
	protocol   string
	language   string
	color      string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&f.server, "server", "", "override the remote server base URL")
	cmd.Flags().StringVar(&f.protocol, "protocol", "", "execution protocol: auto, single or streaming")
	cmd.Flags().StringVar(&f.language, "lang", "", "message language (en, lv, ru)")
	cmd.Flags().StringVar(&f.color, "color", "", "terminal color: auto, always or never")
}

// load reads the config and applies the flag overrides.
func (f *commonFlags) load() (appconfig.Config, error) {
	cfg, err := appconfig.Load(f.configPath)
	if err != nil {
		return appconfig.Config{}, err
	}
	if value := strings.TrimSpace(f.server); value != "" {
		cfg.Server.BaseURL = value
	}
	if value := strings.TrimSpace(f.protocol); value != "" {
		if _, ok := schema.NormalizeProtocol(value); !ok {
			return appconfig.Config{}, fmt.Errorf("unsupported protocol %q", value)
		}
		cfg.Executor.Protocol = value
	}
	if value := strings.TrimSpace(f.language); value != "" {
		cfg.UI.Language = value
	}
	if value := strings.TrimSpace(f.color); value != "" {
		cfg.UI.Color = value
	}
	return cfg, nil
}

// terminalSession is one notebook opened for a CLI command.
type terminalSession struct {
	workspace *notebookx.Workspace
	notebook  *core.Notebook
	file      *notebookfile.File
	view      *termview.View
	msg       *i18n.Messages
}

type terminalOptions struct {
	// out defaults to the command output.
	out   io.Writer
	in    io.Reader
	quiet bool
	// idle keeps the inactivity watchdog on.
	idle bool
}

func openTerminal(ctx context.Context, cmd *cobra.Command, cfg appconfig.Config, path string, opts terminalOptions) (*terminalSession, error) {
	if !opts.idle {
		cfg.Idle.Disabled = true
	}
	msg := i18n.New(cfg.UI.Language)
	out := opts.out
	if out == nil {
		out = cmd.OutOrStdout()
	}
	view := termview.New(termview.Options{
		Out:      out,
		In:       opts.in,
		Color:    cfg.UI.Color,
		Messages: msg,
		Quiet:    opts.quiet,
	})
	workspace, err := notebookx.NewWorkspace(ctx, cfg, notebookx.WorkspaceDeps{
		Presenter: view,
		Messages:  msg,
		Logger:    pslog.Ctx(ctx),
	})
	if err != nil {
		return nil, err
	}
	nb, file, err := workspace.OpenFile(ctx, path)
	if err != nil {
		_ = workspace.Close(ctx)
		return nil, err
	}
	return &terminalSession{workspace: workspace, notebook: nb, file: file, view: view, msg: msg}, nil
}

func (s *terminalSession) Close(ctx context.Context) error {
	return s.workspace.Close(ctx)
}

// resolveCells maps command arguments onto cell ids, defaulting to every cell.
func resolveCells(ctx context.Context, doc core.Document, args []string) ([]schema.CellID, error) {
	all, err := doc.Cells(ctx)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return all, nil
	}
	known := mapset.NewThreadUnsafeSet(all...)
	out := make([]schema.CellID, 0, len(args))
	for _, arg := range args {
		cell, err := schema.NormalizeCellID(arg)
		if err != nil {
			return nil, err
		}
		if !known.Contains(cell) {
			return nil, fmt.Errorf("cell %s: %w", cell, schema.ErrCellNotFound)
		}
		out = append(out, cell)
	}
	return out, nil
}

var errCellsFailed = errors.New("cells failed")
