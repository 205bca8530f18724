package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/notebookx"
	"pkt.systems/notebookx/httpapi"
	"pkt.systems/notebookx/internal/appconfig"
	"pkt.systems/notebookx/internal/mockserver"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var flags commonFlags
	var withMock bool
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the notebooks directory through the local web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			opts := []notebookx.ServerOption{notebookx.WithHTTP()}
			if withMock {
				// The workspace talks to the built-in mock instead of the configured server.
				cfg.Server.BaseURL = "http://" + cfg.Mock.Addr
				cfg.Server.Endpoints = appconfig.DefaultEndpoints()
				opts = append(opts, notebookx.WithMock())
			}
			serverCfg := notebookx.ServerConfig{
				App: cfg,
				HTTP: httpapi.Config{
					Addr:     cfg.HTTP.Addr,
					BasePath: cfg.HTTP.BasePath,
				},
				Mock:     mockConfig(cfg.Mock),
				MockAddr: cfg.Mock.Addr,
			}
			server, err := notebookx.New(cmd.Context(), serverCfg, notebookx.ServerDeps{
				Workspace: notebookx.WorkspaceDeps{Logger: logger},
			}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&withMock, "mock", false, "also start the built-in mock execution server and use it")
	cmd.Flags().StringVar(&addr, "addr", "", "override the HTTP listen address")
	return cmd
}

func mockConfig(cfg appconfig.MockConfig) mockserver.Config {
	return mockserver.Config{StepDelay: time.Duration(cfg.StepDelayMs) * time.Millisecond}
}
