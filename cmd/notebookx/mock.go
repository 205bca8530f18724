package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/notebookx/httpapi"
	"pkt.systems/notebookx/internal/appconfig"
	"pkt.systems/notebookx/internal/mockserver"
	"pkt.systems/pslog"
)

func newMockServerCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a toy execution server speaking the session and run protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Mock.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			mock := mockserver.New(mockConfig(cfg.Mock))
			defer mock.Close()
			pslog.Ctx(ctx).Info("mock server listening", "addr", cfg.Mock.Addr, "step_delay_ms", cfg.Mock.StepDelayMs)
			return httpapi.ListenAndServe(ctx, cfg.Mock.Addr, httpapi.LogRequests(mock.Handler()))
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override the listen address")
	return cmd
}
