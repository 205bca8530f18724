package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var flags commonFlags
	var noStdin bool
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run <notebook> [cell...]",
		Short: "Run notebook cells in order and print their output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := terminalOptions{in: cmd.InOrStdin(), quiet: quiet}
			if noStdin {
				opts.in = nil
			}
			term, err := openTerminal(ctx, cmd, cfg, args[0], opts)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				if err := term.Close(closeCtx); err != nil {
					pslog.Ctx(ctx).Warn("notebook close failed", "err", err)
				}
			}()

			cells, err := resolveCells(ctx, term.file, args[1:])
			if err != nil {
				return err
			}
			if _, err := term.notebook.RequestRunAll(cells); err != nil {
				return err
			}
			if err := term.notebook.WaitIdle(ctx); err != nil {
				term.notebook.CancelActive()
				return err
			}

			failed := 0
			for _, cell := range cells {
				switch term.notebook.Status(cell).State {
				case schema.CellError, schema.CellReset, schema.CellCancelled:
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d %w", failed, len(cells), errCellsFailed)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&noStdin, "no-stdin", false, "answer every input request with end of file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only settled cell states")
	return cmd
}
