package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var flags commonFlags
	cmd := &cobra.Command{
		Use:   "status <notebook>",
		Short: "Show the stored cell statuses and session of a notebook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			// Statuses and the session id are read back from the state directory.
			term, err := openTerminal(cmd.Context(), cmd, cfg, args[0], terminalOptions{quiet: true})
			if err != nil {
				return err
			}
			defer func() { _ = term.Close(context.WithoutCancel(cmd.Context())) }()

			cells, err := term.file.Cells(cmd.Context())
			if err != nil {
				return err
			}
			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			session := term.notebook.Session()
			_, _ = fmt.Fprintf(out, "session\t%s\t%s\n", term.msg.Session(session), session.ID)
			for _, cell := range cells {
				_, _ = fmt.Fprintf(out, "%s\t%s\n", cell, term.msg.CellStatus(term.notebook.Status(cell)))
			}
			return out.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}
