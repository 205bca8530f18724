package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/notebookx/core"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the remote session of a notebook",
	}
	cmd.AddCommand(newSessionActionCmd("create", "Create a session, or adopt the stored one", func(ctx context.Context, nb *core.Notebook) error {
		_, err := nb.CreateSession(ctx)
		return err
	}))
	cmd.AddCommand(newSessionActionCmd("reset", "Replace the session with a fresh one", func(ctx context.Context, nb *core.Notebook) error {
		return nb.ResetSession(ctx)
	}))
	cmd.AddCommand(newSessionActionCmd("stop", "Stop the session and forget it", func(ctx context.Context, nb *core.Notebook) error {
		return nb.StopSession(ctx)
	}))
	cmd.AddCommand(newSessionFilesCmd())
	cmd.AddCommand(newSessionDeviceCmd())
	return cmd
}

func newSessionActionCmd(name, short string, action func(context.Context, *core.Notebook) error) *cobra.Command {
	var flags commonFlags
	cmd := &cobra.Command{
		Use:   name + " <notebook>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			term, err := openTerminal(cmd.Context(), cmd, cfg, args[0], terminalOptions{quiet: true})
			if err != nil {
				return err
			}
			defer func() { _ = term.Close(context.WithoutCancel(cmd.Context())) }()
			return action(cmd.Context(), term.notebook)
		},
	}
	flags.register(cmd)
	return cmd
}

func newSessionFilesCmd() *cobra.Command {
	var flags commonFlags
	cmd := &cobra.Command{
		Use:   "files <notebook>",
		Short: "List the files in the session workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			term, err := openTerminal(cmd.Context(), cmd, cfg, args[0], terminalOptions{out: io.Discard, quiet: true})
			if err != nil {
				return err
			}
			defer func() { _ = term.Close(context.WithoutCancel(cmd.Context())) }()
			files, err := term.notebook.RefreshFiles(cmd.Context())
			if err != nil {
				return err
			}
			for _, file := range files {
				name := file.Name
				if file.Dir {
					name += "/"
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSessionDeviceCmd() *cobra.Command {
	var flags commonFlags
	cmd := &cobra.Command{
		Use:   "device <notebook> [cpu|gpu]",
		Short: "Show or change the compute device used by new sessions",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			term, err := openTerminal(cmd.Context(), cmd, cfg, args[0], terminalOptions{out: io.Discard, quiet: true})
			if err != nil {
				return err
			}
			defer func() { _ = term.Close(context.WithoutCancel(cmd.Context())) }()
			if len(args) == 2 {
				if _, err := term.notebook.ChangeComputeDevice(cmd.Context(), args[1]); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), term.notebook.ComputeDevice())
			return err
		},
	}
	flags.register(cmd)
	return cmd
}
