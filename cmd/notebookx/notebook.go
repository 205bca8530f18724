package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/notebookx/internal/notebookfile"
)

func newNewCmd() *cobra.Command {
	var title string
	var cells []string
	cmd := &cobra.Command{
		Use:   "new <notebook>",
		Short: "Create a notebook file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.HasSuffix(path, notebookfile.Extension) {
				path += notebookfile.Extension
			}
			doc := notebookfile.Document{Title: title}
			for i, code := range cells {
				doc.Cells = append(doc.Cells, notebookfile.Cell{ID: fmt.Sprintf("c%d", i+1), Code: code})
			}
			if len(doc.Cells) == 0 {
				doc.Cells = []notebookfile.Cell{{ID: "c1"}}
			}
			file, err := notebookfile.Create(path, doc)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", file.Path(), file.ID())
			return err
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "notebook title")
	cmd.Flags().StringArrayVar(&cells, "cell", nil, "cell code, repeatable")
	return cmd
}
