package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Veraticus/psan/internal/cli"
	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/ruleio"
)

func labelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Manage replacement labels",
		Long: `A label names a kind of secret and the text printed in its place,
for example name -> [NAME].`,
	}

	cmd.AddCommand(listLabelsCmd())
	cmd.AddCommand(addLabelCmd())
	cmd.AddCommand(updateLabelCmd())
	cmd.AddCommand(removeLabelCmd())
	cmd.AddCommand(importLabelsCmd())
	cmd.AddCommand(exportLabelsCmd())

	return cmd
}

func listLabelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List labels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				labels, err := a.store.ListLabels(ctx)
				if err != nil {
					return err
				}
				if len(labels) == 0 {
					say(cmd, cli.SubtleStyle.Render("No labels found."))
					return nil
				}
				rows := make([][]string, 0, len(labels))
				for _, l := range labels {
					rows = append(rows, []string{strconv.FormatInt(l.ID, 10), l.Name, l.Replacement})
				}
				say(cmd, cli.RenderTable([]string{"ID", "NAME", "REPLACEMENT"}, rows))
				return nil
			})
		},
	}
}

func addLabelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <replacement>",
		Short: "Add a label or change its replacement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				label := &model.Label{Name: args[0], Replacement: args[1]}
				if err := a.store.SaveLabel(ctx, label); err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("Label %d: %s -> %s", label.ID, label.Name, label.Replacement)))
				return nil
			})
		},
	}
}

func updateLabelCmd() *cobra.Command {
	var (
		rename      string
		replacement string
	)

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Rename a label or change its replacement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				label, err := findLabel(ctx, a, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("rename") {
					label.Name = rename
				}
				if cmd.Flags().Changed("replacement") {
					label.Replacement = replacement
				}
				if err := a.store.UpdateLabel(ctx, label); err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("Label %d: %s -> %s", label.ID, label.Name, label.Replacement)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&rename, "rename", "", "new name")
	cmd.Flags().StringVar(&replacement, "replacement", "", "new replacement text")

	return cmd
}

func removeLabelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a label",
		Long:  `Delete a label. Annotations and rules that used it become unlabelled.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				label, err := findLabel(ctx, a, args[0])
				if err != nil {
					return err
				}
				if err := a.store.DeleteLabel(ctx, label.ID); err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess("Removed label "+label.Name))
				return nil
			})
		},
	}
}

func importLabelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import labels from CSV (label, replacement)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer closeIn()

			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := ruleio.ImportLabels(ctx, a.store, in)
				if err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("%d labels imported", n)))
				return nil
			})
		},
	}
}

func exportLabelsCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export labels as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return writeOutput(cmd, outPath, func(w io.Writer) error {
					_, err := ruleio.ExportLabels(ctx, a.store, w)
					return err
				})
			})
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")

	return cmd
}

func findLabel(ctx context.Context, a *app, name string) (*model.Label, error) {
	label, err := a.store.FindLabelByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if label == nil {
		return nil, common.NewUserError(fmt.Sprintf("No label named %q", name), common.ErrNotFound)
	}
	return label, nil
}
