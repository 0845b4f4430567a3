package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Veraticus/psan/internal/cli"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/ruleio"
	"github.com/Veraticus/psan/internal/service"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage decision rules",
		Long: `Rules carry a signed confidence: positive values argue for PUBLIC,
negative values for SECRET. Rule changes queue a corpus re-annotation.`,
	}

	cmd.AddCommand(listRulesCmd())
	cmd.AddCommand(addRuleCmd())
	cmd.AddCommand(removeRuleCmd())
	cmd.AddCommand(labelRuleCmd())
	cmd.AddCommand(importRulesCmd())
	cmd.AddCommand(exportRulesCmd())

	return cmd
}

func listRulesCmd() *cobra.Command {
	var (
		ruleType string
		search   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				filter := service.RuleFilter{Search: search, Limit: limit}
				if ruleType != "" {
					parsed, err := model.ParseRuleType(ruleType)
					if err != nil {
						return err
					}
					filter.Type = &parsed
				}

				rules, err := a.store.ListRules(ctx, filter)
				if err != nil {
					return err
				}
				if len(rules) == 0 {
					say(cmd, cli.SubtleStyle.Render("No rules found."))
					return nil
				}

				rows := make([][]string, 0, len(rules))
				for _, r := range rules {
					source := ""
					if r.Source != nil {
						source = strconv.FormatInt(*r.Source, 10)
					}
					rows = append(rows, []string{
						strconv.FormatInt(r.ID, 10),
						string(r.Type),
						r.ConditionString(),
						cli.FormatDecision(r.Polarity(), false) + " " + strconv.Itoa(r.Confidence),
						r.Author,
						source,
					})
				}
				say(cmd, cli.RenderTable([]string{"ID", "TYPE", "CONDITION", "CONFIDENCE", "AUTHOR", "SOURCE"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&ruleType, "type", "t", "", "only rules of this type")
	cmd.Flags().StringVarP(&search, "search", "s", "", "only rules whose condition contains this text")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows")

	return cmd
}

func addRuleCmd() *cobra.Command {
	var ruleType string

	cmd := &cobra.Command{
		Use:   "add <confidence> <token>...",
		Short: "Add a rule or change its confidence",
		Example: `  psan rules add -- -5 John Smith
  psan rules add 2 Prague
  psan rules add --type NE_TYPE 1 gu`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			confidence, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("confidence %q is not an integer", args[0])
			}
			parsedType, err := model.ParseRuleType(ruleType)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				rule, err := a.engine.SetRule(ctx, parsedType, parseCondition(args[1:]), confidence, author(cmd))
				if err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("Rule %d: %s = %d", rule.ID, rule.ConditionString(), rule.Confidence)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&ruleType, "type", "t", string(model.RuleWordType), "rule type (WORD_TYPE, LEMMA, NE_TYPE)")

	return cmd
}

func removeRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <rule-id>",
		Short: "Delete a rule",
		Long: `Delete a rule. Spans it decided revert to UNDECIDED unless a human
decided them or other rules still apply.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("rule id %q is not a number", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.engine.RemoveRule(ctx, id); err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("Removed rule %d", id)))
				return nil
			})
		},
	}
}

func labelRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "label <label|-> <token>...",
		Short: "Set the label of a WORD_TYPE rule",
		Long:  `Set the label of a WORD_TYPE rule. Use - to remove the label.`,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				name := args[0]
				if name == "-" {
					name = ""
				}
				labelID, err := resolveLabel(ctx, a, name)
				if err != nil {
					return err
				}
				condition := parseCondition(args[1:])
				if err := a.engine.SetRuleLabel(ctx, condition, labelID, author(cmd)); err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess("Label updated"))
				return nil
			})
		},
	}
}

func importRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import rules from CSV",
		Long: `Import rules from a CSV file with the columns type, condition and
decision. Condition tokens are joined with '='. The database is
checkpointed first and a corpus re-annotation is queued afterwards.
Reads stdin when no file is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer closeIn()

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if manager, err := a.store.NewCheckpointManager(); err == nil {
					if _, err := manager.AutoCheckpoint(ctx, "rules-import"); err != nil {
						return fmt.Errorf("failed to checkpoint before import: %w", err)
					}
				} else {
					slog.Warn("Importing without a checkpoint", "error", err)
				}

				result, err := ruleio.ImportRules(ctx, a.store, in, author(cmd))
				if err != nil {
					return err
				}
				a.engine.RulesChanged(ctx)

				if result.AuthorIgnored {
					say(cmd, cli.FormatWarning("Rule authors were ignored in import"))
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("%d rules imported", result.Imported)))
				return nil
			})
		},
	}
}

func exportRulesCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export rules as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return writeOutput(cmd, outPath, func(w io.Writer) error {
					_, err := ruleio.ExportRules(ctx, a.store, w)
					return err
				})
			})
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")

	return cmd
}

// openInput opens the file named by args[0] or falls back to stdin.
func openInput(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	if len(args) == 0 {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(args[0]) //nolint:gosec // user supplied input file
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	return f, func() { _ = f.Close() }, nil
}

// writeOutput runs write against the named file, or stdout when path is empty.
func writeOutput(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.Create(path) //nolint:gosec // user supplied output file
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
