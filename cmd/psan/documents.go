package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/psan/internal/cli"
	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/engine"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

func submitCmd() *cobra.Command {
	var (
		name    string
		process bool
	)

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a plain text document",
		Long: `Store a plain text document as a NEW submission. Reads stdin when no
file is given. With --process the document is recognized right away,
otherwise the worker picks it up.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var in io.Reader = cmd.InOrStdin()
				if len(args) == 1 {
					f, err := os.Open(args[0]) //nolint:gosec // user supplied input file
					if err != nil {
						return fmt.Errorf("failed to open %s: %w", args[0], err)
					}
					defer func() { _ = f.Close() }()
					in = f
					if name == "" {
						name = filepath.Base(args[0])
					}
				}

				sub, err := a.engine.Submit(ctx, name, in)
				if err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("Submitted document %d (%s)", sub.ID, sub.UID)))

				if process {
					if err := a.engine.Process(ctx, sub.ID); err != nil {
						return err
					}
					say(cmd, cli.FormatSuccess("Recognized"))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "display name of the document")
	cmd.Flags().BoolVarP(&process, "process", "p", false, "recognize the document immediately")

	return cmd
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <document>",
		Short: "Recognize a NEW document and apply the rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sub, err := resolveDocument(ctx, a, args[0])
				if err != nil {
					return err
				}
				if err := a.engine.Process(ctx, sub.ID); err != nil {
					return err
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("Recognized document %d", sub.ID)))
				return nil
			})
		},
	}
}

func decideCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "decide <document> <interval> <SECRET|PUBLIC>",
		Short: "Record a human decision for a span",
		Long: `Mark the tokens of interval (start-end, inclusive token ids) SECRET or
PUBLIC. A SECRET decision also creates a candidate rule from the span text;
a PUBLIC decision drops candidates created from it. The document is
re-annotated at once and a corpus sweep is queued when other documents may
be affected.`,
		Example: `  psan decide 12 5-6 SECRET --label name
  psan decide 12 9 PUBLIC`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sub, err := resolveDocument(ctx, a, args[0])
				if err != nil {
					return err
				}
				interval, err := parseInterval(args[1])
				if err != nil {
					return err
				}
				decision, err := model.ParseDecision(strings.ToUpper(args[2]))
				if err != nil {
					return err
				}

				var opts []engine.DecideOption
				if label != "" {
					labelID, err := resolveLabel(ctx, a, label)
					if err != nil {
						return err
					}
					if labelID != nil {
						opts = append(opts, engine.WithLabel(*labelID))
					}
				}

				result, err := a.engine.Decide(ctx, sub.ID, interval, decision, author(cmd), opts...)
				if err != nil {
					return err
				}

				say(cmd, cli.FormatSuccess(fmt.Sprintf("%s marked %s", interval, cli.FormatDecision(decision, true))))
				if result.Candidate != nil {
					say(cmd, cli.FormatInfo("Candidate rule: " + result.Candidate.ConditionString()))
				}
				if result.Dropped > 0 {
					say(cmd, cli.FormatInfo(fmt.Sprintf("Dropped %d candidate rule(s)", result.Dropped)))
				}
				if result.SweepCorpus {
					say(cmd, cli.FormatInfo("Corpus re-annotation queued"))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&label, "label", "l", "", "label the span")

	return cmd
}

func decisionsCmd() *cobra.Command {
	var within string

	cmd := &cobra.Command{
		Use:   "decisions <document>",
		Short: "Show the decision of every annotated span",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sub, err := resolveDocument(ctx, a, args[0])
				if err != nil {
					return err
				}
				var interval *model.Interval
				if within != "" {
					parsed, err := parseInterval(within)
					if err != nil {
						return err
					}
					interval = &parsed
				}

				decisions, err := a.engine.Decisions(ctx, sub.ID, interval)
				if err != nil {
					return err
				}
				if len(decisions) == 0 {
					say(cmd, cli.SubtleStyle.Render("No annotations."))
					return nil
				}

				rows := make([][]string, 0, len(decisions))
				for _, d := range decisions {
					rows = append(rows, []string{
						d.Interval.String(),
						cli.FormatDecision(d.Decision, d.Explicit),
						strconv.Itoa(d.RuleLevel),
						d.Label,
						d.Replacement,
					})
				}
				say(cmd, cli.RenderTable([]string{"SPAN", "DECISION", "RULES", "LABEL", "REPLACEMENT"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&within, "within", "", "only spans starting inside this interval")

	return cmd
}

func generateCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "generate <document>",
		Short: "Print the document with SECRET spans replaced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sub, err := resolveDocument(ctx, a, args[0])
				if err != nil {
					return err
				}
				if outPath == "" {
					return a.engine.Generate(ctx, sub.ID, cmd.OutOrStdout())
				}

				f, err := os.Create(outPath) //nolint:gosec // user supplied output file
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outPath, err)
				}
				if err := a.engine.Generate(ctx, sub.ID, f); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")

	return cmd
}

func submissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List submissions and close finished ones",
	}
	cmd.AddCommand(listSubmissionsCmd())
	cmd.AddCommand(doneSubmissionCmd())
	return cmd
}

func listSubmissionsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				filter := service.SubmissionFilter{Limit: limit}
				if status != "" {
					parsed, err := model.ParseSubmissionStatus(status)
					if err != nil {
						return err
					}
					filter.Status = &parsed
				}

				subs, err := a.store.ListSubmissions(ctx, filter)
				if err != nil {
					return err
				}
				if len(subs) == 0 {
					say(cmd, cli.SubtleStyle.Render("No submissions found."))
					return nil
				}

				rows := make([][]string, 0, len(subs))
				for _, s := range subs {
					rows = append(rows, []string{
						strconv.FormatInt(s.ID, 10),
						s.UID,
						s.Name,
						string(s.Status),
						strconv.Itoa(s.NumTokens),
						s.CreatedAt.Format("2006-01-02 15:04"),
					})
				}
				say(cmd, cli.RenderTable([]string{"ID", "UID", "NAME", "STATUS", "TOKENS", "CREATED"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "only submissions in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows")

	return cmd
}

func doneSubmissionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <document>",
		Short: "Mark a document DONE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sub, err := resolveDocument(ctx, a, args[0])
				if err != nil {
					return err
				}
				if err := a.engine.MarkDone(ctx, sub.ID); err != nil {
					return common.NewUserError(fmt.Sprintf("Document %d cannot be closed", sub.ID), err)
				}
				say(cmd, cli.FormatSuccess(fmt.Sprintf("Document %d is DONE", sub.ID)))
				return nil
			})
		},
	}
}
