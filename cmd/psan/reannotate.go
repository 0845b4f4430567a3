package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Veraticus/psan/internal/cli"
)

func reannotateCmd() *cobra.Command {
	var (
		all   bool
		queue bool
	)

	cmd := &cobra.Command{
		Use:   "reannotate [document]",
		Short: "Re-apply the rules to documents",
		Long: `Re-apply the current rules to one document, or with --all to every
recognized document right away. --queue instead schedules a corpus sweep
for the worker after the configured delay; requests queued before it runs
are merged into one sweep.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 1 && (all || queue):
				return fmt.Errorf("give either a document or --all/--queue")
			case len(args) == 0 && !all && !queue:
				return fmt.Errorf("give a document, --all or --queue")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					sub, err := resolveDocument(ctx, a, args[0])
					if err != nil {
						return err
					}
					if err := a.scheduler.ReAnnotate(ctx, sub.ID); err != nil {
						return err
					}
					say(cmd, cli.FormatSuccess(fmt.Sprintf("Re-annotated document %d", sub.ID)))
					return nil
				}

				if queue {
					if err := a.scheduler.ReAnnotateAll(ctx, nil); err != nil {
						return err
					}
					say(cmd, cli.FormatSuccess(fmt.Sprintf("Corpus sweep queued, runs in %s", a.cfg.ReAnnotate.Delay)))
					return nil
				}

				return runSweep(ctx, cmd, a)
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "re-annotate every recognized document now")
	cmd.Flags().BoolVarP(&queue, "queue", "q", false, "queue a delayed corpus sweep for the worker")

	return cmd
}

func runSweep(ctx context.Context, cmd *cobra.Command, a *app) error {
	handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
	ctx, stop := handler.HandleInterrupts(ctx, "Run psan reannotate --all again to finish the sweep")
	defer stop()

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = newProgressBar(cmd, total)
		}
		if err := bar.Set(done); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
	}

	result, err := a.scheduler.Sweep(ctx, nil, progress)
	if handler.WasInterrupted() {
		return nil
	}
	if err != nil {
		return err
	}

	say(cmd, cli.FormatSuccess(fmt.Sprintf("Re-annotated %d of %d documents", result.Processed, result.Total)))
	if result.Failed > 0 {
		say(cmd, cli.FormatWarning(fmt.Sprintf("%d documents failed, see the log", result.Failed)))
	}
	return nil
}

func newProgressBar(cmd *cobra.Command, total int) *progressbar.ProgressBar {
	w := cmd.ErrOrStderr()
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Re-annotating documents...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(w); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)
}

const metricsReadHeaderTimeout = 5 * time.Second

func workerCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Recognize new documents and run queued sweeps",
		Long: `Run in the foreground, recognizing NEW submissions and running queued
corpus sweeps once they are due. Stops on interrupt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := openApp(ctx, reg)
			if err != nil {
				return err
			}
			defer a.Close()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, reg)
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						slog.Warn("Failed to stop metrics server", "error", err)
					}
				}()
			}

			handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
			ctx, stop := handler.HandleInterrupts(ctx, "Queued sweeps stay queued until the worker runs again")
			defer stop()

			return a.scheduler.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
