package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/Kusanagi/migrations"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// withApplication opens the application, optionally wires the flows and always closes it
func withApplication(cmd *cobra.Command, wire bool, fn func(ctx context.Context, app *application) error) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	if wire {
		if err := app.wire(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, app)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with the enabled pollers",
	Long: `Run the HTTP API (webhooks and the control API) and start every poller
enabled in the configuration: the task runner, the drip scheduler and the
experiment evaluator.

With --consume the process also drains the webhook queue when WEBHOOK_QUEUE
is kafka or rabbitmq.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		consume, _ := cmd.Flags().GetBool("consume")
		pollers, _ := cmd.Flags().GetBool("pollers")

		return withApplication(cmd, true, func(ctx context.Context, app *application) error {
			r := app.newRouter()
			r.SetupRoutes()

			g, gctx := errgroup.WithContext(ctx)

			if pollers {
				stopScheduler := app.newScheduler().Start(gctx)
				defer stopScheduler()
			}

			if consume {
				consumer, err := app.newConsumer()
				if err != nil {
					return err
				}
				defer consumer.Close()
				g.Go(func() error { return app.consumeEvents(gctx, consumer) })
			}

			address := fmt.Sprintf("%s:%d", app.cfg.Server.Host, app.cfg.Server.Port)
			g.Go(func() error { return r.Start(address) })

			g.Go(func() error {
				<-gctx.Done()
				app.logger.Info("shutting down gracefully")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
				defer cancel()
				return r.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			app.logger.Info("server stopped")
			return nil
		})
	},
}

// --- poll ---

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run only the enabled pollers, without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, true, func(ctx context.Context, app *application) error {
			s := app.newScheduler()
			if s.Len() == 0 {
				return errors.New("no poller is enabled; set TASK_RUNNER_ENABLED, DRIP_ENABLED or EXPERIMENT_EVAL_ENABLED")
			}
			stop := s.Start(ctx)
			<-ctx.Done()
			app.logger.Info("stopping pollers")
			stop()
			return nil
		})
	},
}

// --- consume ---

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Drain queued webhook batches into the event correlator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, true, func(ctx context.Context, app *application) error {
			consumer, err := app.newConsumer()
			if err != nil {
				return err
			}
			defer consumer.Close()
			return app.consumeEvents(ctx, consumer)
		})
	},
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		down, _ := cmd.Flags().GetBool("down")

		return withApplication(cmd, false, func(ctx context.Context, app *application) error {
			if down {
				version, err := migrations.Down(ctx, app.db)
				if err != nil {
					return err
				}
				if version == "" {
					fmt.Println("nothing to roll back")
					return nil
				}
				fmt.Printf("rolled back %s\n", version)
				return nil
			}

			applied, err := migrations.Up(ctx, app.db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("schema is up to date")
				return nil
			}
			fmt.Printf("applied %s\n", strings.Join(applied, ", "))
			return nil
		})
	},
}

// --- campaign ---

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage campaign definitions",
}

var campaignImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a campaign definition from a YAML file",
	Long: `Import a campaign definition from a YAML file.

Example:
  kusanagi campaign import ./campaigns/trial-nurture.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading campaign file: %w", err)
		}

		return withApplication(cmd, true, func(ctx context.Context, app *application) error {
			resp, err := app.campaigns.ImportCampaignYAML(ctx, data)
			if err != nil {
				return err
			}
			return printJSON(resp)
		})
	},
}

// --- experiment ---

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Inspect and evaluate experiments",
}

var experimentEvaluateCmd = &cobra.Command{
	Use:   "evaluate <id>",
	Short: "Evaluate an experiment once and print the outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseIDArg(args[0])
		if err != nil {
			return err
		}

		return withApplication(cmd, true, func(ctx context.Context, app *application) error {
			resp, err := app.experiments.Evaluate(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(resp)
		})
	},
}

var experimentReportCmd = &cobra.Command{
	Use:   "report <id>",
	Short: "Write the variant results of an experiment as an xlsx workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseIDArg(args[0])
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")

		return withApplication(cmd, true, func(ctx context.Context, app *application) error {
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()

			name, data, err := app.experiments.Report(ctx, id)
			if err != nil {
				return err
			}
			if out == "" {
				out = name
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		})
	},
}

func parseIDArg(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

func init() {
	serveCmd.Flags().Bool("consume", false, "also drain the webhook queue in this process")
	serveCmd.Flags().Bool("pollers", true, "start the pollers enabled in the configuration")

	migrateCmd.Flags().Bool("down", false, "roll back the most recently applied migration")

	experimentReportCmd.Flags().String("out", "", "output path (defaults to the generated file name)")

	campaignCmd.AddCommand(campaignImportCmd)
	experimentCmd.AddCommand(experimentEvaluateCmd, experimentReportCmd)

	rootCmd.AddCommand(serveCmd, pollCmd, consumeCmd, migrateCmd, campaignCmd, experimentCmd)
}
