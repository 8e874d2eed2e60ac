package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"linkline/internal/app"
	"linkline/internal/config"
	"linkline/internal/db"
	"linkline/internal/domain"
	"linkline/internal/records"
	"linkline/internal/report"
	"linkline/internal/runlog"
	"linkline/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	logger *zap.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}
	root := &cobra.Command{
		Use:   "ll",
		Short: "Linkline CLI",
		Long: `Linkline keeps a record store consistent: it reconciles link fields between
records, derives milestone windows per version and rolls metric samples up
into per-version fields.
- Jobs: named entries in linkline.yml, one of peer_links, parent_child_links,
  forward_links, milestone_windows or metric_rollup.
- Runs: every execution of a job records a report in the workspace database.
- Writes are diffs: a second run with unchanged inputs writes nothing.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := app.NewLogger(c.v.GetBool("debug"))
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	c.v.SetEnvPrefix("LINKLINE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/linkline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.Bool("debug", false, "debug logging")
	for _, name := range []string{"workspace", "config", "json", "debug"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(c.runCmd())
	root.AddCommand(c.jobsCmd())
	root.AddCommand(c.runsCmd())
	root.AddCommand(c.windowsCmd())
	root.AddCommand(c.configCmd())
	root.AddCommand(c.recordsCmd())
	root.AddCommand(c.serveCmd())
	return root
}

func (c *cli) workspace() string { return c.v.GetString("workspace") }

func (c *cli) withApp(ctx context.Context, reg prometheus.Registerer, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  c.workspace(),
		ConfigPath: c.v.GetString("config"),
		Logger:     c.logger,
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withRuns opens only the run log, so reading history needs no store secrets.
func (c *cli) withRuns(ctx context.Context, fn func(context.Context, runlog.Store) error) error {
	conn, err := db.OpenMigrated(ctx, db.Config{Workspace: c.workspace()})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, runlog.Store{DB: conn})
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run a job and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Run(ctx, args[0])
				if run.ID != "" {
					if perr := c.printRun(run); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func (c *cli) jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect configured jobs"}
	jobs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(c.workspace(), c.v.GetString("config"))
			if err != nil {
				return err
			}
			names := cfg.JobNames()
			if c.v.GetBool("json") {
				out := make([]*config.Job, 0, len(names))
				for _, name := range names {
					job, _ := cfg.Job(name)
					out = append(out, job)
				}
				return c.printJSON(out)
			}
			tw := c.table("Name", "Kind", "Table", "Target")
			for _, name := range names {
				job, _ := cfg.Job(name)
				target := job.TargetTable
				if job.Kind == config.KindParentChildLinks {
					target = job.ChildTable
				}
				tw.AppendRow(table.Row{job.Name, job.Kind, job.Table, target})
			}
			tw.Render()
			return nil
		},
	})
	return jobs
}

func (c *cli) runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded runs"}
	var opts runlog.ListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuns(cmd.Context(), func(ctx context.Context, s runlog.Store) error {
				items, err := s.List(ctx, opts)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(items)
				}
				tw := c.table("ID", "Job", "Status", "Started", "Updated", "Skipped", "Failed")
				for _, r := range items {
					t := r.Totals()
					tw.AppendRow(table.Row{r.ID, r.Job, r.Status, r.StartedAt.Format(time.RFC3339), t.Updated, t.Skipped, t.Failed})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&opts.Job, "job", "", "job filter")
	list.Flags().IntVar(&opts.Limit, "limit", 20, "max runs")
	runs.AddCommand(list)
	runs.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuns(cmd.Context(), func(ctx context.Context, s runlog.Store) error {
				run, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printRun(run)
			})
		},
	})
	return runs
}

func (c *cli) windowsCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "windows [version]",
		Short: "Derive milestone windows without pushing them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				name := jobName
				if name == "" {
					for _, n := range a.Config.JobNames() {
						if job, _ := a.Config.Job(n); job.Kind == config.KindMilestoneWindows {
							name = n
							break
						}
					}
					if name == "" {
						return fmt.Errorf("no %s job configured", config.KindMilestoneWindows)
					}
				}
				windows, err := a.Engine.Windows(ctx, name)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					windows = filterVersion(windows, args[0])
				}
				if c.v.GetBool("json") {
					return c.printJSON(windows)
				}
				c.printWindows(windows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "milestone_windows job (default: first configured)")
	return cmd
}

func filterVersion(windows []report.VersionPeriod, version string) []report.VersionPeriod {
	out := windows[:0:0]
	for _, w := range windows {
		if w.Version == version {
			out = append(out, w)
		}
	}
	return out
}

func (c *cli) configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage linkline.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the loaded config with defaults applied",
		Long:  "Show the loaded config. Without a linkline.yml in the workspace the starter config is shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if path := c.v.GetString("config"); path != "" {
				cfg, err = config.FromFile(path)
			} else {
				cfg, err = config.LoadOptional(c.workspace())
			}
			if err != nil {
				return err
			}
			if cfg == nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s not found; showing the starter config\n", config.Path(c.workspace()))
				cfg = config.Default()
			}
			if c.v.GetBool("json") {
				return c.printJSON(cfg)
			}
			return yaml.NewEncoder(c.out).Encode(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(c.workspace(), c.v.GetString("config"))
			if c.v.GetBool("json") {
				return c.printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, "config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter linkline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := db.EnsureWorkspace(c.workspace()); err != nil {
				return err
			}
			path := config.Path(c.workspace())
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	return cfgCmd
}

func (c *cli) recordsCmd() *cobra.Command {
	recs := &cobra.Command{Use: "records", Short: "Manage records in the local sqlite store"}
	recs.AddCommand(&cobra.Command{
		Use:   "import <table> <file.json>",
		Short: "Load a JSON array of {id, fields} records into a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var items []domain.Record
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("parse %s: %w", args[1], err)
			}
			return c.withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				store, ok := a.Engine.Repo.(records.SQLStore)
				if !ok {
					return fmt.Errorf("records import needs store kind %s", config.StoreSQLite)
				}
				if err := store.Import(ctx, args[0], items); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "imported %d records into %s\n", len(items), args[0])
				return nil
			})
		},
	})
	return recs
}

func (c *cli) serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			return c.withApp(cmd.Context(), reg, func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Gatherer: reg, Logger: c.logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				c.logger.Info("serving linkline api", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Fprintf(c.out, "Serving Linkline API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func (c *cli) table(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(c.out)
	tw.AppendHeader(table.Row(header))
	return tw
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printRun(run report.Run) error {
	if c.v.GetBool("json") {
		return c.printJSON(run)
	}
	fmt.Fprintf(c.out, "run %s  job=%s  status=%s\n", run.ID, run.Job, run.Status)
	if run.Error != "" {
		fmt.Fprintln(c.out, "error:", run.Error)
	}
	tw := c.table("Category", "Evaluated", "Updated", "Skipped", "Failed")
	for _, t := range run.Tallies {
		tw.AppendRow(table.Row{t.Category, t.Evaluated, t.Updated, t.Skipped, t.Failed})
	}
	tw.Render()
	var skips []report.Skip
	for _, t := range run.Tallies {
		skips = append(skips, t.Skips...)
	}
	if len(skips) > 0 {
		sw := c.table("Record", "Reason", "Detail")
		for _, s := range skips {
			sw.AppendRow(table.Row{s.RecordID, s.Reason, s.Detail})
		}
		sw.Render()
	}
	if len(run.Periods) > 0 {
		c.printWindows(run.Periods)
	}
	return nil
}

func (c *cli) printWindows(windows []report.VersionPeriod) {
	tw := c.table("Version", "Period", "Start", "End")
	for _, w := range windows {
		tw.AppendRow(table.Row{w.Version, w.Name, w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly)})
	}
	tw.Render()
}
