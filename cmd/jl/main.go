package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/migrate"
	"jobline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Jobline CLI",
	Long: `Jobline orchestrates document-production jobs against metered external services.
Every submission is validated against a per-job-type schema, routed to a worker by
ordered first-match rules, budget-checked against daily/monthly caps, and executed
behind a per-service circuit breaker. Calls rejected by an open breaker land in a
durable fallback queue and are retried by 'jl queue drain'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOBLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/jobline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "submitting user")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func submitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job from a YAML/JSON spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			job, err := loadJobSpec(file)
			if err != nil {
				return err
			}
			if job.User == "" {
				job.User = viper.GetString("user")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				receipt, err := e.Submit(ctx, job)
				if err != nil {
					// The run id is still useful on rejection paths.
					fmt.Fprintf(os.Stderr, "run %s: %v\n", receipt.RunID, err)
					return err
				}
				return printJSONOrTable(receipt)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "job spec file (.yml/.yaml/.json)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show spend against caps and breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Window", "Spend", "Cap"})
				tw.AppendRow(table.Row{"daily", fmt.Sprintf("%.2f", st.DailySpend), fmt.Sprintf("%.2f", st.DailyCap)})
				tw.AppendRow(table.Row{"monthly", fmt.Sprintf("%.2f", st.MonthlySpend), fmt.Sprintf("%.2f", st.MonthlyCap)})
				tw.Render()
				if len(st.Breakers) > 0 {
					bw := table.NewWriter()
					bw.SetOutputMirror(os.Stdout)
					bw.AppendHeader(table.Row{"Service", "Breaker", "Consecutive failures"})
					for _, b := range st.Breakers {
						bw.AppendRow(table.Row{b.Service, b.State, b.ConsecutiveFailures})
					}
					bw.Render()
				}
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect runs"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRuns(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Type", "Worker", "Status", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.JobType, r.WorkerID, r.Status, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				evts, err := e.Repo.EventsForRun(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"run": run, "events": evts})
			})
		},
	}
	runs.AddCommand(list, show)
	return runs
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect and drain the fallback queue"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListQueueEntries(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempts", "Enqueued"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.Type, entry.Status, entry.Attempts, entry.EnqueuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter (pending, in_flight, done, dead)")
	list.Flags().IntVar(&limit, "limit", 100, "max rows")

	var follow bool
	var batch int
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Retry queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if follow {
					e.Queue.DrainLoop(ctx, e.RetryProcessor(), batch, e.Config.Queue.DrainInterval())
					return nil
				}
				res, err := e.Queue.Drain(ctx, e.RetryProcessor(), batch)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	drain.Flags().BoolVar(&follow, "follow", false, "keep draining on the configured interval")
	drain.Flags().IntVar(&batch, "batch", 0, "entries per pass (default from config)")
	q.AddCommand(list, drain)
	return q
}

func costsCmd() *cobra.Command {
	var runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "List recorded cost events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCostEvents(ctx, runID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Service", "Operation", "Cost", "Latency ms", "OK", "Run"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Service, ev.Operation, fmt.Sprintf("%.4f", ev.ActualCost), ev.LatencyMs, ev.Success, ev.RunID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Run event ledger"}
	var after int64
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.EventsAfter(ctx, after, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().Int64Var(&after, "after", 0, "only events with id greater than this")
	tail.Flags().IntVar(&limit, "limit", 100, "max rows")
	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Manage configuration"}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter jobline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config ok: %d workers, %d schemas, %d routing rules\n",
				len(cfg.Workers), len(cfg.Schemas), len(cfg.Routing.Rules))
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	root.AddCommand(initCmd, validate, show)
	return root
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var drain bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:      os.Getenv("JOBLINE_JWT_SECRET"),
					AllowAnonymous: e.Config.Auth.AllowAnonymous,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowAnonymous {
					return fmt.Errorf("JOBLINE_JWT_SECRET is required unless auth.allow_anonymous is set")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if drain {
					go e.Queue.DrainLoop(ctx, e.RetryProcessor(), e.Config.Queue.DrainBatch, e.Config.Queue.DrainInterval())
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				logrus.WithField("addr", addr).Info("serving Jobline API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8180", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&drain, "drain", false, "also run the queue drain loop")
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return filepath.Join(viper.GetString("workspace"), "jobline.yml")
}

func loadConfig() (*config.Config, error) {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) && viper.GetString("config") == "" {
		// No file in the workspace: run on the starter config.
		return config.Default(), nil
	}
	return config.Load(path)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

// loadJobSpec parses a YAML or JSON job document.
func loadJobSpec(path string) (domain.Job, error) {
	var job domain.Job
	data, err := os.ReadFile(path)
	if err != nil {
		return job, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return job, fmt.Errorf("parse job spec: %w", err)
		}
		// Round-trip through JSON so nested maps match the API's decoding.
		buf, err := json.Marshal(raw)
		if err != nil {
			return job, err
		}
		if err := json.Unmarshal(buf, &job); err != nil {
			return job, fmt.Errorf("decode job spec: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &job); err != nil {
			return job, fmt.Errorf("parse job spec: %w", err)
		}
	}
	if job.JobType == "" {
		return job, fmt.Errorf("job spec missing job_type")
	}
	return job, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
