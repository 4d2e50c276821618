package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskledger/internal/app"
	"taskledger/internal/backfill"
	"taskledger/internal/config"
	"taskledger/internal/db"
	"taskledger/internal/domain"
	"taskledger/internal/logger"
	"taskledger/internal/migrate"
	"taskledger/internal/projection"
	"taskledger/internal/repo"
	"taskledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskledger",
	Short: "Task escrow event indexer",
	Long: `Taskledger indexes events emitted by the task-escrow program.
- Webhook: Helius pushes transactions to POST /v1/webhook/helius.
- Backfill: pulls recent program signatures over JSON-RPC and ingests them oldest first.
- History: closed tasks are projected from the event log by 'taskledger rebuild'.
Every key in taskledger.yml can be overridden with TASKLEDGER_<SECTION>_<KEY>.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadDotEnv("taskledger")
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (taskledger.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN or sqlite path")
	rootCmd.PersistentFlags().String("rpc-url", "", "Solana RPC endpoint")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("rpc.url", rootCmd.PersistentFlags().Lookup("rpc-url"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(rebuildCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Server.AdminJWTSecret, Logger: a.Logger},
					Metrics:  a.Metrics,
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				if !a.Engine.Receiver.Configured() {
					a.Logger.Warn("webhook secret not set; deliveries are accepted without authentication")
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving taskledger api",
					"addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "program", cfg.Program.ID, "driver", cfg.Database.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("base-path", "", "API base path")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func backfillCmd() *cobra.Command {
	var opts backfill.Options
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Scan recent program transactions from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Backfill(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printFields([][2]any{
					{"Run", res.RunID},
					{"Signatures", res.SignaturesScanned},
					{"Transactions", res.TransactionsFetched},
					{"Events parsed", res.EventsParsed},
					{"Events ingested", res.EventsIngested},
					{"Errors", res.Errors},
					{"Duration", time.Duration(res.DurationMs) * time.Millisecond},
				})
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "signatures to scan (default from config)")
	cmd.Flags().StringVar(&opts.Before, "before", "", "resume below this signature")
	return cmd
}

func rebuildCmd() *cobra.Command {
	var tasks []string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute closed task history from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var res projection.RebuildResult
				var err error
				if len(tasks) > 0 {
					res, err = a.Engine.Builder.RebuildTasks(ctx, tasks...)
				} else {
					res, err = a.Engine.Rebuild(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("rebuilt %d tasks in %dms\n", res.Tasks, res.DurationMs)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&tasks, "task", nil, "only rebuild these task addresses")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show indexer counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				last := "-"
				if s.LastEventTime != nil {
					last = time.Unix(*s.LastEventTime, 0).UTC().Format(time.RFC3339)
				}
				printFields([][2]any{
					{"Events", s.TotalEvents},
					{"Closed tasks", s.TotalHistoricalTasks},
					{"Approved", s.ApprovedCount},
					{"Cancelled", s.CancelledCount},
					{"Expired", s.ExpiredCount},
					{"Dispute resolved", s.DisputeResolvedCount},
					{"Last event", last},
					{"Webhook secret", s.WebhookConfigured},
				})
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Inspect the raw event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.RecentEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printEvents(items)
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	events.AddCommand(tail)
	return events
}

func historyCmd() *cobra.Command {
	history := &cobra.Command{Use: "history", Short: "Query closed tasks"}

	var f repo.HistoryFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List closed tasks, most recently closed first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.History(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Address", "Title", "Status", "Creator", "Agent", "Bounty", "Closed"})
				for _, t := range page.Tasks {
					tw.AppendRow(table.Row{t.Address, t.Title, t.FinalStatus, short(t.Creator), short(t.Agent), t.BountyLamports, unixTime(t.ClosedAt)})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "Total", fmt.Sprintf("%d (offset %d)", page.Total, page.Offset)})
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "final status ("+strings.Join(domain.FinalStatuses, ", ")+")")
	list.Flags().StringVar(&f.Creator, "creator", "", "creator address")
	list.Flags().StringVar(&f.Agent, "agent", "", "agent address")
	list.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	list.Flags().IntVar(&f.Offset, "offset", 0, "page offset")

	show := &cobra.Command{
		Use:   "show <address>",
		Short: "Show a closed task and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.HistoryTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				t := d.Task
				printFields([][2]any{
					{"Address", t.Address},
					{"Title", t.Title},
					{"Status", t.FinalStatus},
					{"Creator", t.Creator},
					{"Agent", t.Agent},
					{"Task index", t.TaskIndex},
					{"Bounty", t.BountyLamports},
					{"Payout", t.PayoutLamports},
					{"Fee", t.FeeLamports},
					{"Refunded", t.RefundedLamports},
					{"Description hash", t.DescriptionHash},
					{"Deliverable hash", t.DeliverableHash},
					{"Created", unixTime(t.CreatedAt)},
					{"Closed", unixTime(t.ClosedAt)},
				})
				printEvents(d.Events)
				return nil
			})
		},
	}
	history.AddCommand(list, show)
	return history
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn, cfg.Database.Driver)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": n, "driver": cfg.Database.Driver})
			}
			fmt.Printf("schema at version %d (%s)\n", n, cfg.Database.Driver)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage taskledger.yml"}

	var path string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "taskledger.yml", "output path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Server.AdminJWTSecret = mask(masked.Server.AdminJWTSecret)
			masked.Webhook.Secret = mask(masked.Webhook.Secret)
			if viper.GetBool("json") {
				return printJSON(masked)
			}
			out, err := yaml.Marshal(masked)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cfgCmd.AddCommand(initCmd, show, validate)
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token for backfill and rebuild",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			tok, err := server.IssueAdminToken(cfg.Server.AdminJWTSecret, subject, claims)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("config"), func(key string) (string, bool) {
		if !viper.IsSet(key) {
			return "", false
		}
		return viper.GetString(key), true
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	log := logger.Setup(*cfg)
	a, err := app.Open(ctx, cfg, app.Options{Logger: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFields(rows [][2]any) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
}

func printEvents(items []domain.RawEvent) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Time", "Slot", "Event", "Task", "Signature"})
	for _, e := range items {
		tw.AppendRow(table.Row{unixTime(e.BlockTime), e.Slot, e.EventName, short(e.TaskAddress), short(e.Signature)})
	}
	tw.Render()
}

func unixTime(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func short(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:5] + "…" + s[len(s)-5:]
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
