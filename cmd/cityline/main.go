package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cityline/internal/analyzer"
	"cityline/internal/config"
	"cityline/internal/db"
	"cityline/internal/domain"
	"cityline/internal/embedding"
	"cityline/internal/engine"
	"cityline/internal/importer"
	"cityline/internal/migrate"
	"cityline/internal/notify"
	"cityline/internal/pipeline"
	"cityline/internal/queue"
	"cityline/internal/repo"
	"cityline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cityline",
	Short: "Cityline CLI",
	Long: `Cityline analyzes citizen service complaints with an AI pipeline.
Every complaint is scored for risk; high-risk complaints are escalated,
alerted on, and summarized on an append-only action ledger.`,
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
	viper.SetEnvPrefix("CITYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(complaintCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Initialized workspace at %s (db: %s)\n", workspace, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				jwtSecret := os.Getenv("CITYLINE_JWT_SECRET")
				if jwtSecret == "" {
					jwtSecret = cfg.Server.JWTSecret
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              jwtSecret,
						AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
					},
				})
				if err != nil {
					return err
				}
				if withWorker {
					go func() {
						if err := e.Pipeline.Queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							slog.Error("worker stopped", "error", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Cityline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "run the pipeline worker in-process")
	return cmd
}

func workCmd() *cobra.Command {
	var drain bool
	var lanes []string
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the pipeline worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				e.Pipeline.Queue.Lanes = lanes
				if drain {
					n, err := e.Pipeline.Queue.DrainPending(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Executed %d jobs\n", n)
					return nil
				}
				fmt.Println("Worker running; Ctrl-C to stop")
				if err := e.Pipeline.Queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "execute due jobs once and exit")
	cmd.Flags().StringSliceVar(&lanes, "lanes", nil, "restrict this worker to the named lanes (default all)")
	return cmd
}

func complaintCmd() *cobra.Command {
	c := &cobra.Command{Use: "complaint", Short: "Manage complaints"}
	c.AddCommand(complaintCreateCmd())
	c.AddCommand(complaintListCmd())
	c.AddCommand(complaintShowCmd())
	c.AddCommand(complaintUpdateCmd())
	c.AddCommand(complaintDeleteCmd())
	c.AddCommand(complaintRestoreCmd())
	c.AddCommand(complaintReanalyzeCmd())
	return c
}

func complaintCreateCmd() *cobra.Command {
	var in engine.CreateComplaintInput
	var priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a complaint",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				c, err := e.CreateComplaint(ctx, in, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&in.ComplaintNumber, "number", "", "complaint number (generated if omitted)")
	cmd.Flags().StringVar(&in.Type, "type", "", "complaint type")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Borough, "borough", "", "borough")
	cmd.Flags().StringVar(&in.Agency, "agency", "", "agency")
	cmd.Flags().StringVar(&in.Address, "address", "", "address")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func complaintListCmd() *cobra.Command {
	var f repo.ComplaintFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List complaints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				items, err := e.Repo.ListComplaints(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Type", "Borough", "Status", "Priority"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ComplaintNumber, c.Type, c.Borough, c.Status, c.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Borough, "borough", "", "borough filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include soft-deleted complaints")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func complaintShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-number>",
		Short: "Show a complaint with its analysis and ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				c, err := resolveComplaint(ctx, e, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"complaint": c}
				if a, err := e.Repo.GetAnalysisByComplaint(ctx, c.ID); err == nil {
					out["analysis"] = a
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				actions, err := e.Repo.ListActions(ctx, repo.ActionFilters{ComplaintID: c.ID})
				if err != nil {
					return err
				}
				out["actions"] = actions
				return printJSON(out)
			})
		},
	}
	return cmd
}

func complaintUpdateCmd() *cobra.Command {
	var status, priority, description string
	cmd := &cobra.Command{
		Use:   "update <id-or-number>",
		Short: "Update a complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				c, err := resolveComplaint(ctx, e, args[0])
				if err != nil {
					return err
				}
				in := engine.UpdateComplaintInput{Force: viper.GetBool("force")}
				if cmd.Flags().Changed("status") {
					s := domain.Status(status)
					in.Status = &s
				}
				if cmd.Flags().Changed("priority") {
					p := domain.Priority(priority)
					in.Priority = &p
				}
				if cmd.Flags().Changed("description") {
					in.Description = &description
				}
				updated, err := e.UpdateComplaint(ctx, c.ID, in, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (open, in_progress, escalated, closed)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func complaintDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id-or-number>",
		Short: "Soft-delete a complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				c, err := resolveComplaint(ctx, e, args[0])
				if err != nil {
					return err
				}
				return e.DeleteComplaint(ctx, c.ID, viper.GetString("actor"))
			})
		},
	}
	return cmd
}

func complaintRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <id-or-number>",
		Short: "Restore a soft-deleted complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				c, err := resolveComplaint(ctx, e, args[0])
				if err != nil {
					return err
				}
				restored, err := e.RestoreComplaint(ctx, c.ID, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(restored)
			})
		},
	}
	return cmd
}

func complaintReanalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reanalyze <id-or-number>",
		Short: "Queue a fresh analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				c, err := resolveComplaint(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := e.Reanalyze(ctx, c.ID, viper.GetString("actor")); err != nil {
					return err
				}
				fmt.Printf("Re-analysis queued for %s (run 'cityline work --drain' to process)\n", c.ComplaintNumber)
				return nil
			})
		},
	}
	return cmd
}

func actionsCmd() *cobra.Command {
	a := &cobra.Command{Use: "actions", Short: "Inspect the action ledger"}
	a.AddCommand(actionsTailCmd())
	return a
}

func actionsTailCmd() *cobra.Command {
	var n int
	var actionType string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				items, err := e.Repo.ListActions(ctx, repo.ActionFilters{Type: actionType, Limit: n})
				if err != nil {
					return err
				}
				// ListActions returns newest first; print oldest first.
				for i := len(items) - 1; i >= 0; i-- {
					printAction(items[i])
				}
				if !follow {
					return nil
				}
				cursor := int64(0)
				if len(items) > 0 {
					cursor = items[0].ID
				}
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					fresh, err := e.Repo.ActionsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					for _, a := range fresh {
						printAction(a)
						cursor = a.ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&actionType, "type", "", "action type filter")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep polling for new entries")
	return cmd
}

func importCmd() *cobra.Command {
	var filePath string
	var limit int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import complaints from a 311 CSV export",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				im := &importer.Importer{Engine: e, Limit: limit}
				res, err := im.Run(ctx, f, viper.GetString("actor"))
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d complaints (%d skipped)\n", res.Imported, res.Skipped)
				for _, msg := range res.Errors {
					fmt.Println("  skipped:", msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to CSV file")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after N rows (0 = all)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queue depth by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				counts, err := e.Pipeline.Queue.CountByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	parent := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *config.Config) error {
				key, err := e.CreateAPIKey(ctx, viper.GetString("actor"), name)
				if err != nil {
					return err
				}
				fmt.Println(key)
				fmt.Fprintln(os.Stderr, "Store this key now; only its hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	parent.AddCommand(cmd)
	return parent
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}

	log := slog.Default()
	q := queue.New(conn, log)
	q.Interval = cfg.Pipeline.WorkerInterval()

	var eng analyzer.Engine
	if real, err := analyzer.NewOpenAI(cfg.Analyzer, log); err == nil {
		eng = real
	} else {
		eng = analyzer.Unavailable{Err: err}
	}
	var emb embedding.Embedder = embedding.Disabled{}
	if cfg.Vectors.Enabled {
		w, err := embedding.NewWeaviate(cfg.Vectors)
		if err != nil {
			return err
		}
		emb = w
	}
	var ntf notify.Notifier = notify.Disabled{}
	if cfg.Alerts.WebhookURL != "" && (cfg.Alerts.Enabled == nil || *cfg.Alerts.Enabled) {
		ntf = notify.NewWebhook(cfg.Alerts)
	}

	p := pipeline.New(conn, q, eng, emb, ntf, cfg.Pipeline, log)
	return fn(ctx, engine.New(conn, p, log), cfg)
}

// resolveComplaint accepts either the numeric row id or the complaint number.
func resolveComplaint(ctx context.Context, e engine.Engine, ref string) (domain.Complaint, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return e.Repo.GetComplaint(ctx, id)
	}
	return e.Repo.GetComplaintByNumber(ctx, ref)
}

func printAction(a domain.Action) {
	params, _ := json.Marshal(a.Parameters)
	complaint := "-"
	if a.ComplaintID != nil {
		complaint = strconv.FormatInt(*a.ComplaintID, 10)
	}
	fmt.Printf("%s  #%d  %-20s complaint=%s by=%s %s\n", a.CreatedAt, a.ID, a.Type, complaint, a.TriggeredBy, params)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
