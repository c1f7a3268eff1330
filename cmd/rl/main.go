package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relabel/internal/config"
	"relabel/internal/db"
	"relabel/internal/domain"
	"relabel/internal/ingest"
	"relabel/internal/migrate"
	"relabel/internal/queue"
	"relabel/internal/repo"
	"relabel/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Relabel CLI",
	Long: `Relabel distributes slide-label correction work to reviewers.
Each work item is a row extracted from a scanned specimen label. A reviewer
claims the next pending item (a lease), fixes the fields, and submits the
correction; every accepted correction is recorded as an immutable version.
Leases never expire on their own; release them or finish the item.`,
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
	viper.SetEnvPrefix("RELABEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-admin", "acting user id")
	rootCmd.PersistentFlags().Bool("admin", false, "act with admin override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("admin", rootCmd.PersistentFlags().Lookup("admin"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actingUser() domain.Actor {
	return domain.Actor{ID: viper.GetString("user"), Admin: viper.GetBool("admin")}
}

func initCmd() *cobra.Command {
	var adminUser, adminPassword string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default()
			if err := cfg.Save(workspace); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if adminPassword != "" {
				u := domain.User{
					ID:           adminUser,
					PasswordHash: server.HashPassword(adminPassword),
					Admin:        true,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertUser(cmd.Context(), nil, u); err != nil {
					if strings.Contains(err.Error(), "UNIQUE") {
						fmt.Printf("admin user %s already exists\n", adminUser)
					} else {
						return err
					}
				} else {
					fmt.Printf("created admin user %s\n", adminUser)
				}
			}
			fmt.Printf("workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&adminUser, "admin-user", "admin", "initial admin username")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "initial admin password (skip to create no user)")
	return cmd
}

func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Import work items from the OCR CSV export",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				in := ingest.New(conn.DB)
				res, err := in.File(ctx, file, actingUser().ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"created": res.Created, "skipped": res.Skipped})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to semicolon-delimited CSV")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage reviewer accounts"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userKeyCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var password string
	var admin bool
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a reviewer account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				u := domain.User{
					ID:           args[0],
					PasswordHash: server.HashPassword(password),
					Admin:        admin,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				if err := conn.Repo.InsertUser(ctx, nil, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin privilege")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reviewer accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				users, err := conn.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Corrections", "Admin", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.CorrectionCount, u.Admin, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <username>",
		Short: "Issue an API key for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				if _, err := conn.Repo.GetUser(ctx, args[0]); err != nil {
					return err
				}
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					UserID:  args[0],
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := conn.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The plaintext is shown exactly once.
				return printJSONOrTable(map[string]string{"id": key.ID, "api_key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect and work the correction queue"}
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueNextCmd())
	return q
}

func queueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Lease counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				counts, err := queue.New(conn.DB).Counts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Items"})
				for _, s := range []domain.Status{domain.StatusPending, domain.StatusLeased, domain.StatusCompleted} {
					tw.AppendRow(table.Row{string(s), counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Claim the next pending work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				item, lease, err := queue.New(conn.DB).AcquireNext(ctx, actingUser())
				if err != nil {
					if errors.Is(err, queue.ErrNoWork) {
						fmt.Println("queue is empty; nothing pending")
						return nil
					}
					return err
				}
				return printJSONOrTable(map[string]any{"item": item, "lease": lease})
			})
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Operate on a single work item"}
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemHistoryCmd())
	item.AddCommand(itemReleaseCmd())
	item.AddCommand(itemCompleteCmd())
	return item
}

func parseItemID(arg string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(arg, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid work item id %q", arg)
	}
	return id, nil
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item and its lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				item, err := conn.Repo.GetWorkItem(ctx, id)
				if err != nil {
					return err
				}
				lease, err := conn.Repo.GetLease(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"item": item, "lease": lease})
			})
		},
	}
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the version trail for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				versions, err := queue.New(conn.DB).History(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Accession", "Stain", "Block", "Complete", "By", "At"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.Seq, v.AccessionID, v.Stain, v.BlockNumber, v.Complete, v.UserID, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Return a leased item to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				if err := queue.New(conn.DB).Release(ctx, id, actingUser()); err != nil {
					return err
				}
				fmt.Printf("item %d returned to the queue\n", id)
				return nil
			})
		},
	}
}

func itemCompleteCmd() *cobra.Command {
	var fields domain.CorrectedFields
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Submit a correction for a leased item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			if fields.Complete && (fields.AccessionID == "" || fields.Stain == "") {
				return errors.New("--accession-id and --stain are required with --complete")
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				v, err := queue.New(conn.DB).Complete(ctx, id, actingUser(), fields)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&fields.AccessionID, "accession-id", "", "corrected accession id")
	cmd.Flags().StringVar(&fields.Stain, "stain", "", "corrected stain")
	cmd.Flags().StringVar(&fields.BlockNumber, "block-number", "", "corrected block number")
	cmd.Flags().BoolVar(&fields.Complete, "complete", false, "mark the record complete")
	return cmd
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Operational event log"}
	lc.AddCommand(logTailCmd())
	return lc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbHandle) error {
				events, err := conn.Repo.LatestEvents(ctx, n, evtType, "", entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			secret := os.Getenv("RELABEL_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("RELABEL_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Queue:    queue.New(conn),
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: secret,
					TokenTTL:  time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Relabel API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

type dbHandle struct {
	DB   *sql.DB
	Repo repo.Repo
}

func withDB(ctx context.Context, fn func(context.Context, *dbHandle) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, &dbHandle{DB: conn, Repo: repo.Repo{DB: conn}})
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
