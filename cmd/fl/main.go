package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/apikey"
	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline coordinates workflow execution across a fleet of agents.
- Processes: units of work that move starting -> running -> finished/failed/cancelled,
  with suspend/resume for work that waits on external events.
- Leases: an agent that claims a process holds a lease and renews it with
  heartbeats; silent agents lose the lease and the process is requeued.
- API keys: every caller authenticates with a key; only digests are stored.
- KV and secrets: per-instance scratch state and project-scoped secret values.
- Event log: diary of changes, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(kvCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default flowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(project)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "default", "initial project name")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			r := repo.Repo{DB: conn}
			cfg, err := app.LoadAndSeed(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			tokenSecret := os.Getenv("FLOWLINE_TOKEN_SECRET")
			if tokenSecret == "" {
				tokenSecret = cfg.Server.TokenSecret
			}
			if tokenSecret == "" {
				// Fresh secret per run; outstanding process tokens stop
				// working on restart.
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				tokenSecret = hex.EncodeToString(buf)
				fmt.Println("FLOWLINE_TOKEN_SECRET not set; generated an ephemeral one")
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:      e,
				Authority:   apikey.New(r),
				BasePath:    basePath,
				TokenSecret: tokenSecret,
			})
			if err != nil {
				return err
			}
			sweepCtx, stopSweeper := context.WithCancel(cmd.Context())
			defer stopSweeper()
			go e.RunSweeper(sweepCtx)
			if addr == "" {
				addr = cfg.Server.Listen
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyIssueCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyIssueCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext, key, err := apikey.New(r).Issue(ctx, nil, owner)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"owner_id": key.OwnerID,
					"key":      plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the key authenticates as")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.OwnerID, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return apikey.New(r).Revoke(ctx, args[0])
			})
		},
	}
	return cmd
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "process", Short: "Manage process instances"}
	cmd.AddCommand(processEnqueueCmd())
	cmd.AddCommand(processShowCmd())
	cmd.AddCommand(processListCmd())
	cmd.AddCommand(processCancelCmd())
	cmd.AddCommand(processResumeCmd())
	return cmd
}

func processEnqueueCmd() *cobra.Command {
	var project, entryPoint string
	var requirements, profiles []string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a process instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Enqueue(ctx, engine.EnqueueOptions{
					ProjectName:    project,
					EntryPoint:     entryPoint,
					Requirements:   requirements,
					ActiveProfiles: profiles,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&entryPoint, "entry-point", "default", "entry point")
	cmd.Flags().StringSliceVar(&requirements, "require", nil, "agent capability requirement (repeatable)")
	cmd.Flags().StringSliceVar(&profiles, "profile", nil, "active profile (repeatable, order matters)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func processShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func processListCmd() *cobra.Command {
	var project, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List process instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProcesses(ctx, repo.ProcessFilter{
					ProjectName: project,
					Status:      status,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Entry", "Status", "Owner", "Created"})
				for _, p := range items {
					owner := ""
					if p.LeaseOwner != nil {
						owner = *p.LeaseOwner
					}
					tw.AppendRow(table.Row{p.ID, p.ProjectName, p.EntryPoint, p.Status, owner, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "filter by project")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func processCancelCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"), force)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "mark cancelled server-side even if running")
	return cmd
}

func processResumeCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume a suspended process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resumeArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &resumeArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Resume(ctx, args[0], viper.GetString("actor-id"), resumeArgs)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "resume arguments as JSON object")
	return cmd
}

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "kv", Short: "Instance-scoped key-value store"}
	cmd.AddCommand(kvGetCmd())
	cmd.AddCommand(kvPutCmd())
	cmd.AddCommand(kvListCmd())
	return cmd
}

func kvGetCmd() *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a KV entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if instance == "" {
				return fmt.Errorf("--instance required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entry, err := r.GetKv(ctx, instance, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance id")
	return cmd
}

func kvPutCmd() *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Put a KV entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if instance == "" {
				return fmt.Errorf("--instance required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.PutKv(ctx, instance, args[0], args[1])
			})
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance id")
	return cmd
}

func kvListCmd() *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List KV entries for an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if instance == "" {
				return fmt.Errorf("--instance required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListKv(ctx, instance)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Key, e.Value})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance id")
	return cmd
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Project-scoped secrets"}
	cmd.AddCommand(secretPutCmd())
	cmd.AddCommand(secretListCmd())
	cmd.AddCommand(secretGrantCmd())
	cmd.AddCommand(secretRevokeGrantCmd())
	return cmd
}

func secretPutCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "put <name> <value>",
		Short: "Store a secret value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.PutSecret(ctx, project, args[0], []byte(args[1]))
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name")
	return cmd
}

func secretListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				names, err := r.ListSecretNames(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(names)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name")
	return cmd
}

func secretGrantCmd() *cobra.Command {
	var project, owner string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant secret read access to an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" || owner == "" {
				return fmt.Errorf("--project and --owner required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.GrantSecretRead(ctx, project, owner)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	return cmd
}

func secretRevokeGrantCmd() *cobra.Command {
	var project, owner string
	cmd := &cobra.Command{
		Use:   "revoke-grant",
		Short: "Revoke secret read access",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" || owner == "" {
				return fmt.Errorf("--project and --owner required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeSecretRead(ctx, project, owner)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: enqueues, claims, heartbeats lost, reclaims, and terminal reports.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var project, evtType string
	var afterID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, repo.EventFilter{
					ProjectName: project,
					Type:        evtType,
					AfterID:     afterID,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&afterID, "after-id", 0, "only events after this id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.LoadAndSeed(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
