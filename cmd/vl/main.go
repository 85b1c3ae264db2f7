package main

import (
	"bufio"
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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"venueline/internal/app"
	"venueline/internal/config"
	"venueline/internal/db"
	"venueline/internal/domain"
	"venueline/internal/repo"
	"venueline/internal/server"
)

// out is where command output goes.
var out io.Writer = os.Stdout

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Venueline CLI",
	Long: `Venueline runs venue booking conversations as a gated workflow.
Core concepts:
- Workspace: a directory holding venueline.yml and one .venueline/<tenant> database per tenant.
- Booking record: one per conversation thread; it tracks the stage (1-7), every gate and the message history.
- Gates: facts the booking needs (date, participants, room, offer, billing, deposit, confirmation). A gate is captured from a message and verified by confirmation, operator approval or deposit receipt.
- Detours: a client changing a verified fact sends the booking back to the stage owning it; dependent gates are re-opened.
- HIL tasks: replies held for operator review (offers, deposit receipts, final confirmation, cancellations); decide with 'vl hil approve|reject'.
- Event log: every state change, view with 'vl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VENUELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier recorded on decisions")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant key (defaults to engine.default_tenant)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides logging.level)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(bookingCmd())
	rootCmd.AddCommand(hilCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(locksCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var venueID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write venueline.yml and create the default tenant database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if venueID == "" {
				return fmt.Errorf("--venue-id required")
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(venueID)), 0o644); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.Store(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"config": path, "tenant": st.Tenant, "database": db.Path(workspace, st.Tenant)})
				}
				fmt.Fprintf(out, "wrote %s\ntenant %s database at %s\n", path, st.Tenant, db.Path(workspace, st.Tenant))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&venueID, "venue-id", "venue", "venue id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect venueline.yml",
		Long:  "Config holds the venue, the gate registry (stage, verification mode, dependencies, aliases), the room catalog and the backends for locks, sessions, extraction and rendering.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate venueline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "config OK")
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	var msg domain.InboundMessage
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Process one inbound client message (body from --body or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(msg.Body) == "" {
				body, err := readAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				msg.Body = body
			}
			if strings.TrimSpace(msg.Body) == "" {
				return fmt.Errorf("message body required")
			}
			msg.TenantKey = viper.GetString("tenant")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ProcessMessage(ctx, msg)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Booking", "Action", "Stage", "Status", "Task"})
				task := ""
				if res.Task != nil {
					task = res.Task.ID
				}
				tw.AppendRow(table.Row{res.BookingID, res.Decision.Action, res.Stage, res.Status, task})
				tw.Render()
				switch {
				case res.Duplicate:
					fmt.Fprintln(out, "duplicate delivery; nothing changed")
				case res.Reply != "":
					fmt.Fprintf(out, "\n%s\n", res.Reply)
				case res.Task != nil:
					fmt.Fprintf(out, "\nreply held for review (%s):\n%s\n", res.Task.Action, res.Task.Draft.Body)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&msg.ThreadID, "thread", "", "conversation thread id")
	cmd.Flags().StringVar(&msg.MessageID, "message-id", "", "provider message id")
	cmd.Flags().StringVar(&msg.SenderID, "sender", "", "sender address")
	cmd.Flags().StringVar(&msg.Body, "body", "", "message body")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func bookingCmd() *cobra.Command {
	b := &cobra.Command{Use: "booking", Short: "Inspect booking records"}
	b.AddCommand(bookingListCmd())
	b.AddCommand(bookingShowCmd())
	return b
}

func bookingListCmd() *cobra.Command {
	var f repo.BookingFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListBookings(ctx, viper.GetString("tenant"), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Thread", "Stage", "Status", "Pending", "Updated"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.ThreadKey, rec.Stage, rec.Status, len(rec.PendingHIL), rec.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (open, confirmed, cancelled)")
	cmd.Flags().IntVar(&f.Stage, "stage", 0, "stage filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func bookingShowCmd() *cobra.Command {
	var thread string
	cmd := &cobra.Command{
		Use:   "show [booking-id]",
		Short: "Show a booking with its gates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && thread == "" {
				return fmt.Errorf("booking id or --thread required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tenant := viper.GetString("tenant")
				var (
					rec domain.Record
					err error
				)
				if len(args) == 1 {
					rec, err = rt.Engine.GetBooking(ctx, tenant, args[0])
				} else {
					rec, err = rt.Engine.GetBookingByThread(ctx, tenant, thread)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Fprintf(out, "booking %s  thread %s  stage %d  status %s  version %d\n", rec.ID, rec.ThreadKey, rec.Stage, rec.Status, rec.Version)
				tw := newTable()
				tw.AppendHeader(table.Row{"Gate", "Stage", "Captured", "Verified", "Source"})
				for _, g := range rt.Engine.Registry.All() {
					st := rec.Gate(g.ID)
					tw.AppendRow(table.Row{g.ID, g.Stage, st.Captured, st.Verified, st.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "look up by thread id")
	return cmd
}

func hilCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "hil",
		Short: "Review replies held for approval",
	}
	h.AddCommand(hilListCmd())
	h.AddCommand(hilShowCmd())
	h.AddCommand(hilDecideCmd(true))
	h.AddCommand(hilDecideCmd(false))
	return h
}

func hilListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending tasks, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.ListPending(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Booking", "Stage", "Action", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.BookingID, t.Stage, t.Action, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func hilShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its drafted reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.GetTask(ctx, viper.GetString("tenant"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Fprintf(out, "task %s  booking %s  stage %d  action %s  status %s\n\n%s\n", task.ID, task.BookingID, task.Stage, task.Action, task.Status, task.Draft.Body)
				return nil
			})
		},
	}
}

func hilDecideCmd(approve bool) *cobra.Command {
	var note, editedBody string
	use, short := "reject <task-id>", "Reject a task"
	if approve {
		use, short = "approve <task-id>", "Approve a task and send its reply"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tenant, actor := viper.GetString("tenant"), viper.GetString("actor-id")
				var err error
				var res any
				if approve {
					res, err = rt.Engine.Approve(ctx, tenant, args[0], note, editedBody, actor)
				} else {
					res, err = rt.Engine.Reject(ctx, tenant, args[0], note, actor)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	if approve {
		cmd.Flags().StringVar(&editedBody, "edit-body", "", "replace the drafted reply")
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, bookingID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Events(ctx, viper.GetString("tenant"), n, 0, bookingID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Booking", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.BookingID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&bookingID, "booking", "", "booking id filter")
	return cmd
}

func locksCmd() *cobra.Command {
	l := &cobra.Command{Use: "locks", Short: "Record locks"}
	l.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Remove locks left by dead processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.RecoverLocks(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"removed": n})
				}
				fmt.Fprintf(out, "removed %d stale lock(s)\n", n)
				return nil
			})
		},
	})
	return l
}

func tokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token signed with VENUELINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), viper.GetString("tenant"), perms, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Fprintln(out, tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", []string{server.PermAll}, "permissions to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var local bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("VENUELINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeader: local, Logger: rt.Logger.Named("auth")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				dispatcher := server.NewDispatcher(rt.Engine, rt.Logger.Named("webhooks"))

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error { return dispatcher.Run(gctx) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				fmt.Fprintf(out, "Serving Venueline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&local, "local", false, "accept X-Actor-Id without a token and enable dev login")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.Build(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(out, string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readAll(r io.Reader) (string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}
