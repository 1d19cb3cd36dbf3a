package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"courtline/internal/app"
	"courtline/internal/config"
	"courtline/internal/db"
	"courtline/internal/domain"
	"courtline/internal/lifecycle"
	"courtline/internal/logging"
	"courtline/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Courtline CLI",
	Long: `Courtline books tennis courts through a scheduling service and tracks the
reservation tasks it creates.
- Login once; the session is kept in the workspace.
- task create checks availability, submits the reservation and records the task locally.
- task refresh and sync pull the latest status from the service.
- Every local change is journaled; view it with 'cl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoAvailability) {
			fmt.Println(lifecycle.NoAvailabilityMessage)
		} else {
			fmt.Println("error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COURTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("base-url", "", "scheduling service URL (overrides config)")
	rootCmd.PersistentFlags().String("owner-id", "", "owner id (overrides config and login)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(courtsCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveDevCmd())
}

// loadConfig reads courtline.yml and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("base-url"); v != "" {
		cfg.Service.BaseURL = v
	}
	if v := viper.GetString("owner-id"); v != "" {
		cfg.Owner.ID = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Log: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the scheduling service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				userID, err := a.Login(ctx, username, password)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"user_id": userID})
				}
				fmt.Printf("Logged in as %s (user %s)\n", username, userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Logged out")
				return nil
			})
		},
	}
}

type slotFlags struct {
	date     string
	clock    string
	duration int
}

func (f *slotFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.date, "date", "", "date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.clock, "time", "", "start time (HH or HH:MM); defaults to reservation.default_time")
	cmd.Flags().IntVar(&f.duration, "duration", 60, "duration in minutes")
}

func (f *slotFlags) draft(a *app.App) (lifecycle.Draft, error) {
	if f.date == "" {
		return lifecycle.Draft{}, fmt.Errorf("--date required")
	}
	return a.Draft(f.date, f.clock, f.duration)
}

func courtsCmd() *cobra.Command {
	courts := &cobra.Command{Use: "courts", Short: "Court availability"}
	var slot slotFlags
	check := &cobra.Command{
		Use:   "check",
		Short: "List courts free for a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := slot.draft(a)
				if err != nil {
					return err
				}
				free, err := a.CheckAvailability(ctx, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"target_date": d.TargetDate, "duration": d.Duration, "available_courts": free})
				}
				if len(free) == 0 {
					fmt.Println(lifecycle.NoAvailabilityMessage)
					return nil
				}
				fmt.Printf("Available on %s for %d minutes: %s\n", d.TargetDate, d.Duration, strings.Join(free, ", "))
				return nil
			})
		},
	}
	slot.register(check)
	courts.AddCommand(check)
	return courts
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage reservation tasks",
		Long:  "Tasks are reservations submitted to the scheduling service. Status moves pending -> in-progress -> done; the service may also report paused or other values.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskStatsCmd())
	task.AddCommand(taskRefreshCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskClearCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var slot slotFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Check availability and submit a reservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := slot.draft(a)
				if err != nil {
					return err
				}
				attempt, err := a.CreateTask(ctx, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"state": attempt.State, "available_courts": attempt.Slots, "task": attempt.Task})
				}
				fmt.Printf("Created task %s for %s (%d minutes)\n", attempt.Task.ID, attempt.Task.TargetDate, attempt.Task.Duration)
				return nil
			})
		},
	}
	slot.register(cmd)
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks := a.Tasks(status)
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by raw status")
	return cmd
}

func printTasks(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Target", "Duration", "Status", "Result"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.TargetDate, fmt.Sprintf("%dm", t.Duration), t.Status.Label(), t.Result})
	}
	tw.Render()
}

func taskStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := a.Stats()
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Total", "Pending", "Running", "Paused", "Done", "Other"})
				tw.AppendRow(table.Row{s.Total, s.Pending, s.Running, s.Paused, s.Done, s.Other})
				tw.Render()
				return nil
			})
		},
	}
}

func taskRefreshCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "refresh [task-id]",
		Short: "Fetch the latest status of one task or all tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass a task id or --all")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !all {
					if err := a.RefreshOne(ctx, args[0]); err != nil {
						return err
					}
					t, ok := a.Cache.Get(args[0])
					if !ok {
						fmt.Printf("Task %s was removed while refreshing\n", args[0])
						return nil
					}
					if viper.GetBool("json") {
						return printJSON(t)
					}
					printTasks([]domain.Task{t})
					return nil
				}
				report := a.RefreshAll(ctx)
				if viper.GetBool("json") {
					failed := map[string]string{}
					for id, err := range report.Failed {
						failed[id] = err.Error()
					}
					return printJSON(map[string]any{"refreshed": report.Refreshed, "failed": failed, "stale": report.Stale})
				}
				fmt.Printf("Refreshed %d task(s)\n", report.Refreshed)
				for id, err := range report.Failed {
					fmt.Printf("  %s: %v\n", id, err)
				}
				if len(report.Failed) > 0 {
					return fmt.Errorf("%d task(s) failed to refresh", len(report.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "refresh every tracked task")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Cancel a reservation and stop tracking it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(fmt.Sprintf("Delete task %s?", args[0])) {
				fmt.Println("Aborted")
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted task %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip confirmation")
	return cmd
}

func taskClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget every tracked task (the service is not contacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n := a.Cache.Len()
				if err := a.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Printf("Cleared %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Merge every task the service reports into the local list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Sync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Updated %d, unchanged %d, stale %d\n", len(res.Updated), res.Unchanged, len(res.Stale))
				if len(res.RemoteOnly) > 0 {
					fmt.Println("Known to the service but not tracked here:")
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Status", "Result"})
					for _, s := range res.RemoteOnly {
						result := ""
						if s.Result != nil {
							result = *s.Result
						}
						tw.AppendRow(table.Row{s.ID, s.Status.Label(), result})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Mutation journal",
		Long:  "Every insert, status change, removal and clear applied to the local task list.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Events(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "courtline.yml holds the service URL, store driver, refresh concurrency, allowed durations and the dev server settings.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default courtline.yml",
		// Runs before any config exists, so it skips the root pre-run validation.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveDevCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-dev",
		Short: "Run the in-memory scheduling service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dev := cfg.DevServer
			if addr == "" {
				addr = dev.Addr
			}
			step, err := dev.StepDuration()
			if err != nil {
				return err
			}
			secret := dev.JWTSecret
			if v := os.Getenv("COURTLINE_JWT_SECRET"); v != "" {
				secret = v
			}
			handler, err := server.New(server.Config{
				Courts: dev.Courts,
				Step:   step,
				Auth:   server.AuthConfig{JWTSecret: secret, Password: dev.Password},
				Log:    logger.Named("dev-server"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Serving the dev scheduling API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr)
			return server.ListenAndServe(cmd.Context(), addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to dev_server.addr)")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
