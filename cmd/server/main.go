// Command apiwatch-server runs the API performance monitoring service:
// it accepts raw request observations over HTTP, aggregates them into
// time-bucketed rollups, evaluates alert policies against those rollups,
// and serves both a query API and a live alert-event feed. CLI shape
// (cobra root + subcommands in place of the teacher's os.Args switch) and
// bootstrap order follow cmd/server/main.go/config.go in the teacher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"apiwatch/internal/aggregator"
	"apiwatch/internal/cache"
	"apiwatch/internal/config"
	"apiwatch/internal/evaluator"
	"apiwatch/internal/live"
	"apiwatch/internal/model"
	"apiwatch/internal/notify"
	"apiwatch/internal/retention"
	"apiwatch/internal/scheduler"
	"apiwatch/internal/store"
	"apiwatch/internal/store/pgstore"
	"apiwatch/internal/store/sqlitestore"

	apiserver "apiwatch/internal/api"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "apiwatch-server",
		Short: "API performance monitoring and alerting service",
	}
	root.AddCommand(newServeCmd(), newCheckCmd(), newRotateKeyCmd(), newVersionCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("apiwatch-server version %s\n", version)
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify configuration and storage connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Printf("config path: %s\n", config.Path())
			fmt.Printf("store kind: %s\n", cfg.StoreKind)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()
			fmt.Println("store: OK")
			return nil
		},
	}
}

func newRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Generate a new admin password",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			password := cfg.ResetPassword()
			if err := config.SaveImmediate(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("new admin password: %s\n", password)
			fmt.Printf("config file: %s\n", config.Path())
			fmt.Println("restart the server for the new password to take effect.")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the aggregation/alerting scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreKind {
	case config.StorePostgres:
		return pgstore.Open(ctx, cfg.PostgresDSN)
	case config.StoreSQLite, "":
		return sqlitestore.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.StoreKind)
	}
}

func serve(ctx context.Context) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, bootstrapPassword, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if bootstrapPassword != nil {
		log.Info("generated initial admin password; store it securely", "password", *bootstrapPassword)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	var cooldowns *cache.CooldownCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, cooldown checks will always hit the store", "error", err)
		} else {
			cooldowns = cache.NewCooldownCache(rdb, "apiwatch:cooldown:")
		}
	}

	hub := live.NewHub(log)
	agg := aggregator.New(s)
	eval := evaluator.New(s, cooldowns)
	eval.Notify = newNotifyFunc(cfg, s, hub, log)

	cleaner := retention.New(s, time.Duration(cfg.RetentionDays)*24*time.Hour)
	// The runner ticks every minute; cleanup only does work once a day.
	var lastCleanup time.Time

	jobs := []scheduler.Job{
		{
			Name:        "aggregate-and-evaluate",
			RetryBase:   10 * time.Second,
			MaxAttempts: 3,
			Run: func(ctx context.Context) error {
				return aggregateAndEvaluate(ctx, s, agg, eval, log)
			},
		},
		{
			Name:        "cleanup",
			RetryBase:   30 * time.Second,
			MaxAttempts: 2,
			Run: func(ctx context.Context) error {
				if !lastCleanup.IsZero() && time.Since(lastCleanup) < 24*time.Hour {
					return nil
				}
				n, err := cleaner.Clean(ctx)
				if err != nil {
					return err
				}
				lastCleanup = time.Now()
				log.Info("retention cleanup complete", "deleted", n)
				return nil
			},
		},
	}
	runner := scheduler.NewRunner(jobs, log)
	runner.Start()
	defer runner.Stop()

	engine := apiserver.New(s, hub, cfg.JWTSecret)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: engine}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCh:
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// maxCatchUpWindows bounds how many one-minute windows a single tick will
// work through when catching up after a restart or a long gap, leaving the
// rest for the next tick rather than blocking the scheduler indefinitely.
const maxCatchUpWindows = 180

// aggregateAndEvaluate runs every unprocessed one-minute window since the
// last one recorded in the processed-window ledger, up to the current
// minute boundary. Walking from the ledger rather than from time.Now()
// each tick is what makes the job safe against ticker jitter, slow runs,
// and restarts: a window is never silently skipped, only deferred to the
// next tick that reaches it.
func aggregateAndEvaluate(ctx context.Context, s store.Store, agg *aggregator.Aggregator, eval *evaluator.Evaluator, log *slog.Logger) error {
	now := time.Now().UTC().Truncate(time.Minute)

	last, ok, err := s.LastProcessedWindow(ctx)
	if err != nil {
		return fmt.Errorf("read processed-window ledger: %w", err)
	}
	start := now.Add(-time.Minute)
	if ok {
		start = last.Add(time.Minute)
	}

	windows := 0
	for w := start; w.Before(now) && windows < maxCatchUpWindows; w = w.Add(time.Minute) {
		windows++
		marked, err := s.TryMarkWindowProcessed(ctx, w)
		if err != nil {
			return fmt.Errorf("mark window %s processed: %w", w, err)
		}
		if !marked {
			// Another instance (or a previous, since-crashed run of this
			// one) already claimed this window; move on.
			continue
		}

		rollups, err := agg.Run(ctx, w, w.Add(time.Minute))
		if err != nil {
			return fmt.Errorf("aggregate window %s: %w", w, err)
		}
		for _, r := range rollups {
			if _, err := eval.Evaluate(ctx, r); err != nil {
				log.Error("evaluate rollup", "project", r.Key.ProjectID, "endpoint", r.Key.Endpoint, "error", err)
			}
		}
	}
	return nil
}

// newNotifyFunc broadcasts every fired alert event to live websocket
// viewers and, when SMTP is configured and the project has a notification
// address, emails that address. Email failures are logged, not propagated — a broken mail
// relay must not roll back the alert event that already landed in the
// store.
func newNotifyFunc(cfg *config.Config, s store.Store, hub *live.Hub, log *slog.Logger) func(ctx context.Context, policy model.AlertPolicy, event model.AlertEvent) {
	return func(ctx context.Context, policy model.AlertPolicy, event model.AlertEvent) {
		hub.Broadcast(event)

		if cfg.SMTP.Host == "" {
			return
		}
		project, err := s.Project(ctx, policy.ProjectID)
		if err != nil {
			log.Error("load project for alert email", "project", policy.ProjectID, "error", err)
			return
		}
		if project.NotificationEmail == "" {
			return
		}
		n, err := notify.New(notify.Channel{
			Type: "email",
			Config: map[string]string{
				"smtp_host": cfg.SMTP.Host,
				"smtp_port": fmt.Sprintf("%d", cfg.SMTP.Port),
				"username":  cfg.SMTP.Username,
				"password":  cfg.SMTP.Password,
				"from":      cfg.SMTP.From,
				"to":        project.NotificationEmail,
				"use_tls":   "true",
			},
		})
		if err != nil {
			log.Error("build email notifier", "error", err)
			return
		}
		title := fmt.Sprintf("[%s] %s breached", policy.Severity, policy.Name)
		body := fmt.Sprintf("policy %q fired at %s with value %.2f", policy.Name, event.TriggeredAt, event.Value)
		if err := n.Send(title, body); err != nil {
			log.Error("send alert email", "policy", policy.ID, "error", err)
		}
	}
}
