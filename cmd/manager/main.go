package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/cache"
	"github.com/cuemby/warren-tasks/pkg/config"
	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/manager"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/reconciler"
	"github.com/cuemby/warren-tasks/pkg/rpc"
	"github.com/cuemby/warren-tasks/pkg/scheduler"
	"github.com/cuemby/warren-tasks/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warren-manager",
	Short: "Manager is the control plane for a Warren task-execution fleet",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the /metrics, /health, /ready and /live HTTP endpoints")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the bus/cache/store and run the Manager control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		return runServe(metricsAddr)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Ensure the Postgres durable store schema exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

func runServe(metricsAddr string) error {
	cfg, err := config.LoadManager()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := bus.Connect(ctx, bus.Config{URL: fmt.Sprintf("nats://%s:%d", cfg.NATSHost, cfg.NATSPort)})
	if err != nil {
		metrics.RegisterComponent("bus", false, err.Error())
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()
	metrics.RegisterComponent("bus", true, "")

	c, err := cache.Connect(ctx, cache.Config{Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword})
	if err != nil {
		metrics.RegisterComponent("cache", false, err.Error())
		return fmt.Errorf("connect cache: %w", err)
	}
	defer c.Close()
	metrics.RegisterComponent("cache", true, "")

	store, err := openStore(ctx, cfg)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return fmt.Errorf("open store: %w", err)
	}
	metrics.RegisterComponent("store", true, "")

	mgrCfg := manager.Config{
		HealthCheckInterval: cfg.HealthCheckInterval,
		WorkerTimeout:       cfg.WorkerTimeout,
		OfflineGrace:        cfg.OfflineGrace,
		DispatchAckDeadline: cfg.DispatchAckDeadline,
		RetryLimit:          cfg.RetryLimit,
		QuestionDeadline:    cfg.QuestionDeadline,
	}
	mgr := manager.NewManager(mgrCfg, b, c, store)

	ingestor := manager.NewIngestor(mgr)
	if err := ingestor.Start(context.Background()); err != nil {
		return fmt.Errorf("start ingestor: %w", err)
	}

	sched := scheduler.NewScheduler(mgr)
	sched.Start()

	recon := reconciler.NewReconciler(mgr)
	recon.Start()

	collector := metrics.NewCollector(store)
	collector.Start()

	srv := rpc.NewServer()
	rpc.RegisterTools(srv, mgr, ingestor.Broker(), rpc.NewLocalExecSpawner("warren-worker"))

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server stopped", err)
		}
	}()
	log.Info(fmt.Sprintf("metrics listening on http://%s/metrics", metricsAddr))

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- srv.Serve(context.Background(), os.Stdin, os.Stdout)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-rpcErrCh:
		if err != nil {
			log.Errorf("rpc server stopped", err)
		}
	}

	sched.Stop()
	recon.Stop()
	collector.Stop()
	ingestor.Stop()
	return mgr.Shutdown()
}

func runMigrate() error {
	cfg, err := config.LoadManager()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, postgresDSN(cfg))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := storage.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	fmt.Println("schema is up to date")
	return nil
}

func openStore(ctx context.Context, cfg *config.Manager) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, postgresDSN(cfg))
	if err != nil {
		log.Errorf("postgres unreachable, falling back to local bbolt store", err)
		return storage.NewBoltStore(cfg.BoltDataDir)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Errorf("postgres unreachable, falling back to local bbolt store", err)
		return storage.NewBoltStore(cfg.BoltDataDir)
	}

	store := storage.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func postgresDSN(cfg *config.Manager) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDatabase)
}
