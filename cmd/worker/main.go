package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/cache"
	"github.com/cuemby/warren-tasks/pkg/config"
	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warren-worker",
	Short: "Worker runs external agent tasks dispatched over the bus",
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the Manager and accept tasks until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the bus and cache without registering",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

func runWorker() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := bus.Connect(connectCtx, bus.Config{URL: fmt.Sprintf("nats://%s:%d", cfg.NATSHost, cfg.NATSPort)})
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	c, err := cache.Connect(connectCtx, cache.Config{Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword})
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer c.Close()

	hostname, _ := os.Hostname()
	wCfg := worker.Config{
		WorkerID:           cfg.WorkerID,
		Hostname:           hostname,
		Tags:               cfg.Tags,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		MaxMemoryMB:        cfg.MaxMemoryMB,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		ProgressInterval:   time.Duration(cfg.ProgressIntervalMS) * time.Millisecond,
		ShutdownDeadline:   time.Duration(cfg.ShutdownDeadlineMS) * time.Millisecond,
		AgentCommand:       cfg.AgentCommand,
		AgentEnv:           cfg.AgentEnv,
	}
	w := worker.NewWorker(wCfg, b, c)

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer startCancel()
	if err := w.Start(startCtx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	log.Info(fmt.Sprintf("worker %s registered and accepting tasks", w.ID()))

	monitor := worker.NewDependencyMonitor(w, map[string]string{
		"bus":   fmt.Sprintf("%s:%d", cfg.NATSHost, cfg.NATSPort),
		"cache": fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
	})
	monitor.Start()
	defer monitor.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), wCfg.ShutdownDeadline+5*time.Second)
	defer stopCancel()
	return w.Stop(stopCtx)
}

func runDoctor() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := bus.Connect(ctx, bus.Config{URL: fmt.Sprintf("nats://%s:%d", cfg.NATSHost, cfg.NATSPort)})
	if err != nil {
		fmt.Printf("bus:   unreachable (%v)\n", err)
	} else {
		fmt.Println("bus:   reachable")
		b.Close()
	}

	c, err := cache.Connect(ctx, cache.Config{Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword})
	if err != nil {
		fmt.Printf("cache: unreachable (%v)\n", err)
	} else {
		fmt.Println("cache: reachable")
		c.Close()
	}
	return nil
}
