package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/kaustavdm/momo-tasks/internal/config"
	"github.com/kaustavdm/momo-tasks/internal/logging"
	"github.com/kaustavdm/momo-tasks/internal/modules"
	"github.com/kaustavdm/momo-tasks/internal/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	Version   string
	BuildTime string
	GitCommit string
)

type flags struct {
	configPath string
	modules    string
	natsURL    string
	port       string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:     "momo",
		Short:   "Dispatch query tasks to workers and track their status",
		Version: fmt.Sprintf("%s (Built: %s, Commit: %s)", Version, BuildTime, GitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}

	bindFlags(cmd, f)

	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "momo.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&f.modules, "modules", "all", "Comma-separated list of modules to run (scheduler,worker,reporter,api) or 'all'")
	cmd.Flags().StringVar(&f.natsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&f.port, "port", "8080", "HTTP port for API")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

// loadConfig reads the config file and applies the flags that were set on
// the command line.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("modules") {
		cfg.Modules = strings.Split(f.modules, ",")
	}
	if cmd.Flags().Changed("nats-url") {
		cfg.NatsURL = f.natsURL
	}
	if cmd.Flags().Changed("port") {
		cfg.API.Port = f.port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger := logging.New("MOMO")
	logger.Info("starting momo", "version", Version, "built", BuildTime, "commit", GitCommit)

	modulesToRun, err := cfg.ModulesToRun()
	if err != nil {
		return err
	}

	// Connect to NATS
	nc, err := nats.Connect(cfg.NatsURL, nats.Name("momo-"+cfg.Worker.NodeID))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()
	conn := modules.NewNATSConn(nc)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		scheduler *modules.Scheduler
		worker    *modules.Worker
		reporter  *modules.Reporter
		runAPI    bool
		selected  = make(map[string]modules.Module)
	)
	for _, name := range modulesToRun {
		switch name {
		case "scheduler":
			scheduler = modules.NewScheduler(conn, cfg.Scheduler)
			selected[name] = scheduler
		case "worker":
			worker, err = modules.NewWorker(conn, cfg.Worker)
			if err != nil {
				return err
			}
			selected[name] = worker
		case "reporter":
			reporter = modules.NewReporter(conn, cfg.Reporter)
			selected[name] = reporter
		case "api":
			runAPI = true
		}
	}

	// Start selected modules
	var started []modules.Module
	for name, m := range selected {
		logger.Info("starting module", "module", name)
		if err := m.Start(ctx); err != nil {
			stopAll(logger, started)
			return fmt.Errorf("module %s: %w", name, err)
		}
		started = append(started, m)
	}

	var wg sync.WaitGroup
	if runAPI {
		apiServer := server.NewAPIServer(cfg.API.Port, scheduler, worker, reporter)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("API server error", "err", err)
			}
		}()
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	wg.Wait()
	stopAll(logger, started)
	return nil
}

func stopAll(logger *log.Logger, started []modules.Module) {
	for _, m := range started {
		if err := m.Stop(); err != nil {
			logger.Error("error stopping module", "err", err)
		}
	}
}
