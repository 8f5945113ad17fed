package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/maxpert/fmq/config"
	"github.com/maxpert/fmq/metrics"
	"github.com/maxpert/fmq/server"
)

const (
	daemonEnv = "_FMQ_DAEMON"
	banner    = `
    ______  _____ ____ 
   / ____/ /  |/  / __ \
  / /_    / /|_/ / / / /
 / __/   / /  / / /_/ / 
/_/     /_/  /_/\___\_\ 

File Message Queue Server
Version: %s
`
)

func main() {
	var (
		configFile      = flag.String("config", "", "Configuration file path (YAML/JSON)")
		showVersion     = flag.Bool("version", false, "Show version and exit")
		generateConfig  = flag.String("generate-config", "", "Generate default config file and exit (e.g., fmq.yaml)")
		dataDir         = flag.String("data-dir", "", "Directory relative queue paths resolve under")
		port            = flag.Int("port", 0, "Listen port (overrides configuration)")
		enableTelemetry = flag.Bool("enable-telemetry", false, "Enable telemetry endpoint (Prometheus metrics + health)")
		telemetryPort   = flag.Int("telemetry-port", metrics.DefaultPort, "Telemetry HTTP server port")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("FMQ Server version %s\n", server.ServerVersion)
		return
	}

	if *generateConfig != "" {
		cfg := config.DefaultConfig()
		if err := cfg.Save(*generateConfig); err != nil {
			log.Fatalf("Failed to generate config file: %v", err)
		}
		fmt.Printf("Generated default configuration: %s\n", *generateConfig)
		fmt.Println("Edit the file and start server with: fmq-server --config " + *generateConfig)
		return
	}

	if os.Getenv(daemonEnv) == "" {
		fmt.Printf(banner, server.ServerVersion)
	}

	// Defaults, then the file, then FMQ_* environment variables
	loaded, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	overrides := config.FromConfig(loaded)
	if *dataDir != "" {
		overrides.WithDataDir(*dataDir)
	}
	if *port != 0 {
		overrides.WithPort(*port)
	}
	if *enableTelemetry {
		overrides.WithTelemetry(true, *telemetryPort)
	}
	cfg, err := overrides.Build()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Server.Daemonize && !isDaemonChild() {
		if err := startDaemon(); err != nil {
			log.Fatalf("Failed to daemonize: %v", err)
		}
	}
	if isDaemonChild() {
		if err := finalizeDaemon(cfg.Server.LogFile); err != nil {
			log.Fatalf("Failed to finalize daemon: %v", err)
		}
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	logger, err := server.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	builder := server.NewServerBuilder().WithConfig(cfg).WithLogger(logger)

	var collector *metrics.Collector
	if cfg.Server.TelemetryEnabled {
		collector = metrics.NewCollector("fmq")
		builder = builder.WithMetrics(collector)
	}

	fmqServer, err := builder.Build()
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if cfg.Server.PidFile != "" {
		if err := writePIDFile(cfg.Server.PidFile); err != nil {
			log.Fatalf("Failed to write PID file: %v", err)
		}
		defer os.Remove(cfg.Server.PidFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, fmqServer, collector, cfg.Server.TelemetryPort, logger); err != nil {
		logger.Error("Server failed", zap.Error(err))
		os.Exit(1)
	}
}

// run serves queues, and telemetry when a collector is given, until ctx is
// cancelled or one of them fails.
func run(ctx context.Context, srv *server.Server, collector *metrics.Collector, telemetryPort int, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	if collector != nil {
		telemetry := metrics.NewServer(telemetryPort, srv.Lifecycle.Health)
		logger.Info("Telemetry server listening",
			zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", telemetryPort)),
			zap.String("health", fmt.Sprintf("http://localhost:%d/health", telemetryPort)))

		g.Go(func() error {
			if err := telemetry.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("telemetry server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Stop(shutdownCtx)
		})
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					collector.UpdateServerUptime(srv.Lifecycle.GetUptime().Seconds())
				}
			}
		})
	}

	g.Go(func() error {
		if err := srv.Lifecycle.Start(gctx); err != nil {
			return err
		}
		logger.Info("FMQ server started",
			zap.String("addr", srv.Addr),
			zap.String("data_dir", srv.Config.Storage.DataDir),
			zap.Int("max_connections", srv.Config.Network.MaxConnections))

		<-gctx.Done()
		logger.Info("Shutting down server gracefully")
		if err := srv.Lifecycle.Stop(context.Background()); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("Server stopped")
		return nil
	})

	return g.Wait()
}

func writePIDFile(pidFile string) error {
	pid := os.Getpid()
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// startDaemon re-executes the binary twice: the first child calls setsid
// and forks the final daemon, which can never reacquire a terminal.
func startDaemon() error {
	stage := os.Getenv(daemonEnv)
	next := "1"
	if stage == "1" {
		if _, err := unix.Setsid(); err != nil {
			return fmt.Errorf("setsid failed: %w", err)
		}
		next = "2"
	}

	cmd := &exec.Cmd{
		Path: os.Args[0],
		Args: os.Args,
		Env:  append(os.Environ(), daemonEnv+"="+next),
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	if stage == "" {
		fmt.Printf("FMQ server daemonized with PID %d\n", cmd.Process.Pid)
	}
	os.Exit(0)
	return nil
}

func isDaemonChild() bool {
	return os.Getenv(daemonEnv) == "2"
}

func finalizeDaemon(logFile string) error {
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("failed to change directory to /: %w", err)
	}
	unix.Umask(0o022)
	return redirectStdFiles(logFile)
}

// redirectStdFiles points stdin at /dev/null and stdout/stderr at the log
// file, or /dev/null when there is none.
func redirectStdFiles(logFile string) error {
	devNull, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open /dev/null: %w", err)
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("failed to redirect stdin: %w", err)
	}

	out := devNull
	if logFile != "" {
		out, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
	}
	if err := unix.Dup2(int(out.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("failed to redirect stdout: %w", err)
	}
	if err := unix.Dup2(int(out.Fd()), int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("failed to redirect stderr: %w", err)
	}
	return nil
}
