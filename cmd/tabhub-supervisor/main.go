// Command tabhub-supervisor wraps the Tool Daemon (tabhubd) as a managed
// child process: health checks, bounded graceful shutdown, and capped
// exponential-backoff restarts, per the configured restart policy.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/tabhub/tabhub/internal/config"
	"github.com/tabhub/tabhub/internal/logging"
	"github.com/tabhub/tabhub/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("TABHUB_CONFIG"))
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Dir:   cfg.StateDir,
		PID:   os.Getpid(),
		Level: cfg.LogLevel,
		Debug: cfg.Debug,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	daemonCommand := "tabhubd"
	if path, err := os.Executable(); err == nil {
		daemonCommand = resolveSibling(path, "tabhubd")
	}

	sup := supervisor.New(supervisor.Config{
		Command:        daemonCommand,
		Args:           []string{"daemon", "start"},
		Environment:    map[string]string{"TABHUB_CONFIG": os.Getenv("TABHUB_CONFIG")},
		RestartEnabled: cfg.RestartEnabled,
		MaxRestarts:    cfg.MaxRestarts,
		RestartDelay:   cfg.RestartDelay,
		HealthInterval: cfg.HealthInterval,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	logger.Info("supervisor: daemon started", zap.String("session_id", sup.SessionID()))

	// The daemon's own socket listener is the readiness signal; the
	// supervisor has no handshake of its own to wait on, so it marks
	// operational immediately after a successful spawn.
	sup.MarkOperational()

	<-ctx.Done()
	logger.Info("supervisor: shutting down", zap.String("state", string(sup.State())))
	return sup.Stop()
}

// resolveSibling looks for name next to the currently running binary,
// falling back to name alone (resolved against PATH by exec.LookPath at
// spawn time) when it isn't found there.
func resolveSibling(selfPath, name string) string {
	candidate := filepath.Join(filepath.Dir(selfPath), name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return name
}
