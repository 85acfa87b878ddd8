// Command tabhub-hub runs a standalone Hub: the WebSocket routing fabric
// that multiplexes one browser-extension peer across many host peers.
// Hub Clients normally spawn a Hub on demand; this binary is useful for
// running the Hub as its own supervised process instead.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tabhub/tabhub/internal/config"
	"github.com/tabhub/tabhub/internal/hub"
	"github.com/tabhub/tabhub/internal/logging"
	"github.com/tabhub/tabhub/internal/resource"
)

// sweepInterval is how often the standalone Hub sweeps the Resource State
// Manager for orphaned debugger sessions and expired locks, independent of
// the per-lock auto-release timers.
const sweepInterval = 5 * time.Minute

const defaultShutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("TABHUB_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Dir:   cfg.StateDir,
		PID:   os.Getpid(),
		Level: cfg.LogLevel,
		Debug: cfg.Debug,
	})
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	var h *hub.Hub
	resources, err := resource.New(cfg.StateDir, func(tabID string) {
		logger.Info("resource: lock auto-released", zap.String("tab_id", tabID))
		h.PublishEvent("lock_auto_released", map[string]string{"tab_id": tabID})
	}, logger)
	if err != nil {
		log.Fatalf("resource manager: %v", err)
	}

	h = hub.New(hub.Config{
		Port:         cfg.HubPort,
		DrainOnEmpty: cfg.DrainOnEmpty,
		DrainGrace:   cfg.DrainGrace,
		Logger:       logger,
		Resources:    resources,
		OnExtensionConnected: func() {
			report := resources.OnExtensionRestart(time.Now())
			logger.Info("resource: extension restart recovery",
				zap.Int("orphaned_debugger_sessions", len(report.OrphanedDebuggerSessions)),
				zap.Int("expired_locks", len(report.ExpiredLocks)))
			h.PublishEvent("recovery:completed", report)
		},
	})

	if err := h.Listen(); err != nil {
		logger.Fatal("hub: listen failed", zap.Error(err))
	}
	fmt.Printf("tabhub-hub listening on %s\n", h.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	go sweepLoop(ctx, resources, logger)

	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			logger.Error("hub: serve exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error("hub: shutdown", zap.Error(err))
	}
}

// sweepLoop periodically reports orphaned debugger sessions and releases
// expired locks, catching anything the per-lock auto-release timer and the
// extension-restart recovery sweep don't.
func sweepLoop(ctx context.Context, resources *resource.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := resources.Sweep(time.Now(), false)
			if len(report.OrphanedDebuggerSessions) > 0 || len(report.ExpiredLocks) > 0 {
				logger.Info("resource: periodic sweep",
					zap.Strings("orphaned_debugger_sessions", report.OrphanedDebuggerSessions),
					zap.Strings("expired_locks", report.ExpiredLocks))
			}
		}
	}
}
