// Command tabhubd is the Tool Daemon's CLI surface: it starts/stops/queries
// the daemon and doubles as a thin client for calling any tool the daemon's
// merged namespace exposes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabhub/tabhub/internal/config"
	"github.com/tabhub/tabhub/internal/daemon"
	"github.com/tabhub/tabhub/internal/logging"
)

// exitCode is set by subcommands instead of calling os.Exit directly, so
// deferred cleanup (flushing the logger, closing connections) still runs.
var exitCode int

func exitWith(code int) {
	if code > exitCode {
		exitCode = code
	}
}

type globalOptions struct {
	jsonOutput bool
	verbose    bool
	timeout    time.Duration
	server     string
	configPath string
}

func (o globalOptions) socketPath() string {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.DefaultDaemonSocketPath()
	}
	return cfg.DaemonSocketPath
}

func globalOptionsFrom(cmd *cobra.Command) globalOptions {
	root := cmd.Root()
	jsonOutput, _ := root.PersistentFlags().GetBool("json")
	verbose, _ := root.PersistentFlags().GetBool("verbose")
	timeout, _ := root.PersistentFlags().GetDuration("timeout")
	server, _ := root.PersistentFlags().GetString("server")
	cfgPath, _ := root.PersistentFlags().GetString("config")
	return globalOptions{
		jsonOutput: jsonOutput,
		verbose:    verbose,
		timeout:    timeout,
		server:     server,
		configPath: cfgPath,
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tabhubd",
		Short:         "Tool Daemon: supervises tool-calling subprocess servers behind a merged namespace",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE:          runTool,
	}
	root.PersistentFlags().Bool("json", false, "emit machine-readable JSON output")
	root.PersistentFlags().BoolP("verbose", "v", false, "print progress frames as they arrive")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().String("server", "", "restrict the call to one server id")
	root.PersistentFlags().String("config", "", "path to a TOML config file")

	root.AddCommand(newDaemonCmd())
	root.AddCommand(newServersCmd())
	root.AddCommand(newToolsCmd())
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	os.Exit(exitCode)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	opts := globalOptionsFrom(cmd)
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Dir:   cfg.StateDir,
		PID:   os.Getpid(),
		Level: cfg.LogLevel,
		Debug: cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.DaemonSocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	d := daemon.New(daemon.Config{SocketPath: cfg.DaemonSocketPath, Logger: logger})
	for _, spec := range cfg.Servers {
		idleTimeout, err := time.ParseDuration(spec.IdleTimeout)
		if err != nil && spec.IdleTimeout != "" {
			return fmt.Errorf("server %s: invalid idle_timeout %q: %w", spec.ID, spec.IdleTimeout, err)
		}
		err = d.AddServer(daemon.ServerConfig{
			ID:          spec.ID,
			Command:     spec.Command,
			Args:        spec.Args,
			Cwd:         spec.Cwd,
			Env:         spec.Env,
			Priority:    spec.Priority,
			AutoStart:   spec.AutoStart,
			IdleTimeout: idleTimeout,
			HealthCheck: spec.HealthCheck,
		})
		if err != nil {
			return fmt.Errorf("register server %s: %w", spec.ID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	fmt.Printf("tabhubd listening on %s\n", cfg.DaemonSocketPath)
	return d.Serve(ctx)
}
