package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tabhub/tabhub/internal/daemon"
)

// exit codes per the CLI surface contract.
const (
	exitSuccess = 0
	exitUsage   = 1
	exitRuntime = 2
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the tabhubd background daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		RunE:  runDaemonStart,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE:  runDaemonStop,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is reachable",
		RunE:  runDaemonStatus,
	})
	return cmd
}

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured tool servers and their status",
		RunE:  runServers,
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the merged tool namespace",
		RunE:  runTools,
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	opts := globalOptionsFrom(cmd)
	resp, err := newDaemonClient(opts.socketPath(), opts.timeout).call(daemon.Request{Type: daemon.ReqShutdown}, nil)
	return renderTerminal(cmd, opts, resp, err)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	opts := globalOptionsFrom(cmd)
	resp, err := newDaemonClient(opts.socketPath(), opts.timeout).call(daemon.Request{Type: daemon.ReqDaemonStatus}, nil)
	return renderTerminal(cmd, opts, resp, err)
}

func runServers(cmd *cobra.Command, args []string) error {
	opts := globalOptionsFrom(cmd)
	req := daemon.Request{Type: daemon.ReqServerStatus, ServerID: opts.server}
	resp, err := newDaemonClient(opts.socketPath(), opts.timeout).call(req, nil)
	return renderTerminal(cmd, opts, resp, err)
}

func runTools(cmd *cobra.Command, args []string) error {
	opts := globalOptionsFrom(cmd)
	resp, err := newDaemonClient(opts.socketPath(), opts.timeout).call(daemon.Request{Type: daemon.ReqListTools}, nil)
	return renderTerminal(cmd, opts, resp, err)
}

// runTool is the dynamic `<tool> [args...]` dispatch: reached when the
// first positional argument doesn't match any registered subcommand name.
func runTool(cmd *cobra.Command, args []string) error {
	opts := globalOptionsFrom(cmd)
	if len(args) == 0 {
		if err := cmd.Help(); err != nil {
			return err
		}
		exitWith(exitUsage)
		return nil
	}
	tool := args[0]
	toolArgs, err := parseToolArgs(args[1:])
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		exitWith(exitUsage)
		return nil
	}

	req := daemon.Request{Type: daemon.ReqToolCall, Tool: tool, ServerID: opts.server, Args: toolArgs}
	resp, callErr := newDaemonClient(opts.socketPath(), opts.timeout).call(req, func(p daemon.Response) {
		if opts.verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "progress: %v\n", p.Progress)
		}
	})
	return renderTerminal(cmd, opts, resp, callErr)
}

// renderTerminal prints resp (or callErr) and sets the process exit code:
// 0 on success, 2 on a daemon-reported or transport error.
func renderTerminal(cmd *cobra.Command, opts globalOptions, resp daemon.Response, callErr error) error {
	if callErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), callErr)
		exitWith(exitRuntime)
		return nil
	}
	if resp.Status == daemon.StatusErr {
		fmt.Fprintln(cmd.ErrOrStderr(), resp.Error)
		exitWith(exitRuntime)
		return nil
	}

	if opts.jsonOutput {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	data, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
