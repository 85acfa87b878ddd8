// Command tabhub-host is the MCP stdio server embedded in each host
// process: it exposes browser-automation tools backed by a Hub Client
// connection, translating each tool call into a Hub bus request and
// tracking its progress through the Operation Manager.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/tabhub/tabhub/internal/config"
	"github.com/tabhub/tabhub/internal/hubclient"
	"github.com/tabhub/tabhub/internal/logging"
	"github.com/tabhub/tabhub/internal/operation"
)

const (
	serverName    = "tabhub-host"
	serverVersion = "1.0.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// browserTool bundles the Hub Client connection and the Operation Manager
// backing the long-running tool calls (spawn_tab, send_prompt). The
// Resource State Manager for the browser-side resources these tools touch
// lives in the Hub process (the singleton routing point every host's
// requests pass through), not here.
type browserTool struct {
	client *hubclient.Client
	ops    *operation.Manager
}

func run() error {
	cfg, err := config.Load(os.Getenv("TABHUB_CONFIG"))
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

	ops, err := operation.New(cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("operation manager: %w", err)
	}

	identity := hubclient.DetectIdentity(cfg.ClientID, cfg.ClientName, cfg.ClientType)

	bt := &browserTool{ops: ops}
	bt.client = hubclient.New(hubclient.Config{
		Port:             cfg.HubPort,
		Identity:         identity,
		ForceHubCreation: cfg.ForceHubCreate,
		NoAutoHub:        cfg.NoAutoHub,
		Logger:           logger,
		OnMilestone: func(operationID, label string, data json.RawMessage) {
			if err := ops.Update(operationID, label, data); err != nil {
				logger.Debug("tabhub-host: milestone for unknown operation", zap.Error(err))
			}
		},
	})

	ctx := context.Background()
	bt.client.Start(ctx)
	defer bt.client.Close()

	impl := &mcp.Implementation{Name: serverName, Version: serverVersion}
	server := mcp.NewServer(impl, nil)
	bt.register(server)

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (bt *browserTool) register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "spawn_tab",
		Description: "Open a new Claude.ai tab and return its tab id and a tracking operation id",
	}, bt.spawnTab)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_prompt",
		Description: "Send a prompt into an existing tab's conversation and return a tracking operation id",
	}, bt.sendPrompt)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wait_for_response",
		Description: "Wait for a tracked operation (spawn_tab or send_prompt) to complete or fail",
	}, bt.waitForResponse)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_conversation",
		Description: "Fetch the current conversation transcript for a tab",
	}, bt.getConversation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tabs",
		Description: "List tabs currently tracked by the browser extension",
	}, bt.listTabs)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "close_tab",
		Description: "Close a tracked tab",
	}, bt.closeTab)
}

type SpawnTabArgs struct {
	URL string `json:"url,omitempty" jsonschema:"description=Optional starting URL; defaults to a new Claude.ai conversation"`
}

func (bt *browserTool) spawnTab(ctx context.Context, req *mcp.CallToolRequest, args SpawnTabArgs) (*mcp.CallToolResult, any, error) {
	return bt.startTrackedRequest(ctx, "spawn_tab", map[string]any{"url": args.URL})
}

type SendPromptArgs struct {
	TabID  string `json:"tab_id" jsonschema:"description=The tab id returned by spawn_tab,required"`
	Prompt string `json:"prompt" jsonschema:"description=The prompt text to send,required"`
}

func (bt *browserTool) sendPrompt(ctx context.Context, req *mcp.CallToolRequest, args SendPromptArgs) (*mcp.CallToolResult, any, error) {
	return bt.startTrackedRequest(ctx, "send_prompt", map[string]any{"tab_id": args.TabID, "prompt": args.Prompt})
}

// startTrackedRequest creates an Operation, embeds its id in the request
// params so the extension's milestone frames can reference it, sends the
// request, and returns the operation id together with the extension's reply
// once that reply arrives; completion is tracked through milestones and
// awaited via wait_for_response.
func (bt *browserTool) startTrackedRequest(ctx context.Context, method string, params map[string]any) (*mcp.CallToolResult, any, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errorResult(err), nil, nil
	}
	opID := bt.ops.Create(method, paramsJSON)

	params["operation_id"] = opID
	withOpID, err := json.Marshal(params)
	if err != nil {
		return errorResult(err), nil, nil
	}

	result, err := bt.client.SendRequest(ctx, method, withOpID)
	if err != nil {
		return errorResult(fmt.Errorf("%s: %w", method, err)), nil, nil
	}

	out := map[string]any{"operation_id": opID}
	if len(result) > 0 {
		out["result"] = result
	}
	data, err := json.Marshal(out)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult(string(data)), nil, nil
}

type WaitForResponseArgs struct {
	OperationID string `json:"operation_id" jsonschema:"description=Operation id returned by spawn_tab or send_prompt,required"`
	TimeoutMS   int    `json:"timeout_ms,omitempty" jsonschema:"description=Wait timeout in milliseconds; defaults to 30000,default=30000"`
}

func (bt *browserTool) waitForResponse(ctx context.Context, req *mcp.CallToolRequest, args WaitForResponseArgs) (*mcp.CallToolResult, any, error) {
	timeout := 30 * time.Second
	if args.TimeoutMS > 0 {
		timeout = time.Duration(args.TimeoutMS) * time.Millisecond
	}

	op, err := bt.ops.Wait(ctx, args.OperationID, timeout)
	if err != nil {
		return errorResult(err), nil, nil
	}

	data, err := json.Marshal(op)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult(string(data)), nil, nil
}

type GetConversationArgs struct {
	TabID string `json:"tab_id" jsonschema:"description=The tab id,required"`
}

func (bt *browserTool) getConversation(ctx context.Context, req *mcp.CallToolRequest, args GetConversationArgs) (*mcp.CallToolResult, any, error) {
	return bt.forward(ctx, "get_conversation", map[string]any{"tab_id": args.TabID})
}

type ListTabsArgs struct{}

func (bt *browserTool) listTabs(ctx context.Context, req *mcp.CallToolRequest, args ListTabsArgs) (*mcp.CallToolResult, any, error) {
	return bt.forward(ctx, "list_tabs", map[string]any{})
}

type CloseTabArgs struct {
	TabID string `json:"tab_id" jsonschema:"description=The tab id to close,required"`
}

func (bt *browserTool) closeTab(ctx context.Context, req *mcp.CallToolRequest, args CloseTabArgs) (*mcp.CallToolResult, any, error) {
	return bt.forward(ctx, "close_tab", map[string]any{"tab_id": args.TabID})
}

// forward sends a one-shot request (no operation tracking) and returns its
// result verbatim.
func (bt *browserTool) forward(ctx context.Context, method string, params map[string]any) (*mcp.CallToolResult, any, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errorResult(err), nil, nil
	}
	result, err := bt.client.SendRequest(ctx, method, paramsJSON)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult(string(result)), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
