package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/job"
	"github.com/isdmx/runbox/metrics"
)

// Engine is the subset of engine.Engine the tools call.
type Engine interface {
	Submit(ctx context.Context, req job.ExecutionRequest) (string, error)
	Execute(ctx context.Context, req job.ExecutionRequest) (job.Result, error)
	Status(id string) (job.Result, error)
	Logs(id string) (string, error)
	Cancel(id string) error
	Languages() []string
	Health(ctx context.Context) metrics.Health
	Metrics() metrics.Snapshot
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	engine     Engine
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer exposing the engine operations as tools.
func New(cfg *config.Config, logger *zap.Logger, engine Engine) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger.Named("mcp"),
		engine: engine,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.ops_port", cfg.Server.OpsPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Duration("security.max_execution_time", cfg.Security.MaxExecutionTime),
		zap.Int("security.max_memory_mb", cfg.Security.MaxMemoryMB),
		zap.Int("security.max_concurrent_jobs", cfg.Security.MaxConcurrentJobs),
		zap.Bool("security.network_access", cfg.Security.NetworkAccess),
		zap.Int("rate_limits.per_user", cfg.RateLimits.PerUser),
		zap.Int("rate_limits.per_project", cfg.RateLimits.PerProject),
	)

	s.mcpServer = server.NewMCPServer("runbox", "Sandboxed multi-language code execution",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	if cfg.Server.Transport == "http" {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}
	return s, nil
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_code",
		Description: "Execute untrusted code in a sandbox and wait for the result",
		InputSchema: requestSchema(),
	}, s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "submit_job",
		Description: "Queue code for sandboxed execution and return its job id immediately",
		InputSchema: requestSchema(),
	}, s.handleSubmitJob)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_job_status",
		Description: "Return the current status and, once finished, the result of a job",
		InputSchema: jobIDSchema(),
	}, s.handleGetJobStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_job_logs",
		Description: "Return the phase transcript and output captured so far for a job",
		InputSchema: jobIDSchema(),
	}, s.handleGetJobLogs)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel a queued or running job",
		InputSchema: jobIDSchema(),
	}, s.handleCancelJob)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_languages",
		Description: "List the languages accepted for execution",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleListLanguages)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "health_check",
		Description: "Report sandbox runtime availability and scheduler load",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleHealthCheck)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_metrics",
		Description: "Return aggregated execution metrics",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleGetMetrics)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := parseExecutionRequest(request)
	if err != nil {
		return errorResult(err), nil
	}

	s.logger.Info("code execution requested",
		zap.String("job.user", req.UserID),
		zap.String("job.language", req.Language))

	res, err := s.engine.Execute(ctx, req)
	if err != nil {
		s.logger.Warn("execution refused", zap.String("job.user", req.UserID), zap.Error(err))
		return errorResult(err), nil
	}
	return jsonResult(newResultView(res))
}

func (s *MCPServer) handleSubmitJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := parseExecutionRequest(request)
	if err != nil {
		return errorResult(err), nil
	}

	id, err := s.engine.Submit(ctx, req)
	if err != nil {
		s.logger.Warn("submission refused", zap.String("job.user", req.UserID), zap.Error(err))
		return errorResult(err), nil
	}
	return jsonResult(map[string]string{"job_id": id, "status": string(job.StatusQueued)})
}

func (s *MCPServer) handleGetJobStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return errorResult(err), nil
	}
	res, err := s.engine.Status(id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(newResultView(res))
}

func (s *MCPServer) handleGetJobLogs(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return errorResult(err), nil
	}
	logs, err := s.engine.Logs(id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]string{"job_id": id, "logs": logs})
}

func (s *MCPServer) handleCancelJob(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return errorResult(err), nil
	}
	if err := s.engine.Cancel(id); err != nil {
		return errorResult(err), nil
	}
	res, err := s.engine.Status(id)
	if err != nil {
		return errorResult(err), nil
	}
	s.logger.Info("job cancelled by caller", zap.String("job.id", id))
	return jsonResult(newResultView(res))
}

func (s *MCPServer) handleListLanguages(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string][]string{"languages": s.engine.Languages()})
}

func (s *MCPServer) handleHealthCheck(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Health(ctx))
}

func (s *MCPServer) handleGetMetrics(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(newMetricsView(s.engine.Metrics()))
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the streamable HTTP transport and blocks until it stops.
func (s *MCPServer) ServeHTTP() error {
	if s.httpServer == nil {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it was started.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return textResult(err.Error(), true)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return textResult(string(data), false), nil
}
