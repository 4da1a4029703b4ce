// Package mcpserver exposes the execution engine as Model Context Protocol
// tools built with mark3labs/mcp-go.
//
// Tools: execute_code waits for the result, submit_job returns a job id
// immediately, and get_job_status, get_job_logs and cancel_job address a
// submitted job. list_languages, health_check and get_metrics report on the
// engine. Results are JSON text content; a refused request is a tool error
// (IsError) rather than a protocol error.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, log, eng)
//	if err != nil {
//	    log.Fatal("mcp server", zap.Error(err))
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP() with server.transport "http"
package mcpserver
