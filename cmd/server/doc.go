// Package main is the entry point for the runbox execution server.
//
// runbox runs untrusted code for Python, JavaScript, Java, Go, C, C++ and
// Rust in single-use containers. Requests arrive as MCP tool calls over
// stdio or streamable HTTP; operators get health and Prometheus metrics on a
// separate port.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// cobra for the command line.
package main
