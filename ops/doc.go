// Package ops serves the operator HTTP endpoints of a runbox process:
// health for load balancers and orchestrators, Prometheus metrics, and the
// list of accepted languages.
//
// The endpoints are read-only and carry no caller data; they listen on a
// port separate from the MCP transport.
package ops
