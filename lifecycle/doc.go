// Package lifecycle runs one job through its sandbox: provision, workspace
// materialization, setup, optional compile, run, output collection and
// teardown. The sandbox is always destroyed once provisioned, whatever the
// outcome.
package lifecycle
