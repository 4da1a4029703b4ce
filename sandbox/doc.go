// Package sandbox provides isolated containers for running untrusted code.
//
// A Runtime provisions one hardened container per job, copies files into it,
// executes commands inside it and destroys it. The container runs a keepalive
// process; every phase of a job is a separate exec. Two backends are
// provided: Docker, which talks to the Engine API through the official SDK,
// and CLI, which drives the docker or podman binary.
//
// Every container is created with:
//   - no network (NetworkMode none) unless the spec enables it
//   - a non-root user and no-new-privileges
//   - all capabilities dropped and a pids limit
//   - memory, swap and cpu caps
//   - a writable tmpfs at /tmp
//   - labels naming the job so that orphans can be reaped
package sandbox
