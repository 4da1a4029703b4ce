// Package security holds the execution policy and the admission gate.
//
// A Policy is published through a Store, an atomic pointer that readers load
// once per request. The Gate turns a caller's job.ExecutionRequest into a
// job.Config: it checks code size, language, forbidden source patterns, input
// files, expected outputs and dependencies, filters the environment and
// clamps resource limits to the policy. SanitizeOutput scrubs every text field
// returned to callers.
package security
