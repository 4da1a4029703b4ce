// Package workspace provides the file model and archive helpers used to move
// files in and out of sandboxes.
//
// Caller-supplied input files and tar.gz workspace archives are validated
// against directory traversal before they ever reach a sandbox. Files are
// uploaded as a single tar stream and produced files are read back from the
// tar stream the container runtime returns.
//
// Usage:
//
//	files, err := workspace.ExpandArchive(archive, workspace.Limits{MaxFiles: 50, MaxBytes: 1 << 20}, nil)
//	rd, err := workspace.BuildTar("workspace", files, workspace.Owner{UID: 65534, GID: 65534})
package workspace
