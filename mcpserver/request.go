package mcpserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/isdmx/runbox/job"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/workspace"
)

// requestSchema leaves language open: aliases are accepted and the allowed
// set follows policy reloads. list_languages reports the current names.
func requestSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"user_id": map[string]any{
				"type":        "string",
				"description": "Identity the job is accounted to",
			},
			"project_id": map[string]any{
				"type":        "string",
				"description": "Project the job is accounted to (optional)",
			},
			"code": map[string]any{
				"type":        "string",
				"description": "User-provided source code",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "Runtime language or alias; see list_languages",
			},
			"timeout_ms": map[string]any{
				"type":        "number",
				"description": "Run phase timeout in milliseconds, capped by policy",
			},
			"memory_mb": map[string]any{
				"type":        "number",
				"description": "Memory limit in MiB, capped by policy",
			},
			"cpus": map[string]any{
				"type":        "number",
				"description": "CPU limit, capped by policy",
			},
			"environment": map[string]any{
				"type":                 "object",
				"description":          "Environment variables; names outside the allow list are dropped",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"input_files": map[string]any{
				"type":        "array",
				"description": "Files placed in the workspace before the run",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":     map[string]any{"type": "string"},
						"content":  map[string]any{"type": "string"},
						"encoding": map[string]any{"type": "string", "enum": []string{"text", "base64"}},
					},
					"required": []string{"path", "content"},
				},
			},
			"workdir_tar": map[string]any{
				"type":        "string",
				"description": "Base64-encoded tar.gz of initial working directory (optional)",
			},
			"expected_outputs": map[string]any{
				"type":        "array",
				"description": "Workspace-relative files returned after the run",
				"items":       map[string]any{"type": "string"},
			},
			"dependencies": map[string]any{
				"type":        "array",
				"description": "Packages installed before the run; requires network access",
				"items":       map[string]any{"type": "string"},
			},
			"package_manager": map[string]any{
				"type":        "string",
				"description": "Package manager for dependencies (defaults per language)",
			},
			"stdin": map[string]any{
				"type":        "string",
				"description": "Standard input of the program",
			},
		},
		Required: []string{"user_id", "code", "language"},
	}
}

func jobIDSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"job_id": map[string]any{
				"type":        "string",
				"description": "Job id returned by submit_job",
			},
		},
		Required: []string{"job_id"},
	}
}

func parseExecutionRequest(request mcp.CallToolRequest) (job.ExecutionRequest, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return job.ExecutionRequest{}, err
	}
	code, err := request.RequireString("code")
	if err != nil {
		return job.ExecutionRequest{}, err
	}
	language, err := request.RequireString("language")
	if err != nil {
		return job.ExecutionRequest{}, err
	}

	req := job.ExecutionRequest{
		UserID:         userID,
		ProjectID:      request.GetString("project_id", ""),
		Code:           code,
		Language:       language,
		PackageManager: request.GetString("package_manager", ""),
		Stdin:          request.GetString("stdin", ""),
	}

	args := request.GetArguments()
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	if mb, ok := args["memory_mb"].(float64); ok && mb > 0 {
		req.MemoryMB = int(mb)
	}
	if cpus, ok := args["cpus"].(float64); ok && cpus > 0 {
		req.CPUs = cpus
	}

	if req.Environment, err = stringMap(args["environment"]); err != nil {
		return job.ExecutionRequest{}, fmt.Errorf("environment: %w", err)
	}
	if req.ExpectedOutputs, err = stringList(args["expected_outputs"]); err != nil {
		return job.ExecutionRequest{}, fmt.Errorf("expected_outputs: %w", err)
	}
	if req.Dependencies, err = stringList(args["dependencies"]); err != nil {
		return job.ExecutionRequest{}, fmt.Errorf("dependencies: %w", err)
	}
	if req.InputFiles, err = inputFiles(args["input_files"]); err != nil {
		return job.ExecutionRequest{}, fmt.Errorf("input_files: %w", err)
	}

	if tarB64 := request.GetString("workdir_tar", ""); tarB64 != "" {
		req.WorkspaceArchive, err = base64.StdEncoding.DecodeString(tarB64)
		if err != nil {
			return job.ExecutionRequest{}, fmt.Errorf("failed to decode workdir_tar: %w", err)
		}
	}
	return req, nil
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("must be an object of strings")
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("value of %s must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, errors.New("must be an array of strings")
	}
	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("item %d must be a string", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func inputFiles(v any) ([]workspace.File, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, errors.New("must be an array of files")
	}
	files := make([]workspace.File, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d must be an object", i)
		}
		p, _ := obj["path"].(string)
		content, _ := obj["content"].(string)
		encoding, _ := obj["encoding"].(string)
		if p == "" {
			return nil, fmt.Errorf("item %d has no path", i)
		}

		data := []byte(content)
		switch encoding {
		case "", "text":
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return nil, fmt.Errorf("file %s: %w", p, err)
			}
			data = decoded
		default:
			return nil, fmt.Errorf("file %s: unknown encoding %q", p, encoding)
		}
		files = append(files, workspace.File{Path: p, Content: data})
	}
	return files, nil
}

type fileView struct {
	Path    string `json:"path"`
	Content string `json:"content_base64"`
	Size    int    `json:"size"`
}

type resultView struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Output      string     `json:"output"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	ExitCode    int        `json:"exit_code"`
	DurationMs  int64      `json:"duration_ms"`
	MemoryUsage uint64     `json:"memory_usage_bytes"`
	CPUUsage    float64    `json:"cpu_usage_percent"`
	OutputFiles []fileView `json:"output_files,omitempty"`
	Language    string     `json:"language"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
}

func newResultView(res job.Result) resultView {
	v := resultView{
		JobID:       res.ID,
		Status:      string(res.Status),
		Output:      res.Output,
		Error:       res.Error,
		ErrorKind:   string(res.ErrorKind),
		ExitCode:    res.ExitCode,
		DurationMs:  res.Duration.Milliseconds(),
		MemoryUsage: res.MemoryUsage,
		CPUUsage:    res.CPUUsage,
		Language:    res.Language,
		CreatedAt:   res.CreatedAt,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	for _, f := range res.OutputFiles {
		v.OutputFiles = append(v.OutputFiles, fileView{
			Path:    f.Path,
			Content: base64.StdEncoding.EncodeToString(f.Content),
			Size:    len(f.Content),
		})
	}
	return v
}

type metricsView struct {
	metrics.Snapshot
	AverageDurationMs int64 `json:"average_duration_ms"`
}

func newMetricsView(s metrics.Snapshot) metricsView {
	return metricsView{Snapshot: s, AverageDurationMs: s.AverageDuration.Milliseconds()}
}
