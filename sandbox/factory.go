package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// New creates the runtime selected by the sandbox configuration
func New(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	sc := cfg.Sandbox
	switch sc.Backend {
	case "docker":
		d, err := NewDocker(logger, sc.DockerHost)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "docker-cli":
		return NewCLI(logger, binaryOr(sc.Binary, "docker")), nil
	case "podman":
		return NewCLI(logger, binaryOr(sc.Binary, "podman")), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", sc.Backend)
	}
}

func binaryOr(binary, fallback string) string {
	if binary != "" {
		return binary
	}
	return fallback
}
