package lifecycle

import (
	"slices"
	"time"

	"github.com/isdmx/runbox/config"
)

// Options are the sandbox settings shared by every job.
type Options struct {
	Workdir     string
	User        string
	PidsLimit   int64
	TmpfsSizeMB int
	KeepAlive   []string

	StatsInterval    time.Duration
	ProvisionTimeout time.Duration
	// PullTimeout bounds fetching a missing image. ProvisionTimeout starts
	// once the image is present.
	PullTimeout     time.Duration
	TeardownTimeout time.Duration

	// MaxOutputFileBytes bounds each collected output file.
	MaxOutputFileBytes int64
}

// DefaultOptions returns the options used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		Workdir:            "/workspace",
		User:               "65534:65534",
		PidsLimit:          64,
		TmpfsSizeMB:        64,
		KeepAlive:          []string{"tail", "-f", "/dev/null"},
		StatsInterval:      250 * time.Millisecond,
		ProvisionTimeout:   30 * time.Second,
		PullTimeout:        10 * time.Minute,
		TeardownTimeout:    15 * time.Second,
		MaxOutputFileBytes: 1 << 20,
	}
}

// OptionsFromConfig reads the sandbox section, keeping defaults for unset
// values.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	sc := cfg.Sandbox
	if sc.Workdir != "" {
		o.Workdir = sc.Workdir
	}
	if sc.User != "" {
		o.User = sc.User
	}
	if sc.PidsLimit > 0 {
		o.PidsLimit = sc.PidsLimit
	}
	if sc.TmpfsSizeMB > 0 {
		o.TmpfsSizeMB = sc.TmpfsSizeMB
	}
	if len(sc.KeepAlive) > 0 {
		o.KeepAlive = slices.Clone(sc.KeepAlive)
	}
	if sc.StatsInterval > 0 {
		o.StatsInterval = sc.StatsInterval
	}
	if sc.ProvisionTimeout > 0 {
		o.ProvisionTimeout = sc.ProvisionTimeout
	}
	if sc.PullTimeout > 0 {
		o.PullTimeout = sc.PullTimeout
	}
	if sc.TeardownTimeout > 0 {
		o.TeardownTimeout = sc.TeardownTimeout
	}
	return o
}
