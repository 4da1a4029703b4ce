package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/events"
	"github.com/isdmx/runbox/job"
	"github.com/isdmx/runbox/languages"
	"github.com/isdmx/runbox/lifecycle"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/ratelimit"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/scheduler"
	"github.com/isdmx/runbox/security"
)

// ErrNotFound is returned for unknown or evicted job ids.
var ErrNotFound = scheduler.ErrNotFound

const healthTimeout = 5 * time.Second

// Options configure an Engine. Runtime and Registry are required.
type Options struct {
	Runtime   sandbox.Runtime
	Registry  *languages.Registry
	Policy    security.Policy
	Logger    *zap.Logger
	Publisher events.Publisher
	Reporter  *metrics.Reporter
	Lifecycle lifecycle.Options

	ResultRetention  time.Duration
	EvictionInterval time.Duration
	SweepInterval    time.Duration
	TickInterval     time.Duration
	BacklogThreshold int
	LogBufferBytes   int
	ReapOnStart      bool
	// PullOnStart fetches the images of allowed languages in the background.
	PullOnStart bool

	// Now overrides the clock of the limiter and scheduler.
	Now func() time.Time
}

// Engine is one execution engine instance.
type Engine struct {
	logger    *zap.Logger
	opts      Options
	runtime   sandbox.Runtime
	registry  *languages.Registry
	store     *security.Store
	gate      *security.Gate
	limiter   *ratelimit.Limiter
	sched     *scheduler.Scheduler
	reporter  *metrics.Reporter
	publisher events.Publisher
	cron      *cron.Cron

	stopPull context.CancelFunc
	pulling  sync.WaitGroup
}

// New validates opts.Policy and builds an engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Runtime == nil {
		return nil, errors.New("engine: runtime is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine: language registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Reporter == nil {
		opts.Reporter = metrics.NewReporter()
	}
	if opts.Lifecycle.Workdir == "" {
		opts.Lifecycle = lifecycle.DefaultOptions()
	}
	if opts.Lifecycle.PullTimeout <= 0 {
		opts.Lifecycle.PullTimeout = lifecycle.DefaultOptions().PullTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	store, err := security.NewStore(opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("invalid security policy: %w", err)
	}

	log := opts.Logger.Named("engine")
	e := &Engine{
		logger:    log,
		opts:      opts,
		runtime:   opts.Runtime,
		registry:  opts.Registry,
		store:     store,
		gate:      security.NewGate(store, opts.Registry),
		limiter:   ratelimit.New(rateLimits(opts.Policy), ratelimit.WithClock(opts.Now)),
		reporter:  opts.Reporter,
		publisher: opts.Publisher,
	}

	manager := lifecycle.NewManager(opts.Runtime, opts.Logger, opts.Lifecycle)
	e.sched = scheduler.New(manager, opts.Logger, scheduler.Options{
		MaxConcurrent:  store.MaxConcurrentJobs,
		Retention:      opts.ResultRetention,
		TickInterval:   opts.TickInterval,
		LogBufferBytes: opts.LogBufferBytes,
	},
		scheduler.WithRecorder(opts.Reporter),
		scheduler.WithPublisher(opts.Publisher),
		scheduler.WithClock(opts.Now),
	)
	e.reporter.SetGauges(e.sched)

	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	e.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := e.cron.AddFunc(every(opts.SweepInterval), e.limiter.Sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule rate limit sweep: %w", err)
	}
	if _, err := e.cron.AddFunc(every(opts.EvictionInterval), e.evict); err != nil {
		return nil, fmt.Errorf("failed to schedule result eviction: %w", err)
	}
	return e, nil
}

// NewFromConfig builds an engine from the loaded configuration.
func NewFromConfig(cfg *config.Config, logger *zap.Logger, runtime sandbox.Runtime, registry *languages.Registry, publisher events.Publisher) (*Engine, error) {
	return New(Options{
		Runtime:          runtime,
		Registry:         registry,
		Policy:           security.PolicyFromConfig(cfg, registry),
		Logger:           logger,
		Publisher:        publisher,
		Lifecycle:        lifecycle.OptionsFromConfig(cfg),
		ResultRetention:  cfg.Scheduler.ResultRetention,
		EvictionInterval: cfg.Scheduler.EvictionInterval,
		SweepInterval:    cfg.RateLimits.SweepInterval,
		TickInterval:     cfg.Scheduler.TickInterval,
		BacklogThreshold: cfg.Scheduler.BacklogThreshold,
		LogBufferBytes:   cfg.Scheduler.LogBufferBytes,
		ReapOnStart:      cfg.Sandbox.ReapOnStart,
		PullOnStart:      cfg.Sandbox.PullOnStart,
	})
}

// Start removes sandboxes left by a previous process and begins dispatching.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.ReapOnStart {
		n, err := e.runtime.Reap(ctx)
		if err != nil {
			e.logger.Warn("failed to reap orphaned sandboxes", zap.Error(err))
		} else if n > 0 {
			e.logger.Info("reaped orphaned sandboxes", zap.Int("count", n))
		}
	}
	if err := e.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	e.cron.Start()
	if e.opts.PullOnStart {
		pullCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.stopPull = cancel
		e.pulling.Add(1)
		go e.pullImages(pullCtx)
	}
	e.logger.Info("engine started",
		zap.String("runtime", e.runtime.Name()),
		zap.Strings("languages", e.Languages()),
		zap.Int("max_concurrent_jobs", e.store.MaxConcurrentJobs()))
	return nil
}

// Stop drains the scheduler, then stops maintenance and closes the
// publisher.
func (e *Engine) Stop(ctx context.Context) error {
	if e.stopPull != nil {
		e.stopPull()
	}
	e.pulling.Wait()
	var errs []error
	if err := e.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	<-e.cron.Stop().Done()
	if err := e.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close result publisher: %w", err))
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Submit admits req and returns the new job id without waiting for it to
// run.
func (e *Engine) Submit(ctx context.Context, req job.ExecutionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cfg, err := e.gate.Validate(req)
	if err != nil {
		e.reporter.Rejected(rejectionReason(err))
		e.logger.Info("request rejected", zap.String("job.user", req.UserID), zap.String("job.language", req.Language), zap.Error(err))
		return "", err
	}
	if err := e.limiter.Admit(cfg.UserID, cfg.ProjectID); err != nil {
		e.reporter.Rejected(rejectionReason(err))
		e.logger.Info("request throttled", zap.String("job.user", cfg.UserID), zap.Error(err))
		return "", err
	}

	cfg.ID = uuid.NewString()
	cfg.SubmittedAt = e.opts.Now()
	if _, err := e.sched.Enqueue(cfg); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	logger.ForJob(e.logger, cfg.ID, cfg.Language, cfg.UserID).Info("job submitted",
		zap.Duration("timeout", cfg.Limits.Timeout),
		zap.Int("memory_mb", cfg.Limits.MemoryMB),
		zap.Bool("network", cfg.Network))
	return cfg.ID, nil
}

// Execute submits req and waits for its terminal result. A caller that gives
// up cancels the job.
func (e *Engine) Execute(ctx context.Context, req job.ExecutionRequest) (job.Result, error) {
	id, err := e.Submit(ctx, req)
	if err != nil {
		return job.Result{}, err
	}
	res, err := e.sched.Wait(ctx, id)
	if err != nil {
		e.abandon(id)
		return job.Result{}, fmt.Errorf("waiting for job %s: %w", id, err)
	}
	return res, nil
}

// abandon cancels a job nobody waits for anymore. The job may already be
// gone, so a failure is only logged.
func (e *Engine) abandon(id string) {
	if err := e.sched.Cancel(id); err != nil {
		e.logger.Debug("failed to cancel abandoned job", zap.String("job.id", id), zap.Error(err))
	}
}

// pullImages fetches each distinct image of the allowed languages so the
// first job of a language does not spend its deadline on a pull.
func (e *Engine) pullImages(ctx context.Context) {
	defer e.pulling.Done()
	seen := map[string]bool{}
	for _, name := range e.Languages() {
		rt, err := e.registry.Get(name)
		if err != nil || seen[rt.Image] {
			continue
		}
		seen[rt.Image] = true

		pullCtx, cancel := context.WithTimeout(ctx, e.opts.Lifecycle.PullTimeout)
		err = e.runtime.PullImage(pullCtx, rt.Image)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn("failed to pull image", zap.String("image", rt.Image), zap.Error(err))
		}
	}
	e.logger.Debug("images pulled", zap.Int("count", len(seen)))
}

// Status returns the current result of a job.
func (e *Engine) Status(id string) (job.Result, error) {
	res, ok := e.sched.Status(id)
	if !ok {
		return job.Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return res, nil
}

// Logs returns the job transcript so far.
func (e *Engine) Logs(id string) (string, error) {
	logs, ok := e.sched.Logs(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return logs, nil
}

// Cancel stops a queued or running job.
func (e *Engine) Cancel(id string) error {
	if err := e.sched.Cancel(id); err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	return nil
}

// Wait blocks until the job is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (job.Result, error) {
	return e.sched.Wait(ctx, id)
}

// Languages returns the registered languages the policy allows, sorted.
func (e *Engine) Languages() []string {
	p := e.store.Policy()
	var out []string
	for _, name := range e.registry.Languages() {
		if p.Allows(name) {
			out = append(out, name)
		}
	}
	return out
}

// Health pings the runtime and classifies the current load.
func (e *Engine) Health(ctx context.Context) metrics.Health {
	pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	pingErr := e.runtime.Ping(pingCtx)

	h := metrics.Health{
		RuntimeAvailable: pingErr == nil,
		Runtime:          e.runtime.Name(),
		QueueLength:      e.sched.QueueLength(),
		ActiveJobs:       e.sched.ActiveJobs(),
		MaxConcurrent:    e.store.MaxConcurrentJobs(),
		CheckedAt:        e.opts.Now(),
	}
	if pingErr != nil {
		h.Error = pingErr.Error()
	}
	h.Status = metrics.Classify(h.RuntimeAvailable, h.QueueLength, h.ActiveJobs, h.MaxConcurrent, e.opts.BacklogThreshold)
	return h
}

// Metrics returns a snapshot of execution totals.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.reporter.Snapshot()
}

// Reporter exposes the metrics reporter for the ops endpoint.
func (e *Engine) Reporter() *metrics.Reporter {
	return e.reporter
}

// Policy returns a copy of the current policy.
func (e *Engine) Policy() security.Policy {
	return e.store.Policy()
}

// UpdatePolicy swaps the policy. Queued and running jobs keep the limits
// they were admitted with.
func (e *Engine) UpdatePolicy(p security.Policy) error {
	if err := e.store.Update(p); err != nil {
		return fmt.Errorf("invalid security policy: %w", err)
	}
	e.limiter.SetLimits(rateLimits(p))
	e.sched.Wake()
	e.logger.Info("security policy updated",
		zap.Strings("allowed_languages", p.AllowedLanguages),
		zap.Int("max_concurrent_jobs", p.MaxConcurrentJobs),
		zap.Int("rate_limits.per_user", p.RateLimits.PerUser))
	return nil
}

func (e *Engine) evict() {
	if n := e.sched.Evict(e.opts.Now()); n > 0 {
		e.logger.Debug("evicted expired results", zap.Int("count", n))
	}
}

func rateLimits(p security.Policy) ratelimit.Limits {
	return ratelimit.Limits{
		PerUser:    p.RateLimits.PerUser,
		PerProject: p.RateLimits.PerProject,
		Window:     p.RateLimits.Window,
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// rejectionReason labels a refused submission for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ratelimit.ErrUserLimitExceeded):
		return "user_rate_limit"
	case errors.Is(err, ratelimit.ErrProjectLimitExceeded):
		return "project_rate_limit"
	case errors.Is(err, security.ErrBlockedPattern):
		return "blocked_pattern"
	case errors.Is(err, security.ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, security.ErrCodeTooLarge):
		return "code_too_large"
	case errors.Is(err, security.ErrEmptyCode):
		return "empty_code"
	case errors.Is(err, security.ErrInvalidDependency):
		return "invalid_dependency"
	default:
		return "invalid_input"
	}
}
