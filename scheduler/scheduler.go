package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/job"
	"github.com/isdmx/runbox/logger"
)

var (
	// ErrClosed is returned by Enqueue once Stop has been called.
	ErrClosed = errors.New("scheduler is shutting down")
	// ErrNotFound is returned for job ids the scheduler does not know.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a job id is enqueued twice.
	ErrDuplicateJob = errors.New("job already exists")
)

// Runner executes one job to completion. lifecycle.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, cfg job.Config, logs io.Writer) job.Result
}

// Recorder receives every terminal result.
type Recorder interface {
	Record(res job.Result)
}

// Publisher forwards terminal results to an external stream.
type Publisher interface {
	PublishResult(ctx context.Context, res job.Result) error
}

// Options tune the scheduler.
type Options struct {
	// MaxConcurrent is consulted on every dispatch so policy changes apply
	// to the next job.
	MaxConcurrent func() int

	Retention      time.Duration
	TickInterval   time.Duration
	LogBufferBytes int
	PublishTimeout time.Duration
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithPublisher sets the result publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type entry struct {
	cfg    job.Config
	result job.Result
	logs   *logBuffer
	cancel context.CancelCauseFunc
	subs   []chan job.Result
}

// Scheduler is a FIFO queue with bounded dispatch.
type Scheduler struct {
	runner    Runner
	logger    *zap.Logger
	opts      Options
	recorder  Recorder
	publisher Publisher
	now       func() time.Time

	mu      sync.Mutex
	queue   []string
	jobs    map[string]*entry
	active  int
	closed  bool
	started bool
	base    context.Context

	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	workers  sync.WaitGroup
	notifies sync.WaitGroup
}

// New returns a scheduler that runs jobs with runner. It dispatches nothing
// until Start is called.
func New(runner Runner, logger *zap.Logger, opts Options, extra ...Option) *Scheduler {
	if opts.MaxConcurrent == nil {
		opts.MaxConcurrent = func() int { return 1 }
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	s := &Scheduler{
		runner:   runner,
		logger:   logger.Named("scheduler"),
		opts:     opts,
		now:      time.Now,
		jobs:     make(map[string]*entry),
		base:     context.Background(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range extra {
		o(s)
	}
	return s
}

// Start launches the dispatcher. Workers inherit values, but not
// cancellation, from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.base = context.WithoutCancel(ctx)
	go s.loop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.opts.TickInterval))
	return nil
}

// Enqueue records cfg as queued and wakes the dispatcher.
func (s *Scheduler) Enqueue(cfg job.Config) (job.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return job.Result{}, ErrClosed
	}
	if _, exists := s.jobs[cfg.ID]; exists {
		return job.Result{}, ErrDuplicateJob
	}
	if cfg.SubmittedAt.IsZero() {
		cfg.SubmittedAt = s.now()
	}

	e := &entry{
		cfg:    cfg,
		result: job.NewResult(&cfg, cfg.SubmittedAt),
		logs:   newLogBuffer(s.opts.LogBufferBytes),
	}
	s.jobs[cfg.ID] = e
	s.queue = append(s.queue, cfg.ID)
	s.signal()

	logger.ForJob(s.logger, cfg.ID, cfg.Language, cfg.UserID).Debug("job queued", zap.Int("queue_length", len(s.queue)))
	return e.result.Clone(), nil
}

// Status returns a copy of the job's current result.
func (s *Scheduler) Status(id string) (job.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return job.Result{}, false
	}
	return e.result.Clone(), true
}

// Logs returns the job transcript so far.
func (s *Scheduler) Logs(id string) (string, bool) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return e.logs.String(), true
}

// Subscribe returns a channel that receives the terminal result once and is
// then closed.
func (s *Scheduler) Subscribe(id string) (<-chan job.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	ch := make(chan job.Result, 1)
	if e.result.Status.Terminal() {
		ch <- e.result.Clone()
		close(ch)
		return ch, nil
	}
	e.subs = append(e.subs, ch)
	return ch, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, id string) (job.Result, error) {
	ch, err := s.Subscribe(id)
	if err != nil {
		return job.Result{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	}
}

// Cancel fails the job as cancelled. Queued jobs never reach a sandbox;
// running jobs have their context cancelled and their sandbox torn down in
// the background. Cancelling a terminal job does nothing.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	var done []job.Result
	switch e.result.Status {
	case job.StatusQueued:
		s.queue = slices.DeleteFunc(s.queue, func(q string) bool { return q == id })
		if res, ok := s.finishLocked(e, cancelledResult(e.result, job.ErrCancelled, s.now())); ok {
			done = append(done, res)
		}
	case job.StatusRunning:
		if res, ok := s.finishLocked(e, cancelledResult(e.result, job.ErrCancelled, s.now())); ok {
			done = append(done, res)
		}
		e.cancel(job.ErrCancelled)
	}
	s.mu.Unlock()

	s.notify(done...)
	return nil
}

// Evict drops terminal results that completed more than the retention window
// before now and returns how many were removed.
func (s *Scheduler) Evict(now time.Time) int {
	cutoff := now.Add(-s.opts.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.jobs {
		if e.result.Status.Terminal() && e.result.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("evicted results", zap.Int("count", n))
	}
	return n
}

// QueueLength returns the number of jobs waiting for a slot.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ActiveJobs returns the number of held slots. A slot is held until the
// job's sandbox has been torn down.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop refuses new jobs, fails queued ones, cancels running ones and waits
// for their workers until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started

	var done []job.Result
	for _, id := range s.queue {
		e := s.jobs[id]
		if res, ok := s.finishLocked(e, cancelledResult(e.result, job.ErrShutdown, s.now())); ok {
			done = append(done, res)
		}
	}
	s.queue = nil
	running := 0
	for _, e := range s.jobs {
		if e.result.Status == job.StatusRunning {
			e.cancel(job.ErrShutdown)
			running++
		}
	}
	s.mu.Unlock()

	s.notify(done...)
	close(s.stop)
	s.logger.Info("scheduler stopping", zap.Int("dropped", len(done)), zap.Int("running", running))

	finished := make(chan struct{})
	go func() {
		if started {
			<-s.loopDone
		}
		s.workers.Wait()
		s.notifies.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// Wake makes the dispatcher re-read the concurrency cap.
func (s *Scheduler) Wake() {
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		s.dispatch()
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts queued jobs while slots are free.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.opts.MaxConcurrent()
	for !s.closed && s.active < limit && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		e, ok := s.jobs[id]
		if !ok || e.result.Status != job.StatusQueued {
			continue
		}
		if err := e.result.Transition(job.StatusRunning); err != nil {
			s.logger.Error("cannot dispatch job", zap.String("job.id", id), zap.Error(err))
			continue
		}
		e.result.StartedAt = s.now()

		ctx, cancel := context.WithCancelCause(s.base)
		stopDeadline := func() {}
		if d := e.cfg.Limits.Deadline; d > 0 {
			ctx, stopDeadline = context.WithTimeoutCause(ctx, d, job.ErrDeadlineExceeded)
		}
		e.cancel = cancel
		s.active++
		s.workers.Add(1)
		go s.work(ctx, e, func() {
			stopDeadline()
			cancel(nil)
		})
	}
}

// work runs one job. The result is reported as soon as either the runner
// returns or the job context ends, but the slot is only released once the
// runner has returned.
func (s *Scheduler) work(ctx context.Context, e *entry, release func()) {
	defer s.workers.Done()
	defer release()

	log := logger.ForJob(s.logger, e.cfg.ID, e.cfg.Language, e.cfg.UserID)
	log.Info("job started")

	results := make(chan job.Result, 1)
	go func() {
		results <- s.runner.Run(ctx, e.cfg, e.logs)
	}()

	var res job.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		s.mu.Lock()
		current := e.result
		s.mu.Unlock()
		s.complete(e, cancelledResult(current, context.Cause(ctx), s.now()))
		res = <-results
		log.Debug("sandbox released after interruption", zap.String("status", string(res.Status)))
	}
	s.complete(e, res)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.signal()
}

// complete records res as e's terminal result unless one was already
// recorded.
func (s *Scheduler) complete(e *entry, res job.Result) {
	s.mu.Lock()
	final, ok := s.finishLocked(e, res)
	s.mu.Unlock()
	if ok {
		s.notify(final)
	}
}

// finishLocked makes res the terminal result of e, records it and wakes
// subscribers. It reports false when e was already terminal. s.mu must be
// held; the recorder must not call back into the scheduler.
func (s *Scheduler) finishLocked(e *entry, res job.Result) (job.Result, bool) {
	if e.result.Status.Terminal() {
		return job.Result{}, false
	}
	status := res.Status
	if !status.Terminal() {
		status = job.StatusFailed
	}
	if err := e.result.Transition(status); err != nil {
		s.logger.Error("rejected status change", zap.Error(err))
		return job.Result{}, false
	}

	res.Status = status
	res.ID = e.result.ID
	res.Language = e.result.Language
	res.UserID = e.result.UserID
	res.ProjectID = e.result.ProjectID
	res.CreatedAt = e.result.CreatedAt
	res.StartedAt = e.result.StartedAt
	if res.CompletedAt.IsZero() {
		res.CompletedAt = s.now()
	}
	e.result = res

	final := res.Clone()
	if s.recorder != nil {
		s.recorder.Record(final)
	}
	for _, ch := range e.subs {
		ch <- final.Clone()
		close(ch)
	}
	e.subs = nil
	return final, true
}

// notify logs terminal results and hands them to the publisher.
func (s *Scheduler) notify(results ...job.Result) {
	for _, res := range results {
		logger.ForJob(s.logger, res.ID, res.Language, res.UserID).Info("job completed",
			zap.String("status", string(res.Status)),
			zap.String("error_kind", string(res.ErrorKind)),
			zap.Duration("duration", res.Duration))

		if s.publisher == nil {
			continue
		}
		s.notifies.Add(1)
		go func(res job.Result) {
			defer s.notifies.Done()
			ctx, cancel := context.WithTimeout(s.base, s.opts.PublishTimeout)
			defer cancel()
			if err := s.publisher.PublishResult(ctx, res); err != nil {
				s.logger.Warn("failed to publish result", zap.String("job.id", res.ID), zap.Error(err))
			}
		}(res)
	}
}

// cancelledResult is the terminal result of a job interrupted by cause.
func cancelledResult(current job.Result, cause error, now time.Time) job.Result {
	res := current
	res.ExitCode = -1
	res.CompletedAt = now
	if !current.StartedAt.IsZero() {
		res.Duration = now.Sub(current.StartedAt)
	}

	switch {
	case errors.Is(cause, job.ErrDeadlineExceeded), errors.Is(cause, context.DeadlineExceeded):
		res.Status = job.StatusTimeout
		res.ErrorKind = job.ErrorKindTimeout
		res.Error = job.ErrDeadlineExceeded.Error()
	case errors.Is(cause, job.ErrShutdown):
		res.Status = job.StatusFailed
		res.ErrorKind = job.ErrorKindCancelled
		res.Error = job.ErrShutdown.Error()
	default:
		res.Status = job.StatusFailed
		res.ErrorKind = job.ErrorKindCancelled
		res.Error = job.ErrCancelled.Error()
	}
	return res
}
