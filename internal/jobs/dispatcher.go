package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Sessions is the slice of the session manager the dispatcher drives.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	WithActiveSession(ctx context.Context, id string, fn func(ctx context.Context, s *models.Session, c *models.ContainerInstance) error) error
	ResumeSession(ctx context.Context, id string) (*models.Session, error)
	HibernateSession(ctx context.Context, id string) (*models.Session, error)
	Touch(ctx context.Context, id string) error
}

// ProxyFeedback receives the health signal produced by each job.
type ProxyFeedback interface {
	ReportOutcome(ctx context.Context, entryID string, ok bool) error
}

const maxRetryDelay = 5 * time.Minute

// Dispatcher claims queued jobs and runs them against their sessions.
type Dispatcher struct {
	jobs     store.JobStore
	sessions Sessions
	proxies  ProxyFeedback
	registry *Registry
	cfg      config.JobsConfig
	log      *zap.Logger
	now      func() time.Time
	prefix   string
}

func NewDispatcher(jobs store.JobStore, sessions Sessions, proxies ProxyFeedback, registry *Registry, cfg config.JobsConfig, logger *zap.Logger) *Dispatcher {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Dispatcher{
		jobs:     jobs,
		sessions: sessions,
		proxies:  proxies,
		registry: registry,
		cfg:      cfg,
		log:      logger.Named("dispatcher"),
		now:      time.Now,
		prefix:   fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
// TODO: requeue jobs whose claimed_at is older than jobs.job_timeout so a
// crashed worker does not strand them.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("%s-%d", d.prefix, i)
		g.Go(func() error {
			d.worker(ctx, name)
			return nil
		})
	}
	d.log.Info("dispatcher started", zap.Int("workers", workers))
	err := g.Wait()
	d.log.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) worker(ctx context.Context, name string) {
	poll := d.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if d.RunOnce(ctx, name) {
			timer.Reset(0)
		} else {
			timer.Reset(poll)
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// reached a state where claiming the next one right away makes sense.
func (d *Dispatcher) RunOnce(ctx context.Context, worker string) bool {
	job, err := d.jobs.ClaimNextJob(ctx, worker, d.now())
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("failed to claim job", zap.String("worker", worker), zap.Error(err))
		}
		return false
	}
	if job == nil {
		return false
	}
	return d.process(ctx, job)
}

func (d *Dispatcher) process(ctx context.Context, job *models.Job) bool {
	log := d.log.With(zap.String("job_id", job.ID), zap.String("session_id", job.SessionID))

	s, err := d.sessions.Get(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			d.finish(ctx, job, models.JobQueued, models.JobFailed, err)
			return true
		}
		log.Warn("session lookup failed, releasing job", zap.Error(err))
		d.release(ctx, job, job.ResumeAttempts, d.cfg.RetryDelay)
		return true
	}

	switch {
	case s.Status.Terminal():
		d.finish(ctx, job, models.JobQueued, models.JobFailed,
			fmt.Errorf("%w: session is %s", models.ErrSessionUnusable, s.Status))
		return true

	case s.Status == models.StatusPending:
		d.release(ctx, job, job.ResumeAttempts, d.cfg.RetryDelay)
		return true

	case s.Status == models.StatusHibernated:
		resumed, err := d.sessions.ResumeSession(ctx, s.ID)
		if err != nil {
			return d.resumeFailed(ctx, job, err)
		}
		log.Info("session resumed for job")
		s = resumed
	}

	if s.Status != models.StatusActive {
		d.release(ctx, job, job.ResumeAttempts, d.cfg.RetryDelay)
		return true
	}
	d.execute(ctx, job, s.ID)
	return true
}

func (d *Dispatcher) resumeFailed(ctx context.Context, job *models.Job, err error) bool {
	if errors.Is(err, models.ErrSessionUnusable) || errors.Is(err, models.ErrSnapshotNotFound) {
		d.finish(ctx, job, models.JobQueued, models.JobFailed,
			fmt.Errorf("%w: %v", models.ErrSessionUnusable, err))
		return true
	}

	attempts := job.ResumeAttempts + 1
	if d.cfg.MaxResumeAttempts > 0 && attempts >= d.cfg.MaxResumeAttempts {
		d.finish(ctx, job, models.JobQueued, models.JobFailed,
			fmt.Errorf("resume failed after %d attempts: %w", attempts, err))
		return true
	}
	d.log.Warn("resume failed, job will retry",
		zap.String("job_id", job.ID), zap.Int("resume_attempts", attempts), zap.Error(err))
	d.release(ctx, job, attempts, d.resumeBackoff(attempts))
	return true
}

// errNotRunnable marks a job another party moved out of queued before this
// worker could start it.
var errNotRunnable = errors.New("job is no longer queued")

// execute runs the job while holding the session lock, so the session
// cannot hibernate between the active check and the end of the handler.
func (d *Dispatcher) execute(ctx context.Context, job *models.Job, sessionID string) {
	log := d.log.With(zap.String("job_id", job.ID), zap.String("session_id", sessionID), zap.String("type", job.Type))

	handler, found := d.registry.Lookup(job.Type)
	if !found {
		d.finish(ctx, job, models.JobQueued, models.JobFailed,
			fmt.Errorf("%w: no handler for %q", models.ErrInvalidArgument, job.Type))
		return
	}

	var (
		s       *models.Session
		started bool
		runErr  error
	)
	err := d.sessions.WithActiveSession(ctx, sessionID, func(ctx context.Context, active *models.Session, c *models.ContainerInstance) error {
		ok, err := d.jobs.TransitionJob(ctx, job.ID, models.JobQueued, models.JobRunning, "", d.now())
		if err != nil {
			return fmt.Errorf("failed to mark job running: %w", err)
		}
		if !ok {
			return errNotRunnable
		}
		s, started = active, true

		runCtx := ctx
		if d.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
			defer cancel()
		}
		start := time.Now()
		runErr = handler.Handle(runCtx, Execution{Job: job, Session: active, Container: c})
		log = log.With(zap.Duration("duration", time.Since(start)))

		if runErr == nil {
			d.finish(ctx, job, models.JobRunning, models.JobSuccess, nil)
		} else {
			d.finish(ctx, job, models.JobRunning, models.JobFailed, runErr)
		}
		return nil
	})

	if !started {
		switch {
		case errors.Is(err, errNotRunnable):
			log.Debug("job changed state before it could run")
		case errors.Is(err, models.ErrSessionNotFound):
			d.finish(ctx, job, models.JobQueued, models.JobFailed, err)
		default:
			log.Info("session not runnable, releasing job", zap.Error(err))
			d.release(ctx, job, job.ResumeAttempts, d.cfg.RetryDelay)
		}
		return
	}
	if err != nil {
		log.Error("session lock released with error", zap.Error(err))
	}

	if runErr == nil {
		d.reportProxy(ctx, s, true)
		if err := d.sessions.Touch(ctx, s.ID); err != nil {
			log.Warn("failed to record session activity", zap.Error(err))
		}
		log.Info("job succeeded")
		return
	}

	log.Warn("job failed", zap.Error(runErr))
	switch {
	case errors.Is(runErr, models.ErrRiskDetected):
		d.reportProxy(ctx, s, false)
		if _, err := d.sessions.HibernateSession(context.WithoutCancel(ctx), s.ID); err != nil {
			log.Error("failed to hibernate session after risk signal", zap.Error(err))
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		d.reportProxy(ctx, s, false)
	}
}

func (d *Dispatcher) finish(ctx context.Context, job *models.Job, from, to models.JobStatus, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := d.jobs.TransitionJob(context.WithoutCancel(ctx), job.ID, from, to, msg, d.now())
	switch {
	case err != nil:
		d.log.Error("failed to record job outcome", zap.String("job_id", job.ID), zap.Error(err))
	case !ok:
		d.log.Warn("job outcome lost a state race",
			zap.String("job_id", job.ID), zap.String("from", string(from)), zap.String("to", string(to)))
	}
}

// release returns the job to the queue, claimable again after delay so
// younger jobs are not starved behind it.
func (d *Dispatcher) release(ctx context.Context, job *models.Job, attempts int, delay time.Duration) {
	if delay <= 0 {
		delay = d.cfg.PollInterval
	}
	if delay <= 0 {
		delay = time.Second
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	if err := d.jobs.ReleaseJob(context.WithoutCancel(ctx), job.ID, attempts, d.now().Add(delay)); err != nil {
		d.log.Error("failed to release job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// resumeBackoff doubles the retry delay for each failed resume attempt.
func (d *Dispatcher) resumeBackoff(attempts int) time.Duration {
	delay := d.cfg.RetryDelay
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return delay
}

func (d *Dispatcher) reportProxy(ctx context.Context, s *models.Session, ok bool) {
	if d.proxies == nil || s.ProxyID == "" {
		return
	}
	if err := d.proxies.ReportOutcome(context.WithoutCancel(ctx), s.ProxyID, ok); err != nil {
		d.log.Warn("failed to report proxy outcome", zap.String("proxy_id", s.ProxyID), zap.Error(err))
	}
}
