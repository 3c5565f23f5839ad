// Package update keeps the controller's own source tree current. An update
// runs a fixed pipeline: preflight, backup, record revision, integrity check,
// fetch and reset, health check, and rollback when the health check fails.
package update

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/metrics"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/sequence"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
	"github.com/rs/zerolog"
)

// Stage names a pipeline step.
type Stage string

const (
	StagePreflight   Stage = "preflight"
	StageBackup      Stage = "backup"
	StageRecord      Stage = "record"
	StageIntegrity   Stage = "integrity"
	StageFetch       Stage = "fetch"
	StageHealthCheck Stage = "health_check"
	StageRollback    Stage = "rollback"
	StageDone        Stage = "done"
)

// Result reports an update or rollback attempt. Stage is where the attempt
// ended.
type Result struct {
	Success          bool      `json:"success"`
	Stage            Stage     `json:"stage"`
	Diagnostic       string    `json:"diagnostic,omitempty"`
	PreviousRevision string    `json:"previous_revision,omitempty"`
	Revision         string    `json:"revision,omitempty"`
	RolledBack       bool      `json:"rolled_back"`
	Repaired         bool      `json:"repaired,omitempty"`
	BackupDir        string    `json:"backup_dir,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Probe answers the preflight questions.
type Probe interface {
	FreeBytes(path string) (uint64, error)
	Reachable(ctx context.Context) error
}

// ResultHandler receives every finished attempt.
type ResultHandler func(ctx context.Context, result Result)

// Config locates the source tree and the files to protect.
type Config struct {
	RepoDir string
	Remote  string
	Branch  string
	// RemoteURL is used to rebuild a corrupt tree. When empty the URL
	// configured for Remote is looked up before the tree is checked.
	RemoteURL string
	// DataDir holds the flat state files; backups go under DataDir/backups.
	DataDir      string
	BackupFiles  []string
	MinFreeBytes uint64
	HealthCheck  command.Command
}

func (c Config) withDefaults() Config {
	if c.RepoDir == "" {
		c.RepoDir = "."
	}
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	return c
}

// Orchestrator runs update and rollback attempts one at a time. It does not
// share the relay guard; a pour may proceed while the tree is updated.
type Orchestrator struct {
	logger   zerolog.Logger
	cfg      Config
	git      *git
	exec     command.Executor
	probe    Probe
	markers  *state.MarkerStore
	guard    *sequence.Guard
	metrics  *metrics.Metrics
	onResult []ResultHandler
	now      func() time.Time

	fetchAttempts int
	fetchBackoff  time.Duration

	mu   sync.RWMutex
	last *Result
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records attempt outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithResultHandler adds a callback for finished attempts.
func WithResultHandler(h ResultHandler) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.onResult = append(o.onResult, h)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithFetchRetry sets how many times fetch is attempted and the first
// backoff interval between attempts.
func WithFetchRetry(attempts int, initial time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.fetchAttempts = attempts
		}
		o.fetchBackoff = initial
	}
}

// WithGuard shares an exclusivity guard with other callers.
func WithGuard(g *sequence.Guard) Option {
	return func(o *Orchestrator) {
		o.guard = g
	}
}

// New constructs an Orchestrator.
func New(logger zerolog.Logger, cfg Config, exec command.Executor, probe Probe, markers *state.MarkerStore, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		logger:        logger,
		cfg:           cfg,
		git:           &git{exec: exec, dir: cfg.RepoDir},
		exec:          exec,
		probe:         probe,
		markers:       markers,
		now:           time.Now,
		fetchAttempts: 3,
		fetchBackoff:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.guard == nil {
		o.guard = sequence.NewGuard()
	}
	return o
}

// Active reports whether an attempt is in progress.
func (o *Orchestrator) Active() bool {
	return o.guard.Active()
}

// LastResult returns the most recent finished attempt.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// Run performs one update attempt. The returned error carries the failure
// kind; the Result is filled in either way.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	token, ok := o.guard.TryAcquire("update")
	if !ok {
		o.metrics.IncUpdateAttempts("conflict")
		return Result{Stage: StagePreflight, Diagnostic: "an update or rollback is already running"},
			fault.New(fault.Conflict, "update", "%s is already running", o.guard.Holder())
	}
	defer token.Release()

	res := Result{StartedAt: o.now()}
	logger := o.logger.With().Str("repo", o.cfg.RepoDir).Logger()
	logger.Info().Str("remote", o.cfg.Remote).Str("branch", o.cfg.Branch).Msg("update started")

	err := o.pipeline(ctx, logger, &res)
	return o.finish(ctx, logger, res, err)
}

func (o *Orchestrator) pipeline(ctx context.Context, logger zerolog.Logger, res *Result) error {
	res.Stage = StagePreflight
	if err := o.preflight(ctx); err != nil {
		return err
	}

	res.Stage = StageBackup
	dir, err := o.backup()
	if err != nil {
		logger.Warn().Err(err).Msg("backup failed, continuing update")
	} else {
		res.BackupDir = dir
		logger.Info().Str("dir", dir).Msg("state files backed up")
	}

	// The origin URL is looked up before anything can damage the tree.
	remoteURL := o.cfg.RemoteURL
	if remoteURL == "" {
		if url, err := o.git.remoteURL(ctx, o.cfg.Remote); err == nil {
			remoteURL = url
		}
	}

	res.Stage = StageRecord
	pre, revErr := o.git.head(ctx)
	if revErr != nil {
		logger.Warn().Err(revErr).Msg("could not read current revision")
		// A marker from an earlier attempt must not become this attempt's rollback point.
		if err := o.markers.Clear(state.PreUpdateCommit); err != nil {
			return fault.Wrap(fault.Internal, "record revision", err)
		}
	} else {
		if err := o.markers.Write(state.PreUpdateCommit, pre); err != nil {
			return fault.Wrap(fault.Internal, "record revision", err)
		}
		res.PreviousRevision = pre
		logger.Info().Str("revision", pre).Msg("pre-update revision recorded")
	}

	res.Stage = StageIntegrity
	if revErr != nil || o.git.verify(ctx) != nil {
		if remoteURL == "" {
			return fault.New(fault.Integrity, "integrity", "source tree is corrupt and no remote origin is known")
		}
		logger.Warn().Str("remote_url", remoteURL).Msg("source tree is corrupt, reinitializing from origin")
		if err := o.git.reinit(ctx, o.cfg.Remote, remoteURL); err != nil {
			return fault.WithOutput(fault.Integrity, "repair source tree", err, fault.OutputOf(err))
		}
		res.Repaired = true
	}

	res.Stage = StageFetch
	if err := o.fetch(ctx, logger); err != nil {
		return err
	}
	if _, err := o.git.resetHard(ctx, o.cfg.Remote+"/"+o.cfg.Branch); err != nil {
		return err
	}
	rev, err := o.git.head(ctx)
	if err != nil {
		return err
	}
	res.Revision = rev
	logger.Info().Str("revision", rev).Msg("source tree reset to remote")

	res.Stage = StageHealthCheck
	if checkErr := o.healthCheck(ctx); checkErr != nil {
		return o.rollbackAfterFailedCheck(ctx, logger, res, checkErr)
	}
	if err := o.markers.Write(state.LastGoodCommit, rev); err != nil {
		return fault.Wrap(fault.Internal, "record last good revision", err)
	}

	res.Stage = StageDone
	return nil
}

func (o *Orchestrator) preflight(ctx context.Context) error {
	free, err := o.probe.FreeBytes(o.cfg.RepoDir)
	if err != nil {
		return fault.Wrap(fault.Preflight, "preflight", err)
	}
	if free < o.cfg.MinFreeBytes {
		return fault.New(fault.Preflight, "preflight", "insufficient disk space: %s free, %s required",
			units.HumanSize(float64(free)), units.HumanSize(float64(o.cfg.MinFreeBytes)))
	}
	if err := o.probe.Reachable(ctx); err != nil {
		return fault.Wrap(fault.Preflight, "preflight", fmt.Errorf("network unreachable: %w", err))
	}
	return nil
}

func (o *Orchestrator) healthCheck(ctx context.Context) error {
	if o.cfg.HealthCheck.Name == "" {
		return nil
	}
	_, err := o.exec.Run(ctx, o.cfg.HealthCheck.In(o.cfg.RepoDir))
	if err != nil {
		return fault.WithOutput(fault.HealthCheck, "health check", err, fault.OutputOf(err))
	}
	return nil
}

func (o *Orchestrator) rollbackAfterFailedCheck(ctx context.Context, logger zerolog.Logger, res *Result, checkErr error) error {
	output := fault.OutputOf(checkErr)
	logger.Error().Err(checkErr).Str("output", output).Msg("health check failed")

	pre := res.PreviousRevision
	if pre == "" {
		return fault.WithOutput(fault.HealthCheck, "update",
			fmt.Errorf("%w; no rollback point available", checkErr), output)
	}

	if _, err := o.git.resetHard(ctx, pre); err != nil {
		logger.Error().Err(err).Str("revision", pre).Msg("rollback after failed health check failed")
		return fault.WithOutput(fault.HealthCheck, "update",
			fmt.Errorf("%w; rollback to %s failed: %v", checkErr, pre, err), output)
	}
	res.RolledBack = true
	res.Revision = pre
	logger.Warn().Str("revision", pre).Msg("rolled back to pre-update revision")
	return fault.WithOutput(fault.HealthCheck, "update",
		fmt.Errorf("%w; rolled back to %s", checkErr, pre), output)
}

func (o *Orchestrator) finish(ctx context.Context, logger zerolog.Logger, res Result, err error) (Result, error) {
	res.FinishedAt = o.now()
	res.Success = err == nil
	outcome := "success"
	switch {
	case err == nil:
		res.Diagnostic = fmt.Sprintf("updated to %s", res.Revision)
		o.metrics.SetLastSuccessfulUpdate(res.FinishedAt)
		logger.Info().Str("revision", res.Revision).Dur("duration", res.FinishedAt.Sub(res.StartedAt)).Msg("update completed")
	case res.RolledBack:
		outcome = "rolled_back"
		res.Diagnostic = diagnostic(err)
	default:
		outcome = "failure"
		res.Diagnostic = diagnostic(err)
		logger.Error().Err(err).Str("stage", string(res.Stage)).Msg("update failed")
	}
	o.metrics.IncUpdateAttempts(outcome)
	o.record(ctx, res)
	return res, err
}

func (o *Orchestrator) record(ctx context.Context, res Result) {
	o.mu.Lock()
	o.last = &res
	o.mu.Unlock()
	for _, h := range o.onResult {
		h(ctx, res)
	}
}

// diagnostic renders err for users, appending captured command output.
func diagnostic(err error) string {
	if err == nil {
		return ""
	}
	out := fault.OutputOf(err)
	if out == "" {
		return err.Error()
	}
	return err.Error() + ": " + out
}
