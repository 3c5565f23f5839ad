// Package app builds every controller component from configuration and runs
// the long-lived ones side by side.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/config"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/healthcheck"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/logging"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/metrics"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/mqtt"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/notify"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/recipe"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/relay"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/schedule"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/sequence"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/server"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/sysprobe"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/system"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
	"github.com/rs/zerolog"
)

// notifyTimeout bounds one background notification fan-out.
const notifyTimeout = 2 * time.Minute

// App owns the controller's components.
type App struct {
	logger    zerolog.Logger
	cfg       config.Config
	startedAt time.Time

	metrics   *metrics.Metrics
	tracker   *healthcheck.Tracker
	bank      *relay.Bank
	recipes   *recipe.Store
	runner    *sequence.Runner
	updater   *update.Orchestrator
	server    *server.Server
	scheduler *schedule.Scheduler
	publisher *mqtt.StatePublisher
	notifier  notify.Notifier

	driver relay.Driver
	exec   command.Executor
	probe  update.Probe

	background      sync.WaitGroup
	mu              sync.Mutex
	componentErrors map[string]error
}

// Option customizes how an App is assembled.
type Option func(*App)

// WithDriver replaces the configured relay driver.
func WithDriver(d relay.Driver) Option {
	return func(a *App) {
		a.driver = d
	}
}

// WithExecutor replaces the host command executor.
func WithExecutor(e command.Executor) Option {
	return func(a *App) {
		a.exec = e
	}
}

// WithProbe replaces the disk and network probe used by preflight.
func WithProbe(p update.Probe) Option {
	return func(a *App) {
		a.probe = p
	}
}

// WithMetrics shares a metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}

// New assembles every component. Nothing touches the relays until Run.
func New(logger zerolog.Logger, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{
		logger:          logger,
		cfg:             cfg,
		startedAt:       time.Now().UTC(),
		tracker:         healthcheck.NewTracker(),
		componentErrors: make(map[string]error),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	a.setDefaults()

	var err error
	a.notifier, err = a.buildNotifier()
	if err != nil {
		return nil, err
	}

	if cfg.MQTTBroker != "" {
		client, err := mqtt.Connect(logging.Component(logger, "mqtt"), mqtt.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Prefix:   cfg.MQTTTopicPrefix,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      1,
		})
		if err != nil {
			// Publishing is optional; the controller runs without a broker.
			logger.Warn().Err(err).Msg("mqtt disabled")
		} else {
			a.publisher = mqtt.NewStatePublisher(logging.Component(logger, "mqtt"), client, cfg.MQTTTopicPrefix, 1)
		}
	}

	a.bank, err = relay.NewBank(cfg.Channels, a.driver)
	if err != nil {
		a.closePublisher()
		return nil, fmt.Errorf("relay bank: %w", err)
	}

	a.recipes = recipe.NewStore(cfg.RecipesPath(), logging.Component(logger, "recipes"))
	a.runner = a.buildRunner()
	a.updater = a.buildUpdater()

	power, err := system.NewPower(logger, a.exec, cfg.RebootCommand, cfg.ShutdownCommand)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server, err = server.New(server.Deps{
		Logger:         logger,
		Sequences:      a.runner,
		Progress:       a.runner.Progress(),
		Recipes:        a.recipes,
		Updater:        a.updater,
		Power:          power,
		Tracker:        a.tracker,
		Metrics:        a.metrics,
		StartedAt:      a.startedAt,
		UpdateInterval: cfg.UpdateInterval,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.UpdateInterval > 0 {
		a.scheduler = schedule.New(logger, cfg.UpdateInterval, a.updater)
	}

	return a, nil
}

// NewUpdater assembles only the update orchestrator, for one-shot commands
// that must not claim the relay hardware.
func NewUpdater(logger zerolog.Logger, cfg config.Config, opts ...Option) (*update.Orchestrator, func(), error) {
	a := &App{logger: logger, cfg: cfg, tracker: healthcheck.NewTracker()}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	a.setDefaults()

	var err error
	a.notifier, err = a.buildNotifier()
	if err != nil {
		return nil, nil, err
	}
	return a.buildUpdater(), a.background.Wait, nil
}

func (a *App) setDefaults() {
	if a.exec == nil {
		a.exec = command.NewOSExecutor(logging.Component(a.logger, "command"),
			command.WithTimeout(a.cfg.CommandTimeout),
			command.WithMetrics(a.metrics),
		)
	}
	if a.probe == nil {
		a.probe = sysprobe.NewHost(logging.Component(a.logger, "sysprobe"), a.cfg.ProbeURL)
	}
	if a.driver == nil {
		switch a.cfg.Driver {
		case config.DriverMemory:
			a.driver = relay.NewMemoryDriver()
		default:
			a.driver = relay.NewGPIODriver(a.cfg.GPIOChip)
		}
	}
}

func (a *App) buildNotifier() (notify.Notifier, error) {
	logger := logging.Component(a.logger, "notify")
	if a.cfg.NotifyDryRun {
		return notify.NewDryRunNotifier(logger), nil
	}
	webhook, err := notify.NewWebhookNotifier(logger, a.cfg.WebhookURL, a.cfg.WebhookTemplate)
	if err != nil {
		return nil, err
	}
	notifiers := []notify.Notifier{
		notify.NewSlackNotifier(logger, a.cfg.SlackWebhookURL, notify.WithSlackDevice(a.cfg.DeviceName)),
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}
	return notify.NewMultiNotifier(notifiers...), nil
}

func (a *App) buildRunner() *sequence.Runner {
	opts := []sequence.Option{
		sequence.WithGuard(sequence.NewGuard()),
		sequence.WithStateStore(state.NewFileStore(a.cfg.StatePath(), logging.Component(a.logger, "state"))),
		sequence.WithProgress(progress.NewPublisher()),
		sequence.WithMetrics(a.metrics),
		sequence.WithRecipes(a.recipes),
		sequence.WithSettleDelay(a.cfg.SettleDelay),
		sequence.WithStepOverhead(a.cfg.StepOverhead),
		sequence.WithTimedTestInterval(a.cfg.TimedTestInterval),
		sequence.WithSelfTestTimeout(a.cfg.SelfTestTimeout),
		sequence.WithResultHandler(a.onSequenceResult),
	}
	if a.publisher != nil {
		opts = append(opts,
			sequence.WithObserver(a.publisher),
			sequence.WithResultHandler(a.publisher.SequenceFinished),
		)
	}
	return sequence.New(logging.Component(a.logger, "sequence"), a.bank, opts...)
}

func (a *App) buildUpdater() *update.Orchestrator {
	opts := []update.Option{
		update.WithGuard(sequence.NewGuard()),
		update.WithMetrics(a.metrics),
		update.WithResultHandler(a.onUpdateResult),
	}
	if a.publisher != nil {
		opts = append(opts, update.WithResultHandler(a.publisher.UpdateFinished))
	}
	return update.New(logging.Component(a.logger, "update"), update.Config{
		RepoDir:      a.cfg.RepoDir,
		Remote:       a.cfg.GitRemote,
		Branch:       a.cfg.GitBranch,
		RemoteURL:    a.cfg.GitRemoteURL,
		DataDir:      a.cfg.DataDir,
		BackupFiles:  a.cfg.BackupFiles(),
		MinFreeBytes: a.cfg.MinFreeBytes,
		HealthCheck:  a.cfg.HealthCommand,
	}, a.exec, a.probe, state.NewMarkerStore(a.cfg.MarkersDir()), opts...)
}

func (a *App) onSequenceResult(ctx context.Context, res progress.Result) {
	a.tracker.RecordRun(res.Label, string(res.Outcome), res.FinishedAt)
	if event, ok := notify.SequenceEvent(res); ok {
		a.notifyAsync(ctx, event)
	}
}

func (a *App) onUpdateResult(ctx context.Context, res update.Result) {
	a.tracker.RecordUpdate(res.Success, res.Revision, res.FinishedAt)
	a.notifyAsync(ctx, notify.UpdateEvent(res))
}

// notifyAsync delivers in the background so a slow webhook never holds the
// relay guard or an update response.
func (a *App) notifyAsync(ctx context.Context, event notify.Event) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := a.notifier.Notify(ctx, event); err != nil {
			a.metrics.IncNotificationFailures()
			a.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("notification failed")
		}
	}()
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Runner returns the sequence runner.
func (a *App) Runner() *sequence.Runner {
	return a.runner
}

// Updater returns the update orchestrator.
func (a *App) Updater() *update.Orchestrator {
	return a.updater
}

// Tracker returns the liveness tracker.
func (a *App) Tracker() *healthcheck.Tracker {
	return a.tracker
}

// Initialize forces every channel off and marks the controller ready.
func (a *App) Initialize(ctx context.Context) error {
	if err := a.runner.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize channels: %w", err)
	}
	a.tracker.MarkInitialized(a.bank.Len())
	return nil
}

// Run initializes the channels, then serves HTTP and the update schedule
// until ctx is cancelled. Active runs are allowed to finish before it
// returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	a.logger.Info().
		Str("addr", a.cfg.ListenAddr).
		Int("channels", a.bank.Len()).
		Dur("update_interval", a.cfg.UpdateInterval).
		Msg("starting controller")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	a.spawn(ctx, &wg, cancel, "server", func(ctx context.Context) error {
		return a.server.ListenAndServe(ctx, a.cfg.ListenAddr)
	})
	if a.scheduler != nil {
		a.spawn(ctx, &wg, cancel, "schedule", a.scheduler.Run)
	}

	wg.Wait()
	a.runner.Wait()
	a.background.Wait()
	a.logger.Info().Msg("all components stopped")

	a.mu.Lock()
	var errs []error
	for name, err := range a.componentErrors {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	a.mu.Unlock()
	return errors.Join(errs...)
}

// spawn runs one component. A component that exits with an error stops the
// others.
func (a *App) spawn(ctx context.Context, wg *sync.WaitGroup, cancel context.CancelFunc, name string, run func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(ctx); err != nil {
			a.logger.Error().Err(err).Str("component", name).Msg("component exited with error")
			a.recordError(name, err)
			cancel()
			return
		}
		a.logger.Info().Str("component", name).Msg("component exited cleanly")
	}()
}

func (a *App) recordError(name string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.componentErrors[name] = err
}

// Close drives every channel off and releases hardware and broker
// connections.
func (a *App) Close() error {
	var errs []error
	if a.bank != nil {
		if err := a.bank.SetAll(false); err != nil {
			errs = append(errs, err)
		}
		if err := a.bank.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closePublisher()
	return errors.Join(errs...)
}

func (a *App) closePublisher() {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("mqtt close failed")
	}
}
