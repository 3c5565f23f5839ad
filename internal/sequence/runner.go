package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/metrics"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/recipe"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/relay"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/transition"
	"github.com/rs/zerolog"
)

const (
	defaultSettleDelay     = 500 * time.Millisecond
	defaultStepOverhead    = 100 * time.Millisecond
	defaultTimedInterval   = 2 * time.Second
	defaultSelfTestTimeout = 30 * time.Second
)

// RecipeSource looks up stored recipes by id.
type RecipeSource interface {
	Get(ctx context.Context, id int) (recipe.Recipe, error)
}

// Observer is told about every persisted channel change.
type Observer interface {
	ChannelsChanged(ctx context.Context, changes []transition.ChannelTransition)
}

// ResultHandler receives the terminal result of every run.
type ResultHandler func(ctx context.Context, result progress.Result)

// Request names the sequence to start.
type Request struct {
	Kind     Kind
	RecipeID int
}

// Ticket is returned to the caller of Start while the run proceeds in the
// background.
type Ticket struct {
	RunID      string
	Kind       Kind
	Label      string
	TotalSteps int
	Estimated  time.Duration
	Done       <-chan progress.Result
}

// EstimatedSeconds is Estimated in seconds.
func (t Ticket) EstimatedSeconds() float64 {
	return t.Estimated.Seconds()
}

// Runner executes sequences against a relay bank under the guard and keeps
// the state store and progress publisher current.
type Runner struct {
	logger    zerolog.Logger
	bank      *relay.Bank
	guard     *Guard
	store     state.Store
	progress  *progress.Publisher
	metrics   *metrics.Metrics
	recipes   RecipeSource
	observers []Observer
	onResult  []ResultHandler

	settleDelay     time.Duration
	stepOverhead    time.Duration
	timedInterval   time.Duration
	selfTest        SelfTestPattern
	selfTestTimeout time.Duration

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
	newID func() string

	publishMu sync.Mutex
	published state.ChannelStates

	wg sync.WaitGroup
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithGuard shares an existing guard instead of creating one.
func WithGuard(guard *Guard) Option {
	return func(r *Runner) {
		r.guard = guard
	}
}

// WithStateStore persists channel states after every transition.
func WithStateStore(store state.Store) Option {
	return func(r *Runner) {
		r.store = store
	}
}

// WithProgress publishes run progress.
func WithProgress(p *progress.Publisher) Option {
	return func(r *Runner) {
		r.progress = p
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRecipes enables recipe runs.
func WithRecipes(source RecipeSource) Option {
	return func(r *Runner) {
		r.recipes = source
	}
}

// WithObserver adds a channel change observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithResultHandler adds a terminal result callback.
func WithResultHandler(h ResultHandler) Option {
	return func(r *Runner) {
		if h != nil {
			r.onResult = append(r.onResult, h)
		}
	}
}

// WithSettleDelay sets the pause between forcing channels off and the first step.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Runner) {
		r.settleDelay = d
	}
}

// WithStepOverhead sets the per-step allowance used in estimates.
func WithStepOverhead(d time.Duration) Option {
	return func(r *Runner) {
		r.stepOverhead = d
	}
}

// WithTimedTestInterval sets how long each channel stays on in the timed test.
func WithTimedTestInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.timedInterval = d
	}
}

// WithSelfTestPattern sets the self-test pulse intervals.
func WithSelfTestPattern(p SelfTestPattern) Option {
	return func(r *Runner) {
		r.selfTest = p
	}
}

// WithSelfTestTimeout bounds the total self-test duration.
func WithSelfTestTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.selfTestTimeout = d
	}
}

// WithSleep overrides how step holds are waited out.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Runner) {
		r.sleep = sleep
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Runner) {
		r.newID = newID
	}
}

// New constructs a Runner for bank.
func New(logger zerolog.Logger, bank *relay.Bank, opts ...Option) *Runner {
	r := &Runner{
		logger:          logger,
		bank:            bank,
		settleDelay:     defaultSettleDelay,
		stepOverhead:    defaultStepOverhead,
		timedInterval:   defaultTimedInterval,
		selfTest:        DefaultSelfTestPattern,
		selfTestTimeout: defaultSelfTestTimeout,
		sleep:           sleepContext,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.guard == nil {
		r.guard = NewGuard()
	}
	if r.progress == nil {
		r.progress = progress.NewPublisher()
	}
	return r
}

// Guard returns the guard shared by every relay-driving entry point.
func (r *Runner) Guard() *Guard {
	return r.guard
}

// Progress returns the publisher fed by this runner.
func (r *Runner) Progress() *progress.Publisher {
	return r.progress
}

// Active reports whether a sequence or bulk operation holds the guard.
func (r *Runner) Active() bool {
	return r.guard.Active()
}

// States returns the current channel states.
func (r *Runner) States() state.ChannelStates {
	return state.ChannelStates(r.bank.States())
}

// Channels returns channel names in configured order.
func (r *Runner) Channels() []string {
	return r.bank.Names()
}

// Build produces the sequence for a request without running it.
func (r *Runner) Build(ctx context.Context, req Request) (Sequence, error) {
	switch req.Kind {
	case KindTimedTest:
		return TimedTest(r.bank.Names(), r.timedInterval), nil
	case KindSelfTest:
		return SelfTest(r.bank.Names(), r.selfTest), nil
	case KindRecipe:
		if r.recipes == nil {
			return Sequence{}, fault.New(fault.NotFound, "recipe", "no recipe store configured")
		}
		rec, err := r.recipes.Get(ctx, req.RecipeID)
		if err != nil {
			if fault.KindOf(err) == fault.NotFound {
				return Sequence{}, err
			}
			return Sequence{}, fault.Wrap(fault.Internal, "load recipe", err)
		}
		return FromRecipe(rec, r.bank.NameAt), nil
	default:
		return Sequence{}, fault.New(fault.Invalid, "start", "unknown sequence kind %q", req.Kind)
	}
}

// Start acquires the guard and runs the requested sequence in the
// background. It returns at once with the run ticket, or with a Conflict
// error when another run holds the guard.
func (r *Runner) Start(ctx context.Context, req Request) (Ticket, error) {
	seq, err := r.Build(ctx, req)
	if err != nil {
		return Ticket{}, err
	}

	token, ok := r.guard.TryAcquire(seq.Label)
	if !ok {
		r.metrics.IncConflicts("start")
		return Ticket{}, fault.New(fault.Conflict, "start", "%s is already running", r.guard.Holder())
	}

	runID := r.newID()
	estimated := seq.Estimate(r.stepOverhead)
	started := r.now()
	done := make(chan progress.Result, 1)

	r.progress.Begin(progress.Run{
		RunID:      runID,
		Kind:       string(seq.Kind),
		Label:      seq.Label,
		TotalSteps: len(seq.Steps),
		Expected:   estimated,
		StartedAt:  started,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if seq.Kind == KindSelfTest && r.selfTestTimeout > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.selfTestTimeout)
	}

	r.logger.Info().
		Str("run_id", runID).
		Str("kind", string(seq.Kind)).
		Str("label", seq.Label).
		Int("steps", len(seq.Steps)).
		Float64("estimated_seconds", estimated.Seconds()).
		Msg("sequence started")

	r.wg.Add(1)
	go r.execute(runCtx, cancel, runID, seq, token, started, done)

	return Ticket{
		RunID:      runID,
		Kind:       seq.Kind,
		Label:      seq.Label,
		TotalSteps: len(seq.Steps),
		Estimated:  estimated,
		Done:       done,
	}, nil
}

// Wait blocks until every background run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(ctx context.Context, cancel context.CancelFunc, runID string, seq Sequence, token *Token, started time.Time, done chan<- progress.Result) {
	defer r.wg.Done()
	defer cancel()
	defer token.Release()

	logger := r.logger.With().Str("run_id", runID).Str("kind", string(seq.Kind)).Logger()
	stepsRun := 0

	runErr := recovered("sequence", func() error {
		return r.runSteps(ctx, logger, runID, seq, &stepsRun)
	})

	// Channels are forced off before the guard is released, whatever happened.
	if err := recovered("force off", func() error {
		return r.forceAllOff(context.WithoutCancel(ctx))
	}); err != nil {
		logger.Error().Err(err).Msg("failed to force channels off after sequence")
		if runErr == nil {
			runErr = err
		}
	}

	result := progress.Result{
		RunID:      runID,
		Kind:       string(seq.Kind),
		Label:      seq.Label,
		Outcome:    progress.Completed,
		StepsRun:   stepsRun,
		StartedAt:  started,
		FinishedAt: r.now(),
	}
	if runErr != nil {
		result.Outcome = progress.Failed
		result.Error = runErr.Error()
	}

	r.progress.Finish(result)
	token.Release()

	r.metrics.ObserveSequence(string(seq.Kind), string(result.Outcome), result.FinishedAt.Sub(started))
	if runErr != nil {
		logger.Error().Err(runErr).Int("steps_run", stepsRun).Msg("sequence failed")
	} else {
		logger.Info().Int("steps_run", stepsRun).Dur("duration", result.FinishedAt.Sub(started)).Msg("sequence completed")
	}

	for _, handler := range r.onResult {
		r.safeResult(logger, handler, result)
	}

	done <- result
	close(done)
}

// recovered runs fn and turns a panic into an error.
func recovered(what string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during %s: %v", what, p)
		}
	}()
	return fn()
}

func (r *Runner) safeResult(logger zerolog.Logger, handler ResultHandler, result progress.Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("result handler panicked")
		}
	}()
	handler(context.Background(), result)
}

func (r *Runner) runSteps(ctx context.Context, logger zerolog.Logger, runID string, seq Sequence, stepsRun *int) error {
	if err := r.forceAllOff(ctx); err != nil {
		return err
	}
	if err := r.sleep(ctx, r.settleDelay); err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	for i, step := range seq.Steps {
		*stepsRun = i + 1
		r.progress.Advance(runID, i+1)

		if step.Channel == "" || !r.bank.Has(step.Channel) {
			logger.Warn().Int("step", i+1).Str("ref", step.Ref).Msg("step channel does not resolve, skipping")
			continue
		}

		if err := r.bank.SetState(step.Channel, step.On); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if err := r.persist(ctx); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		logger.Debug().
			Int("step", i+1).
			Str("channel", step.Channel).
			Bool("on", step.On).
			Dur("hold", step.Hold).
			Msg("step applied")

		if err := r.sleep(ctx, step.Hold); err != nil {
			return fmt.Errorf("step %d hold: %w", i+1, err)
		}
	}
	return nil
}

// ToggleAll drives every channel to on in one pass. It is rejected while a
// sequence runs and is not itself tracked as a run.
func (r *Runner) ToggleAll(ctx context.Context, on bool) (state.ChannelStates, error) {
	token, ok := r.guard.TryAcquire("toggle-all")
	if !ok {
		r.metrics.IncConflicts("toggle-all")
		return r.States(), fault.New(fault.Conflict, "toggle-all", "%s is running", r.guard.Holder())
	}
	defer token.Release()

	setErr := r.bank.SetAll(on)
	persistErr := r.persist(ctx)
	if err := errors.Join(setErr, persistErr); err != nil {
		return r.States(), fault.Wrap(fault.Internal, "toggle-all", err)
	}
	r.logger.Info().Bool("on", on).Msg("all channels toggled")
	return r.States(), nil
}

// Toggle flips a single channel.
func (r *Runner) Toggle(ctx context.Context, channel string) (bool, error) {
	if !r.bank.Has(channel) {
		return false, fault.New(fault.NotFound, "toggle", "unknown channel %q", channel)
	}
	token, ok := r.guard.TryAcquire("toggle")
	if !ok {
		r.metrics.IncConflicts("toggle")
		current, _ := r.bank.CurrentState(channel)
		return current, fault.New(fault.Conflict, "toggle", "%s is running", r.guard.Holder())
	}
	defer token.Release()

	current, err := r.bank.CurrentState(channel)
	if err != nil {
		return false, fault.Wrap(fault.Internal, "toggle", err)
	}
	if err := r.bank.SetState(channel, !current); err != nil {
		return current, fault.Wrap(fault.Internal, "toggle", err)
	}
	if err := r.persist(ctx); err != nil {
		return !current, fault.Wrap(fault.Internal, "toggle", err)
	}
	return !current, nil
}

// Initialize forces every channel off and persists the result. Calling it
// again yields the same state.
func (r *Runner) Initialize(ctx context.Context) error {
	token, ok := r.guard.TryAcquire("initialize")
	if !ok {
		return fault.New(fault.Conflict, "initialize", "%s is running", r.guard.Holder())
	}
	defer token.Release()

	r.reportLeftOn(ctx)
	if err := r.forceAllOff(ctx); err != nil {
		return fault.Wrap(fault.Internal, "initialize", err)
	}
	r.logger.Info().Int("channels", r.bank.Len()).Msg("channels initialized off")
	return nil
}

// reportLeftOn warns about channels the persisted document still shows on,
// usually after a crash or power loss mid-pour.
func (r *Runner) reportLeftOn(ctx context.Context) {
	if r.store == nil {
		return
	}
	previous, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not read persisted channel states")
		return
	}
	var on []string
	for _, name := range r.bank.Names() {
		if previous[name] {
			on = append(on, name)
		}
	}
	if len(on) > 0 {
		r.logger.Warn().Strs("channels", on).Msg("channels were left on before start")
	}
}

func (r *Runner) forceAllOff(ctx context.Context) error {
	setErr := r.bank.SetAll(false)
	persistErr := r.persist(ctx)
	return errors.Join(setErr, persistErr)
}

// persist writes the whole channel map and fans changes out to observers.
func (r *Runner) persist(ctx context.Context) error {
	current := r.States()

	if r.store != nil {
		if err := r.store.Save(ctx, current); err != nil {
			return fmt.Errorf("persist channel states: %w", err)
		}
	}

	r.publishMu.Lock()
	changes := transition.DetectChannelTransitions(r.bank.Names(), r.published, current)
	r.published = current
	r.publishMu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	for _, change := range changes {
		r.metrics.SetChannelState(change.Channel, change.Current)
	}
	for _, o := range r.observers {
		r.notifyObserver(ctx, o, changes)
	}
	return nil
}

func (r *Runner) notifyObserver(ctx context.Context, o Observer, changes []transition.ChannelTransition) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("channel observer panicked")
		}
	}()
	o.ChannelsChanged(ctx, changes)
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
