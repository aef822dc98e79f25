// Package scheduler implements the Checking-Point Scheduler: it runs
// every enabled checking point on its own period, evaluates fetched
// data against the point's predicate, and dispatches matched results
// either as immediate side-effectful actions or as new Orchestrator
// runs. Its tick loop and hot-registration model follow
// internal/cron.Scheduler; its token-bucket throttling follows the
// channel adapters' outbound rate limiter.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	cronlib "github.com/robfig/cron/v3"

	"github.com/conductorhq/conductor/internal/checkpoint"
	"github.com/conductorhq/conductor/pkg/workflow"
)

// Dispatcher is the subset of the Orchestrator the Scheduler drives:
// one new Run per matched AIAction.
type Dispatcher interface {
	Run(ctx context.Context, execCtx workflow.ExecutionContext) (string, *workflow.WorkflowState, error)
}

// ImmediateActionHandler executes a checking point's side-effectful
// immediate actions (notifications, status tags). A nil handler makes
// the Scheduler merely log immediate actions instead of acting on them.
type ImmediateActionHandler interface {
	Handle(ctx context.Context, action checkpoint.ImmediateAction) error
}

// ImmediateActionHandlerFunc adapts a function to ImmediateActionHandler.
type ImmediateActionHandlerFunc func(ctx context.Context, action checkpoint.ImmediateAction) error

func (f ImmediateActionHandlerFunc) Handle(ctx context.Context, action checkpoint.ImmediateAction) error {
	return f(ctx, action)
}

// PointConfig is how a caller registers one checking point instance
// with the Scheduler: its type/name/config feed checkpoint.Registry's
// Instantiate, and FetchParams is passed to FetchData every cycle.
type PointConfig struct {
	Type        checkpoint.Type
	Name        string
	Config      workflow.Values
	FetchParams workflow.Values
	// CronExpr, if set, overrides the point's Descriptor().FetchInterval
	// with a standard five-field cron schedule.
	CronExpr string
}

// Config holds the Scheduler's own tunables, distinct from any single
// checking point's configuration.
type Config struct {
	// TickInterval is how often the Scheduler checks for due points.
	// Defaults to 1s.
	TickInterval time.Duration
	// ConcurrencyCap bounds how many datum groups are evaluated
	// concurrently in a single cycle. Defaults to 8.
	ConcurrencyCap int
	// QueueCapacity bounds the internal queue between evaluation and
	// Orchestrator dispatch. Defaults to 256.
	QueueCapacity int
	// DispatchWorkers is how many goroutines drain the dispatch queue
	// into the Dispatcher. Defaults to 4.
	DispatchWorkers int
	// OutboundRateLimits bounds outbound calls per target system, keyed
	// by the name a checking point uses as ImmediateAction.Target or
	// AIAction.WorkflowName.
	OutboundRateLimits map[string]RateSpec
	// Registerer receives the Scheduler's Prometheus collectors. Nil
	// disables metrics.
	Registerer prometheus.Registerer
}

// RateSpec is a token-bucket configuration: ratePerSecond operations
// sustained, with bursts up to capacity.
type RateSpec struct {
	RatePerSecond float64
	Capacity      int
}

func (c Config) normalized() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ConcurrencyCap <= 0 {
		c.ConcurrencyCap = 8
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 4
	}
	return c
}

// pointState is the Scheduler's per-point scheduling bookkeeping,
// separate from the point's own Descriptor so hot-swapping the
// instance doesn't reset its next-run clock.
type pointState struct {
	schedule    cronlib.Schedule
	interval    time.Duration
	nextRun     time.Time
	fetchLimit  *RateLimiter
	fetchParams workflow.Values
}

// Scheduler runs the checking-point registry on a schedule and
// dispatches matched results to a Dispatcher.
type Scheduler struct {
	cfg        Config
	registry   *checkpoint.Registry
	dispatcher Dispatcher
	immediate  ImmediateActionHandler
	outbound   *MultiRateLimiter
	metrics    *metrics
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	states  map[string]*pointState

	queue chan workflow.AIAction
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger overrides the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithImmediateActionHandler configures how immediate actions are executed.
func WithImmediateActionHandler(handler ImmediateActionHandler) Option {
	return func(s *Scheduler) {
		s.immediate = handler
	}
}

// New builds a Scheduler over registry, dispatching matched results to
// dispatcher.
func New(registry *checkpoint.Registry, dispatcher Dispatcher, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.normalized()
	s := &Scheduler{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		outbound:   NewMultiRateLimiter(),
		metrics:    newMetrics(cfg.Registerer),
		logger:     slog.Default().With("component", "scheduler"),
		now:        time.Now,
		states:     make(map[string]*pointState),
		queue:      make(chan workflow.AIAction, cfg.QueueCapacity),
	}
	for name, spec := range cfg.OutboundRateLimits {
		s.outbound.Configure(name, spec.RatePerSecond, spec.Capacity)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure instantiates (or hot-swaps) a checking point from pc and
// registers its Scheduler-side bookkeeping. Existing in-flight cycles
// for a point with the same name keep running against the instance
// snapshot they already took; the next cycle picks up the new one.
func (s *Scheduler) Configure(pc PointConfig) error {
	cp, err := s.registry.Instantiate(pc.Type, pc.Name, pc.Config)
	if err != nil {
		return err
	}
	desc := cp.Descriptor()

	state := &pointState{
		interval:    desc.FetchInterval,
		nextRun:     s.now(),
		fetchParams: pc.FetchParams,
	}
	if pc.CronExpr != "" {
		schedule, err := cronlib.ParseStandard(pc.CronExpr)
		if err != nil {
			return err
		}
		state.schedule = schedule
		state.nextRun = schedule.Next(s.now())
	}
	if desc.RateLimitPerMinute > 0 {
		state.fetchLimit = NewRateLimiterPerMinute(desc.RateLimitPerMinute)
	}

	s.mu.Lock()
	if prev, ok := s.states[pc.Name]; ok {
		state.nextRun = prev.nextRun
	}
	s.states[pc.Name] = state
	s.mu.Unlock()
	return nil
}

// Start begins the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.DispatchWorkers; i++ {
		s.wg.Add(1)
		go s.dispatchWorker(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop waits for the Scheduler's goroutines to exit after ctx is
// cancelled by the caller.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// RunOnce runs a single cycle over every due point immediately
// (primarily for tests and manual triggers).
func (s *Scheduler) RunOnce(ctx context.Context) {
	due := s.dueInstances()
	if len(due) == 0 {
		return
	}

	fetched := s.fetchAll(ctx, due)
	groups := groupByDatum(fetched)

	sem := make(chan struct{}, s.cfg.ConcurrencyCap)
	var wg sync.WaitGroup
	for _, g := range groups {
		g := g
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.evaluateGroup(ctx, g)
		}()
	}
	wg.Wait()
}

type fetchedPoint struct {
	point checkpoint.CheckingPoint
	items []workflow.MonitoringDatum
}

// dueInstances returns the live checking-point instances whose
// schedule has elapsed, advancing their next-run time as it goes.
func (s *Scheduler) dueInstances() []checkpoint.CheckingPoint {
	now := s.now()
	all := s.registry.GetAll()

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]checkpoint.CheckingPoint, 0, len(all))
	for _, cp := range all {
		desc := cp.Descriptor()
		if !desc.Enabled {
			continue
		}
		state, ok := s.states[desc.Name]
		if !ok {
			// A point instantiated without going through Configure (e.g.
			// directly via the registry) runs every tick by default.
			due = append(due, cp)
			continue
		}
		if now.Before(state.nextRun) {
			continue
		}
		if state.fetchLimit != nil && !state.fetchLimit.Allow() {
			// Rate exceeded: defer this point's cycle to the next tick.
			continue
		}
		due = append(due, cp)
		if state.schedule != nil {
			state.nextRun = state.schedule.Next(now)
		} else if state.interval > 0 {
			state.nextRun = now.Add(state.interval)
		} else {
			state.nextRun = now.Add(s.cfg.TickInterval)
		}
	}
	return due
}

// fetchAll runs FetchData for every due point concurrently, isolating
// one point's failure from the rest per spec.md §4.7.
func (s *Scheduler) fetchAll(ctx context.Context, due []checkpoint.CheckingPoint) []fetchedPoint {
	results := make([]fetchedPoint, len(due))
	var wg sync.WaitGroup
	for i, cp := range due {
		i, cp := i, cp
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = fetchedPoint{point: cp}

			desc := cp.Descriptor()
			fetchCtx := ctx
			var cancel context.CancelFunc
			if desc.FetchTimeout > 0 {
				fetchCtx, cancel = context.WithTimeout(ctx, desc.FetchTimeout)
				defer cancel()
			}

			s.metrics.cycle(desc.Name)
			items, err := s.safeFetch(fetchCtx, cp)
			if err != nil {
				s.metrics.pointError(desc.Name)
				s.logger.Warn("checking point fetch failed", "point", desc.Name, "error", err)
				return
			}
			results[i].items = items
		}()
	}
	wg.Wait()
	return results
}

// safeFetch recovers from a panicking FetchData so one misbehaving
// point can't take down the Scheduler's tick loop.
func (s *Scheduler) safeFetch(ctx context.Context, cp checkpoint.CheckingPoint) (items []workflow.MonitoringDatum, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return cp.FetchData(ctx, s.fetchParamsFor(cp))
}

func (s *Scheduler) fetchParamsFor(cp checkpoint.CheckingPoint) workflow.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[cp.Descriptor().Name]; ok {
		return state.fetchParams
	}
	return nil
}

type groupEntry struct {
	point checkpoint.CheckingPoint
	datum workflow.MonitoringDatum
}

// groupByDatum collects every (point, datum) pair fetched this cycle
// and groups entries that share a non-empty datum ID, so multiple
// checking points watching the same underlying item are ordered and
// short-circuited together per spec.md's stop_on_match rule. Data
// without a shared ID (the common case) forms singleton groups.
func groupByDatum(fetched []fetchedPoint) [][]groupEntry {
	byID := make(map[string][]groupEntry)
	var singletonKeys []string
	for _, f := range fetched {
		for _, item := range f.items {
			key := item.ID
			if key == "" {
				key = f.point.Descriptor().Name + ":" + item.Source + ":" + item.Timestamp.String()
			}
			if _, exists := byID[key]; !exists {
				singletonKeys = append(singletonKeys, key)
			}
			byID[key] = append(byID[key], groupEntry{point: f.point, datum: item})
		}
	}

	groups := make([][]groupEntry, 0, len(singletonKeys))
	for _, key := range singletonKeys {
		entries := byID[key]
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].point.Descriptor().Priority > entries[j].point.Descriptor().Priority
		})
		groups = append(groups, entries)
	}
	return groups
}

// evaluateGroup walks one datum's entries in descending priority
// order, stopping early when a point both matches and declares
// stop_on_match.
func (s *Scheduler) evaluateGroup(ctx context.Context, entries []groupEntry) {
	for _, e := range entries {
		if !e.point.CanHandle(e.datum) {
			continue
		}
		result, err := s.safeEvaluate(ctx, e.point, e.datum)
		desc := e.point.Descriptor()
		if err != nil {
			s.metrics.pointError(desc.Name)
			s.logger.Warn("checking point evaluate failed", "point", desc.Name, "error", err)
			continue
		}

		if result.ShouldAct {
			s.dispatchMatch(ctx, e.point, e.datum, result)
		}
		if result.ShouldAct && desc.StopOnMatch {
			return
		}
	}
}

func (s *Scheduler) safeEvaluate(ctx context.Context, cp checkpoint.CheckingPoint, datum workflow.MonitoringDatum) (result workflow.CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return cp.Evaluate(ctx, datum)
}

// dispatchMatch runs a matched result's immediate actions and enqueues
// its AIActions for Orchestrator dispatch.
func (s *Scheduler) dispatchMatch(ctx context.Context, cp checkpoint.CheckingPoint, datum workflow.MonitoringDatum, result workflow.CheckResult) {
	desc := cp.Descriptor()

	for _, action := range cp.GetActions(datum, result) {
		if action.Target != "" && !s.outbound.Allow(action.Target) {
			s.logger.Warn("immediate action rate limited", "point", desc.Name, "target", action.Target)
			continue
		}
		if s.immediate == nil {
			s.logger.Info("immediate action (no handler configured)", "point", desc.Name, "kind", action.Kind, "target", action.Target)
			continue
		}
		if err := s.immediate.Handle(ctx, action); err != nil {
			s.logger.Warn("immediate action failed", "point", desc.Name, "kind", action.Kind, "error", err)
		}
	}

	if !desc.AIWorkflowEnabled {
		return
	}
	for _, action := range cp.GetAfterProcess(datum, result) {
		if action.WorkflowName != "" && !s.outbound.Allow(action.WorkflowName) {
			s.logger.Warn("AIAction rate limited", "point", desc.Name, "workflow", action.WorkflowName)
			continue
		}
		select {
		case s.queue <- action:
			s.metrics.setQueueDepth(len(s.queue))
		default:
			s.metrics.dropped()
			s.logger.Warn("dispatch queue full, dropping AIAction", "point", desc.Name, "workflow", action.WorkflowName)
		}
	}
}

// dispatchWorker drains the queue into the Dispatcher until ctx is cancelled.
func (s *Scheduler) dispatchWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-s.queue:
			s.metrics.setQueueDepth(len(s.queue))
			s.runAction(ctx, action)
		}
	}
}

func (s *Scheduler) runAction(ctx context.Context, action workflow.AIAction) {
	runCtx := ctx
	var cancel context.CancelFunc
	if action.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	execCtx := workflow.ExecutionContext{
		TaskDescription: action.Name,
		AgentRole:       action.AgentRole,
		Metadata:        action.PromptVariables,
	}
	if execCtx.Metadata == nil {
		execCtx.Metadata = workflow.Values{}
	}
	execCtx.Metadata["prompt_template_id"] = action.PromptTemplateID

	if _, _, err := s.dispatcher.Run(runCtx, execCtx); err != nil {
		s.logger.Warn("scheduled AIAction run failed", "workflow", action.WorkflowName, "error", err)
		return
	}
	s.metrics.dispatched()
}

func panicError(r any) error {
	return panicErr{value: r}
}

type panicErr struct{ value any }

func (p panicErr) Error() string {
	return "recovered panic: " + formatPanic(p.value)
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}
