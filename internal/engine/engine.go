// Package engine runs evaluation cycles: snapshot quality, regime detection,
// strategy routing, layered validation and proposal generation, producing one
// decision record per cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/data"
	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/journal"
	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/router"
	"github.com/atlas-desktop/regime-engine/internal/strategy"
	"github.com/atlas-desktop/regime-engine/internal/workers"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"go.uber.org/zap"
)

var (
	// ErrInvalidProposal is returned when a strategy emits a proposal with a
	// missing or non-finite price. The proposal is discarded.
	ErrInvalidProposal = errors.New("invalid trade proposal")

	// ErrFallbackUnavailable is returned when neither the routed strategy nor
	// the fallback could be built or run.
	ErrFallbackUnavailable = errors.New("fallback strategy unavailable")
)

// Fallback reasons used as metric labels.
const (
	fallbackRouted       = "routed"
	fallbackConstruction = "construction"
	fallbackPanic        = "panic"
)

// Stats summarizes engine activity
type Stats struct {
	Cycles    int64 `json:"cycles"`
	Proposals int64 `json:"proposals"`
	NoTrades  int64 `json:"no_trades"`
	Failures  int64 `json:"failures"`
	Fallbacks int64 `json:"fallbacks"`
}

// Engine is safe for concurrent use. Cycles for the same instrument are
// serialized; different instruments run in parallel.
type Engine struct {
	logger *zap.Logger
	config *types.Config

	suite     *market.Suite
	quality   *data.QualityValidator
	detector  *regime.Detector
	router    *router.Router
	registry  *strategy.Registry
	validator *strategy.Validator

	bus     *events.Bus
	journal journal.Journal
	metrics *metrics.Recorder
	pool    *workers.Pool

	locks sync.Map // normalized instrument -> *sync.Mutex

	mu     sync.RWMutex
	latest map[string]*types.Decision

	cycles, proposals, noTrades, failures, fallbacks atomic.Int64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBus publishes decisions, regime changes and degradations on bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithJournal records every decision.
func WithJournal(j journal.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics records cycle metrics.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSuite replaces the default in-process collaborators.
func WithSuite(s *market.Suite) Option {
	return func(e *Engine) { e.suite = s }
}

// WithRegistry replaces the strategy registry.
func WithRegistry(r *strategy.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithDetector replaces the regime detector.
func WithDetector(d *regime.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// New creates an engine. The configuration is validated; a nil config uses
// the defaults.
func New(logger *zap.Logger, config *types.Config, opts ...Option) (*Engine, error) {
	if config == nil {
		config = types.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		logger:  logger,
		config:  config,
		quality: data.NewQualityValidator(logger),
		journal: journal.Nop{},
		latest:  make(map[string]*types.Decision),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.suite == nil {
		e.suite = market.NewDefaultSuite(logger, config.Collaborators)
	}
	if e.suite.Guard != nil && e.metrics != nil {
		e.suite.Guard.OnUnavailable(e.metrics.RecordUnavailable)
	}
	if e.detector == nil {
		e.detector = regime.NewDetector(logger, config, e.suite)
	}
	if e.registry == nil {
		e.registry = strategy.NewRegistry(logger)
	}
	e.router = router.NewRouter(logger, config)
	e.validator = strategy.NewValidator(logger, config)

	if e.bus != nil {
		bus := e.bus
		e.detector.OnRegimeChange(func(instrument string, previous, current types.RegimeResult) {
			bus.Publish(events.NewRegimeChangeEvent(instrument, previous.Regime, current.Regime, current.Confidence))
		})
	}

	e.pool = workers.NewPool(logger, workers.PoolConfigFrom("evaluate", config.Workers))
	e.pool.Start()

	logger.Info("Engine initialized",
		zap.Bool("regime_enabled", config.Regime.Enabled),
		zap.Int("cache_size", config.Regime.CacheSize),
		zap.Any("strategies", e.registry.List()))
	return e, nil
}

// Detector returns the regime detector.
func (e *Engine) Detector() *regime.Detector { return e.detector }

// Registry returns the strategy registry.
func (e *Engine) Registry() *strategy.Registry { return e.registry }

// Close stops the worker pool.
func (e *Engine) Close() error {
	return e.pool.Stop()
}

func (e *Engine) lock(instrument string) *sync.Mutex {
	m, _ := e.locks.LoadOrStore(utils.NormalizeInstrument(instrument), &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Evaluate runs one cycle for a snapshot. It always returns a decision for a
// non-nil snapshot; the error is non-nil only for failed cycles.
func (e *Engine) Evaluate(ctx context.Context, snap *types.Snapshot) (*types.Decision, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", data.ErrUnusableSnapshot)
	}

	mu := e.lock(snap.InstrumentID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	ctx, notes := market.WithNotes(ctx)
	d := &types.Decision{
		ID:           utils.GenerateDecisionID(),
		InstrumentID: snap.InstrumentID,
		AsOf:         snap.AsOf,
		Status:       types.DecisionNoTrade,
	}

	err := e.run(ctx, snap, d)
	if err != nil {
		d.Status = types.DecisionFailed
		if d.FailureReason == "" {
			d.FailureReason = err.Error()
		}
	}
	d.Degradations = notes.Items()
	d.Duration = time.Since(start)

	e.finish(ctx, d, err)
	return d, err
}

// run fills in the decision. Negative outcomes leave Status at no_trade and
// return nil.
func (e *Engine) run(ctx context.Context, snap *types.Snapshot, d *types.Decision) error {
	report := e.quality.Check(snap)
	for _, issue := range report.Issues {
		if issue.Severity == data.SeverityHigh {
			market.Note(ctx, "data quality: "+issue.Message)
		}
	}
	if !report.Usable {
		d.RejectionReasons = report.Reasons()
		d.FailureReason = data.ErrUnusableSnapshot.Error()
		return nil
	}

	result := e.detect(ctx, snap)
	d.Regime = result

	route := e.router.Route(snap, result)
	d.StrategyID = route.StrategyID
	d.RouteReason = route.Reason
	if route.Fallback {
		e.recordFallback(fallbackRouted)
	}

	s, err := e.build(ctx, route.StrategyID)
	if err != nil {
		return err
	}
	d.StrategyID = s.ID()

	verdict, err := e.validate(ctx, s, snap, result)
	if err != nil {
		return err
	}
	d.StrategyID = verdict.Result.StrategyID
	d.Validation = verdict.Result
	d.LayerReached = verdict.Result.LayerReached
	d.RejectionReasons = verdict.Result.RejectionReasons
	if !verdict.Passed() {
		return nil
	}

	proposal, err := e.propose(s, verdict, snap.TickSize)
	if err != nil {
		d.FailureReason = err.Error()
		return err
	}
	if proposal == nil {
		d.RejectionReasons = append(d.RejectionReasons, "no executable proposal")
		return nil
	}
	d.Proposal = proposal
	d.Status = types.DecisionProposal
	return nil
}

// detect skips the classifiers entirely when detection is disabled; the router
// then selects the fallback.
func (e *Engine) detect(ctx context.Context, snap *types.Snapshot) types.RegimeResult {
	if !e.config.Regime.Enabled {
		return types.RegimeResult{
			Regime:          types.RegimeUnknown,
			ConfidenceFloor: e.config.Regime.FallbackFloor,
			Characteristics: types.Characteristics{},
			DetectedAt:      snap.AsOf,
		}
	}
	return e.detector.Detect(ctx, snap)
}

func (e *Engine) deps() strategy.Deps {
	return strategy.Deps{Logger: e.logger, Config: e.config, Suite: e.suite}
}

// create builds a strategy, converting a constructor panic into an error.
func (e *Engine) create(id types.StrategyID) (s strategy.Strategy, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("constructor panic: %v", r)
		}
	}()
	return e.registry.Create(id, e.deps())
}

// build creates the routed strategy and substitutes the fallback when that
// fails.
func (e *Engine) build(ctx context.Context, id types.StrategyID) (strategy.Strategy, error) {
	s, err := e.create(id)
	if err == nil {
		return s, nil
	}
	if id == types.StrategyEdgeFallback {
		return nil, fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}

	e.logger.Warn("Strategy construction failed, using fallback",
		zap.String("strategy", string(id)),
		zap.Error(err))
	market.Note(ctx, fmt.Sprintf("strategy %s unavailable: %v", id, err))
	e.recordFallback(fallbackConstruction)

	fb, fbErr := e.create(types.StrategyEdgeFallback)
	if fbErr != nil {
		return nil, fmt.Errorf("%w: %v (after %s: %v)", ErrFallbackUnavailable, fbErr, id, err)
	}
	return fb, nil
}

// validate runs the layered validator. A panic inside strategy code re-runs
// the cycle on the fallback.
func (e *Engine) validate(ctx context.Context, s strategy.Strategy, snap *types.Snapshot, result types.RegimeResult) (*strategy.Verdict, error) {
	verdict, err := e.safeValidate(ctx, s, snap, result)
	if err == nil {
		return verdict, nil
	}
	if s.ID() == types.StrategyEdgeFallback {
		return nil, fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}

	e.logger.Error("Strategy panicked during validation, using fallback",
		zap.String("strategy", string(s.ID())),
		zap.Error(err))
	market.Note(ctx, fmt.Sprintf("strategy %s failed: %v", s.ID(), err))
	e.recordFallback(fallbackPanic)

	fb, err := e.build(ctx, types.StrategyEdgeFallback)
	if err != nil {
		return nil, err
	}
	verdict, err = e.safeValidate(ctx, fb, snap, result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}
	return verdict, nil
}

func (e *Engine) safeValidate(ctx context.Context, s strategy.Strategy, snap *types.Snapshot, result types.RegimeResult) (v *strategy.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return e.validator.Validate(ctx, s, snap, result), nil
}

// propose generates the proposal, enforces completeness and rounds prices to
// the tick grid. A nil proposal with a nil error is a valid negative outcome.
func (e *Engine) propose(s strategy.Strategy, verdict *strategy.Verdict, tick float64) (p *types.TradeProposal, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("%w: generator panic: %v", ErrInvalidProposal, r)
		}
	}()

	p, ok := s.GenerateProposal(verdict)
	if !ok || p == nil {
		return nil, nil
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if err := checkSides(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	if tick > 0 {
		rounded := *p
		rounded.EntryPrice = utils.RoundPrice(p.EntryPrice, tick)
		rounded.StopPrice = utils.RoundPrice(p.StopPrice, tick)
		rounded.TargetPrice = utils.RoundPrice(p.TargetPrice, tick)
		if p.SecondaryTarget != nil {
			v := utils.RoundPrice(*p.SecondaryTarget, tick)
			rounded.SecondaryTarget = &v
		}
		if err := rounded.Validate(); err != nil {
			return nil, fmt.Errorf("%w: after tick rounding: %v", ErrInvalidProposal, err)
		}
		if err := checkSides(&rounded); err != nil {
			return nil, fmt.Errorf("%w: after tick rounding: %v", ErrInvalidProposal, err)
		}
		p = &rounded
	}
	if p.StrategyID == "" {
		p.StrategyID = s.ID()
	}
	if p.ConfluenceScore == 0 {
		p.ConfluenceScore = verdict.Result.ConfluenceScore
	}
	return p, nil
}

// checkSides requires the stop behind and the target ahead of the entry.
func checkSides(p *types.TradeProposal) error {
	sign := p.Direction.Sign()
	if (p.EntryPrice-p.StopPrice)*sign <= 0 {
		return fmt.Errorf("stop %v not behind %s entry %v", p.StopPrice, p.Direction, p.EntryPrice)
	}
	if (p.TargetPrice-p.EntryPrice)*sign <= 0 {
		return fmt.Errorf("target %v not ahead of %s entry %v", p.TargetPrice, p.Direction, p.EntryPrice)
	}
	return nil
}

func (e *Engine) recordFallback(reason string) {
	e.fallbacks.Add(1)
	if e.metrics != nil {
		e.metrics.RecordFallback(reason)
	}
}

// finish publishes, journals and measures a completed decision.
func (e *Engine) finish(ctx context.Context, d *types.Decision, err error) {
	e.cycles.Add(1)
	switch d.Status {
	case types.DecisionProposal:
		e.proposals.Add(1)
	case types.DecisionFailed:
		e.failures.Add(1)
	default:
		e.noTrades.Add(1)
	}

	e.mu.Lock()
	e.latest[utils.NormalizeInstrument(d.InstrumentID)] = d
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("decision_id", d.ID),
		zap.String("instrument", d.InstrumentID),
		zap.String("status", string(d.Status)),
		zap.String("regime", string(d.Regime.Regime)),
		zap.String("strategy", string(d.StrategyID)),
		zap.String("layer", string(d.LayerReached)),
		zap.Duration("duration", d.Duration),
	}
	if err != nil {
		e.logger.Error("Evaluation cycle failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("Evaluation cycle complete", append(fields, zap.Strings("reasons", d.RejectionReasons))...)
	}

	if e.metrics != nil {
		e.metrics.RecordDecision(d)
	}
	if e.bus != nil {
		e.bus.Publish(events.NewDecisionEvent(d))
		if len(d.Degradations) > 0 {
			e.bus.Publish(events.NewDegradationEvent(d.InstrumentID, d.Degradations))
		}
	}
	if jerr := e.journal.Record(context.WithoutCancel(ctx), d); jerr != nil {
		e.logger.Warn("Failed to journal decision",
			zap.String("decision_id", d.ID),
			zap.Error(jerr))
	}
}

// Latest returns the most recent decision for an instrument.
func (e *Engine) Latest(instrument string) (*types.Decision, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.latest[utils.NormalizeInstrument(instrument)]
	return d, ok
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Cycles:    e.cycles.Load(),
		Proposals: e.proposals.Load(),
		NoTrades:  e.noTrades.Load(),
		Failures:  e.failures.Load(),
		Fallbacks: e.fallbacks.Load(),
	}
}

// EvaluateAll evaluates many snapshots on the worker pool. Snapshots of one
// instrument are evaluated in submission order; results line up with snaps.
func (e *Engine) EvaluateAll(ctx context.Context, snaps []*types.Snapshot) ([]*types.Decision, []error) {
	decisions := make([]*types.Decision, len(snaps))
	errs := make([]error, len(snaps))

	var order []string
	groups := make(map[string][]int)
	for i, snap := range snaps {
		if snap == nil {
			errs[i] = fmt.Errorf("%w: nil snapshot", data.ErrUnusableSnapshot)
			continue
		}
		key := utils.NormalizeInstrument(snap.InstrumentID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	tasks := make([]workers.Task, len(order))
	for t, key := range order {
		indexes := groups[key]
		tasks[t] = workers.TaskFunc(func(taskCtx context.Context) error {
			for _, i := range indexes {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := taskCtx.Err(); err != nil {
					return err
				}
				decisions[i], errs[i] = e.Evaluate(taskCtx, snaps[i])
			}
			return nil
		})
	}

	for t, err := range e.pool.RunAll(ctx, tasks) {
		if err == nil {
			continue
		}
		for _, i := range groups[order[t]] {
			if decisions[i] == nil && errs[i] == nil {
				errs[i] = err
			}
		}
	}
	return decisions, errs
}
