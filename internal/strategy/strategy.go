// Package strategy provides the shared layered validation pipeline and the
// regime-specific strategy specializations that plug into it.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrMisconfigured is returned by a strategy constructor given unusable configuration.
	ErrMisconfigured = errors.New("strategy misconfigured")
	// ErrUnknownStrategy is returned by the registry for an unregistered id.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Strategy is the interface every specialization implements. The validator
// calls the hooks in layer order and never calls a later hook after an
// earlier layer rejects.
type Strategy interface {
	ID() types.StrategyID
	CheckLocation(ctx context.Context, in *Input) LocationResult
	CheckSignals(ctx context.Context, in *Input, loc LocationResult) SignalResult
	Contributions(in *Input, loc LocationResult, sig SignalResult) map[string]float64
	GenerateProposal(v *Verdict) (*types.TradeProposal, bool)
}

// Input is the per-cycle view handed to the strategy hooks.
type Input struct {
	Snapshot        *types.Snapshot
	Regime          types.RegimeResult
	Bars            []types.Bar // primary timeframe
	ShortVolatility float64     // realized by the pre-trade layer
}

// Price returns the snapshot's current price.
func (in *Input) Price() float64 {
	return in.Snapshot.CurrentPrice
}

// LocationResult is the outcome of layer 2
type LocationResult struct {
	Passed    bool            `json:"passed"`
	Reason    string          `json:"reason,omitempty"`
	Direction types.Direction `json:"direction"`
	Level     float64         `json:"level,omitempty"`
	Evidence  map[string]any  `json:"evidence,omitempty"`
}

// Trigger is one piece of layer 3 signal evidence
type Trigger struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price,omitempty"`
	BarIndex int     `json:"bar_index"`
}

// SignalResult is the outcome of layer 3
type SignalResult struct {
	Primary   []Trigger       `json:"primary"`
	Secondary []Trigger       `json:"secondary"`
	EntryType string          `json:"entry_type,omitempty"`
	Direction types.Direction `json:"direction"`
	Evidence  map[string]any  `json:"evidence,omitempty"`
}

// FirstPrimary returns the first primary trigger or nil.
func (s SignalResult) FirstPrimary() *Trigger {
	if len(s.Primary) == 0 {
		return nil
	}
	return &s.Primary[0]
}

// HasPrimary reports whether a primary trigger of the given name fired.
func (s SignalResult) HasPrimary(name string) bool {
	return hasTrigger(s.Primary, name)
}

// HasSecondary reports whether a secondary trigger of the given name fired.
func (s SignalResult) HasSecondary(name string) bool {
	return hasTrigger(s.Secondary, name)
}

func hasTrigger(triggers []Trigger, name string) bool {
	for _, t := range triggers {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Verdict carries a validation result with the intermediate layer outputs the
// proposal generator needs.
type Verdict struct {
	Result   *types.ValidationResult
	Input    *Input
	Location LocationResult
	Signals  SignalResult
}

// Passed reports whether every layer passed.
func (v *Verdict) Passed() bool {
	return v != nil && v.Result != nil && v.Result.Passed
}

// Deps are the dependencies handed to strategy factories
type Deps struct {
	Logger *zap.Logger
	Config *types.Config
	Suite  *market.Suite
}

func (d Deps) config() *types.Config {
	if d.Config == nil {
		return types.DefaultConfig()
	}
	return d.Config
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Factory builds a strategy
type Factory func(deps Deps) (Strategy, error)

// Registry manages available strategies.
type Registry struct {
	logger    *zap.Logger
	factories map[types.StrategyID]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[types.StrategyID]Factory),
	}

	r.Register(types.StrategyDeviationReversion, func(d Deps) (Strategy, error) { return NewDeviationReversion(d) })
	r.Register(types.StrategyRangeEdge, func(d Deps) (Strategy, error) { return NewRangeEdge(d) })
	r.Register(types.StrategyCompressionBalance, func(d Deps) (Strategy, error) { return NewCompressionBalance(d) })
	r.Register(types.StrategyEdgeFallback, func(d Deps) (Strategy, error) { return NewEdgeFallback(d), nil })

	return r
}

// Register registers or replaces a strategy factory.
func (r *Registry) Register(id types.StrategyID, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Create builds a strategy by id.
func (r *Registry) Create(id types.StrategyID, deps Deps) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return factory(deps)
}

// List returns the registered ids in sorted order.
func (r *Registry) List() []types.StrategyID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.StrategyID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
