package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Collaborator names used for breakers, metrics and degradation notes.
const (
	NameRangeDetector = "range_detector"
	NameAnalyzer      = "analyzer"
	NameNews          = "news"
)

// Guard bounds every collaborator call with a timeout and a per-collaborator
// circuit breaker, then applies that collaborator's unavailability policy.
type Guard struct {
	logger  *zap.Logger
	config  types.CollaboratorConfig
	timeout time.Duration

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker

	onUnavailable func(name string)
}

// NewGuard creates a guard.
func NewGuard(logger *zap.Logger, config types.CollaboratorConfig) *Guard {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	return &Guard{
		logger:   logger,
		config:   config,
		timeout:  timeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnUnavailable registers a hook invoked with the collaborator name whenever a
// call degrades.
func (g *Guard) OnUnavailable(fn func(name string)) {
	g.onUnavailable = fn
}

// BreakerState returns the circuit state of a collaborator.
func (g *Guard) BreakerState(name string) string {
	return g.breaker(name).State().String()
}

func (g *Guard) breaker(name string) *gobreaker.CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	failures := g.config.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: g.config.BreakerMaxRequests,
		Interval:    g.config.BreakerInterval,
		Timeout:     g.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("Collaborator circuit state changed",
				zap.String("collaborator", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	g.breakers[name] = cb
	return cb
}

// call runs fn under the breaker with the per-call timeout. A collaborator that
// ignores its context is abandoned when the timeout fires.
func (g *Guard) call(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	res, err := g.breaker(name).Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		type outcome struct {
			v   any
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- outcome{err: fmt.Errorf("panic: %v", r)}
				}
			}()
			v, err := fn(cctx)
			done <- outcome{v, err}
		}()

		select {
		case o := <-done:
			return o.v, o.err
		case <-cctx.Done():
			return nil, cctx.Err()
		}
	})
	if err != nil {
		g.degrade(ctx, name, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
	return res, nil
}

func (g *Guard) degrade(ctx context.Context, name string, err error) {
	g.logger.Warn("Collaborator unavailable",
		zap.String("collaborator", name),
		zap.Error(err))
	Note(ctx, fmt.Sprintf("%s unavailable: %v", name, err))
	if g.onUnavailable != nil {
		g.onUnavailable(name)
	}
}

// Range asks the detector for a range. ok is false when the detector is absent
// or unavailable, which callers treat as "not in a range".
func (g *Guard) Range(ctx context.Context, d RangeDetector, bars []types.Bar) (rng *types.RangeStructure, ok bool) {
	if d == nil || len(bars) == 0 {
		return nil, false
	}
	res, err := g.call(ctx, NameRangeDetector, func(ctx context.Context) (any, error) {
		return d.DetectRange(ctx, bars)
	})
	if err != nil {
		return nil, false
	}
	rng, _ = res.(*types.RangeStructure)
	return rng, true
}

// Structure asks the analyzer for a report. Absent or unavailable yields nil,
// meaning nothing detected.
func (g *Guard) Structure(ctx context.Context, a Analyzer, bars []types.Bar) *StructureReport {
	if a == nil || len(bars) == 0 {
		return nil
	}
	res, err := g.call(ctx, NameAnalyzer, func(ctx context.Context) (any, error) {
		return a.Analyze(ctx, bars)
	})
	if err != nil {
		return nil
	}
	report, _ := res.(*StructureReport)
	return report
}

// Blackout fails open: lookup failures report no blackout so an outage does
// not silently disable trading.
func (g *Guard) Blackout(ctx context.Context, n NewsCalendar, category string, at time.Time) bool {
	if n == nil {
		return false
	}
	res, err := g.call(ctx, NameNews, func(ctx context.Context) (any, error) {
		return n.InBlackout(ctx, category, at)
	})
	if err != nil {
		return false
	}
	blackout, _ := res.(bool)
	return blackout
}

// Notes collects degradation notes for one evaluation cycle
type Notes struct {
	mu    sync.Mutex
	items []string
}

type notesKey struct{}

// WithNotes attaches a fresh Notes collector to ctx.
func WithNotes(ctx context.Context) (context.Context, *Notes) {
	n := &Notes{}
	return context.WithValue(ctx, notesKey{}, n), n
}

func notesFrom(ctx context.Context) *Notes {
	n, _ := ctx.Value(notesKey{}).(*Notes)
	return n
}

// Note records a degradation on the collector attached to ctx, if any.
func Note(ctx context.Context, note string) {
	if n := notesFrom(ctx); n != nil {
		n.Add(note)
	}
}

// Add appends a note.
func (n *Notes) Add(note string) {
	n.mu.Lock()
	n.items = append(n.items, note)
	n.mu.Unlock()
}

// Items returns a copy of the collected notes.
func (n *Notes) Items() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.items...)
}
