package market

import (
	"context"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// Suite bundles the collaborators behind one Guard. Any collaborator may be nil.
type Suite struct {
	Guard    *Guard
	Ranges   RangeDetector
	Analyzer Analyzer
	News     NewsCalendar
}

// NewDefaultSuite wires the in-process collaborators from configuration.
func NewDefaultSuite(logger *zap.Logger, config types.CollaboratorConfig) *Suite {
	return &Suite{
		Guard:    NewGuard(logger, config),
		Ranges:   NewBoxDetector(config.RangeBoxBars),
		Analyzer: NewSwingAnalyzer(config.SwingStrength, config.EqualTolerancePct),
		News:     NewStaticCalendar(config.Blackouts),
	}
}

var nopGuard = NewGuard(zap.NewNop(), types.CollaboratorConfig{})

func (s *Suite) guard() *Guard {
	if s.Guard == nil {
		return nopGuard
	}
	return s.Guard
}

// Range returns the detected range, or nil when none is available.
func (s *Suite) Range(ctx context.Context, bars []types.Bar) *types.RangeStructure {
	if s == nil {
		return nil
	}
	rng, _ := s.guard().Range(ctx, s.Ranges, bars)
	return rng
}

// Structure returns the structure report, or nil.
func (s *Suite) Structure(ctx context.Context, bars []types.Bar) *StructureReport {
	if s == nil {
		return nil
	}
	return s.guard().Structure(ctx, s.Analyzer, bars)
}

// Blackout reports a news blackout, failing open.
func (s *Suite) Blackout(ctx context.Context, category string, at time.Time) bool {
	if s == nil {
		return false
	}
	return s.guard().Blackout(ctx, s.News, category, at)
}
