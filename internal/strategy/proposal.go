package strategy

import (
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
)

// bufferedStop places the stop beyond extreme, widening the raw entry to
// extreme distance by buffer.
func bufferedStop(entry, extreme, buffer float64, dir types.Direction) float64 {
	raw := math.Abs(entry - extreme)
	return entry - dir.Sign()*raw*(1+buffer)
}

// finalize rejects proposals without a direction, with zero risk, with the
// stop or target on the wrong side, or with non-finite prices. A secondary
// target that does not extend beyond the entry is dropped.
func finalize(p *types.TradeProposal) (*types.TradeProposal, bool) {
	sign := p.Direction.Sign()
	if sign == 0 {
		return nil, false
	}
	if p.SecondaryTarget != nil {
		if s := *p.SecondaryTarget; !utils.IsFinite(s) || (s-p.EntryPrice)*sign <= 0 {
			p.SecondaryTarget = nil
		}
	}
	if err := p.Validate(); err != nil {
		return nil, false
	}
	if (p.EntryPrice-p.StopPrice)*sign <= 0 {
		return nil, false
	}
	if (p.TargetPrice-p.EntryPrice)*sign <= 0 {
		return nil, false
	}
	return p, true
}

func ptr(v float64) *float64 {
	return &v
}

func evFloat(evidence map[string]any, key string) float64 {
	switch v := evidence[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func evString(evidence map[string]any, key string) string {
	v, _ := evidence[key].(string)
	return v
}

func flag(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func directionFor(lower bool) types.Direction {
	if lower {
		return types.DirectionLong
	}
	return types.DirectionShort
}
