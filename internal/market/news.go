package market

import (
	"context"
	"strings"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// StaticCalendar answers blackout lookups from a configured list of windows
type StaticCalendar struct {
	windows []types.BlackoutWindow
}

// NewStaticCalendar creates a calendar from configured windows.
func NewStaticCalendar(windows []types.BlackoutWindow) *StaticCalendar {
	return &StaticCalendar{windows: append([]types.BlackoutWindow(nil), windows...)}
}

// InBlackout reports whether at falls in any window of the category. A window
// without a category applies to every category.
func (c *StaticCalendar) InBlackout(ctx context.Context, category string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, w := range c.windows {
		if w.Category != "" && category != "" && !strings.EqualFold(w.Category, category) {
			continue
		}
		start, end := w.At.Add(-w.Before), w.At.Add(w.After)
		if !at.Before(start) && !at.After(end) {
			return true, nil
		}
	}
	return false, nil
}
