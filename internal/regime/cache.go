package regime

import (
	"sort"
	"sync"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
)

type cacheEntry struct {
	result types.RegimeResult
	fresh  bool // produced by the classifiers rather than replayed from cache
}

// History is the bounded per-instrument window of regime results. Its mutex is
// held for the whole of a detection so cycles for one instrument never interleave.
type History struct {
	mu      sync.Mutex
	size    int
	entries []cacheEntry
}

// lookup returns the newest result when the last two entries agree on a
// non-UNKNOWN regime, the newest came from a fresh detection and its confidence
// still clears both its recorded floor and the currently configured one.
func (h *History) lookup(floorFor func(types.RegimeType) float64) (types.RegimeResult, bool) {
	n := len(h.entries)
	if n < 2 {
		return types.RegimeResult{}, false
	}
	last, prev := h.entries[n-1], h.entries[n-2]
	if !last.fresh || last.result.Regime == types.RegimeUnknown || last.result.Regime != prev.result.Regime {
		return types.RegimeResult{}, false
	}
	floor := last.result.ConfidenceFloor
	if f := floorFor(last.result.Regime); f > floor {
		floor = f
	}
	if last.result.Confidence < floor {
		return types.RegimeResult{}, false
	}
	return last.result, true
}

// push appends a result, drops the oldest beyond size and returns the result
// with its run length set.
func (h *History) push(result types.RegimeResult, fresh bool) types.RegimeResult {
	run := 1
	for i := len(h.entries) - 1; i >= 0 && h.entries[i].result.Regime == result.Regime; i-- {
		run++
	}
	result.CacheRunLength = run

	h.entries = append(h.entries, cacheEntry{result: result, fresh: fresh})
	if len(h.entries) > h.size {
		h.entries = append(h.entries[:0:0], h.entries[len(h.entries)-h.size:]...)
	}
	return result
}

func (h *History) latest() (types.RegimeResult, bool) {
	if len(h.entries) == 0 {
		return types.RegimeResult{}, false
	}
	return h.entries[len(h.entries)-1].result, true
}

func (h *History) results() []types.RegimeResult {
	out := make([]types.RegimeResult, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.result
	}
	return out
}

// Cache is a keyed store of per-instrument histories. Keys are normalized
// instrument ids.
type Cache struct {
	mu        sync.Mutex
	size      int
	histories map[string]*History
}

// NewCache creates a cache holding size results per instrument.
func NewCache(size int) *Cache {
	if size < 2 {
		size = 3
	}
	return &Cache{size: size, histories: make(map[string]*History)}
}

func (c *Cache) history(instrument string) *History {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := utils.NormalizeInstrument(instrument)
	h, ok := c.histories[key]
	if !ok {
		h = &History{size: c.size}
		c.histories[key] = h
	}
	return h
}

// Window returns a copy of the cached results of an instrument, oldest first.
func (c *Cache) Window(instrument string) []types.RegimeResult {
	c.mu.Lock()
	h, ok := c.histories[utils.NormalizeInstrument(instrument)]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results()
}

// Reset clears the window of an instrument. It waits for an in-flight
// detection of that instrument to finish.
func (c *Cache) Reset(instrument string) bool {
	c.mu.Lock()
	h, ok := c.histories[utils.NormalizeInstrument(instrument)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
	return true
}

// Instruments returns the cached instrument ids in sorted order.
func (c *Cache) Instruments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.histories))
	for id := range c.histories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
