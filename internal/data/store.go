package data

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"go.uber.org/zap"
)

// DecodeSnapshots reads either a single JSON snapshot object or an array of them.
func DecodeSnapshots(r io.Reader) ([]*types.Snapshot, error) {
	br := bufio.NewReader(r)
	first, err := firstNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var snaps []*types.Snapshot
		if err := dec.Decode(&snaps); err != nil {
			return nil, fmt.Errorf("failed to parse snapshots: %w", err)
		}
		return snaps, nil
	}
	var snap types.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return []*types.Snapshot{&snap}, nil
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

// LoadFile reads the snapshots stored in a JSON file.
func LoadFile(path string) ([]*types.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()
	return DecodeSnapshots(f)
}

// Store keeps the latest snapshot per instrument as JSON files in a directory.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger
	dir    string
	cache  map[string]*types.Snapshot
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(logger *zap.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{
		logger: logger,
		dir:    dir,
		cache:  make(map[string]*types.Snapshot),
	}, nil
}

var fileSafe = strings.NewReplacer("/", "_", `\`, "_", ":", "_")

func (s *Store) path(instrument string) string {
	return filepath.Join(s.dir, fileSafe.Replace(utils.NormalizeInstrument(instrument))+".json")
}

// Save writes a snapshot, replacing any earlier one for the instrument.
func (s *Store) Save(snap *types.Snapshot) error {
	if snap == nil || snap.InstrumentID == "" {
		return fmt.Errorf("%w: missing instrument", ErrUnusableSnapshot)
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(snap.InstrumentID), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	s.cache[utils.NormalizeInstrument(snap.InstrumentID)] = snap
	return nil
}

// Load returns the stored snapshot for an instrument.
func (s *Store) Load(ctx context.Context, instrument string) (*types.Snapshot, error) {
	key := utils.NormalizeInstrument(instrument)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	snaps, err := LoadFile(s.path(instrument))
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: empty file for %s", ErrUnusableSnapshot, instrument)
	}

	s.mu.Lock()
	s.cache[key] = snaps[0]
	s.mu.Unlock()
	return snaps[0], nil
}

// LoadAll returns every stored snapshot in instrument order. Files that fail
// to parse are logged and skipped.
func (s *Store) LoadAll(ctx context.Context) ([]*types.Snapshot, error) {
	instruments, err := s.Instruments()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Snapshot, 0, len(instruments))
	for _, id := range instruments {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		snap, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping snapshot", zap.String("instrument", id), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Instruments lists the instruments with a stored snapshot.
func (s *Store) Instruments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// ClearCache drops cached snapshots so the next Load reads from disk.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*types.Snapshot)
}
