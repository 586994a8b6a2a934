package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DERIVED STATE - blackout.json / patterns.json
// ═══════════════════════════════════════════════════════════════════════════════

// MemoryStateStore keeps derived state in process
type MemoryStateStore struct {
	mu       sync.RWMutex
	blackout []byte
	patterns []byte
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

var _ StateStore = (*MemoryStateStore)(nil)

func (m *MemoryStateStore) LoadBlackout(_ context.Context) (*types.BlackoutState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return decodeBlackout(m.blackout)
}

func (m *MemoryStateStore) SaveBlackout(_ context.Context, s *types.BlackoutState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blackout = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateStore) LoadPatterns(_ context.Context) (*types.PatternState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return decodePatterns(m.patterns)
}

func (m *MemoryStateStore) SavePatterns(_ context.Context, s *types.PatternState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.patterns = raw
	m.mu.Unlock()
	return nil
}

// FileStateStore writes each state document as a JSON file in dir.
// Writes go through a temp file and rename so readers never see partial JSON.
type FileStateStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStateStore creates dir if needed
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

var _ StateStore = (*FileStateStore)(nil)

const (
	blackoutFile = "blackout.json"
	patternsFile = "patterns.json"
)

func (f *FileStateStore) LoadBlackout(_ context.Context) (*types.BlackoutState, error) {
	raw, err := f.read(blackoutFile)
	if err != nil {
		return nil, err
	}
	return decodeBlackout(raw)
}

func (f *FileStateStore) SaveBlackout(_ context.Context, s *types.BlackoutState) error {
	return f.write(blackoutFile, s)
}

func (f *FileStateStore) LoadPatterns(_ context.Context) (*types.PatternState, error) {
	raw, err := f.read(patternsFile)
	if err != nil {
		return nil, err
	}
	return decodePatterns(raw)
}

func (f *FileStateStore) SavePatterns(_ context.Context, s *types.PatternState) error {
	return f.write(patternsFile, s)
}

func (f *FileStateStore) read(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return raw, nil
}

func (f *FileStateStore) write(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := filepath.Join(f.dir, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, filepath.Join(f.dir, name))
}

// Corrupt derived state is regenerated, never fatal.
func decodeBlackout(raw []byte) (*types.BlackoutState, error) {
	if len(raw) == 0 {
		return NewBlackoutState(), nil
	}
	var s types.BlackoutState
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Warn().Err(err).Msg("Blackout state unreadable, starting fresh")
		return NewBlackoutState(), nil
	}
	return normalizeBlackout(&s), nil
}

func decodePatterns(raw []byte) (*types.PatternState, error) {
	if len(raw) == 0 {
		return NewPatternState(), nil
	}
	var s types.PatternState
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Warn().Err(err).Msg("Pattern state unreadable, starting fresh")
		return NewPatternState(), nil
	}
	return normalizePatterns(&s), nil
}
