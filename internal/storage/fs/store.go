// Package fs stores bars and result artifacts as JSON files on disk.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tradewind/tradewind/internal/backtest"
	"github.com/tradewind/tradewind/internal/storage"
)

const (
	barsDir    = "bars"
	resultsDir = "results"
)

// Store is a filesystem-based implementation of storage.MarketStore.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// NewStore creates the store layout under baseDir.
func NewStore(baseDir string) (*Store, error) {
	for _, sub := range []string{barsDir, resultsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) barsPath(symbol string) string {
	return filepath.Join(s.baseDir, barsDir, fmt.Sprintf("%s.json", symbol))
}

func (s *Store) resultPath(name string) string {
	return filepath.Join(s.baseDir, resultsDir, fmt.Sprintf("%s.json", name))
}

// SaveBars overwrites the bar series file for a symbol.
func (s *Store) SaveBars(_ context.Context, symbol string, bars []backtest.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}
	if err := os.WriteFile(s.barsPath(symbol), data, 0644); err != nil {
		return fmt.Errorf("failed to write bars file: %w", err)
	}
	return nil
}

// LoadBars reads the bar series for a symbol.
func (s *Store) LoadBars(_ context.Context, symbol string) ([]backtest.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.barsPath(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("bars for %s: %w", symbol, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read bars file: %w", err)
	}

	var bars []backtest.Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bars: %w", err)
	}
	return bars, nil
}

// ListSymbols scans the bars directory.
func (s *Store) ListSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, barsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read bars directory: %w", err)
	}

	var symbols []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			symbols = append(symbols, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// SaveResult writes a run result artifact.
func (s *Store) SaveResult(_ context.Context, name string, result *backtest.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(s.resultPath(name), data, 0644); err != nil {
		return fmt.Errorf("failed to write result file: %w", err)
	}
	return nil
}

// LoadResult reads a stored run result artifact.
func (s *Store) LoadResult(_ context.Context, name string) (*backtest.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.resultPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("result %s: %w", name, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}

	var result backtest.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}
