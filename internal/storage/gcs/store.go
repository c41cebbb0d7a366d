// Package gcs stores bars and result artifacts as JSON objects in a
// Google Cloud Storage bucket.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/tradewind/tradewind/internal/backtest"
	"github.com/tradewind/tradewind/internal/storage"
)

const (
	barsPrefix    = "bars/"
	resultsPrefix = "results/"
)

// Store is a GCS-based implementation of storage.MarketStore.
type Store struct {
	client *gstorage.Client
	bucket string
}

// NewStore creates a GCS store. It assumes the client is authenticated
// (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewStore(ctx context.Context, bucketName string) (*Store, error) {
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{client: client, bucket: bucketName}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func barsObject(symbol string) string {
	return fmt.Sprintf("%s%s.json", barsPrefix, symbol)
}

func resultObject(name string) string {
	return fmt.Sprintf("%s%s.json", resultsPrefix, name)
}

// SaveBars overwrites the bar series object for a symbol.
func (s *Store) SaveBars(ctx context.Context, symbol string, bars []backtest.Bar) error {
	data, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}
	return s.write(ctx, barsObject(symbol), data)
}

// LoadBars reads the bar series for a symbol.
func (s *Store) LoadBars(ctx context.Context, symbol string) ([]backtest.Bar, error) {
	data, err := s.read(ctx, barsObject(symbol))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("bars for %s: %w", symbol, storage.ErrNotFound)
		}
		return nil, err
	}

	var bars []backtest.Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bars: %w", err)
	}
	return bars, nil
}

// ListSymbols scans the bars prefix of the bucket.
func (s *Store) ListSymbols(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gstorage.Query{Prefix: barsPrefix})

	var symbols []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, barsPrefix)
		if strings.HasSuffix(name, ".json") {
			symbols = append(symbols, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// SaveResult writes a run result artifact.
func (s *Store) SaveResult(ctx context.Context, name string, result *backtest.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.write(ctx, resultObject(name), data)
}

// LoadResult reads a stored run result artifact.
func (s *Store) LoadResult(ctx context.Context, name string) (*backtest.Result, error) {
	data, err := s.read(ctx, resultObject(name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("result %s: %w", name, storage.ErrNotFound)
		}
		return nil, err
	}

	var result backtest.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

func (s *Store) write(ctx context.Context, object string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	return w.Close()
}

func (s *Store) read(ctx context.Context, object string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}
