package config

import (
	"errors"
	"fmt"

	"github.com/tradewind/tradewind/internal/env"
)

// Storage backends selectable via TW_STORAGE_TYPE.
const (
	StorageFS  = "fs"
	StorageGCS = "gcs"
)

// MarketStorageConfig selects the bar/artifact store backend.
type MarketStorageConfig struct {
	Type      string `env:"TW_STORAGE_TYPE" default:"fs"`
	FSDir     string `env:"TW_FS_DIR" default:"./tradewind-data"`
	GCSBucket string `env:"TW_GCS_BUCKET"`
}

// Validate checks backend selection consistency.
func (c *MarketStorageConfig) Validate() error {
	switch c.Type {
	case StorageFS:
		if c.FSDir == "" {
			return errors.New("TW_FS_DIR is required when TW_STORAGE_TYPE is 'fs'")
		}
	case StorageGCS:
		if c.GCSBucket == "" {
			return errors.New("TW_GCS_BUCKET is required when TW_STORAGE_TYPE is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown TW_STORAGE_TYPE: %s", c.Type)
	}
	return nil
}

// BacktestConfig holds all configuration for the backtest binary. Run
// parameters are defaults; command-line flags override them.
type BacktestConfig struct {
	Storage MarketStorageConfig

	InitialCapital float64 `env:"TW_BT_INITIAL_CAPITAL" default:"100000"`
	Commission     float64 `env:"TW_BT_COMMISSION" default:"0.001"`
	Slippage       float64 `env:"TW_BT_SLIPPAGE" default:"0.0005"`
	MaxPositions   int     `env:"TW_BT_MAX_POSITIONS" default:"5"`
	AllowShorts    bool    `env:"TW_BT_ALLOW_SHORTS" default:"false"`
	PositionSizing string  `env:"TW_BT_POSITION_SIZING" default:"percent"`
	PositionSize   float64 `env:"TW_BT_POSITION_SIZE" default:"0.1"`
}

// LoadBacktestConfig loads and validates backtest configuration from the
// environment.
func LoadBacktestConfig() (*BacktestConfig, error) {
	cfg := &BacktestConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load backtest config: %w", err)
	}
	return cfg, nil
}
