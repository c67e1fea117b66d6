// Package config loads stream tuning parameters from JSON files.
//
// All fields are pointers so a partial file only overrides the values
// it names. The Get* accessors fall back to the canonical defaults for
// unset fields, letting callers consume a sparse config directly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/framestream/internal/stream"
	"github.com/banshee-data/framestream/internal/wire"
)

// TuningConfig holds the serving parameters an operator may override
// without recompiling: frame pacing, chunking thresholds, and the
// synthetic source shape.
type TuningConfig struct {
	// Pacing
	FPS *float64 `json:"fps,omitempty"`

	// Chunking
	MaxMessageSize   *int `json:"max_message_size,omitempty"`
	ChunkPayloadSize *int `json:"chunk_payload_size,omitempty"`

	// Synthetic source shape
	Rows   *int `json:"rows,omitempty"`
	Cols   *int `json:"cols,omitempty"`
	Points *int `json:"points,omitempty"`

	// Synthetic source behaviour
	FrameLimit *int     `json:"frame_limit,omitempty"`
	NoiseSigma *float64 `json:"noise_sigma,omitempty"`
	Seed       *uint64  `json:"seed,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset. The
// Get* accessors then yield the canonical defaults.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields
// omitted from the file stay nil, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.FPS != nil && *c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %f", *c.FPS)
	}
	if c.MaxMessageSize != nil && *c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", *c.MaxMessageSize)
	}
	if c.ChunkPayloadSize != nil && *c.ChunkPayloadSize <= 0 {
		return fmt.Errorf("chunk_payload_size must be positive, got %d", *c.ChunkPayloadSize)
	}
	if c.Rows != nil && *c.Rows <= 0 {
		return fmt.Errorf("rows must be positive, got %d", *c.Rows)
	}
	if c.Cols != nil && *c.Cols <= 0 {
		return fmt.Errorf("cols must be positive, got %d", *c.Cols)
	}
	if c.Points != nil && *c.Points <= 0 {
		return fmt.Errorf("points must be positive, got %d", *c.Points)
	}
	if c.FrameLimit != nil && *c.FrameLimit < 0 {
		return fmt.Errorf("frame_limit must be non-negative, got %d", *c.FrameLimit)
	}
	if c.NoiseSigma != nil && *c.NoiseSigma < 0 {
		return fmt.Errorf("noise_sigma must be non-negative, got %f", *c.NoiseSigma)
	}
	return nil
}

// GetFPS returns the fps value or the default.
func (c *TuningConfig) GetFPS() float64 {
	if c.FPS == nil {
		return stream.DefaultFPS
	}
	return *c.FPS
}

// GetMaxMessageSize returns the max_message_size value or the default.
func (c *TuningConfig) GetMaxMessageSize() int {
	if c.MaxMessageSize == nil {
		return wire.DefaultMaxMessageSize
	}
	return *c.MaxMessageSize
}

// GetChunkPayloadSize returns the chunk_payload_size value or the default.
func (c *TuningConfig) GetChunkPayloadSize() int {
	if c.ChunkPayloadSize == nil {
		return wire.DefaultChunkPayloadSize
	}
	return *c.ChunkPayloadSize
}

// GetRows returns the rows value or the default.
func (c *TuningConfig) GetRows() int {
	if c.Rows == nil {
		return stream.DefaultSyntheticRows
	}
	return *c.Rows
}

// GetCols returns the cols value or the default.
func (c *TuningConfig) GetCols() int {
	if c.Cols == nil {
		return stream.DefaultSyntheticCols
	}
	return *c.Cols
}

// GetPoints returns the points value or the default.
func (c *TuningConfig) GetPoints() int {
	if c.Points == nil {
		return stream.DefaultSyntheticPoints
	}
	return *c.Points
}

// GetFrameLimit returns the frame_limit value or the default.
func (c *TuningConfig) GetFrameLimit() int {
	if c.FrameLimit == nil {
		return 0
	}
	return *c.FrameLimit
}

// GetNoiseSigma returns the noise_sigma value, or zero to let the
// synthetic source pick its own default.
func (c *TuningConfig) GetNoiseSigma() float64 {
	if c.NoiseSigma == nil {
		return 0
	}
	return *c.NoiseSigma
}

// GetSeed returns the seed value, or zero to seed from entropy.
func (c *TuningConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}
