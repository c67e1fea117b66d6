package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/framestream/internal/stream"
	"github.com/banshee-data/framestream/internal/wire"
)

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if cfg.GetFPS() != stream.DefaultFPS {
		t.Errorf("GetFPS() = %f, want %f", cfg.GetFPS(), float64(stream.DefaultFPS))
	}
	if cfg.GetMaxMessageSize() != wire.DefaultMaxMessageSize {
		t.Errorf("GetMaxMessageSize() = %d, want %d", cfg.GetMaxMessageSize(), wire.DefaultMaxMessageSize)
	}
	if cfg.GetChunkPayloadSize() != wire.DefaultChunkPayloadSize {
		t.Errorf("GetChunkPayloadSize() = %d, want %d", cfg.GetChunkPayloadSize(), wire.DefaultChunkPayloadSize)
	}
	if cfg.GetRows() != stream.DefaultSyntheticRows {
		t.Errorf("GetRows() = %d, want %d", cfg.GetRows(), stream.DefaultSyntheticRows)
	}
	if cfg.GetCols() != stream.DefaultSyntheticCols {
		t.Errorf("GetCols() = %d, want %d", cfg.GetCols(), stream.DefaultSyntheticCols)
	}
	if cfg.GetPoints() != stream.DefaultSyntheticPoints {
		t.Errorf("GetPoints() = %d, want %d", cfg.GetPoints(), stream.DefaultSyntheticPoints)
	}
	if cfg.GetFrameLimit() != 0 {
		t.Errorf("GetFrameLimit() = %d, want 0", cfg.GetFrameLimit())
	}
	if cfg.GetNoiseSigma() != 0 {
		t.Errorf("GetNoiseSigma() = %f, want 0", cfg.GetNoiseSigma())
	}
	if cfg.GetSeed() != 0 {
		t.Errorf("GetSeed() = %d, want 0", cfg.GetSeed())
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tuning.json")

	testJSON := `{
  "fps": 25.0,
  "max_message_size": 1048576,
  "chunk_payload_size": 65536,
  "rows": 32,
  "noise_sigma": 0.5,
  "seed": 7
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.FPS == nil || *cfg.FPS != 25.0 {
		t.Errorf("Expected FPS 25.0, got %v", cfg.FPS)
	}
	if cfg.MaxMessageSize == nil || *cfg.MaxMessageSize != 1048576 {
		t.Errorf("Expected MaxMessageSize 1048576, got %v", cfg.MaxMessageSize)
	}
	if cfg.ChunkPayloadSize == nil || *cfg.ChunkPayloadSize != 65536 {
		t.Errorf("Expected ChunkPayloadSize 65536, got %v", cfg.ChunkPayloadSize)
	}
	if cfg.Rows == nil || *cfg.Rows != 32 {
		t.Errorf("Expected Rows 32, got %v", cfg.Rows)
	}
	if cfg.Seed == nil || *cfg.Seed != 7 {
		t.Errorf("Expected Seed 7, got %v", cfg.Seed)
	}

	// Unset fields keep their defaults through the accessors.
	if cfg.Cols != nil {
		t.Errorf("Expected Cols unset, got %v", *cfg.Cols)
	}
	if cfg.GetCols() != stream.DefaultSyntheticCols {
		t.Errorf("GetCols() = %d, want %d", cfg.GetCols(), stream.DefaultSyntheticCols)
	}
	if cfg.GetFPS() != 25.0 {
		t.Errorf("GetFPS() = %f, want 25.0", cfg.GetFPS())
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tuning.yaml")
	if err := os.WriteFile(configPath, []byte("fps: 25"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Fatal("Expected an error for a non-.json file")
	}
	if !strings.Contains(err.Error(), ".json extension") {
		t.Errorf("Error %q should mention the .json extension", err)
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "fps": "fast"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	negFPS := -1.0
	zeroChunk := 0
	negRows := -4
	negLimit := -1
	negSigma := -0.1

	tests := []struct {
		name string
		cfg  TuningConfig
		want string
	}{
		{"negative fps", TuningConfig{FPS: &negFPS}, "fps must be positive"},
		{"zero chunk payload", TuningConfig{ChunkPayloadSize: &zeroChunk}, "chunk_payload_size must be positive"},
		{"negative rows", TuningConfig{Rows: &negRows}, "rows must be positive"},
		{"negative frame limit", TuningConfig{FrameLimit: &negLimit}, "frame_limit must be non-negative"},
		{"negative noise sigma", TuningConfig{NoiseSigma: &negSigma}, "noise_sigma must be non-negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q should contain %q", err, tt.want)
			}
		})
	}

	if err := EmptyTuningConfig().Validate(); err != nil {
		t.Errorf("Empty config should validate, got %v", err)
	}
}

func TestLoadTuningConfigRejectsInvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tuning.json")
	if err := os.WriteFile(configPath, []byte(`{"fps": -5}`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Fatal("Expected an error for an invalid fps")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Error %q should wrap the validation failure", err)
	}
}
