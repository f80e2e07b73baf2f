package commitindex

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the tuning knobs a front-end loads once and forwards into
// pkg/pkgfile (SPEC_FULL.md §3 "Configuration"): how aggressively to zstd
// the payload, and the floor below which the suffix-array diff generator
// folds a Copy run into the surrounding Insert instead of emitting it.
// Neither knob is interpreted by commitindex itself; it owns the file this
// lives in because the commit log is the one place a front-end's config
// naturally sits beside its history.
type Config struct {
	// CompressionLevel is a github.com/klauspost/compress/zstd.EncoderLevel
	// value (1=fastest .. 4=best compression); 0 means "let zstd pick its
	// default".
	CompressionLevel int `json:"compression_level"`
	// MinCopyFloor overrides internal/sarray's MinCopySize constant; 0
	// means "use the package default".
	MinCopyFloor int `json:"min_copy_floor"`
}

// DefaultConfig returns the zero-value Config: zstd's own default level,
// sarray's own default copy floor.
func DefaultConfig() Config {
	return Config{}
}

// LoadConfig reads path into a Config. If path does not exist, DefaultConfig
// is returned with no error, matching storage.go::LoadConfig's
// leave-callers-defaults-on-first-run behavior.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path atomically via a temp file + rename,
// matching storage.go::atomicWriteJSON.
func SaveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
