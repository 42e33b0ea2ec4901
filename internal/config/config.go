// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for cardgate.
//
// TOML configuration with sensible defaults, environment variable
// overrides, and validation with clamping to safe bounds.
//
// Configuration file location:
//   - ~/.cardgate/config.toml
//   - Built-in defaults otherwise
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/cardgate/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete cardgate configuration.
type Config struct {
	// DBPath is the credential database location.
	DBPath string `toml:"db_path"`

	// TemplateDir holds enrolled biometric templates.
	TemplateDir string `toml:"template_dir"`

	// KeyDir holds per-card HMAC challenge-response keys.
	KeyDir string `toml:"key_dir"`

	Card      CardConfig      `toml:"card"`
	Auth      AuthConfig      `toml:"auth"`
	Biometric BiometricConfig `toml:"biometric"`
	Security  SecurityConfig  `toml:"security"`
	Kiosk     KioskConfig     `toml:"kiosk"`
}

// CardConfig contains reader and access-code settings.
type CardConfig struct {
	// ReaderTimeoutSecs bounds waiting for a card to appear.
	ReaderTimeoutSecs int `toml:"reader_timeout_secs"`

	// CSC0Hex, CSC1Hex, CSC2Hex are the operator-configured access
	// codes (8 hex chars each). Tried in the order CSC1, CSC0, CSC2
	// before the vendor defaults.
	CSC0Hex string `toml:"csc0_hex"`
	CSC1Hex string `toml:"csc1_hex"`
	CSC2Hex string `toml:"csc2_hex"`
}

// AuthConfig is the decision-engine policy surface.
type AuthConfig struct {
	// RequiredFactors selects 2-factor (card+PIN) or 3-factor
	// (card+PIN+biometric) operation. Clamped to [2,3].
	RequiredFactors int `toml:"required_factors"`

	// MaxPINAttempts is the lockout threshold; 0 disables lockout.
	MaxPINAttempts int `toml:"max_pin_attempts"`

	// LockoutSeconds is the lockout duration once triggered.
	LockoutSeconds int `toml:"lockout_seconds"`

	EnforceCardBinding       bool `toml:"enforce_card_binding"`
	EnforceTemplateIntegrity bool `toml:"enforce_template_integrity"`
}

// BiometricConfig configures the external matcher.
type BiometricConfig struct {
	// ScoreThreshold is the minimum similarity for ALLOW. Clamped to [0,1].
	ScoreThreshold float64 `toml:"score_threshold"`

	// DetectorBin is the external matcher executable.
	DetectorBin string `toml:"detector_bin"`

	// ScoreTimeoutSecs bounds one matcher invocation.
	ScoreTimeoutSecs int `toml:"score_timeout_secs"`

	// Algo tags new enrollments.
	Algo string `toml:"algo"`
}

// SecurityConfig configures the challenge-response and recovery layer.
type SecurityConfig struct {
	// ReplayTTLSecs is how long a seen nonce stays rejected.
	ReplayTTLSecs int `toml:"replay_ttl_secs"`

	// ReplayCapacity bounds the replay cache; clamped to >= 64.
	ReplayCapacity int `toml:"replay_capacity"`

	// HMACTagLength is the truncated tag size in bytes. Clamped to [8,32].
	HMACTagLength int `toml:"hmac_tag_length"`

	// OperatorTOTPSecret gates PIN recovery. Generated by
	// `cardgate init`; empty disables recovery.
	OperatorTOTPSecret string `toml:"operator_totp_secret"`
}

// KioskConfig configures the terminal front-end.
type KioskConfig struct {
	// AttemptsPerMinute paces authentication attempts at the kiosk.
	AttemptsPerMinute float64 `toml:"attempts_per_minute"`

	// DemoMode runs against an in-memory card instead of a reader.
	DemoMode bool `toml:"demo_mode"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in defaults, rooted under ~/.cardgate.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".cardgate"
	}
	return &Config{
		DBPath:      filepath.Join(dir, "cardgate.db"),
		TemplateDir: filepath.Join(dir, "templates"),
		KeyDir:      filepath.Join(dir, "keys"),
		Card: CardConfig{
			ReaderTimeoutSecs: 10,
		},
		Auth: AuthConfig{
			RequiredFactors:          3,
			MaxPINAttempts:           5,
			LockoutSeconds:           300,
			EnforceCardBinding:       true,
			EnforceTemplateIntegrity: true,
		},
		Biometric: BiometricConfig{
			ScoreThreshold:   0.5,
			ScoreTimeoutSecs: 5,
			Algo:             "orb",
		},
		Security: SecurityConfig{
			ReplayTTLSecs:  120,
			ReplayCapacity: 4096,
			HMACTagLength:  32,
		},
		Kiosk: KioskConfig{
			AttemptsPerMinute: 12,
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the cardgate configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".cardgate"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD
// =============================================================================

var (
	loadOnce sync.Once
	loaded   *Config
	loadErr  error
)

// Get loads the configuration once per process and returns the cached
// result thereafter.
func Get() (*Config, error) {
	loadOnce.Do(func() {
		loaded, loadErr = Load()
	})
	return loaded, loadErr
}

// Load reads the config file when present, falls back to defaults,
// applies environment overrides, and validates.
func Load() (*Config, error) {
	cfg := Default()
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := loadTOML(cfg, path); err != nil {
				return nil, err
			}
		}
	}
	applyEnv(cfg)
	cfg.Validate()
	return cfg, nil
}

// LoadFromPath reads configuration from an explicit file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := loadTOML(cfg, path); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	cfg.Validate()
	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment overrides. The password pepper is
// deliberately NOT part of Config: it is read once at startup by the
// caller and handed to the hasher as an explicit value.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CARDGATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CARDGATE_CSC0_HEX"); v != "" {
		cfg.Card.CSC0Hex = v
	}
	if v := os.Getenv("CARDGATE_CSC1_HEX"); v != "" {
		cfg.Card.CSC1Hex = v
	}
	if v := os.Getenv("CARDGATE_CSC2_HEX"); v != "" {
		cfg.Card.CSC2Hex = v
	}
	if v := os.Getenv("CARDGATE_DETECTOR_BIN"); v != "" {
		cfg.Biometric.DetectorBin = v
	}
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML path.
// SECURITY: 0600 permissions; the file carries the operator TOTP secret.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file, crash-safe.
func SaveTOML(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString("# cardgate configuration file\n")
	sb.WriteString("# Generated by cardgate - edit with care\n\n")
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate clamps out-of-range values to safe bounds. It never fails:
// a kiosk must come up even with a sloppy config, and clamping is
// always safer than refusing to enforce policy at all.
func (c *Config) Validate() {
	if c.Auth.RequiredFactors < 2 {
		c.Auth.RequiredFactors = 2
	}
	if c.Auth.RequiredFactors > 3 {
		c.Auth.RequiredFactors = 3
	}
	if c.Auth.MaxPINAttempts < 0 {
		c.Auth.MaxPINAttempts = 0
	}
	if c.Auth.LockoutSeconds < 1 {
		c.Auth.LockoutSeconds = 1
	}
	if c.Biometric.ScoreThreshold < 0 {
		c.Biometric.ScoreThreshold = 0
	}
	if c.Biometric.ScoreThreshold > 1 {
		c.Biometric.ScoreThreshold = 1
	}
	if c.Biometric.ScoreTimeoutSecs < 1 {
		c.Biometric.ScoreTimeoutSecs = 1
	}
	if c.Card.ReaderTimeoutSecs < 1 {
		c.Card.ReaderTimeoutSecs = 1
	}
	if c.Security.ReplayTTLSecs < 1 {
		c.Security.ReplayTTLSecs = 1
	}
	if c.Security.ReplayCapacity < 64 {
		c.Security.ReplayCapacity = 64
	}
	if c.Security.HMACTagLength < 8 {
		c.Security.HMACTagLength = 8
	}
	if c.Security.HMACTagLength > 32 {
		c.Security.HMACTagLength = 32
	}
	if c.Kiosk.AttemptsPerMinute <= 0 {
		c.Kiosk.AttemptsPerMinute = 12
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// LockoutDuration returns the lockout window as a duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Auth.LockoutSeconds) * time.Second
}

// ReaderTimeout returns the card wait budget as a duration.
func (c *Config) ReaderTimeout() time.Duration {
	return time.Duration(c.Card.ReaderTimeoutSecs) * time.Second
}

// ReplayTTL returns the replay rejection window as a duration.
func (c *Config) ReplayTTL() time.Duration {
	return time.Duration(c.Security.ReplayTTLSecs) * time.Second
}

// ScoreTimeout returns the matcher invocation budget as a duration.
func (c *Config) ScoreTimeout() time.Duration {
	return time.Duration(c.Biometric.ScoreTimeoutSecs) * time.Second
}

// UnlockCodes parses the configured access codes in unlock priority
// order (CSC1, CSC0, CSC2), skipping any that are unset.
func (c *Config) UnlockCodes() ([][]byte, error) {
	var out [][]byte
	for _, v := range []string{c.Card.CSC1Hex, c.Card.CSC0Hex, c.Card.CSC2Hex} {
		code, err := util.ParseCode4(v)
		if err != nil {
			return nil, err
		}
		if code != nil {
			out = append(out, code)
		}
	}
	return out, nil
}
