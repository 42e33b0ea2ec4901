// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 3, cfg.Auth.RequiredFactors)
	require.Equal(t, 5, cfg.Auth.MaxPINAttempts)
	require.True(t, cfg.Auth.EnforceCardBinding)
	require.True(t, cfg.Auth.EnforceTemplateIntegrity)
	require.Equal(t, 0.5, cfg.Biometric.ScoreThreshold)
	require.Equal(t, 10*time.Second, cfg.ReaderTimeout())
	require.Equal(t, 2*time.Minute, cfg.ReplayTTL())
	require.NotEmpty(t, cfg.DBPath)
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path = "/var/lib/cardgate/creds.db"

[auth]
required_factors = 2
max_pin_attempts = 3
lockout_seconds = 900

[biometric]
score_threshold = 0.62

[card]
csc1_hex = "0x44 55 66 77"

[security]
operator_totp_secret = "JBSWY3DPEHPK3PXP"
`), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/cardgate/creds.db", cfg.DBPath)
	require.Equal(t, 2, cfg.Auth.RequiredFactors)
	require.Equal(t, 3, cfg.Auth.MaxPINAttempts)
	require.Equal(t, 15*time.Minute, cfg.LockoutDuration())
	require.Equal(t, 0.62, cfg.Biometric.ScoreThreshold)
	require.Equal(t, "JBSWY3DPEHPK3PXP", cfg.Security.OperatorTOTPSecret)

	codes, err := cfg.UnlockCodes()
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0x44, 0x55, 0x66, 0x77}}, codes)

	// Unset fields keep their defaults.
	require.Equal(t, 4096, cfg.Security.ReplayCapacity)
}

func TestLoadFromPathBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not toml ["), 0o600))
	_, err := LoadFromPath(path)
	require.Error(t, err)
}

func TestValidateClamps(t *testing.T) {
	cfg := Default()
	cfg.Auth.RequiredFactors = 7
	cfg.Auth.MaxPINAttempts = -2
	cfg.Auth.LockoutSeconds = 0
	cfg.Biometric.ScoreThreshold = 1.8
	cfg.Security.ReplayCapacity = 3
	cfg.Security.HMACTagLength = 200
	cfg.Kiosk.AttemptsPerMinute = -1

	cfg.Validate()
	require.Equal(t, 3, cfg.Auth.RequiredFactors)
	require.Equal(t, 0, cfg.Auth.MaxPINAttempts)
	require.Equal(t, 1, cfg.Auth.LockoutSeconds)
	require.Equal(t, 1.0, cfg.Biometric.ScoreThreshold)
	require.Equal(t, 64, cfg.Security.ReplayCapacity)
	require.Equal(t, 32, cfg.Security.HMACTagLength)
	require.Equal(t, 12.0, cfg.Kiosk.AttemptsPerMinute)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CARDGATE_DB_PATH", "/tmp/override.db")
	t.Setenv("CARDGATE_CSC1_HEX", "11223344")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`db_path = "/from/file.db"`), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/override.db", cfg.DBPath)
	require.Equal(t, "11223344", cfg.Card.CSC1Hex)
}

func TestSaveTOMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Auth.RequiredFactors = 2
	cfg.Security.OperatorTOTPSecret = "JBSWY3DPEHPK3PXP"

	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	back, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, 2, back.Auth.RequiredFactors)
	require.Equal(t, "JBSWY3DPEHPK3PXP", back.Security.OperatorTOTPSecret)
}

func TestUnlockCodesInvalidHex(t *testing.T) {
	cfg := Default()
	cfg.Card.CSC0Hex = "zz"
	_, err := cfg.UnlockCodes()
	require.Error(t, err)
}
