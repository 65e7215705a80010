package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/config"
)

// testConfig is the subset of config-test.toml the integration tests read.
type testConfig struct {
	Database config.DatabaseConfig `toml:"database"`
}

// LoadTestDatabaseConfig returns the [database] section of config-test.toml.
// The test is skipped in -short mode or when no such file exists.
func LoadTestDatabaseConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skip("config-test.toml not found, skipping database integration test")
	}

	cfg := testConfig{Database: config.NewDefaultConfig().Database}
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
	return cfg.Database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}
