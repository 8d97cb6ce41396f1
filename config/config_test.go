package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
vesta:
  base_url: "http://vesta.example.com/service/"
  username: "alice"
  password: "s3cret"
  requests_per_second: 2
  max_retries: 5

cache:
  dir: "/tmp/comepos-test"

refresh:
  concurrency: 4

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.NoError(t, err)

	config, err := Load(configPath)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	assert.Equal(t, "http://vesta.example.com/service/", config.Vesta.BaseURL)
	assert.Equal(t, "alice", config.Vesta.Username)
	assert.Equal(t, 2.0, config.Vesta.RequestsPerSecond)
	assert.Equal(t, uint64(5), config.Vesta.MaxRetries)
	assert.Equal(t, "/tmp/comepos-test", config.Cache.Dir)
	assert.Equal(t, 4, config.Refresh.Concurrency)
	assert.Equal(t, "debug", config.Logging.Level)

	// untouched keys keep their defaults
	assert.Equal(t, 10, config.Vesta.Burst)
	assert.Equal(t, 100000, config.Vesta.MaxRowsPerRequest)
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("VESTA_USERNAME", "envuser")
	t.Setenv("VESTA_PASSWORD", "envpass")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
vesta:
  username: $VESTA_USERNAME
  password: $VESTA_PASSWORD
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.NoError(t, err)

	config, err := Load(configPath)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	// environment variables flow into the loaded config
	assert.Equal(t, "envuser", config.Vesta.Username)
	assert.Equal(t, "envpass", config.Vesta.Password)
}

func TestDefault(t *testing.T) {
	config := Default()

	assert.Equal(t, 5.0, config.Vesta.RequestsPerSecond)
	assert.Equal(t, uint64(3), config.Vesta.MaxRetries)
	assert.Equal(t, 30*time.Second, config.Vesta.RequestTimeout())
	assert.Equal(t, 500*time.Millisecond, config.Vesta.InitialBackoff())
	assert.Equal(t, 3, config.Refresh.Concurrency)
	assert.Empty(t, config.Vesta.Username)
}

func TestValidate(t *testing.T) {
	config := Default()
	assert.Error(t, config.Validate())

	config.Vesta.Username = "alice"
	assert.Error(t, config.Validate())

	config.Vesta.Password = "s3cret"
	assert.NoError(t, config.Validate())
}

func TestCacheDirOverride(t *testing.T) {
	config := Default()
	config.Cache.Dir = "/var/data/comepos"

	dir, err := config.CacheDir()
	assert.NoError(t, err)
	assert.Equal(t, "/var/data/comepos", dir)
}
