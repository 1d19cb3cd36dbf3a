package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Refresh.Concurrency)
	assert.True(t, cfg.AllowsDuration(60))
	assert.True(t, cfg.AllowsDuration(120))
	assert.False(t, cfg.AllowsDuration(90))
	d, err := cfg.ServiceTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
service:
  base_url: https://courts.example.com
store:
  driver: redis
  redis_addr: localhost:6379
reservation:
  durations: [90]
`))
	require.NoError(t, err)
	assert.Equal(t, "https://courts.example.com", cfg.Service.BaseURL)
	assert.Equal(t, "10s", cfg.Service.Timeout)
	assert.Equal(t, []int{90}, cfg.Reservation.Durations)
	assert.Equal(t, "12:00", cfg.Reservation.DefaultTime)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":      "store:\n  driver: etcd\n",
		"redis addr":  "store:\n  driver: redis\n  redis_addr: \"\"\n",
		"concurrency": "refresh:\n  concurrency: 0\n",
		"durations":   "reservation:\n  durations: [60, -5]\n",
		"time":        "reservation:\n  default_time: noon\n",
		"timeout":     "service:\n  timeout: soon\n",
		"step":        "dev_server:\n  step: often\n",
		"bad yaml":    "service: [",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("owner:\n  id: u1\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "u1", cfg.Owner.ID)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "127.0.0.1:8080")
}
