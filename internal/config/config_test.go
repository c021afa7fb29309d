package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	REST struct {
		BaseURL string
		Timeout time.Duration
	}

	Redis struct {
		Addrs []string
	}
}

func defaults() testConfig {
	var c testConfig
	c.HTTP.Port = 8080
	c.REST.BaseURL = "http://localhost:8000/api"
	c.REST.Timeout = 10 * time.Second
	c.Redis.Addrs = []string{"localhost:6379"}
	return c
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	file := writeFile(t, "config.yaml", `
rest:
  baseurl: https://duel.example/api
redis:
  addrs: ["a:6379", "b:6379"]
`)

	tests := map[string]struct {
		file string
		env  map[string]string
		want func() testConfig
	}{
		"defaults only": {
			want: defaults,
		},
		"file overrides defaults": {
			file: file,
			want: func() testConfig {
				c := defaults()
				c.REST.BaseURL = "https://duel.example/api"
				c.Redis.Addrs = []string{"a:6379", "b:6379"}
				return c
			},
		},
		"env overrides file": {
			file: file,
			env: map[string]string{
				"HTTP_PORT":    "9090",
				"REST_BASEURL": "https://other.example/api",
				"REST_TIMEOUT": "3s",
			},
			want: func() testConfig {
				c := defaults()
				c.HTTP.Port = 9090
				c.REST.BaseURL = "https://other.example/api"
				c.REST.Timeout = 3 * time.Second
				c.Redis.Addrs = []string{"a:6379", "b:6379"}
				return c
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			c := defaults()
			require.NoError(t, config.Load(tc.file, &c))
			assert.Equal(t, tc.want(), c)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	c := defaults()
	err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), &c)
	assert.Error(t, err)
}

func TestDotenv(t *testing.T) {
	t.Setenv("CODEDUEL_TEST_KEEP", "mine")
	t.Cleanup(func() { os.Unsetenv("CODEDUEL_TEST_NEW") })

	file := writeFile(t, ".env", "CODEDUEL_TEST_NEW=fresh\nCODEDUEL_TEST_KEEP=theirs\n")

	require.NoError(t, config.Dotenv(filepath.Join(t.TempDir(), "missing.env"), file))
	assert.Equal(t, "fresh", os.Getenv("CODEDUEL_TEST_NEW"))
	assert.Equal(t, "mine", os.Getenv("CODEDUEL_TEST_KEEP"))
}
