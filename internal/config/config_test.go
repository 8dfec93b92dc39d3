package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	writeFile(t, path, "base_url: http://10.0.0.2:18080/\ntoken: file-token\ncols: 100\nrefresh_debounce: 2s\n")
	t.Setenv("UI_TOKEN", "env-token")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--rows=50"}))

	v := New()
	require.NoError(t, BindFlags(v, fs))
	cfg, err := Load(v, path)
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.2:18080", cfg.BaseURL, "trailing slash trimmed")
	assert.Equal(t, "env-token", cfg.Token, "env beats file")
	assert.Equal(t, 100, cfg.Cols, "file beats default and unset flag")
	assert.Equal(t, 50, cfg.Rows, "set flag wins")
	assert.Equal(t, 2*time.Second, cfg.RefreshDebounce)
}

func TestPrefixedEnvBeatsCompatibilityName(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CONTROL_URL", "http://10.0.0.3:18080")
	t.Setenv("CC_CLIENT_BASE_URL", "http://10.0.0.4:18080")
	t.Setenv("CC_CLIENT_DENY_LOOPBACK", "true")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.4:18080", cfg.BaseURL)
	assert.True(t, cfg.DenyLoopback)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{name: "bad scheme", body: "base_url: ftp://host\n"},
		{name: "path", body: "base_url: http://host/api\n"},
		{name: "empty token", body: "token: \"  \"\n"},
		{name: "zero cols", body: "cols: 0\n"},
		{name: "log level", body: "log_level: loud\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			writeFile(t, path, tc.body)
			_, err := Load(New(), path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatchDeliversChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	writeFile(t, path, "token: one\n")

	v := New()
	_, err := Load(v, path)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	Watch(v, func(cfg Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		got = append(got, cfg.Token)
		mu.Unlock()
	})

	writeFile(t, path, "token: two\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == "two"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warn", "warning", "error"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestSettingsCarriesEngineFields(t *testing.T) {
	cfg := Default()
	cfg.DenyLoopback = true
	cfg.RefreshDebounce = 3 * time.Second
	st := cfg.Settings()
	assert.Equal(t, cfg.BaseURL, st.BaseURL)
	assert.Equal(t, cfg.Token, st.Token)
	assert.True(t, st.DenyLoopback)
	assert.Equal(t, 3*time.Second, st.RefreshDebounce)
	assert.Equal(t, DefaultCols, st.Cols)
	assert.Equal(t, DefaultRows, st.Rows)
}
