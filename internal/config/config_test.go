package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oicur0t/winevt-tailer/internal/errs"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, logCfg, err := Load(Sources{Name: "tail1", Getenv: noEnv})
	require.NoError(t, err)

	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, "Application", cfg.Channels[0].Name)
	assert.Equal(t, "*", cfg.Channels[0].Query)
	assert.Equal(t, "Application#*", cfg.Channels[0].Key())
	assert.Equal(t, Lookback(DefaultLookback), cfg.Lookback)
	assert.Equal(t, 10*time.Second, cfg.BookmarksCommitInterval)
	assert.Equal(t, ".", cfg.BookmarksDir)
	assert.False(t, cfg.Persistent)
	assert.True(t, cfg.ExitAfterLookback)
	assert.False(t, cfg.StartupHello)
	assert.Equal(t, []string{"xml_remove_binary", "xml_render_message", "xml_to_json"}, cfg.Transforms)
	assert.Empty(t, cfg.Output.File)

	assert.Equal(t, "warn", logCfg.Level)
	assert.Empty(t, logCfg.File)
}

func TestLoadServiceDefaults(t *testing.T) {
	cfg, logCfg, err := Load(Sources{Name: "svc", Service: true, Getenv: noEnv})
	require.NoError(t, err)

	assert.True(t, cfg.Persistent)
	assert.False(t, cfg.ExitAfterLookback)
	assert.Contains(t, cfg.Output.File, "windows_svc.log")
	assert.Contains(t, logCfg.File, "winevt-tailer_svc.log")
	assert.NotEqual(t, ".", cfg.BookmarksDir)
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tailer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tailers:
  tail1:
    channels:
      - name: Security
        query: "*[System/Level=2]"
    lookback: 5
    persistent: true
  other:
    lookback: 7
logging:
  level: debug
`), 0o644))

	env := envMap(map[string]string{
		"TAILER_CONFIG":       "lookback: 1",
		"TAILER_CONFIG_TAIL1": "startup_hello: true",
	})
	cfg, logCfg, err := Load(Sources{
		Name:       "tail1",
		ConfigFile: path,
		ConfigYAML: "bookmarks_commit_interval: 3s",
		Getenv:     env,
	})
	require.NoError(t, err)

	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "Security", cfg.Channels[0].Name)
	assert.Equal(t, "*[System/Level=2]", cfg.Channels[0].Query)
	// name-specific env var replaces the generic one
	assert.Equal(t, Lookback(5), cfg.Lookback)
	assert.True(t, cfg.StartupHello)
	assert.True(t, cfg.Persistent)
	assert.Equal(t, 3*time.Second, cfg.BookmarksCommitInterval)
	assert.Equal(t, "debug", logCfg.Level)
}

func TestLoadOverrides(t *testing.T) {
	lookback := LookbackAll
	persistent := true
	hello := true
	cfg, _, err := Load(Sources{
		Getenv: envMap(map[string]string{"TAILER_CONFIG": "lookback: 3\npersistent: false"}),
		Overrides: Overrides{
			Lookback:     &lookback,
			Persistent:   &persistent,
			StartupHello: &hello,
			Follow:       true,
		},
	})
	require.NoError(t, err)
	assert.True(t, cfg.Lookback.Unbounded())
	assert.True(t, cfg.Persistent)
	assert.True(t, cfg.StartupHello)
	assert.False(t, cfg.ExitAfterLookback)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		src  Sources
		kind errs.Kind
	}{
		{"invalid query", Sources{ConfigYAML: "channels: [{name: A, query: '[abs'}]"}, errs.KindConfig},
		{"no channels", Sources{ConfigYAML: "channels: []"}, errs.KindConfig},
		{"unknown transform", Sources{ConfigYAML: "transforms: [xml_to_json, xml_to_csv]"}, errs.KindConfig},
		{"unrendered chain", Sources{ConfigYAML: "transforms: [xml_remove_binary]"}, errs.KindConfig},
		{"bad lookback", Sources{ConfigYAML: "lookback: -5"}, errs.KindConfig},
		{"duplicate channel", Sources{ConfigYAML: "channels: [{name: A}, {name: A, query: '*'}]"}, errs.KindConfig},
		{"bad inline yaml", Sources{ConfigYAML: "channels: [unterminated"}, errs.KindArg},
		{"bad env yaml", Sources{Getenv: envMap(map[string]string{"TAILER_CONFIG": "channels: [unterminated"})}, errs.KindConfig},
		{"bad log level", Sources{LoggingYAML: "level: loud"}, errs.KindConfig},
		{"unknown provider", Sources{ConfigYAML: "provider: etw"}, errs.KindConfig},
		{"missing config file", Sources{ConfigFile: "/nonexistent/tailer.yaml"}, errs.KindConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.src.Getenv == nil {
				tt.src.Getenv = noEnv
			}
			_, _, err := Load(tt.src)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err), err.Error())
		})
	}
}

func TestLoadMissingTailersSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tailer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	_, _, err := Load(Sources{ConfigFile: path, Getenv: noEnv})
	assert.True(t, errs.Is(err, errs.KindConfig))
	assert.Contains(t, err.Error(), "tailers")
}

func TestParseLookback(t *testing.T) {
	for in, want := range map[string]Lookback{"all": LookbackAll, "ALL": LookbackAll, "-1": LookbackAll, "0": 0, " 25 ": 25} {
		got, err := ParseLookback(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "-2", "lots", "1.5"} {
		_, err := ParseLookback(in)
		assert.Error(t, err, in)
	}
}

func TestEffectiveYAMLRoundTrip(t *testing.T) {
	lookback := LookbackAll
	cfg, logCfg, err := Load(Sources{Name: "tail1", Getenv: noEnv, Overrides: Overrides{Lookback: &lookback}})
	require.NoError(t, err)

	out, err := EffectiveYAML("tail1", cfg, logCfg)
	require.NoError(t, err)
	assert.Contains(t, out, "lookback: all")
	assert.Contains(t, out, "bookmarks_commit_interval: 10s")

	var parsed map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &parsed))

	path := filepath.Join(t.TempDir(), "effective.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	again, _, err := Load(Sources{Name: "tail1", ConfigFile: path, Getenv: noEnv})
	require.NoError(t, err)
	assert.Equal(t, cfg.Channels, again.Channels)
	assert.True(t, again.Lookback.Unbounded())
}
