package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oicur0t/winevt-tailer/internal/errs"
)

// Overrides are explicit command-line values. They win over every
// configuration source.
type Overrides struct {
	Lookback     *Lookback
	Persistent   *bool
	StartupHello *bool
	Follow       bool
}

// Sources are the configuration inputs of one tailer. Later sources override
// earlier ones: built-in defaults, config file, environment, inline YAML,
// then Overrides.
type Sources struct {
	Name        string
	ConfigFile  string
	ConfigYAML  string
	LoggingYAML string
	Service     bool
	Getenv      func(string) string
	Overrides   Overrides
}

// Load builds and validates the effective tailer and logging configuration
func Load(src Sources) (*TailerConfig, *LoggingConfig, error) {
	if src.Name == "" {
		src.Name = DefaultTailerName
	}
	if src.Getenv == nil {
		src.Getenv = os.Getenv
	}
	dirs := platformDirs(src.Getenv)

	tv, err := yamlViper(defaultTailerYAML(src.Name, src.Service, dirs))
	if err != nil {
		return nil, nil, fmt.Errorf("built-in tailer defaults: %w", err)
	}
	lv, err := yamlViper(defaultLoggingYAML(src.Name, src.Service, dirs))
	if err != nil {
		return nil, nil, fmt.Errorf("built-in logging defaults: %w", err)
	}

	if src.ConfigFile != "" {
		if err := mergeConfigFile(tv, lv, src.ConfigFile, src.Name); err != nil {
			return nil, nil, err
		}
	}

	suffix := "_" + strings.ToUpper(src.Name)
	if err := mergeYAML(tv, envYAML(src.Getenv, "TAILER_CONFIG", suffix)); err != nil {
		return nil, nil, errs.Config("TAILER_CONFIG environment: %w", err)
	}
	if err := mergeYAML(tv, src.ConfigYAML); err != nil {
		return nil, nil, errs.Arg("--config_yaml: %w", err)
	}
	if err := mergeYAML(lv, envYAML(src.Getenv, "TAILER_LOGGING", suffix)); err != nil {
		return nil, nil, errs.Config("TAILER_LOGGING environment: %w", err)
	}
	if err := mergeYAML(lv, src.LoggingYAML); err != nil {
		return nil, nil, errs.Arg("--logging_yaml: %w", err)
	}

	var tailerCfg TailerConfig
	if err := tv.Unmarshal(&tailerCfg); err != nil {
		return nil, nil, errs.Config("failed to unmarshal tailer config: %w", err)
	}
	lookback, err := ParseLookback(tv.GetString("lookback"))
	if err != nil {
		return nil, nil, errs.Config("%w", err)
	}
	tailerCfg.Lookback = lookback

	var loggingCfg LoggingConfig
	if err := lv.Unmarshal(&loggingCfg); err != nil {
		return nil, nil, errs.Config("failed to unmarshal logging config: %w", err)
	}

	applyOverrides(&tailerCfg, src.Overrides)

	if err := tailerCfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := loggingCfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &tailerCfg, &loggingCfg, nil
}

func applyOverrides(cfg *TailerConfig, o Overrides) {
	if o.Lookback != nil {
		cfg.Lookback = *o.Lookback
	}
	if o.Persistent != nil {
		cfg.Persistent = *o.Persistent
	}
	if o.StartupHello != nil {
		cfg.StartupHello = *o.StartupHello
	}
	if o.Follow {
		cfg.ExitAfterLookback = false
	}
}

func yamlViper(doc string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return v, nil
}

func mergeYAML(v *viper.Viper, doc string) error {
	if strings.TrimSpace(doc) == "" {
		return nil
	}
	var probe map[string]interface{}
	if err := yaml.Unmarshal([]byte(doc), &probe); err != nil {
		return err
	}
	return v.MergeConfig(strings.NewReader(doc))
}

// mergeConfigFile applies the tailers.<name> and logging sections of a
// config file
func mergeConfigFile(tv, lv *viper.Viper, path, name string) error {
	fv := viper.New()
	fv.SetConfigFile(path)
	fv.SetConfigType("yaml")
	if err := fv.ReadInConfig(); err != nil {
		return errs.Config("failed to read config file: %w", err)
	}

	tailers := fv.GetStringMap("tailers")
	if len(tailers) == 0 {
		return errs.Config("missing \"tailers\" section in config file: %s", path)
	}
	// viper lower-cases keys
	if section, ok := tailers[strings.ToLower(name)].(map[string]interface{}); ok {
		if err := tv.MergeConfigMap(section); err != nil {
			return errs.Config("tailers.%s in %s: %w", name, path, err)
		}
	}
	if logging := fv.GetStringMap("logging"); len(logging) > 0 {
		if err := lv.MergeConfigMap(logging); err != nil {
			return errs.Config("logging in %s: %w", path, err)
		}
	}
	return nil
}

// envYAML returns the name-specific variable if set, else the generic one
func envYAML(getenv func(string) string, key, suffix string) string {
	if v := getenv(key + suffix); v != "" {
		return v
	}
	return getenv(key)
}

type dirs struct {
	data string
	logs string
}

func platformDirs(getenv func(string) string) dirs {
	if runtime.GOOS != "windows" {
		return dirs{data: "/var/lib/" + TailerType, logs: "/var/log/" + TailerType}
	}
	programData := getenv("ProgramData")
	if programData == "" {
		programData = `C:\ProgramData`
	}
	return dirs{
		data: filepath.ToSlash(filepath.Join(programData, TailerType)),
		logs: filepath.ToSlash(filepath.Join(programData, "logs")),
	}
}

func defaultProvider() string {
	if runtime.GOOS == "windows" {
		return ProviderWevtapi
	}
	return ProviderFile
}

func defaultTailerYAML(name string, service bool, d dirs) string {
	bookmarksDir := "."
	outputFile := ""
	persistent := false
	exitAfterLookback := true
	if service {
		bookmarksDir = d.data
		outputFile = d.logs + "/windows_" + name + ".log"
		persistent = true
		exitAfterLookback = false
	}
	return fmt.Sprintf(`channels:
  - name: Application
    query: "*"
  - name: System
    query: "*"
transforms:
  - xml_remove_binary
  - xml_render_message
  - xml_to_json
lookback: %d
bookmarks_dir: %q
bookmarks_commit_interval: 10s
persistent: %t
startup_hello: false
exit_after_lookback: %t
provider: %s
file_provider:
  dir: channels
  poll: false
output:
  file: %q
  max_size_mb: 10
  max_backups: 1
metrics:
  address: ""
`, DefaultLookback, bookmarksDir, persistent, exitAfterLookback, defaultProvider(), outputFile)
}

func defaultLoggingYAML(name string, service bool, d dirs) string {
	if service {
		return fmt.Sprintf(`level: info
format: console
file: %q
max_size_mb: 10
max_backups: 1
`, d.logs+"/"+TailerType+"_"+name+".log")
	}
	return `level: warn
format: console
file: ""
max_size_mb: 10
max_backups: 1
`
}

// effective is the shape printed by EffectiveYAML and accepted as a config file
type effective struct {
	Tailers map[string]*TailerConfig `yaml:"tailers"`
	Logging *LoggingConfig           `yaml:"logging"`
}

// EffectiveYAML renders the merged configuration as a config file
func EffectiveYAML(name string, tailerCfg *TailerConfig, loggingCfg *LoggingConfig) (string, error) {
	out, err := yaml.Marshal(effective{
		Tailers: map[string]*TailerConfig{name: tailerCfg},
		Logging: loggingCfg,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal effective config: %w", err)
	}
	return string(out), nil
}
