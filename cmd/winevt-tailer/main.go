package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/gobwas/glob"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/oicur0t/winevt-tailer/internal/bookmarks"
	"github.com/oicur0t/winevt-tailer/internal/config"
	"github.com/oicur0t/winevt-tailer/internal/errs"
	"github.com/oicur0t/winevt-tailer/internal/provider"
	"github.com/oicur0t/winevt-tailer/internal/provider/filelog"
	"github.com/oicur0t/winevt-tailer/internal/provider/wevtapi"
	"github.com/oicur0t/winevt-tailer/internal/service"
	"github.com/oicur0t/winevt-tailer/internal/sink"
	"github.com/oicur0t/winevt-tailer/internal/telemetry"
	"github.com/oicur0t/winevt-tailer/internal/tailer"
)

var namePattern = regexp.MustCompile(`^\S+$`)

type action int

const (
	actionNone action = iota
	actionList
	actionTail
	actionPrintConfig
	actionInstall
	actionUninstall
	actionReset
)

type options struct {
	action      action
	listPattern string
	name        string
	configFile  string
	configYAML  string
	loggingYAML string
	overrides   config.Overrides
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// run executes one command line and returns the process exit code
func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	err := execute(args, stdout, stderr, getenv)
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintln(stderr, errs.Format(err))
	if errs.Is(err, errs.KindArg) {
		return 2
	}
	return 1
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet(config.TailerType, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Tails Windows event logs as single-line JSON.\n\nUsage: %s <action> [options]\n\n", config.TailerType)
		fs.PrintDefaults()
	}

	list := fs.StringP("list", "l", "", "list event channels the current user can read, optionally filtered by a glob (-l=Microsoft-*)")
	fs.Lookup("list").NoOptDefVal = "*"
	tail := fs.BoolP("tail", "t", false, "tail events to the output as single-line JSON")
	printConfig := fs.BoolP("print_config", "p", false, "print the effective configuration as YAML")
	install := fs.BoolP("install_service", "i", false, "install the tailer as a Windows service")
	uninstall := fs.BoolP("uninstall_service", "u", false, "uninstall the tailer's Windows service")
	reset := fs.BoolP("reset", "r", false, "delete the tailer's persisted bookmarks")

	name := fs.StringP("name", "n", config.DefaultTailerName, "tailer name; selects tailers.<name> in the config file and TAILER_CONFIG_<NAME>")
	lookback := fs.StringP("lookback", "b", "", `replay N events per channel when no bookmark exists; -1 or "all" for every event`)
	persistent := fs.Bool("persistent", false, "persist bookmarks and resume from them")
	hello := fs.Bool("startup_hello", false, "write a hello record before any event")
	follow := fs.BoolP("follow", "f", false, "keep tailing after the backlog is replayed")
	configFile := fs.StringP("config", "c", "", "config file path (YAML)")
	configYAML := fs.String("config_yaml", "", "tailer config as a YAML string")
	loggingYAML := fs.String("logging_yaml", "", "logging config as a YAML string")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errs.Arg("%w", err)
	}
	if fs.NArg() > 0 {
		return nil, errs.Arg("unexpected argument %q", fs.Arg(0))
	}

	opts := &options{
		listPattern: *list,
		name:        *name,
		configFile:  *configFile,
		configYAML:  *configYAML,
		loggingYAML: *loggingYAML,
	}

	selected := 0
	for _, a := range []struct {
		set bool
		act action
	}{
		{fs.Changed("list"), actionList},
		{*tail, actionTail},
		{*printConfig, actionPrintConfig},
		{*install, actionInstall},
		{*uninstall, actionUninstall},
		{*reset, actionReset},
	} {
		if a.set {
			opts.action = a.act
			selected++
		}
	}
	switch {
	case selected == 0:
		return nil, errs.Arg("one of -l, -t, -p, -i, -u, -r is required")
	case selected > 1:
		return nil, errs.Arg("-l, -t, -p, -i, -u and -r are mutually exclusive")
	}

	if !namePattern.MatchString(opts.name) {
		return nil, errs.Arg("invalid 'name' value: %q, must not be empty or contain whitespace", opts.name)
	}
	if fs.Changed("lookback") {
		lb, err := config.ParseLookback(*lookback)
		if err != nil {
			return nil, errs.Arg("%w", err)
		}
		opts.overrides.Lookback = &lb
	}
	if fs.Changed("persistent") {
		opts.overrides.Persistent = persistent
	}
	if fs.Changed("startup_hello") {
		opts.overrides.StartupHello = hello
	}
	opts.overrides.Follow = *follow
	return opts, nil
}

func execute(args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}

	isService, err := service.IsService()
	if err != nil {
		return fmt.Errorf("failed to detect service mode: %w", err)
	}

	cfg, logCfg, err := config.Load(config.Sources{
		Name:        opts.name,
		ConfigFile:  opts.configFile,
		ConfigYAML:  opts.configYAML,
		LoggingYAML: opts.loggingYAML,
		Service:     isService,
		Getenv:      getenv,
		Overrides:   opts.overrides,
	})
	if err != nil {
		return err
	}

	logger, err := initLogger(logCfg, stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()

	switch opts.action {
	case actionPrintConfig:
		out, err := config.EffectiveYAML(opts.name, cfg, logCfg)
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, out)
		return err

	case actionList:
		return listChannels(cfg, opts.listPattern, stdout, logger)

	case actionReset:
		path := bookmarks.Path(cfg.BookmarksDir, opts.name)
		if err := bookmarks.Reset(path); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "Bookmarks reset: %s\n", path)
		return nil

	case actionInstall:
		name := service.Name(opts.name)
		if err := service.Install(name, service.InstallArgs(args)); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "Service installed: %s\n", name)
		return nil

	case actionUninstall:
		name := service.Name(opts.name)
		if err := service.Uninstall(name); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "Service uninstalled: %s\n", name)
		return nil
	}

	return tail(opts.name, cfg, isService, stdout, stderr, logger)
}

func openProvider(cfg *config.TailerConfig, logger *zap.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderFile:
		return filelog.New(cfg.FileProvider.Dir, cfg.FileProvider.Poll, logger), nil
	case config.ProviderWevtapi:
		return wevtapi.Open(logger)
	default:
		return nil, errs.Config("unknown provider %q", cfg.Provider)
	}
}

func listChannels(cfg *config.TailerConfig, pattern string, stdout io.Writer, logger *zap.Logger) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return errs.Arg("invalid list pattern %q: %w", pattern, err)
	}
	p, err := openProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	names, err := p.Channels()
	if err != nil {
		return err
	}
	for _, name := range names {
		if g.Match(name) {
			fmt.Fprintln(stdout, name)
		}
	}
	return nil
}

func tail(name string, cfg *config.TailerConfig, isService bool, stdout, stderr io.Writer, logger *zap.Logger) error {
	logger.Info("Starting winevt-tailer",
		zap.String("tailer", name),
		zap.String("provider", cfg.Provider),
		zap.Int("channels", len(cfg.Channels)),
		zap.Bool("service", isService))

	p, err := openProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	out := sink.New(cfg.Output, stdout)
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []tailer.Option
	if cfg.Metrics.Address != "" {
		reg := telemetry.NewRegistry(name)
		opts = append(opts, tailer.WithMetrics(reg))
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Address, logger); err != nil {
				logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	t, err := tailer.New(name, cfg, p, out, logger, opts...)
	if err != nil {
		return err
	}

	if isService {
		return service.Run(service.Name(name), t, logger)
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		if t.Stop() {
			fmt.Fprintln(stderr, "Exiting ...")
		}
		if _, ok := <-sigChan; ok {
			logger.Error("Forced shutdown on second signal")
			os.Exit(1)
		}
	}()

	return t.Run(ctx)
}

// initLogger creates a zap logger writing to stderr, or to a rotated file
// when one is configured
func initLogger(cfg *config.LoggingConfig, stderr io.Writer) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, errs.Config("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		loggerConfig = zap.NewProductionConfig()
		encoder = zapcore.NewJSONEncoder(loggerConfig.EncoderConfig)
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
		encoder = zapcore.NewConsoleEncoder(loggerConfig.EncoderConfig)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(zapcore.AddSync(stderr))
	if cfg.File != "" {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	}

	core := zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(zapLevel))
	return zap.New(core, zap.AddCaller()), nil
}
