package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/spawntrace/internal/config"
	"github.com/loykin/spawntrace/internal/logger"
	"github.com/loykin/spawntrace/internal/metrics"
	"github.com/loykin/spawntrace/internal/provider"
	"github.com/loykin/spawntrace/internal/provider/factory"
	"github.com/loykin/spawntrace/internal/runner"
)

const exitUsage = 1

// RootFlags holds the command line switches.
type RootFlags struct {
	ConfigPath  string
	LogPath     string
	LogLevel    string
	Sysdig      bool
	MetricsAddr string
}

// ArgumentError reports invalid command line usage. Nothing is forked.
type ArgumentError struct {
	Err error
}

func (e *ArgumentError) Error() string { return e.Err.Error() }
func (e *ArgumentError) Unwrap() error { return e.Err }

// newProvider is replaced in tests.
var newProvider runner.ProviderFactory = factory.New

// valueFlags take a separate argument when written without '='.
var valueFlags = map[string]bool{
	"--config":       true,
	"--logp":         true,
	"--log-level":    true,
	"--metrics-addr": true,
}

// normalizeArgs accepts the single-dash -logp spelling. Only arguments in
// front of the target command are touched.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" || !strings.HasPrefix(a, "-") || a == "-" {
			return append(out, args[i:]...)
		}
		if a == "-logp" || strings.HasPrefix(a, "-logp=") {
			a = "-" + a
		}
		out = append(out, a)
		if valueFlags[a] && i+1 < len(args) {
			i++
			out = append(out, args[i])
		}
	}
	return out
}

func newRootCommand(flags *RootFlags, trace func(ctx context.Context, argv []string) int, code *int) *cobra.Command {
	root := &cobra.Command{
		Use:   "spawntrace [OPTION...] <cmd> [arg...]",
		Short: "Trace the system calls of a program from its very first instruction",
		Long: `spawntrace starts <cmd> suspended, attaches a capture backend to it and
only then lets it run, so no system call escapes the trace. Events are
streamed into the run log until the program exits or spawntrace is
interrupted.

The eBPF backend is the default. --sysdig selects sysdig for one run;
provider = "sysdig" in the --config file makes it the default instead.

Examples:
  spawntrace ls -la /tmp
  spawntrace --sysdig -logp /var/log/trace.txt curl -s example.com
  spawntrace --metrics-addr :9464 ./server --port 8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return &ArgumentError{Err: errors.New("missing target command")}
			}
			return nil
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.LogLevel == "" {
				return nil
			}
			if _, err := logger.ParseLevel(flags.LogLevel); err != nil {
				return &ArgumentError{Err: fmt.Errorf("--log-level: %w", err)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = trace(cmd.Context(), args)
			return nil
		},
	}
	// everything after the target command belongs to it
	root.Flags().SetInterspersed(false)
	root.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.Flags().StringVar(&flags.LogPath, "logp", "", "run log path (default <logs_dir>/logs_<unix>.txt)")
	root.Flags().StringVar(&flags.LogLevel, "log-level", "", "run log level: debug, info, warn or error")
	root.Flags().BoolVar(&flags.Sysdig, "sysdig", false, "capture with the external sysdig tracer instead of eBPF (also set by provider = \"sysdig\" in --config)")
	root.Flags().StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ArgumentError{Err: err}
	})
	return root
}

// run executes the command line and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	flags := &RootFlags{}
	code := 0
	root := newRootCommand(flags, func(ctx context.Context, argv []string) int {
		return trace(ctx, flags, argv, stdout, stderr)
	}, &code)
	root.SetArgs(normalizeArgs(args))
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		_, _ = fmt.Fprint(stderr, root.UsageString())
		var ae *ArgumentError
		if errors.As(err, &ae) {
			return exitUsage
		}
		return runner.ExitSetupFailed
	}
	return code
}

// selectKind picks the provider: --sysdig wins, otherwise the configured one.
func selectKind(useSysdig bool, cfg config.Config) provider.Kind {
	return factory.KindFor(useSysdig || cfg.Provider == config.ProviderSysdig)
}

func trace(ctx context.Context, flags *RootFlags, argv []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "spawntrace: %v\n", err)
		return runner.ExitSetupFailed
	}
	if flags.LogPath != "" {
		cfg.Log.Path = flags.LogPath
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.MetricsAddr != "" {
		cfg.Metrics.Listen = flags.MetricsAddr
	}
	kind := selectKind(flags.Sysdig, cfg)

	log, closer, err := logger.New(cfg.LoggerConfig(time.Now()), stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "spawntrace: open run log: %v\n", err)
		return runner.ExitSetupFailed
	}
	defer func() { _ = closer.Close() }()

	var reg prometheus.Registerer
	if cfg.Metrics.Listen != "" {
		reg = prometheus.DefaultRegisterer
		if err := metrics.Register(reg); err != nil {
			log.Warn("register metrics", "error", err)
		}
		shutdown := serveMetrics(cfg.Metrics.Listen, log)
		defer shutdown()
	}

	log.Info("spawntrace starting", "argv", argv, "provider", string(kind), "log", cfg.LogPath(time.Now()))
	res, err := runner.Run(ctx, runner.Options{
		Argv:        argv,
		Kind:        kind,
		Config:      cfg,
		Logger:      log,
		NewProvider: newProvider,
		Stdout:      stdout,
		Stderr:      stderr,
		Registerer:  reg,
	})
	if err != nil {
		log.Error("run failed", "error", err)
		_, _ = fmt.Fprintf(stderr, "spawntrace: %v\n", err)
		return runner.ExitSetupFailed
	}
	return res.ExitCode
}
