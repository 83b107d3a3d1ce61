package spawntrace

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/spawntrace/internal/config"
	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/logger"
	"github.com/loykin/spawntrace/internal/metrics"
	"github.com/loykin/spawntrace/internal/provider"
	"github.com/loykin/spawntrace/internal/runner"
	"github.com/moby/sys/reexec"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Event = event.Event

type Sink = event.Sink

type SinkFunc = event.SinkFunc

type Recorder = event.Recorder

type Config = config.Config

type Kind = provider.Kind

type Result = runner.Result

const (
	BPF    = provider.KindBPF
	Sysdig = provider.KindSysdig
)

func LoadConfig(path string) (Config, error) { return config.Load(path) }
func DefaultConfig() Config                  { return config.Default() }

// Init must run first in main of every program embedding a Tracer: the
// suspended target is a re-executed copy of the calling binary, and in that
// copy Init execs the target instead of returning.
func Init() bool { return reexec.Init() }

// Tracer is a thin facade over internal/runner for embedding.
type Tracer struct {
	cfg    Config
	kind   Kind
	log    *slog.Logger
	sink   Sink
	reg    prometheus.Registerer
	newPrv runner.ProviderFactory
}

// New returns a tracer using the eBPF backend and the default configuration.
func New() *Tracer {
	return &Tracer{cfg: config.Default(), kind: BPF}
}

func (t *Tracer) WithConfig(c Config) *Tracer       { t.cfg = c; return t }
func (t *Tracer) WithKind(k Kind) *Tracer           { t.kind = k; return t }
func (t *Tracer) WithLogger(l *slog.Logger) *Tracer { t.log = l; return t }
func (t *Tracer) WithSink(s Sink) *Tracer           { t.sink = s; return t }

// WithRegisterer exposes the target sampler gauges through r.
func (t *Tracer) WithRegisterer(r prometheus.Registerer) *Tracer { t.reg = r; return t }

// Run traces argv until it exits or ctx is cancelled.
func (t *Tracer) Run(ctx context.Context, argv ...string) (Result, error) {
	return runner.Run(ctx, runner.Options{
		Argv:        argv,
		Kind:        t.kind,
		Config:      t.cfg,
		Logger:      t.log,
		Sink:        t.sink,
		NewProvider: t.newPrv,
		Registerer:  t.reg,
	})
}

// NewLogger builds the run logger described by c.Log, writing to the file
// at c.LogPath. Close the returned closer when the run ends.
func NewLogger(c Config) (*slog.Logger, func() error, error) {
	l, closer, err := logger.New(c.LoggerConfig(time.Now()), nil)
	if err != nil {
		return nil, nil, err
	}
	return l, closer.Close, nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
