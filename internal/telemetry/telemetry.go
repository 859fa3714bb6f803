package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "winevt_tailer"

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	SetToCurrentTime()
}

// CounterVec is a counter family keyed by label values
type CounterVec interface {
	With(labels ...string) Counter
}

type NoopStat struct{}

func (NoopStat) Inc()              {}
func (NoopStat) Dec()              {}
func (NoopStat) Add(float64)       {}
func (NoopStat) Set(float64)       {}
func (NoopStat) SetToCurrentTime() {}

type noopCounterVec struct{}

func (noopCounterVec) With(...string) Counter { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

// Registry holds the metrics of one tailer. A nil *Registry hands out no-op
// metrics, so callers never need to check whether metrics are enabled.
type Registry struct {
	reg    *prometheus.Registry
	labels prometheus.Labels
}

// NewRegistry returns a registry whose metrics carry the tailer name label
func NewRegistry(tailerName string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Registry{
		reg:    reg,
		labels: prometheus.Labels{"tailer": tailerName},
	}
}

func (r *Registry) NewCounter(name, help string) Counter {
	if r == nil {
		return NoopStat{}
	}
	ret := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: r.labels,
	})
	r.reg.MustRegister(ret)
	return ret
}

func (r *Registry) NewGauge(name, help string) Gauge {
	if r == nil {
		return NoopStat{}
	}
	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: r.labels,
	})
	r.reg.MustRegister(ret)
	return ret
}

func (r *Registry) NewCounterVec(name, help string, labels []string) CounterVec {
	if r == nil {
		return noopCounterVec{}
	}
	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: r.labels,
	}, labels)
	r.reg.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

// Gatherer exposes the underlying registry, nil when disabled
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler returns the HTTP handler for the metrics endpoint, nil when disabled
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return nil
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve exposes /metrics on address until ctx is done
func (r *Registry) Serve(ctx context.Context, address string, logger *zap.Logger) error {
	if r == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
