package xmetrics

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yandex/tracemux/pkg/xlog"
)

type Labels = map[string]string

type Counter interface {
	Inc()
	Add(delta int64)
}

type IntGauge interface {
	Set(value int64)
	Add(delta int64)
}

type Registry interface {
	WithTags(tags Labels) Registry
	WithPrefix(prefix string) Registry

	Counter(name string) Counter
	IntGauge(name string) IntGauge

	HTTPHandler(ctx context.Context, logger xlog.Logger) http.Handler
	Gather() (map[string]float64, error)
}

////////////////////////////////////////////////////////////////////////////////

// All views share one store so that the same (name, tags) pair always
// resolves to the same collector.
type store struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	collectors map[string]prometheus.Collector
}

type registry struct {
	store  *store
	prefix string
	tags   Labels
}

var _ Registry = (*registry)(nil)

func NewRegistry() Registry {
	return &registry{
		store: &store{
			registry:   prometheus.NewRegistry(),
			collectors: make(map[string]prometheus.Collector),
		},
		tags: Labels{},
	}
}

func (r *registry) WithTags(tags Labels) Registry {
	merged := make(Labels, len(r.tags)+len(tags))
	for k, v := range r.tags {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return &registry{store: r.store, prefix: r.prefix, tags: merged}
}

func (r *registry) WithPrefix(prefix string) Registry {
	name := prefix
	if r.prefix != "" {
		name = r.prefix + "." + prefix
	}
	return &registry{store: r.store, prefix: name, tags: r.tags}
}

func (r *registry) Counter(name string) Counter {
	fullName := r.fullName(name)
	c := r.store.getOrRegister(collectorKey(fullName, r.tags), func() prometheus.Collector {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name:        sanitizePrometheusMetricName(fullName),
			ConstLabels: prometheus.Labels(r.tags),
		})
	})
	return counter{c.(prometheus.Counter)}
}

func (r *registry) IntGauge(name string) IntGauge {
	fullName := r.fullName(name)
	g := r.store.getOrRegister(collectorKey(fullName, r.tags), func() prometheus.Collector {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        sanitizePrometheusMetricName(fullName),
			ConstLabels: prometheus.Labels(r.tags),
		})
	})
	return gauge{g.(prometheus.Gauge)}
}

func (r *registry) HTTPHandler(ctx context.Context, logger xlog.Logger) http.Handler {
	return promhttp.HandlerFor(r.store.registry, promhttp.HandlerOpts{
		ErrorLog: promErrorLogger{ctx: ctx, logger: logger},
	})
}

// Gather flattens the registry into "name{k=v,...}" -> value.
func (r *registry) Gather() (map[string]float64, error) {
	families, err := r.store.registry.Gather()
	if err != nil {
		return nil, err
	}

	res := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			tags := Labels{}
			for _, pair := range m.GetLabel() {
				tags[pair.GetName()] = pair.GetValue()
			}
			key := collectorKey(family.GetName(), tags)
			switch {
			case m.GetCounter() != nil:
				res[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				res[key] = m.GetGauge().GetValue()
			}
		}
	}
	return res, nil
}

func (r *registry) fullName(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "." + name
}

func (s *store) getOrRegister(key string, create func() prometheus.Collector) prometheus.Collector {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collectors[key]; ok {
		return c
	}

	c := create()
	s.registry.MustRegister(c)
	s.collectors[key] = c
	return c
}

////////////////////////////////////////////////////////////////////////////////

type counter struct {
	c prometheus.Counter
}

func (c counter) Inc() {
	c.c.Inc()
}

func (c counter) Add(delta int64) {
	c.c.Add(float64(delta))
}

type gauge struct {
	g prometheus.Gauge
}

func (g gauge) Set(value int64) {
	g.g.Set(float64(value))
}

func (g gauge) Add(delta int64) {
	g.g.Add(float64(delta))
}

type promErrorLogger struct {
	ctx    context.Context
	logger xlog.Logger
}

func (l promErrorLogger) Println(v ...any) {
	l.logger.Warn(l.ctx, "Failed to serve metrics", zap.Any("error", v))
}

////////////////////////////////////////////////////////////////////////////////

// See https://prometheus.io/docs/concepts/data_model/#metric-names-and-labels
var prometheusMetricSanitizer = strings.NewReplacer(
	".", "_",
	"-", "_",
)

func sanitizePrometheusMetricName(name string) string {
	return prometheusMetricSanitizer.Replace(name)
}

func collectorKey(name string, tags Labels) string {
	name = sanitizePrometheusMetricName(name)
	if len(tags) == 0 {
		return name
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
