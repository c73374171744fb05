package config

import (
	"time"

	"github.com/yandex/tracemux/agent/collector/pkg/forwarder"
	"github.com/yandex/tracemux/agent/collector/pkg/retaddr"
	"github.com/yandex/tracemux/pkg/linux/procfs"
	"github.com/yandex/tracemux/pkg/tracing"
)

type TracerConfig struct {
	// Name of the mapping function exit instrumentation returns through.
	// "[uprobes]" by default.
	TrampolineMapping *string `yaml:"trampoline_mapping"`

	// Panic on broken entry/exit pairing and unresolvable interning keys.
	// Follows Config.Debug unless set explicitly.
	Strict *bool `yaml:"strict"`
}

type Config struct {
	Debug bool `yaml:"debug"`

	Tracer    TracerConfig           `yaml:"tracer"`
	Forwarder forwarder.Config       `yaml:"forwarder"`
	MapsCache procfs.MapsCacheConfig `yaml:"maps_cache"`
	Tracing   *tracing.Config        `yaml:"tracing"`
}

func defaultValue[T comparable](ptr *T, value T) {
	var zero T
	if *ptr == zero {
		*ptr = value
	}
}

func defaultPointer[T any](ptr **T, value T) {
	if *ptr == nil {
		*ptr = &value
	}
}

func (c *Config) FillDefault() {
	defaultPointer(&c.Tracer.TrampolineMapping, retaddr.DefaultTrampolineMapping)
	defaultPointer(&c.Tracer.Strict, c.Debug)

	defaultValue(&c.Forwarder.QueueCapacity, forwarder.DefaultQueueCapacity)
	defaultValue(&c.Forwarder.MaxBatch, forwarder.DefaultMaxBatch)

	defaultValue(&c.MapsCache.TTL, time.Second)
	defaultValue(&c.MapsCache.MaxSize, 1024)
}
