package tracing

type ExporterConfig struct {
	Stderr *struct{} `yaml:"stderr"`
	Nop    *struct{} `yaml:"nop"`
}

// Config lists span exporters. No exporters means spans are dropped.
type Config struct {
	Exporters []ExporterConfig `yaml:"exporters"`
}
