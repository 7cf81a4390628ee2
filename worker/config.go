package worker

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/blockflow/blockflow"
	"github.com/janelia-flyem/blockflow/inference"
	"github.com/janelia-flyem/blockflow/pipeline"
	"github.com/janelia-flyem/blockflow/storage"
	"github.com/janelia-flyem/blockflow/tiling"
)

// ConfigurationError marks an invalid configuration, detected before any
// store or queue I/O happens.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// VolumeConfig locates one scale of a chunked volume.
type VolumeConfig struct {
	URL         string `toml:"url"`
	Scale       string `toml:"scale"`
	FillMissing bool   `toml:"fill_missing"`
	CacheSize   int    `toml:"cache_size"`
}

// MaskConfig locates the coarse output mask volume.
type MaskConfig struct {
	VolumeConfig
	Factor int32 `toml:"factor"`
}

// InferenceConfig selects the patch engine and the tiling geometry.
// Coordinate triples are in (z, y, x) order.
type InferenceConfig struct {
	Framework string            `toml:"framework"`
	Channels  int               `toml:"channels"`
	Address   string            `toml:"address"`
	Patch     blockflow.Point3d `toml:"patch"`
	Overlap   blockflow.Point3d `toml:"overlap"`
	Margin    blockflow.Point3d `toml:"margin"`
	Workers   int               `toml:"workers"`
}

// SectionsConfig lists known-bad image sections by global depth.
type SectionsConfig struct {
	Missing []int32 `toml:"missing"`
}

// ValidationConfig sets how many halvings separate the image from the
// validation reference.  Zero steps disables reference validation.
type ValidationConfig struct {
	Steps int `toml:"steps"`
}

// QueueConfig locates the task queue.
type QueueConfig struct {
	Subscription string `toml:"subscription"`
	Topic        string `toml:"topic"`
	WaitSecs     int    `toml:"wait_secs"`
}

// Wait returns the configured empty-queue wait interval.
func (qc QueueConfig) Wait() time.Duration {
	return time.Duration(qc.WaitSecs) * time.Second
}

// Config is the full worker configuration, loaded from one TOML file.
type Config struct {
	Image      VolumeConfig        `toml:"image"`
	Reference  VolumeConfig        `toml:"reference"`
	Output     VolumeConfig        `toml:"output"`
	Mask       MaskConfig          `toml:"mask"`
	Inference  InferenceConfig     `toml:"inference"`
	Sections   SectionsConfig      `toml:"sections"`
	Validation ValidationConfig    `toml:"validation"`
	Queue      QueueConfig         `toml:"queue"`
	Kafka      storage.KafkaConfig `toml:"kafka"`
	Logging    blockflow.LogConfig `toml:"logging"`
}

// LoadConfig reads and validates a worker configuration from a TOML file.
func LoadConfig(filename string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, fmt.Errorf("can't read config file %q: %v", filename, err)
	}
	if c.Logging.Logfile != "" && !filepath.IsAbs(c.Logging.Logfile) {
		c.Logging.Logfile = filepath.Join(filepath.Dir(filename), c.Logging.Logfile)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration surface before any I/O.
func (c *Config) Validate() error {
	if c.Image.URL == "" {
		return configErrorf("[image] needs a url")
	}
	if c.Output.URL == "" {
		return configErrorf("[output] needs a url")
	}
	if err := tiling.CheckSpec(c.Inference.Patch, c.Inference.Overlap); err != nil {
		return &ConfigurationError{Msg: err.Error()}
	}
	if c.Inference.Framework == "" {
		return configErrorf("[inference] needs a framework, one of %v", inference.Frameworks())
	}
	if c.Inference.Channels < 1 {
		return configErrorf("[inference] needs at least 1 output channel, got %d", c.Inference.Channels)
	}
	for _, m := range c.Inference.Margin {
		if m < 0 {
			return configErrorf("[inference] margin %s must be non-negative", c.Inference.Margin)
		}
	}
	if c.Mask.URL != "" && c.Mask.Factor < 1 {
		return configErrorf("[mask] needs a positive factor, got %d", c.Mask.Factor)
	}
	if c.Mask.URL == "" && c.Mask.Factor != 0 {
		return configErrorf("[mask] factor set without a mask url")
	}
	if c.Validation.Steps < 0 {
		return configErrorf("[validation] steps %d must be non-negative", c.Validation.Steps)
	}
	if c.Validation.Steps > 0 && c.Reference.URL == "" {
		return configErrorf("[validation] steps set without a [reference] url")
	}
	for i := 1; i < len(c.Sections.Missing); i++ {
		if c.Sections.Missing[i] < c.Sections.Missing[i-1] {
			return configErrorf("[sections] missing ids %v must be sorted ascending", c.Sections.Missing)
		}
	}
	return nil
}

// Params converts the configuration into pipeline parameters.
func (c *Config) Params() pipeline.Params {
	p := pipeline.Params{
		Patch:           c.Inference.Patch,
		Overlap:         c.Inference.Overlap,
		Margin:          c.Inference.Margin,
		ValidateSteps:   c.Validation.Steps,
		MissingSections: c.Sections.Missing,
		Workers:         c.Inference.Workers,
	}
	if c.Mask.URL != "" {
		p.MaskScale = c.Mask.Factor
	}
	return p
}
