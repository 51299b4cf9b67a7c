package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/gpucopy/internal/gpu"
	"github.com/fxnlabs/gpucopy/internal/transfer"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Transfer struct {
		Backend     string        `yaml:"backend"`
		WaitTimeout time.Duration `yaml:"waitTimeout"`
		Usage       string        `yaml:"usage"`
		Validation  bool          `yaml:"validation"`
	} `yaml:"transfer"`
	WGPU struct {
		ForceFallbackAdapter bool `yaml:"forceFallbackAdapter"`
	} `yaml:"wgpu"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
	Software SoftwareConfig `yaml:"software"`
}

type SoftwareConfig struct {
	Devices     []SoftwareDevice `yaml:"devices"`
	MemoryBytes int64            `yaml:"memoryBytes"`
	Latency     time.Duration    `yaml:"latency"`
	LoseDevice  bool             `yaml:"loseDevice"`
}

type SoftwareDevice struct {
	Name          string        `yaml:"name"`
	QueueFamilies []QueueFamily `yaml:"queueFamilies"`
}

type QueueFamily struct {
	// Flags is a "|" separated list of graphics, compute and transfer.
	Flags  string `yaml:"flags"`
	Queues int    `yaml:"queues"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Logger.Verbosity = "info"
	cfg.Logger.Encoding = "json"
	cfg.Transfer.Backend = gpu.KindAuto.String()
	cfg.Transfer.Usage = transfer.UsageAll.String()
	return cfg
}

// LoadConfig reads path over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := gpu.ParseKind(c.Transfer.Backend); err != nil {
		errs = append(errs, err)
	}
	if _, err := transfer.ParseUsagePolicy(c.Transfer.Usage); err != nil {
		errs = append(errs, err)
	}
	switch c.Logger.Encoding {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("config: unknown logger encoding %q", c.Logger.Encoding))
	}
	if c.Transfer.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: transfer.waitTimeout must not be negative"))
	}
	if c.Software.MemoryBytes < 0 {
		errs = append(errs, fmt.Errorf("config: software.memoryBytes must not be negative"))
	}
	if c.Software.Latency < 0 {
		errs = append(errs, fmt.Errorf("config: software.latency must not be negative"))
	}
	if _, err := c.Software.Options(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Backend returns the parsed transfer.backend.
func (c *Config) Backend() (gpu.Kind, error) {
	return gpu.ParseKind(c.Transfer.Backend)
}

// UsagePolicy returns the parsed transfer.usage.
func (c *Config) UsagePolicy() (transfer.UsagePolicy, error) {
	return transfer.ParseUsagePolicy(c.Transfer.Usage)
}

// Options converts the software section for gpu.NewSoftwarePlatform.
func (s SoftwareConfig) Options() (gpu.SoftwareOptions, error) {
	opts := gpu.SoftwareOptions{
		MemoryBytes: s.MemoryBytes,
		Latency:     s.Latency,
		LoseDevice:  s.LoseDevice,
	}
	for i, d := range s.Devices {
		dev := gpu.SoftwareDevice{Name: d.Name}
		if dev.Name == "" {
			dev.Name = fmt.Sprintf("Software Device %d", i)
		}
		for j, f := range d.QueueFamilies {
			flags, err := gpu.ParseQueueFlags(f.Flags)
			if err != nil {
				return opts, fmt.Errorf("config: software.devices[%d].queueFamilies[%d]: %w", i, j, err)
			}
			if f.Queues < 0 {
				return opts, fmt.Errorf("config: software.devices[%d].queueFamilies[%d]: negative queue count", i, j)
			}
			dev.Families = append(dev.Families, gpu.QueueFamily{Flags: flags, QueueCount: f.Queues})
		}
		opts.Devices = append(opts.Devices, dev)
	}
	return opts, nil
}
