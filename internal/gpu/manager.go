package gpu

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Kind names a platform backend.
type Kind int

const (
	KindAuto Kind = iota
	KindSoftware
	KindWGPU
	KindVulkan
)

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindSoftware:
		return "software"
	case KindWGPU:
		return "wgpu"
	case KindVulkan:
		return "vulkan"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind parses a backend name as written in the config file or on the
// command line. The empty string means auto.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "software", "cpu":
		return KindSoftware, nil
	case "wgpu", "webgpu":
		return KindWGPU, nil
	case "vulkan", "vk":
		return KindVulkan, nil
	}
	return KindAuto, fmt.Errorf("gpu: unknown backend %q", s)
}

// Options configures Open.
type Options struct {
	Logger *zap.Logger

	// AppName is reported to the driver where the API has a slot for it.
	AppName string

	// EnableValidation turns on API validation layers (vulkan only).
	EnableValidation bool

	// ForceFallbackAdapter asks wgpu for its software adapter.
	ForceFallbackAdapter bool

	Software SoftwareOptions
}

// Open binds the process to the platform of the given kind. KindAuto tries
// vulkan, then wgpu, and falls back to the software platform; a hardware
// platform is only kept when it reports at least one physical device.
func Open(kind Kind, opts Options) (Platform, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AppName == "" {
		opts.AppName = "gpucopy"
	}
	logger := opts.Logger.Named("gpu")
	opts.Logger = logger

	switch kind {
	case KindSoftware:
		return NewSoftwarePlatform(logger, opts.Software), nil
	case KindWGPU:
		return NewWGPUPlatform(opts)
	case KindVulkan:
		return newVulkanPlatform(opts)
	case KindAuto:
		return openAuto(opts)
	}
	return nil, fmt.Errorf("gpu: unknown backend %s", kind)
}

func openAuto(opts Options) (Platform, error) {
	logger := opts.Logger
	candidates := []struct {
		kind Kind
		open func(Options) (Platform, error)
	}{
		{KindVulkan, newVulkanPlatform},
		{KindWGPU, func(o Options) (Platform, error) { return NewWGPUPlatform(o) }},
	}
	for _, c := range candidates {
		p, err := c.open(opts)
		if err != nil {
			if errors.Is(err, ErrBackendUnavailable) {
				logger.Debug("backend not available", zap.Stringer("backend", c.kind), zap.Error(err))
			} else {
				logger.Warn("backend failed to initialize", zap.Stringer("backend", c.kind), zap.Error(err))
			}
			continue
		}
		devices, err := p.PhysicalDevices()
		if err != nil || len(devices) == 0 {
			logger.Info("backend reports no device", zap.Stringer("backend", c.kind), zap.Error(err))
			_ = p.Destroy()
			continue
		}
		logger.Info("using GPU backend", zap.Stringer("backend", c.kind), zap.Int("devices", len(devices)))
		return p, nil
	}

	logger.Info("using software backend (no GPU available)")
	return NewSoftwarePlatform(logger, opts.Software), nil
}
