//go:build !vulkan
// +build !vulkan

package gpu

import "fmt"

// newVulkanPlatform reports the vulkan backend as unavailable when the
// binary was built without the vulkan tag.
func newVulkanPlatform(opts Options) (Platform, error) {
	return nil, fmt.Errorf("%w: built without the vulkan tag", ErrBackendUnavailable)
}
