package transfer

import (
	"fmt"
	"strings"

	"github.com/fxnlabs/gpucopy/internal/gpu"
)

// DefaultElements is the length of the buffers of the default plan.
const DefaultElements = 64

// Plan holds the initial contents of both buffers.
type Plan struct {
	Source      []int32
	Destination []int32
}

// DefaultPlan copies 0..63 over 64 zeros.
func DefaultPlan() Plan {
	return NewPlan(DefaultElements, DefaultElements)
}

// NewPlan returns an ascending source of n elements and a zeroed destination
// of m elements.
func NewPlan(n, m int) Plan {
	src := make([]int32, n)
	for i := range src {
		src[i] = int32(i)
	}
	return Plan{Source: src, Destination: make([]int32, m)}
}

// UsagePolicy decides which usages the buffers are created with.
type UsagePolicy int

const (
	// UsageAll allows every usage on both buffers.
	UsageAll UsagePolicy = iota
	// UsageTransfer restricts the source to transfer_src and the
	// destination to transfer_dst.
	UsageTransfer
)

func (p UsagePolicy) String() string {
	switch p {
	case UsageAll:
		return "all"
	case UsageTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

func ParseUsagePolicy(s string) (UsagePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return UsageAll, nil
	case "transfer", "strict":
		return UsageTransfer, nil
	}
	return UsageAll, fmt.Errorf("transfer: unknown usage policy %q", s)
}

func (p UsagePolicy) usages() (src, dst gpu.BufferUsage) {
	if p == UsageTransfer {
		return gpu.BufferUsageTransferSrc, gpu.BufferUsageTransferDst
	}
	return gpu.BufferUsageAll, gpu.BufferUsageAll
}
