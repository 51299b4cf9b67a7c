package gpu

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrCommandListBuilt     = errors.New("gpu: command list already built")
	ErrCommandListSubmitted = errors.New("gpu: command list already submitted")
	ErrCommandListNotBuilt  = errors.New("gpu: command list not built")
	ErrEmptyCommandList     = errors.New("gpu: command list records no command")
	ErrLengthMismatch       = errors.New("gpu: source and destination lengths differ")
)

// CommandListState tags the lifecycle of a command list.
type CommandListState int

const (
	StateRecording CommandListState = iota
	StateBuilt
	StateSubmitted
)

func (s CommandListState) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateBuilt:
		return "built"
	case StateSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CommandUsage describes how often a command list may be submitted.
type CommandUsage int

const (
	// OneTimeSubmit lists are submitted once and then discarded.
	OneTimeSubmit CommandUsage = iota
)

// CopyBufferOp copies the whole of Src into Dst.
type CopyBufferOp struct {
	Src Buffer
	Dst Buffer
}

// CommandListBuilder records commands for a single command list. Once Build
// has been called no further command may be appended.
type CommandListBuilder struct {
	mu     sync.Mutex
	device LogicalDevice
	family *QueueFamily
	usage  CommandUsage
	ops    []CopyBufferOp
	built  bool
}

// NewCommandListBuilder opens a primary command list bound to device and
// family.
func NewCommandListBuilder(device LogicalDevice, family *QueueFamily, usage CommandUsage) (*CommandListBuilder, error) {
	if device == nil {
		return nil, fmt.Errorf("gpu: command list requires a device")
	}
	if family == nil {
		return nil, fmt.Errorf("gpu: command list requires a queue family")
	}
	if usage != OneTimeSubmit {
		return nil, fmt.Errorf("gpu: unsupported command list usage %d", usage)
	}
	return &CommandListBuilder{device: device, family: family, usage: usage}, nil
}

// CopyBuffer appends a copy of the whole of src into dst. Both buffers must
// hold the same number of elements and allow the transfer.
func (b *CommandListBuilder) CopyBuffer(src, dst Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return ErrCommandListBuilt
	}
	if src == nil || dst == nil {
		return fmt.Errorf("gpu: copy requires both a source and a destination buffer")
	}
	if src.Len() != dst.Len() {
		return fmt.Errorf("%w: %s has %d elements, %s has %d",
			ErrLengthMismatch, src.Label(), src.Len(), dst.Label(), dst.Len())
	}
	if !src.Usage().Contains(BufferUsageTransferSrc) {
		return fmt.Errorf("%w: %s lacks transfer_src (usage %s)", ErrUsageMismatch, src.Label(), src.Usage())
	}
	if !dst.Usage().Contains(BufferUsageTransferDst) {
		return fmt.Errorf("%w: %s lacks transfer_dst (usage %s)", ErrUsageMismatch, dst.Label(), dst.Usage())
	}
	b.ops = append(b.ops, CopyBufferOp{Src: src, Dst: dst})
	return nil
}

// Build finalizes the list.
func (b *CommandListBuilder) Build() (*CommandList, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return nil, ErrCommandListBuilt
	}
	if len(b.ops) == 0 {
		return nil, ErrEmptyCommandList
	}
	b.built = true
	ops := make([]CopyBufferOp, len(b.ops))
	copy(ops, b.ops)
	return &CommandList{
		device: b.device,
		family: b.family,
		usage:  b.usage,
		ops:    ops,
		state:  StateBuilt,
	}, nil
}

// CommandList is an immutable recorded sequence of device operations.
type CommandList struct {
	mu     sync.Mutex
	device LogicalDevice
	family *QueueFamily
	usage  CommandUsage
	ops    []CopyBufferOp
	state  CommandListState
}

func (c *CommandList) Device() LogicalDevice { return c.device }

func (c *CommandList) Family() *QueueFamily { return c.family }

// Ops returns the recorded operations in recording order.
func (c *CommandList) Ops() []CopyBufferOp {
	ops := make([]CopyBufferOp, len(c.ops))
	copy(ops, c.ops)
	return ops
}

func (c *CommandList) State() CommandListState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkSubmitted moves a built list to the submitted state. Backends call it
// in Queue.Submit once the ops have been validated and before anything
// reaches the device, so a list reaches a queue at most once and a rejected
// submission leaves it built.
func (c *CommandList) MarkSubmitted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateBuilt:
		c.state = StateSubmitted
		return nil
	case StateSubmitted:
		return ErrCommandListSubmitted
	default:
		return ErrCommandListNotBuilt
	}
}
