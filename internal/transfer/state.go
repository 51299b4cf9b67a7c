package transfer

import "fmt"

// State is how far a run got. States only ever move forward.
type State int

const (
	StateUninitialized State = iota
	StatePlatformBound
	StateDeviceSelected
	StateBuffersAllocated
	StateCommandRecorded
	StateSubmitted
	StateSignaled
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StatePlatformBound:
		return "PlatformBound"
	case StateDeviceSelected:
		return "DeviceSelected"
	case StateBuffersAllocated:
		return "BuffersAllocated"
	case StateCommandRecorded:
		return "CommandRecorded"
	case StateSubmitted:
		return "Submitted"
	case StateSignaled:
		return "Signaled"
	case StateVerified:
		return "Verified"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// advance moves s to next, which must be the state right after s.
func (s *State) advance(next State) {
	if next != *s+1 {
		panic(fmt.Sprintf("transfer: illegal transition %s -> %s", *s, next))
	}
	*s = next
}
