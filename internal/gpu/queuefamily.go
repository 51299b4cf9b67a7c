package gpu

import (
	"fmt"
	"strings"
)

// QueueFlags are the operation categories supported by a queue family.
type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

func (f QueueFlags) Has(o QueueFlags) bool {
	return f&o == o
}

func (f QueueFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f.Has(QueueGraphics) {
		parts = append(parts, "graphics")
	}
	if f.Has(QueueCompute) {
		parts = append(parts, "compute")
	}
	if f.Has(QueueTransfer) {
		parts = append(parts, "transfer")
	}
	return strings.Join(parts, "|")
}

// QueueFamily is a group of queues sharing one set of capabilities.
type QueueFamily struct {
	Index      int
	Flags      QueueFlags
	QueueCount int
}

func (q *QueueFamily) IsGraphics() bool {
	return q.Flags.Has(QueueGraphics)
}

func (q *QueueFamily) IsCompute() bool {
	return q.Flags.Has(QueueCompute)
}

func (q *QueueFamily) IsTransfer() bool {
	return q.Flags.Has(QueueTransfer)
}

func (q *QueueFamily) String() string {
	return fmt.Sprintf("{ Index: %d Compute: %v Graphics: %v Transfer: %v Queues: %d }",
		q.Index, q.IsCompute(), q.IsGraphics(), q.IsTransfer(), q.QueueCount)
}

type QueueFamilySlice []*QueueFamily

func (ql QueueFamilySlice) Filter(f func(q *QueueFamily) bool) QueueFamilySlice {
	ret := make(QueueFamilySlice, 0)
	for _, q := range ql {
		if f(q) {
			ret = append(ret, q)
		}
	}
	return ret
}

func (ql QueueFamilySlice) FilterCompute() QueueFamilySlice {
	return ql.Filter(func(q *QueueFamily) bool {
		return q.IsCompute()
	})
}

func (ql QueueFamilySlice) FilterGraphicsAndCompute() QueueFamilySlice {
	return ql.Filter(func(q *QueueFamily) bool {
		return q.IsGraphics() && q.IsCompute()
	})
}

// First returns the family with the lowest position in the slice.
func (ql QueueFamilySlice) First() (*QueueFamily, bool) {
	if len(ql) == 0 {
		return nil, false
	}
	return ql[0], true
}

// ParseQueueFlags parses a "|" or "," separated list such as
// "graphics|compute".
func ParseQueueFlags(s string) (QueueFlags, error) {
	var out QueueFlags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "graphics":
			out |= QueueGraphics
		case "compute":
			out |= QueueCompute
		case "transfer":
			out |= QueueTransfer
		case "", "none":
		default:
			return 0, fmt.Errorf("gpu: unknown queue capability %q", part)
		}
	}
	return out, nil
}
