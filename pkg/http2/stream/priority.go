package stream

import (
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec"
)

const (
	// DefaultWeight is the effective weight assigned to a stream that never
	// carried a priority block.
	DefaultWeight = 16
	// MaxWeight is the largest effective weight; the wire carries weight-1.
	MaxWeight = 256
)

// Priority locates a stream in the connection's dependency forest.
type Priority struct {
	// StreamDep is the stream this one depends on; zero is the connection
	// root.
	StreamDep uint32
	// Exclusive is whether this stream is the sole child of its dependency.
	Exclusive bool
	// Weight is the effective weight, between 1 and 256.
	Weight uint16
}

// DefaultPriority is the priority of a stream without an explicit dependency:
// a non-exclusive child of the connection root with the default weight.
func DefaultPriority() Priority {
	return Priority{Weight: DefaultWeight}
}

// PriorityFromParam converts a wire-format priority block to an effective
// priority record.
func PriorityFromParam(p codec.PriorityParam) Priority {
	return Priority{
		StreamDep: p.StreamDep,
		Exclusive: p.Exclusive,
		Weight:    uint16(p.Weight) + 1,
	}
}

// Param converts p back to its wire representation.
func (p Priority) Param() codec.PriorityParam {
	weight := p.Weight
	if weight == 0 {
		weight = DefaultWeight
	}
	return codec.PriorityParam{
		StreamDep: p.StreamDep,
		Exclusive: p.Exclusive,
		Weight:    uint8(weight - 1),
	}
}
