package stream

import (
	"github.com/pkg/errors"
)

const (
	// MaxWindowSize is the largest credit a flow-control window may hold.
	MaxWindowSize = 1<<31 - 1

	// minWindowSize is the lowest value flow-control arithmetic may reach.
	// A window is driven negative when SETTINGS_INITIAL_WINDOW_SIZE shrinks
	// after frames were charged; below this bound the peer is cheating.
	minWindowSize = -(1 << 31)
)

// Window is a signed flow-control credit counter. It is not self-locking;
// callers serialize access, the owning Stream through its own mutex and the
// connection through its window mutex.
type Window struct {
	capacity  int32
	available int32
}

// NewWindow creates a window with n octets of capacity and credit.
func NewWindow(n int32) *Window {
	return &Window{capacity: n, available: n}
}

// Consume subtracts n octets of credit. The result may legally go negative,
// leaving the window exhausted; it fails only when the result would fall
// below the protocol minimum.
func (w *Window) Consume(n int32) error {
	next := int64(w.available) - int64(n)
	if next < minWindowSize {
		return errors.Wrapf(ErrFlowControl, "consume %d octets from window of %d", n, w.available)
	}
	w.available = int32(next)
	return nil
}

// Expand adds n octets of credit. The window is unchanged when the result
// would exceed the protocol maximum.
func (w *Window) Expand(n int32) error {
	next := int64(w.available) + int64(n)
	if next > MaxWindowSize {
		return errors.Wrapf(ErrFlowControl, "expand window of %d by %d octets", w.available, n)
	}
	w.available = int32(next)
	return nil
}

// SetCapacity retargets the window to a new initial size, retroactively
// adjusting the available credit by the difference.
func (w *Window) SetCapacity(n int32) error {
	delta := int64(n) - int64(w.capacity)
	next := int64(w.available) + delta
	if next > MaxWindowSize || next < minWindowSize {
		return errors.Wrapf(ErrFlowControl, "retarget window capacity from %d to %d", w.capacity, n)
	}
	w.capacity = n
	w.available = int32(next)
	return nil
}

// Available returns the current credit.
func (w *Window) Available() int32 {
	return w.available
}

// Capacity returns the last-set initial size.
func (w *Window) Capacity() int32 {
	return w.capacity
}

// Limited reports whether some credit has been consumed and not refilled.
func (w *Window) Limited() bool {
	return w.available < w.capacity
}

// Exhausted reports whether the window admits no further frames until
// refilled.
func (w *Window) Exhausted() bool {
	return w.available <= 0
}
