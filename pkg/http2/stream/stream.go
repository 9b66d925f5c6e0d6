// Package stream implements the HTTP/2 stream layer: the per-stream state
// machine of RFC 7540 section 5.1, per-stream flow-control windows, the
// priority dependency forest, and push-promise reservation. The surrounding
// connection drives receive entry points from its frame dispatch loop and
// provides the capabilities in the Connection interface.
package stream

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
)

// Stream is a single bidirectional frame sequence multiplexed on a
// connection. All methods are safe for concurrent use; each operation is
// atomic with respect to any other operation on the same stream.
type Stream struct {
	mu sync.Mutex

	conn Connection
	id   uint32

	state State

	// localWindow is the credit the peer may still send us; remoteWindow is
	// the credit we may still send the peer.
	localWindow  *Window
	remoteWindow *Window

	priority Priority

	// headers and data are the most recently received header field list and
	// DATA payload, the application's read surface.
	headers []hpack.HeaderField
	data    []byte

	closeErr    error
	closeHook   func(id uint32, err error)
	closeHooked bool

	lg *zap.Logger
}

// New creates a stream in the idle state. Its windows are seeded from the
// connection's negotiated initial window sizes.
func New(conn Connection, id uint32, logger *zap.Logger) *Stream {
	return &Stream{
		conn:         conn,
		id:           id,
		state:        StateIdle,
		localWindow:  NewWindow(int32(conn.LocalInitialWindowSize())),
		remoteWindow: NewWindow(int32(conn.RemoteInitialWindowSize())),
		priority:     DefaultPriority(),
		lg:           logger.With(zap.Uint32("stream-id", id)),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the stream is neither idle nor closed.
func (s *Stream) Active() bool {
	return s.State().Active()
}

// Headers returns the most recently received header field list.
func (s *Stream) Headers() []hpack.HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

// Data returns the most recently received DATA payload.
func (s *Stream) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// LocalWindow returns the receive-side flow-control window.
func (s *Stream) LocalWindow() *Window {
	return s.localWindow
}

// RemoteWindow returns the send-side flow-control window.
func (s *Stream) RemoteWindow() *Window {
	return s.remoteWindow
}

// CloseError returns the error the stream was closed with, non-nil only when
// closure was caused by a reset.
func (s *Stream) CloseError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// OnClose registers the hook invoked exactly once when the stream reaches the
// closed state. The connection uses it to reap the stream from its registry.
func (s *Stream) OnClose(fn func(id uint32, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHook = fn
}

// nextState resolves the transition for ev in the current state. It performs
// no side effects; illegal combinations fail with ErrProtocol, the closed
// state included.
func (s *Stream) nextState(ev event, endStream bool) (State, error) {
	illegal := func() (State, error) {
		return s.state, errors.Wrapf(ErrProtocol, "%s in state %s", ev, s.state)
	}

	switch s.state {
	case StateIdle:
		switch ev {
		case evSendHeaders:
			if endStream {
				return StateHalfClosedLocal, nil
			}
			return StateOpen, nil
		case evRecvHeaders:
			if endStream {
				return StateHalfClosedRemote, nil
			}
			return StateOpen, nil
		case evReserveLocal:
			return StateReservedLocal, nil
		case evReserveRemote:
			return StateReservedRemote, nil
		}
	case StateReservedLocal:
		if ev == evSendHeaders {
			if endStream {
				return StateClosed, nil
			}
			return StateHalfClosedRemote, nil
		}
	case StateReservedRemote:
		if ev == evRecvHeaders {
			if endStream {
				return StateClosed, nil
			}
			return StateHalfClosedLocal, nil
		}
	case StateOpen:
		switch ev {
		case evSendHeaders, evSendData:
			if endStream {
				return StateHalfClosedLocal, nil
			}
			return StateOpen, nil
		case evRecvHeaders, evRecvData:
			if endStream {
				return StateHalfClosedRemote, nil
			}
			return StateOpen, nil
		}
	case StateHalfClosedLocal:
		switch ev {
		case evSendHeaders:
			// Trailers toward the peer do not change state.
			return StateHalfClosedLocal, nil
		case evRecvHeaders, evRecvData:
			if endStream {
				return StateClosed, nil
			}
			return StateHalfClosedLocal, nil
		}
	case StateHalfClosedRemote:
		switch ev {
		case evSendHeaders, evSendData:
			if endStream {
				return StateClosed, nil
			}
			return StateHalfClosedRemote, nil
		}
	case StateClosed:
		// Absorbing.
	}
	return illegal()
}

// setStateLocked applies a resolved transition. Entering the closed state
// runs the close hook.
func (s *Stream) setStateLocked(next State, closeErr error) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	if s.lg.Core().Enabled(zap.DebugLevel) {
		s.lg.Debug("stream state transition",
			zap.Stringer("from", prev), zap.Stringer("to", next))
	}
	if next == StateClosed {
		s.closeLocked(closeErr)
	}
}

// closeLocked finishes the stream. It is idempotent: re-closing neither
// changes state nor re-fires the hook.
func (s *Stream) closeLocked(err error) {
	s.state = StateClosed
	if s.closeHooked {
		return
	}
	s.closeHooked = true
	s.closeErr = err
	if err != nil {
		s.lg.Info("stream closed", zap.Error(err))
	}
	if s.closeHook != nil {
		s.closeHook(s.id, err)
	}
}

// ReserveLocal transitions an idle stream to reserved(local), claiming it for
// an outgoing push promise.
func (s *Stream) ReserveLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.nextState(evReserveLocal, false)
	if err != nil {
		return err
	}
	s.setStateLocked(next, nil)
	return nil
}

// ReserveRemote transitions an idle stream to reserved(remote), recording an
// incoming push promise.
func (s *Stream) ReserveRemote() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.nextState(evReserveRemote, false)
	if err != nil {
		return err
	}
	s.setStateLocked(next, nil)
	return nil
}

// SendHeaders encodes fields through the connection's header compressor and
// emits a HEADERS frame, optionally carrying a priority block. Permitted in
// idle, reserved(local), open, and half-closed(remote); also accepted in
// half-closed(local), where it leaves the state unchanged.
func (s *Stream) SendHeaders(priority *Priority, fields []hpack.HeaderField, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextState(evSendHeaders, endStream)
	if err != nil {
		return err
	}

	block, err := s.conn.EncodeHeaders(fields)
	if err != nil {
		return errors.Wrapf(ErrCompression, "encode headers: %v", err)
	}

	f := &codec.HeadersFrame{
		StreamID:      s.id,
		EndStream:     endStream,
		EndHeaders:    true,
		BlockFragment: block,
	}
	if priority != nil {
		if err := s.setPriorityLocked(*priority); err != nil {
			return err
		}
		f.Priority = priority.Param()
	}
	if err := s.conn.WriteFrame(f); err != nil {
		return err
	}

	s.setStateLocked(next, nil)
	return nil
}

// SendData charges the payload against the stream's and the connection's send
// windows and emits a DATA frame. Permitted in open and half-closed(remote).
// SendData never blocks and never buffers; when a window is exhausted the
// caller must withhold or split before calling.
func (s *Stream) SendData(payload []byte, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextState(evSendData, endStream)
	if err != nil {
		return err
	}

	n := int32(len(payload))
	if err := s.remoteWindow.Consume(n); err != nil {
		return errors.WithMessagef(err, "stream %d send window", s.id)
	}
	if err := s.conn.ConsumeRemoteWindow(n); err != nil {
		return errors.WithMessage(err, "connection send window")
	}

	f := &codec.DataFrame{
		StreamID:  s.id,
		EndStream: endStream,
		Data:      payload,
	}
	if err := s.conn.WriteFrame(f); err != nil {
		return err
	}

	s.setStateLocked(next, nil)
	return nil
}

// SendResetStream emits RST_STREAM with code and closes the stream.
// Permitted in any state except idle and closed.
func (s *Stream) SendResetStream(code errcode.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle || s.state == StateClosed {
		return errors.Wrapf(ErrProtocol, "send RST_STREAM in state %s", s.state)
	}

	f := &codec.RSTStreamFrame{StreamID: s.id, ErrCode: code}
	if err := s.conn.WriteFrame(f); err != nil {
		return err
	}

	s.closeLocked(&ResetError{StreamID: s.id, Code: code})
	return nil
}

// SendPushPromise reserves a new locally-initiated stream, emits PUSH_PROMISE
// on this stream carrying the promised id and the synthesized request fields,
// and returns the promised stream. Permitted in open and half-closed(remote).
func (s *Stream) SendPushPromise(fields []hpack.HeaderField) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen && s.state != StateHalfClosedRemote {
		return nil, errors.Wrapf(ErrProtocol, "send PUSH_PROMISE in state %s", s.state)
	}

	promised, err := s.conn.CreatePushPromiseStream()
	if err != nil {
		return nil, err
	}
	if err := promised.ReserveLocal(); err != nil {
		return nil, err
	}
	// The promised stream depends on the stream the promise was sent on.
	promised.setParent(s.id)

	block, err := s.conn.EncodeHeaders(fields)
	if err != nil {
		return nil, errors.Wrapf(ErrCompression, "encode push promise headers: %v", err)
	}
	f := &codec.PushPromiseFrame{
		StreamID:      s.id,
		EndHeaders:    true,
		PromiseID:     promised.ID(),
		BlockFragment: block,
	}
	if err := s.conn.WriteFrame(f); err != nil {
		return nil, err
	}
	return promised, nil
}

// SendFailure reports a failure to the peer: trailers carrying :status and a
// reason when headers may still be sent, RST_STREAM with PROTOCOL_ERROR
// otherwise.
func (s *Stream) SendFailure(status int, reason string) error {
	switch s.State() {
	case StateIdle, StateReservedLocal, StateOpen, StateHalfClosedRemote:
		fields := []hpack.HeaderField{
			{Name: ":status", Value: strconv.Itoa(status)},
			{Name: "reason", Value: reason},
		}
		return s.SendHeaders(nil, fields, true)
	default:
		return s.SendResetStream(errcode.ProtocolError)
	}
}

// ReceiveHeaders applies an inbound HEADERS frame: priority block if present,
// then the decoded field list, then the state transition. Legal in idle,
// reserved(remote), open, and half-closed(local).
func (s *Stream) ReceiveHeaders(f *codec.HeadersFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextState(evRecvHeaders, f.EndStream)
	if err != nil {
		return err
	}

	if !f.Priority.IsZero() {
		if err := s.setPriorityLocked(PriorityFromParam(f.Priority)); err != nil {
			return err
		}
	}

	fields, err := s.conn.DecodeHeaders(f.BlockFragment)
	if err != nil {
		return errors.Wrapf(ErrCompression, "decode headers: %v", err)
	}
	s.headers = fields

	s.setStateLocked(next, nil)
	return nil
}

// ReceiveData charges the frame's full wire length, padding included, against
// the stream's and the connection's receive windows and stores the unpadded
// payload. Legal in open and half-closed(local).
func (s *Stream) ReceiveData(f *codec.DataFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextState(evRecvData, f.EndStream)
	if err != nil {
		return err
	}

	n := int32(f.WireLength())
	if err := s.localWindow.Consume(n); err != nil {
		return errors.WithMessagef(err, "stream %d receive window", s.id)
	}
	if err := s.conn.ConsumeLocalWindow(n); err != nil {
		return errors.WithMessage(err, "connection receive window")
	}

	// The frame's backing buffer is pooled; the stored payload is ours alone.
	s.data = append([]byte(nil), f.Data...)

	s.setStateLocked(next, nil)
	return nil
}

// ReceivePriority applies an inbound PRIORITY frame. Legal in any state, with
// no state transition.
func (s *Stream) ReceivePriority(f *codec.PriorityFrame) error {
	return s.SetPriority(PriorityFromParam(f.Priority))
}

// ReceiveResetStream closes the stream with the peer's error code. Legal in
// any state except idle and closed.
func (s *Stream) ReceiveResetStream(f *codec.RSTStreamFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle || s.state == StateClosed {
		return errors.Wrapf(ErrProtocol, "receive RST_STREAM in state %s", s.state)
	}

	s.closeLocked(&ResetError{StreamID: s.id, Code: f.ErrCode})
	return nil
}

// ReceivePushPromise registers the promised stream announced by an inbound
// PUSH_PROMISE, reserves it remotely with this stream as its parent, decodes
// the synthesized request headers into it, and returns it. Legal on a stream
// in open or half-closed(local).
func (s *Stream) ReceivePushPromise(f *codec.PushPromiseFrame) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen && s.state != StateHalfClosedLocal {
		return nil, errors.Wrapf(ErrProtocol, "receive PUSH_PROMISE in state %s", s.state)
	}

	promised, err := s.conn.AcceptPushPromiseStream(f.PromiseID)
	if err != nil {
		return nil, err
	}
	if err := promised.ReserveRemote(); err != nil {
		return nil, err
	}
	promised.setParent(s.id)

	fields, err := s.conn.DecodeHeaders(f.BlockFragment)
	if err != nil {
		return nil, errors.Wrapf(ErrCompression, "decode push promise headers: %v", err)
	}
	promised.setHeaders(fields)
	return promised, nil
}

// ExpandRemoteWindow applies a stream-level WINDOW_UPDATE from the peer.
func (s *Stream) ExpandRemoteWindow(n int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.WithMessagef(s.remoteWindow.Expand(n), "stream %d send window", s.id)
}

// ExpandLocalWindow grants the peer more credit after consuming received
// data; the connection follows up with a WINDOW_UPDATE frame.
func (s *Stream) ExpandLocalWindow(n int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.WithMessagef(s.localWindow.Expand(n), "stream %d receive window", s.id)
}

// SetRemoteWindowCapacity retargets the send window after the peer changed
// SETTINGS_INITIAL_WINDOW_SIZE.
func (s *Stream) SetRemoteWindowCapacity(n int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteWindow.SetCapacity(n)
}

// Priority returns the stream's current priority record.
func (s *Stream) Priority() Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// SetPriority installs a new priority record, reparenting the dependency
// target's children onto this stream first when the dependency is exclusive.
// A stream may not depend on itself.
func (s *Stream) SetPriority(p Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPriorityLocked(p)
}

func (s *Stream) setPriorityLocked(p Priority) error {
	if p.StreamDep == s.id {
		return errors.Wrapf(ErrProtocol, "stream %d depends on itself", s.id)
	}
	if p.Weight == 0 {
		p.Weight = DefaultWeight
	}
	if p.Exclusive {
		s.conn.ForEachStream(func(t *Stream) {
			if t == s {
				return
			}
			if t.parent() == p.StreamDep {
				t.setParent(s.id)
			}
		})
	}
	s.priority = p
	return nil
}

// Parent resolves the stream this one depends on. ok is false when the
// dependency target is the connection root or is no longer registered.
func (s *Stream) Parent() (*Stream, bool) {
	dep := s.parent()
	if dep == 0 {
		return nil, false
	}
	return s.conn.Stream(dep)
}

// Children returns the registered streams that currently depend on this one.
func (s *Stream) Children() []*Stream {
	var children []*Stream
	s.conn.ForEachStream(func(t *Stream) {
		if t != s && t.parent() == s.id {
			children = append(children, t)
		}
	})
	return children
}

func (s *Stream) parent() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority.StreamDep
}

func (s *Stream) setParent(dep uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority.StreamDep = dep
}

func (s *Stream) setHeaders(fields []hpack.HeaderField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = fields
}
