// Package conn implements the HTTP/2 connection surrounding the stream
// layer: preface and SETTINGS exchange, frame dispatch, connection-level
// flow-control accounting, HPACK coding, and the stream registry.
package conn

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/http2/hpack"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/stream"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/util/logutil"
)

// ClientPreface is the string every client connection opens with.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Role distinguishes the two ends of a connection. It decides stream-id
// parity and which side may push.
type Role int8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Handler is notified of peer-initiated streams once their opening HEADERS
// has been received. It runs on its own goroutine per stream.
type Handler interface {
	ServeStream(st *stream.Stream)
}

// Options configures a connection.
type Options struct {
	// Settings are the local SETTINGS advertised during the handshake. The
	// zero value means DefaultSettings.
	Settings Settings

	// Handler receives peer-initiated streams. Optional.
	Handler Handler
}

// Conn is one end of an HTTP/2 connection. It owns the stream registry, the
// connection-level flow-control windows, and the HPACK coder pair, and it
// implements the capability interface streams consume.
type Conn struct {
	role Role
	rwc  io.ReadWriteCloser

	handler Handler

	// wmu serializes frame writes and the HPACK encoder state so that a
	// header block and its CONTINUATION frames are emitted contiguously.
	wmu    sync.Mutex
	framer *codec.Framer
	henc   *hpack.Encoder
	hbuf   bytes.Buffer
	werr   error

	// Owned by the dispatch loop:
	hdec            *hpack.Decoder
	decFields       []hpack.HeaderField
	pending         *pendingHeaderBlock
	maxPeerStreamID uint32

	// mu guards settings and the connection-level windows.
	mu             sync.Mutex
	localSettings  Settings
	remoteSettings Settings
	localWindow    *stream.Window
	remoteWindow   *stream.Window

	streams cmap.ConcurrentMap[uint32, *stream.Stream]
	nextID  atomic.Uint32

	goAwayReceived atomic.Bool
	goAwaySent     atomic.Bool

	doneServing chan struct{}
	closeOnce   sync.Once

	lg *zap.Logger
}

// pendingHeaderBlock accumulates a header block split across HEADERS or
// PUSH_PROMISE plus CONTINUATION frames.
type pendingHeaderBlock struct {
	headers *codec.HeadersFrame
	promise *codec.PushPromiseFrame
	block   []byte
}

func (p *pendingHeaderBlock) streamID() uint32 {
	if p.headers != nil {
		return p.headers.StreamID
	}
	return p.promise.StreamID
}

// NewConn wraps rwc in an HTTP/2 connection endpoint. Call Handshake before
// Serve.
func NewConn(rwc io.ReadWriteCloser, role Role, opts Options, logger *zap.Logger) *Conn {
	if opts.Settings == (Settings{}) {
		opts.Settings = DefaultSettings()
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		connID, _ := uuid.NewRandom()
		logger = logger.With(zap.String("conn-id", connID.String()))
	}
	logger = logger.With(zap.Stringer("role", role))

	c := &Conn{
		role:           role,
		rwc:            rwc,
		handler:        opts.Handler,
		framer:         codec.NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), logger),
		localSettings:  opts.Settings,
		remoteSettings: DefaultSettings(),
		localWindow:    stream.NewWindow(int32(opts.Settings.InitialWindowSize)),
		remoteWindow:   stream.NewWindow(DefaultInitialWindowSize),
		streams:        cmap.NewWithCustomShardingFunction[uint32, *stream.Stream](func(key uint32) uint32 { return key }),
		doneServing:    make(chan struct{}),
		lg:             logger,
	}
	if role == RoleClient {
		c.nextID.Store(1)
	} else {
		c.nextID.Store(2)
	}
	c.framer.SetMaxReadFrameSize(opts.Settings.MaxFrameSize)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(opts.Settings.HeaderTableSize, func(f hpack.HeaderField) {
		c.decFields = append(c.decFields, f)
	})
	return c
}

// Handshake sends the connection preface: the client magic on the client
// side, then this endpoint's SETTINGS. The peer's SETTINGS is handled by the
// dispatch loop.
func (c *Conn) Handshake() error {
	if c.role == RoleClient {
		if _, err := c.rwc.Write([]byte(ClientPreface)); err != nil {
			return errors.Wrap(err, "write client preface")
		}
	} else {
		buf := make([]byte, len(ClientPreface))
		if _, err := io.ReadFull(c.rwc, buf); err != nil {
			return errors.Wrap(err, "read client preface")
		}
		if string(buf) != ClientPreface {
			return errors.New("bogus client preface")
		}
	}
	c.mu.Lock()
	f := c.localSettings.Frame()
	c.mu.Unlock()
	return c.WriteFrame(f)
}

// Serve reads and dispatches frames until the peer goes away or a
// connection-scoped error tears the connection down.
func (c *Conn) Serve() error {
	logger := c.lg
	defer logutil.LogPanic(logger)
	defer c.Close()

	for {
		f, free, err := c.framer.ReadFrame()
		if err != nil {
			if clientGone(err) {
				return nil
			}
			var ce codec.ConnError
			if errors.As(err, &ce) {
				c.goAway(ce.Code)
				return ce
			}
			return err
		}

		if logger.Core().Enabled(zapcore.DebugLevel) {
			logger.Debug("read frame", zap.String("frame", f.Summarize()))
		}
		err = c.processFrame(f)
		if free != nil {
			free()
		}
		if err != nil {
			var ce codec.ConnError
			if errors.As(err, &ce) {
				logger.Error("connection error", zap.Error(ce))
				c.goAway(ce.Code)
				return ce
			}
			logger.Error("failed to process frame", zap.Error(err))
			c.goAway(errcode.InternalError)
			return err
		}
	}
}

func clientGone(err error) bool {
	cause := errors.Cause(err)
	return cause == io.EOF || cause == io.ErrUnexpectedEOF ||
		strings.Contains(err.Error(), "use of closed network connection")
}

func (c *Conn) processFrame(f codec.Frame) error {
	if c.pending != nil {
		cf, ok := f.(*codec.ContinuationFrame)
		if !ok || cf.StreamID != c.pending.streamID() {
			return codec.ConnError{Code: errcode.ProtocolError, Reason: "header block interleaved with other frames"}
		}
		return c.processContinuation(cf)
	}

	switch f := f.(type) {
	case *codec.SettingsFrame:
		return c.processSettings(f)
	case *codec.PingFrame:
		return c.processPing(f)
	case *codec.GoAwayFrame:
		c.lg.Info("received GOAWAY", zap.Uint32("last-stream-id", f.LastStreamID), zap.Stringer("code", f.ErrCode))
		c.goAwayReceived.Store(true)
		return nil
	case *codec.WindowUpdateFrame:
		return c.processWindowUpdate(f)
	case *codec.HeadersFrame:
		return c.processHeaders(f)
	case *codec.DataFrame:
		return c.processData(f)
	case *codec.PriorityFrame:
		return c.processPriority(f)
	case *codec.RSTStreamFrame:
		return c.processRSTStream(f)
	case *codec.PushPromiseFrame:
		return c.processPushPromise(f)
	case *codec.ContinuationFrame:
		return codec.ConnError{Code: errcode.ProtocolError, Reason: "CONTINUATION without preceding header block"}
	default:
		c.lg.Warn("ignoring unknown frame", zap.String("frame", f.Summarize()))
		return nil
	}
}

func (c *Conn) processSettings(f *codec.SettingsFrame) error {
	if f.Ack {
		return nil
	}

	c.mu.Lock()
	prevWindow := c.remoteSettings.InitialWindowSize
	err := c.remoteSettings.Apply(f.Settings)
	newSettings := c.remoteSettings
	c.mu.Unlock()
	if err != nil {
		return err
	}

	// A change to the peer's initial window size retroactively adjusts every
	// stream's send window.
	if newSettings.InitialWindowSize != prevWindow {
		var werr error
		c.ForEachStream(func(st *stream.Stream) {
			if err := st.SetRemoteWindowCapacity(int32(newSettings.InitialWindowSize)); err != nil && werr == nil {
				werr = err
			}
		})
		if werr != nil {
			return codec.ConnError{Code: errcode.FlowControlError, Reason: "initial window size change overflows a stream window"}
		}
	}

	c.wmu.Lock()
	c.henc.SetMaxDynamicTableSize(newSettings.HeaderTableSize)
	c.wmu.Unlock()

	return c.WriteFrame(&codec.SettingsFrame{Ack: true})
}

func (c *Conn) processPing(f *codec.PingFrame) error {
	if f.Ack {
		return nil
	}
	return c.WriteFrame(&codec.PingFrame{Ack: true, Data: f.Data})
}

func (c *Conn) processWindowUpdate(f *codec.WindowUpdateFrame) error {
	if f.Increment == 0 {
		if f.StreamID == 0 {
			return codec.ConnError{Code: errcode.ProtocolError, Reason: "WINDOW_UPDATE with zero increment on connection"}
		}
		if st, ok := c.streams.Get(f.StreamID); ok {
			c.resetStream(f.StreamID, st, errcode.ProtocolError)
		}
		return nil
	}

	if f.StreamID == 0 {
		if err := c.ExpandRemoteWindow(int32(f.Increment)); err != nil {
			return codec.ConnError{Code: errcode.FlowControlError, Reason: "connection window overflow"}
		}
		return nil
	}

	st, ok := c.streams.Get(f.StreamID)
	if !ok {
		// The stream may have been reaped already.
		return nil
	}
	if err := st.ExpandRemoteWindow(int32(f.Increment)); err != nil {
		c.resetStream(f.StreamID, st, stream.ErrorCode(err))
	}
	return nil
}

func (c *Conn) processHeaders(f *codec.HeadersFrame) error {
	if !f.EndHeaders {
		c.pending = &pendingHeaderBlock{
			headers: f,
			block:   append([]byte(nil), f.BlockFragment...),
		}
		return nil
	}

	st, ok := c.streams.Get(f.StreamID)
	opened := false
	if !ok {
		var err error
		st, err = c.openRemoteStream(f.StreamID)
		if err != nil {
			return err
		}
		if st == nil {
			// Stream discarded during shutdown.
			return nil
		}
		opened = true
	}

	if err := st.ReceiveHeaders(f); err != nil {
		return c.streamError(f.StreamID, st, err)
	}
	if opened && c.handler != nil {
		go c.runHandler(st)
	}
	return nil
}

func (c *Conn) processData(f *codec.DataFrame) error {
	st, ok := c.streams.Get(f.StreamID)
	if !ok {
		c.resetStream(f.StreamID, nil, errcode.StreamClosed)
		return nil
	}
	if err := st.ReceiveData(f); err != nil {
		return c.streamError(f.StreamID, st, err)
	}
	c.maybeRefill(st)
	return nil
}

func (c *Conn) processPriority(f *codec.PriorityFrame) error {
	st, ok := c.streams.Get(f.StreamID)
	if !ok {
		// Priority for an unregistered stream carries no obligation.
		return nil
	}
	if err := st.ReceivePriority(f); err != nil {
		return c.streamError(f.StreamID, st, err)
	}
	return nil
}

func (c *Conn) processRSTStream(f *codec.RSTStreamFrame) error {
	st, ok := c.streams.Get(f.StreamID)
	if !ok {
		return nil
	}
	err := st.ReceiveResetStream(f)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stream.ErrProtocol):
		// RST_STREAM for an idle stream is a connection error.
		return codec.ConnError{Code: errcode.ProtocolError, Reason: "RST_STREAM on idle stream"}
	default:
		return nil
	}
}

func (c *Conn) processPushPromise(f *codec.PushPromiseFrame) error {
	if c.role == RoleServer {
		return codec.ConnError{Code: errcode.ProtocolError, Reason: "client sent PUSH_PROMISE"}
	}
	st, ok := c.streams.Get(f.StreamID)
	if !ok {
		return codec.ConnError{Code: errcode.ProtocolError, Reason: "PUSH_PROMISE on unknown stream"}
	}

	if !f.EndHeaders {
		c.pending = &pendingHeaderBlock{
			promise: f,
			block:   append([]byte(nil), f.BlockFragment...),
		}
		return nil
	}

	if _, err := st.ReceivePushPromise(f); err != nil {
		return c.streamError(f.StreamID, st, err)
	}
	return nil
}

func (c *Conn) processContinuation(f *codec.ContinuationFrame) error {
	p := c.pending
	p.block = append(p.block, f.BlockFragment...)
	if !f.EndHeaders {
		return nil
	}
	c.pending = nil

	if p.headers != nil {
		assembled := *p.headers
		assembled.EndHeaders = true
		assembled.BlockFragment = p.block
		return c.processHeaders(&assembled)
	}
	assembled := *p.promise
	assembled.EndHeaders = true
	assembled.BlockFragment = p.block
	return c.processPushPromise(&assembled)
}

// openRemoteStream registers a peer-initiated stream. Only a server accepts
// new remote ids from HEADERS; on the client, pushed streams are registered
// through AcceptPushPromiseStream before their HEADERS arrives.
func (c *Conn) openRemoteStream(id uint32) (*stream.Stream, error) {
	if c.role != RoleServer {
		return nil, codec.ConnError{Code: errcode.ProtocolError, Reason: "HEADERS on unknown stream"}
	}
	if id%2 != 1 {
		return nil, codec.ConnError{Code: errcode.ProtocolError, Reason: "client-initiated stream id must be odd"}
	}
	if id <= c.maxPeerStreamID {
		return nil, codec.ConnError{Code: errcode.ProtocolError, Reason: "stream id decreased"}
	}
	if c.goAwayReceived.Load() || c.goAwaySent.Load() {
		c.lg.Warn("ignoring stream initiated during shutdown", zap.Uint32("stream-id", id))
		return nil, nil
	}
	c.maxPeerStreamID = id

	c.mu.Lock()
	maxStreams := c.localSettings.MaxConcurrentStreams
	c.mu.Unlock()
	if maxStreams != 0 && uint32(c.streams.Count()) >= maxStreams {
		c.lg.Warn("refusing stream over concurrency limit",
			zap.Uint32("stream-id", id), zap.Uint32("max-concurrent-streams", maxStreams))
		_ = c.WriteFrame(&codec.RSTStreamFrame{StreamID: id, ErrCode: errcode.RefusedStream})
		return nil, nil
	}
	return c.newStream(id), nil
}

// streamError converts a stream-level failure into an outbound RST_STREAM;
// connection-scoped failures pass through.
func (c *Conn) streamError(id uint32, st *stream.Stream, err error) error {
	var ce codec.ConnError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, stream.ErrCompression) {
		// A decode failure corrupts the shared HPACK context.
		return codec.ConnError{Code: errcode.CompressionError, Reason: err.Error()}
	}
	c.lg.Warn("stream error", zap.Uint32("stream-id", id), zap.Error(err))
	c.resetStream(id, st, stream.ErrorCode(err))
	return nil
}

func (c *Conn) resetStream(id uint32, st *stream.Stream, code errcode.Code) {
	if st != nil && st.Active() {
		if err := st.SendResetStream(code); err == nil {
			return
		}
	}
	_ = c.WriteFrame(&codec.RSTStreamFrame{StreamID: id, ErrCode: code})
}

func (c *Conn) runHandler(st *stream.Stream) {
	defer logutil.LogPanic(c.lg)
	c.handler.ServeStream(st)
}

// maybeRefill tops up the receive windows once half the credit is consumed,
// granting the peer room to keep sending.
func (c *Conn) maybeRefill(st *stream.Stream) {
	if w := st.LocalWindow(); w.Available() < w.Capacity()/2 {
		delta := w.Capacity() - w.Available()
		if err := st.ExpandLocalWindow(delta); err == nil {
			_ = c.WriteFrame(&codec.WindowUpdateFrame{StreamID: st.ID(), Increment: uint32(delta)})
		}
	}

	c.mu.Lock()
	avail, capacity := c.localWindow.Available(), c.localWindow.Capacity()
	var delta int32
	if avail < capacity/2 {
		delta = capacity - avail
		_ = c.localWindow.Expand(delta)
	}
	c.mu.Unlock()
	if delta > 0 {
		_ = c.WriteFrame(&codec.WindowUpdateFrame{StreamID: 0, Increment: uint32(delta)})
	}
}

func (c *Conn) goAway(code errcode.Code) {
	if c.goAwaySent.Swap(true) {
		return
	}
	_ = c.WriteFrame(&codec.GoAwayFrame{LastStreamID: c.maxPeerStreamID, ErrCode: code})
}

// Shutdown starts a graceful close: GOAWAY with NO_ERROR, letting in-flight
// streams finish.
func (c *Conn) Shutdown() {
	c.goAway(errcode.NoError)
}

// Close tears the connection down immediately.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.doneServing)
		_ = c.rwc.Close()
		c.lg.Info("connection closed")
	})
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.doneServing
}

// CreateStream allocates and registers a new locally-initiated stream in the
// idle state. The application opens it by sending HEADERS.
func (c *Conn) CreateStream() (*stream.Stream, error) {
	if c.goAwayReceived.Load() || c.goAwaySent.Load() {
		return nil, errors.Wrap(stream.ErrProtocol, "connection is shutting down")
	}
	return c.newStream(c.NextStreamID()), nil
}

func (c *Conn) newStream(id uint32) *stream.Stream {
	st := stream.New(c, id, c.lg)
	st.OnClose(func(id uint32, _ error) {
		c.streams.Remove(id)
	})
	c.streams.Set(id, st)
	return st
}

// ActiveStreams returns the number of registered streams.
func (c *Conn) ActiveStreams() int {
	return c.streams.Count()
}

// NextStreamID allocates the next locally-initiated stream identifier: odd
// on the client, even on the server.
func (c *Conn) NextStreamID() uint32 {
	return c.nextID.Add(2) - 2
}

// Stream looks up a registered stream by id.
func (c *Conn) Stream(id uint32) (*stream.Stream, bool) {
	return c.streams.Get(id)
}

// ForEachStream visits every registered stream.
func (c *Conn) ForEachStream(fn func(*stream.Stream)) {
	c.streams.IterCb(func(_ uint32, st *stream.Stream) {
		fn(st)
	})
}

// EncodeHeaders compresses fields into a header block.
func (c *Conn) EncodeHeaders(fields []hpack.HeaderField) ([]byte, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.hbuf.Reset()
	for _, f := range fields {
		if err := c.henc.WriteField(f); err != nil {
			return nil, errors.Wrapf(err, "encode header field %q", f.Name)
		}
	}
	block := make([]byte, c.hbuf.Len())
	copy(block, c.hbuf.Bytes())
	return block, nil
}

// DecodeHeaders decompresses a complete header block into a field list.
func (c *Conn) DecodeHeaders(block []byte) ([]hpack.HeaderField, error) {
	c.decFields = c.decFields[:0]
	if _, err := c.hdec.Write(block); err != nil {
		return nil, errors.Wrap(err, "decode header block")
	}
	if err := c.hdec.Close(); err != nil {
		return nil, errors.Wrap(err, "finish header block")
	}
	fields := make([]hpack.HeaderField, len(c.decFields))
	copy(fields, c.decFields)
	return fields, nil
}

// WriteFrame hands a frame to the framer under the write lock. An oversized
// HEADERS or PUSH_PROMISE block is split into CONTINUATION frames, emitted
// contiguously with no interleaving from other streams.
func (c *Conn) WriteFrame(f codec.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.werr != nil {
		return c.werr
	}

	err := c.writeFrameLocked(f)
	if err == nil {
		err = c.framer.Flush()
	}
	if err != nil && c.werr == nil {
		c.werr = err
	}
	if c.lg.Core().Enabled(zapcore.DebugLevel) {
		c.lg.Debug("wrote frame", zap.String("frame", f.Summarize()), zap.Error(err))
	}
	return err
}

func (c *Conn) writeFrameLocked(f codec.Frame) error {
	max := int(c.MaxFrameSize())

	switch f := f.(type) {
	case *codec.HeadersFrame:
		if len(f.BlockFragment) > max {
			first := *f
			first.EndHeaders = false
			first.BlockFragment = f.BlockFragment[:max]
			if err := c.framer.WriteFrame(&first); err != nil {
				return err
			}
			return c.writeContinuationsLocked(f.StreamID, f.BlockFragment[max:], max)
		}
	case *codec.PushPromiseFrame:
		// The promised stream id occupies 4 octets of the first frame.
		if len(f.BlockFragment)+4 > max {
			first := *f
			first.EndHeaders = false
			first.BlockFragment = f.BlockFragment[:max-4]
			if err := c.framer.WriteFrame(&first); err != nil {
				return err
			}
			return c.writeContinuationsLocked(f.StreamID, f.BlockFragment[max-4:], max)
		}
	}
	return c.framer.WriteFrame(f)
}

func (c *Conn) writeContinuationsLocked(streamID uint32, block []byte, max int) error {
	for len(block) > 0 {
		n := len(block)
		if n > max {
			n = max
		}
		cf := &codec.ContinuationFrame{
			StreamID:      streamID,
			EndHeaders:    n == len(block),
			BlockFragment: block[:n],
		}
		if err := c.framer.WriteFrame(cf); err != nil {
			return err
		}
		block = block[n:]
	}
	return nil
}

// MaxFrameSize is the peer's SETTINGS_MAX_FRAME_SIZE, bounding frames we send.
func (c *Conn) MaxFrameSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSettings.MaxFrameSize
}

// LocalInitialWindowSize is our advertised SETTINGS_INITIAL_WINDOW_SIZE.
func (c *Conn) LocalInitialWindowSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSettings.InitialWindowSize
}

// RemoteInitialWindowSize is the peer's SETTINGS_INITIAL_WINDOW_SIZE.
func (c *Conn) RemoteInitialWindowSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSettings.InitialWindowSize
}

// ConsumeRemoteWindow charges outbound DATA against the connection-level
// send window.
func (c *Conn) ConsumeRemoteWindow(n int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteWindow.Consume(n)
}

// ConsumeLocalWindow charges inbound DATA against the connection-level
// receive window.
func (c *Conn) ConsumeLocalWindow(n int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localWindow.Consume(n)
}

// ExpandRemoteWindow applies a connection-level WINDOW_UPDATE from the peer.
func (c *Conn) ExpandRemoteWindow(n int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteWindow.Expand(n)
}

// RemoteWindowAvailable returns the connection-level send credit.
func (c *Conn) RemoteWindowAvailable() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteWindow.Available()
}

// LocalWindowAvailable returns the connection-level receive credit.
func (c *Conn) LocalWindowAvailable() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localWindow.Available()
}

// CreatePushPromiseStream allocates a locally-reserved stream for an
// outgoing PUSH_PROMISE. Only a server may push, and only while the peer
// allows it.
func (c *Conn) CreatePushPromiseStream() (*stream.Stream, error) {
	if c.role != RoleServer {
		return nil, errors.Wrap(stream.ErrProtocol, "client cannot push")
	}
	c.mu.Lock()
	pushEnabled := c.remoteSettings.EnablePush
	c.mu.Unlock()
	if !pushEnabled {
		return nil, errors.Wrap(stream.ErrProtocol, "peer disabled push")
	}
	return c.newStream(c.NextStreamID()), nil
}

// AcceptPushPromiseStream registers the stream id reserved by an incoming
// PUSH_PROMISE.
func (c *Conn) AcceptPushPromiseStream(id uint32) (*stream.Stream, error) {
	if c.role != RoleClient {
		return nil, errors.Wrap(stream.ErrProtocol, "server cannot accept a push")
	}
	if id%2 != 0 {
		return nil, errors.Wrap(stream.ErrProtocol, "server-initiated stream id must be even")
	}
	if _, ok := c.streams.Get(id); ok {
		return nil, errors.Wrapf(stream.ErrProtocol, "promised stream %d already exists", id)
	}
	return c.newStream(id), nil
}
