package conn

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/stream"
)

// fakeRWC records everything the connection writes; reads report EOF.
type fakeRWC struct {
	out bytes.Buffer
}

func (f *fakeRWC) Read([]byte) (int, error)    { return 0, io.EOF }
func (f *fakeRWC) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakeRWC) Close() error                { return nil }

// writtenFrames parses every frame the connection has written so far.
func (f *fakeRWC) writtenFrames(t *testing.T) []codec.Frame {
	t.Helper()
	re := require.New(t)

	fr := codec.NewFramer(nil, bytes.NewReader(f.out.Bytes()), zap.NewNop())
	var frames []codec.Frame
	for {
		frame, _, err := fr.ReadFrame()
		if err != nil {
			re.ErrorIs(err, io.EOF)
			return frames
		}
		frames = append(frames, frame)
	}
}

func encodeBlock(t *testing.T, fields []hpack.HeaderField) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		require.New(t).NoError(enc.WriteField(f))
	}
	return buf.Bytes()
}

func requestFields() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: ":scheme", Value: "https"},
	}
}

type handlerFunc func(st *stream.Stream)

func (h handlerFunc) ServeStream(st *stream.Stream) { h(st) }

func TestNextStreamIDParity(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	client := NewConn(&fakeRWC{}, RoleClient, Options{}, zap.NewNop())
	re.Equal(uint32(1), client.NextStreamID())
	re.Equal(uint32(3), client.NextStreamID())

	server := NewConn(&fakeRWC{}, RoleServer, Options{}, zap.NewNop())
	re.Equal(uint32(2), server.NextStreamID())
	re.Equal(uint32(4), server.NextStreamID())
}

func TestDispatchHeadersOpensStream(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := NewConn(&fakeRWC{}, RoleServer, Options{}, zap.NewNop())

	err := c.processFrame(&codec.HeadersFrame{
		StreamID:      1,
		EndHeaders:    true,
		BlockFragment: encodeBlock(t, requestFields()),
	})
	re.NoError(err)

	st, ok := c.Stream(1)
	re.True(ok)
	re.Equal(stream.StateOpen, st.State())
	re.Len(st.Headers(), 3)
	re.Equal(":method", st.Headers()[0].Name)
}

func TestDispatchRejectsEvenClientStreamID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := NewConn(&fakeRWC{}, RoleServer, Options{}, zap.NewNop())

	err := c.processFrame(&codec.HeadersFrame{
		StreamID:      4,
		EndHeaders:    true,
		BlockFragment: encodeBlock(t, requestFields()),
	})
	var ce codec.ConnError
	re.ErrorAs(err, &ce)
	re.Equal(errcode.ProtocolError, ce.Code)
}

func TestDispatchDataOnUnknownStreamResets(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	rwc := &fakeRWC{}
	c := NewConn(rwc, RoleServer, Options{}, zap.NewNop())

	re.NoError(c.processFrame(&codec.DataFrame{StreamID: 7, Data: []byte("x")}))

	frames := rwc.writtenFrames(t)
	re.Len(frames, 1)
	rst, ok := frames[0].(*codec.RSTStreamFrame)
	re.True(ok)
	re.Equal(uint32(7), rst.StreamID)
	re.Equal(errcode.StreamClosed, rst.ErrCode)
}

func TestDispatchContinuationAssembly(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := NewConn(&fakeRWC{}, RoleServer, Options{}, zap.NewNop())

	block := encodeBlock(t, requestFields())
	re.NoError(c.processFrame(&codec.HeadersFrame{
		StreamID:      1,
		BlockFragment: block[:1],
	}))

	// any frame other than CONTINUATION for the same stream is fatal
	err := c.processFrame(&codec.DataFrame{StreamID: 1, Data: []byte("x")})
	var ce codec.ConnError
	re.ErrorAs(err, &ce)
	re.Equal(errcode.ProtocolError, ce.Code)

	// a fresh connection assembles the block across CONTINUATION frames
	c = NewConn(&fakeRWC{}, RoleServer, Options{}, zap.NewNop())
	re.NoError(c.processFrame(&codec.HeadersFrame{
		StreamID:      1,
		BlockFragment: block[:1],
	}))
	re.NoError(c.processFrame(&codec.ContinuationFrame{StreamID: 1, BlockFragment: block[1:2]}))
	re.NoError(c.processFrame(&codec.ContinuationFrame{StreamID: 1, EndHeaders: true, BlockFragment: block[2:]}))

	st, ok := c.Stream(1)
	re.True(ok)
	re.Len(st.Headers(), 3)
}

func TestDispatchSettingsRetargetsStreamWindows(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	rwc := &fakeRWC{}
	c := NewConn(rwc, RoleServer, Options{}, zap.NewNop())

	re.NoError(c.processFrame(&codec.HeadersFrame{
		StreamID:      1,
		EndHeaders:    true,
		BlockFragment: encodeBlock(t, requestFields()),
	}))
	st, ok := c.Stream(1)
	re.True(ok)
	re.Equal(int32(DefaultInitialWindowSize), st.RemoteWindow().Available())

	re.NoError(c.processFrame(&codec.SettingsFrame{
		Settings: []codec.Setting{{ID: codec.SettingInitialWindowSize, Val: 1 << 20}},
	}))
	re.Equal(uint32(1<<20), c.RemoteInitialWindowSize())
	re.Equal(int32(1<<20), st.RemoteWindow().Available())

	frames := rwc.writtenFrames(t)
	ack, ok := frames[len(frames)-1].(*codec.SettingsFrame)
	re.True(ok)
	re.True(ack.Ack)
}

func TestDispatchWindowUpdate(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := NewConn(&fakeRWC{}, RoleServer, Options{}, zap.NewNop())

	before := c.RemoteWindowAvailable()
	re.NoError(c.processFrame(&codec.WindowUpdateFrame{StreamID: 0, Increment: 1000}))
	re.Equal(before+1000, c.RemoteWindowAvailable())

	// zero increment on the connection is fatal
	err := c.processFrame(&codec.WindowUpdateFrame{StreamID: 0, Increment: 0})
	var ce codec.ConnError
	re.ErrorAs(err, &ce)
	re.Equal(errcode.ProtocolError, ce.Code)

	// overflowing the connection window is fatal
	err = c.processFrame(&codec.WindowUpdateFrame{StreamID: 0, Increment: stream.MaxWindowSize})
	re.ErrorAs(err, &ce)
	re.Equal(errcode.FlowControlError, ce.Code)
}

func TestDispatchPingRepliesWithAck(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	rwc := &fakeRWC{}
	c := NewConn(rwc, RoleServer, Options{}, zap.NewNop())

	re.NoError(c.processFrame(&codec.PingFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}))

	frames := rwc.writtenFrames(t)
	re.Len(frames, 1)
	pong, ok := frames[0].(*codec.PingFrame)
	re.True(ok)
	re.True(pong.Ack)
	re.Equal([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, pong.Data)
}

func TestDispatchRefusesStreamsOverConcurrencyLimit(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	settings := DefaultSettings()
	settings.MaxConcurrentStreams = 1
	rwc := &fakeRWC{}
	c := NewConn(rwc, RoleServer, Options{Settings: settings}, zap.NewNop())

	re.NoError(c.processFrame(&codec.HeadersFrame{
		StreamID:      1,
		EndHeaders:    true,
		BlockFragment: encodeBlock(t, requestFields()),
	}))
	re.NoError(c.processFrame(&codec.HeadersFrame{
		StreamID:      3,
		EndHeaders:    true,
		BlockFragment: encodeBlock(t, requestFields()),
	}))

	_, ok := c.Stream(3)
	re.False(ok)
	frames := rwc.writtenFrames(t)
	rst, isRST := frames[len(frames)-1].(*codec.RSTStreamFrame)
	re.True(isRST)
	re.Equal(uint32(3), rst.StreamID)
	re.Equal(errcode.RefusedStream, rst.ErrCode)
}

func TestAcceptPushPromiseStreamValidation(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	server := NewConn(&fakeRWC{}, RoleServer, Options{}, zap.NewNop())
	_, err := server.AcceptPushPromiseStream(2)
	re.ErrorIs(err, stream.ErrProtocol)

	client := NewConn(&fakeRWC{}, RoleClient, Options{}, zap.NewNop())
	_, err = client.AcceptPushPromiseStream(3)
	re.ErrorIs(err, stream.ErrProtocol)

	st, err := client.AcceptPushPromiseStream(2)
	re.NoError(err)
	re.Equal(uint32(2), st.ID())

	_, err = client.AcceptPushPromiseStream(2)
	re.ErrorIs(err, stream.ErrProtocol)
}

func TestCreatePushPromiseStreamRequiresServer(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	client := NewConn(&fakeRWC{}, RoleClient, Options{}, zap.NewNop())
	_, err := client.CreatePushPromiseStream()
	re.ErrorIs(err, stream.ErrProtocol)
}

func startServer(tb testing.TB, handler Handler, lg *zap.Logger) (addr string, shutdown func()) {
	re := require.New(tb)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	re.NoError(err)
	addr = listener.Addr().String()

	s := NewServer(context.Background(), Options{Handler: handler}, lg)
	go func() {
		_ = s.Serve(listener)
	}()

	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}
	return
}

func dialClient(tb testing.TB, addr string, lg *zap.Logger) *Conn {
	re := require.New(tb)

	rwc, err := net.Dial("tcp", addr)
	re.NoError(err)

	c := NewConn(rwc, RoleClient, Options{}, lg)
	re.NoError(c.Handshake())
	go func() {
		_ = c.Serve()
	}()
	return c
}

func TestClientServerExchange(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	logger := zap.NewNop()

	handler := handlerFunc(func(st *stream.Stream) {
		fields := []hpack.HeaderField{{Name: ":status", Value: "200"}}
		if err := st.SendHeaders(nil, fields, false); err != nil {
			return
		}
		_ = st.SendData([]byte("ok"), true)
	})
	addr, shutdown := startServer(t, handler, logger)
	defer shutdown()

	client := dialClient(t, addr, logger)
	defer client.Close()

	st, err := client.CreateStream()
	re.NoError(err)
	re.Equal(uint32(1), st.ID())
	re.NoError(st.SendHeaders(nil, requestFields(), true))
	re.Equal(stream.StateHalfClosedLocal, st.State())

	re.Eventually(func() bool {
		return st.State() == stream.StateClosed
	}, 5*time.Second, 5*time.Millisecond)
	re.Equal([]byte("ok"), st.Data())
	re.Equal(":status", st.Headers()[0].Name)
	re.Equal("200", st.Headers()[0].Value)
}

func TestServerPushEndToEnd(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	logger := zap.NewNop()

	proceed := make(chan struct{})
	handler := handlerFunc(func(st *stream.Stream) {
		promised, err := st.SendPushPromise([]hpack.HeaderField{{Name: ":path", Value: "/style.css"}})
		if err != nil {
			return
		}
		_ = st.SendHeaders(nil, []hpack.HeaderField{{Name: ":status", Value: "200"}}, false)
		_ = st.SendData([]byte("page"), true)
		<-proceed
		_ = promised.SendHeaders(nil, []hpack.HeaderField{{Name: ":status", Value: "200"}}, false)
		_ = promised.SendData([]byte("pushed"), true)
	})
	addr, shutdown := startServer(t, handler, logger)
	defer shutdown()

	client := dialClient(t, addr, logger)
	defer client.Close()

	st, err := client.CreateStream()
	re.NoError(err)
	re.NoError(st.SendHeaders(nil, requestFields(), true))

	var promised *stream.Stream
	re.Eventually(func() bool {
		var ok bool
		promised, ok = client.Stream(2)
		return ok && len(promised.Headers()) > 0
	}, 5*time.Second, time.Millisecond)
	re.Equal(uint32(2), promised.ID())
	re.Equal(":path", promised.Headers()[0].Name)

	close(proceed)
	re.Eventually(func() bool {
		return promised.State() == stream.StateClosed
	}, 5*time.Second, 5*time.Millisecond)
	re.Equal([]byte("pushed"), promised.Data())

	re.Eventually(func() bool {
		return st.State() == stream.StateClosed
	}, 5*time.Second, 5*time.Millisecond)
	re.Equal([]byte("page"), st.Data())
}
