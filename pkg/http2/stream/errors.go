package stream

import (
	"github.com/pkg/errors"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
)

// Stream errors
var (
	// ErrProtocol is returned when an operation is illegal in the stream's
	// current state, or when a priority update names the stream as its own
	// dependency.
	ErrProtocol = errors.New("protocol violation")
	// ErrFlowControl is returned when a window update would overflow a
	// flow-control window, or when charging a frame would drive a window
	// below the protocol minimum.
	ErrFlowControl = errors.New("flow control violation")
	// ErrCompression is returned when a header block fails to encode or decode.
	ErrCompression = errors.New("header compression failure")
	// ErrStreamClosed marks a frame addressed to a stream already closed and
	// reaped on this side; ErrorCode maps it to STREAM_CLOSED. The stream
	// itself never returns it and fails every illegal event with ErrProtocol.
	ErrStreamClosed = errors.New("stream closed")
)

// ResetError is the error passed to a stream's close hook when closure was
// caused by a reset, either sent or received.
type ResetError struct {
	StreamID uint32
	Code     errcode.Code
}

func (e *ResetError) Error() string {
	return "stream " + e.Code.String()
}

// ErrorCode maps err to the RST_STREAM error code the connection should send
// toward the peer.
func ErrorCode(err error) errcode.Code {
	switch {
	case err == nil:
		return errcode.NoError
	case errors.Is(err, ErrFlowControl):
		return errcode.FlowControlError
	case errors.Is(err, ErrCompression):
		return errcode.CompressionError
	case errors.Is(err, ErrStreamClosed):
		return errcode.StreamClosed
	case errors.Is(err, ErrProtocol):
		return errcode.ProtocolError
	default:
		return errcode.InternalError
	}
}
