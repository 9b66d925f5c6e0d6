package stream

import (
	"golang.org/x/net/http2/hpack"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec"
)

// Connection is the set of capabilities a Stream consumes from the connection
// that owns it: the stream registry, id allocation, header compression, frame
// output, settings, connection-level window accounting, and the push-promise
// stream factories.
type Connection interface {
	// NextStreamID allocates a new locally-initiated stream identifier.
	NextStreamID() uint32

	// Stream looks up a registered stream by id.
	Stream(id uint32) (*Stream, bool)

	// ForEachStream visits every registered stream. Used by the priority
	// forest to resolve children.
	ForEachStream(fn func(*Stream))

	// EncodeHeaders compresses a header field list into a header block.
	EncodeHeaders(fields []hpack.HeaderField) ([]byte, error)

	// DecodeHeaders decompresses a header block into a header field list.
	DecodeHeaders(block []byte) ([]hpack.HeaderField, error)

	// WriteFrame hands a frame to the connection for transmission. A HEADERS
	// or PUSH_PROMISE frame whose block exceeds MaxFrameSize is split into
	// CONTINUATION frames, emitted contiguously.
	WriteFrame(f codec.Frame) error

	// MaxFrameSize is the peer's SETTINGS_MAX_FRAME_SIZE.
	MaxFrameSize() uint32

	// LocalInitialWindowSize is our SETTINGS_INITIAL_WINDOW_SIZE, seeding
	// each stream's receive window.
	LocalInitialWindowSize() uint32

	// RemoteInitialWindowSize is the peer's SETTINGS_INITIAL_WINDOW_SIZE,
	// seeding each stream's send window.
	RemoteInitialWindowSize() uint32

	// ConsumeRemoteWindow charges n octets of outbound DATA against the
	// connection-level send window.
	ConsumeRemoteWindow(n int32) error

	// ConsumeLocalWindow charges n octets of inbound DATA against the
	// connection-level receive window.
	ConsumeLocalWindow(n int32) error

	// CreatePushPromiseStream allocates and registers a new locally-reserved
	// stream for an outgoing PUSH_PROMISE.
	CreatePushPromiseStream() (*Stream, error)

	// AcceptPushPromiseStream registers the peer-reserved stream id carried
	// by an incoming PUSH_PROMISE.
	AcceptPushPromiseStream(id uint32) (*Stream, error)
}
