package codec

import (
	"bytes"
	"fmt"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
)

const (
	// FixedHeaderLen is the length of the fixed frame header:
	// Length (24) | Type (8) | Flags (8) | R (1) + Stream Identifier (31).
	FixedHeaderLen = 9

	// DefaultMaxFrameSize is the default SETTINGS_MAX_FRAME_SIZE.
	DefaultMaxFrameSize = 16 * 1024
	// MaxAllowedFrameSize is the largest payload size SETTINGS_MAX_FRAME_SIZE may advertise.
	MaxAllowedFrameSize = 1<<24 - 1
)

// FrameType identifies the format and semantics of a frame.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var EnumNamesFrameType = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if s, ok := EnumNamesFrameType[t]; ok {
		return s
	}
	return fmt.Sprintf("UnknownFrameType(%#x)", uint8(t))
}

// Flags is a bitmask of frame flags. The meaning of each bit depends on the
// frame type.
type Flags uint8

const (
	// FlagEndStream marks the last HEADERS or DATA frame the sender will emit
	// on the stream.
	FlagEndStream Flags = 0x1

	// FlagAck acknowledges a SETTINGS or PING frame.
	FlagAck Flags = 0x1

	// FlagEndHeaders marks the end of a header block; if unset, the block
	// continues in CONTINUATION frames.
	FlagEndHeaders Flags = 0x4

	// FlagPadded indicates the frame payload starts with a pad-length octet
	// and ends with that many octets of padding.
	FlagPadded Flags = 0x8

	// FlagPriority indicates a HEADERS frame carries a priority block.
	FlagPriority Flags = 0x20
)

// Has reports whether f contains all (0 or more) flags in v.
func (f Flags) Has(v Flags) bool {
	return (f & v) == v
}

// FrameHeader is the decoded fixed header common to all frames.
//
//	+-----------------------------------------------+
//	|                 Length (24)                   |
//	+---------------+---------------+---------------+
//	|   Type (8)    |   Flags (8)   |
//	+-+-------------+---------------+-------------------------------+
//	|R|                 Stream Identifier (31)                      |
//	+=+=============================================================+
//	|                   Frame Payload (0...)                      ...
//	+---------------------------------------------------------------+
type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
}

// Info returns fixed header info of the frame
func (h FrameHeader) Info() string {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "type=%s", h.Type.String())
	_, _ = fmt.Fprintf(&buf, " flags=%08b", h.Flags)
	_, _ = fmt.Fprintf(&buf, " streamID=%d", h.StreamID)
	_, _ = fmt.Fprintf(&buf, " length=%d", h.Length)
	return buf.String()
}

// Frame is the base interface implemented by all frame types
type Frame interface {
	// Header returns the fixed header of the frame
	Header() FrameHeader

	// Summarize returns all info of the frame, only for debug use
	Summarize() string
}

// ConnError is a connection-level protocol violation detected while reading
// or writing frames. The whole connection is torn down with a GOAWAY carrying
// the code.
type ConnError struct {
	Code   errcode.Code
	Reason string
}

func (e ConnError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", e.Code, e.Reason)
}

// PriorityParam is the priority block carried by PRIORITY frames and by
// HEADERS frames with the PRIORITY flag set.
type PriorityParam struct {
	// StreamDep is the 31-bit identifier of the stream this stream depends
	// on. Zero means the dependency target is the connection itself.
	StreamDep uint32

	// Exclusive is whether the dependency is exclusive.
	Exclusive bool

	// Weight is the zero-indexed wire weight. Add one to obtain the effective
	// weight between 1 and 256.
	Weight uint8
}

// IsZero reports whether p carries no priority information.
func (p PriorityParam) IsZero() bool {
	return p == PriorityParam{}
}

// DataFrame carries a chunk of a request or response body.
type DataFrame struct {
	StreamID  uint32
	EndStream bool
	Padded    bool
	PadLength uint8

	// Data is the frame payload with any padding already stripped.
	Data []byte
}

func (f *DataFrame) Header() FrameHeader {
	var flags Flags
	if f.EndStream {
		flags |= FlagEndStream
	}
	if f.Padded {
		flags |= FlagPadded
	}
	return FrameHeader{Length: uint32(f.WireLength()), Type: FrameData, Flags: flags, StreamID: f.StreamID}
}

func (f *DataFrame) Summarize() string {
	return summarize(f.Header(), f.Data)
}

// WireLength is the full payload length on the wire, including the pad-length
// octet and the padding. This is also the length charged against flow-control
// windows.
func (f *DataFrame) WireLength() int {
	n := len(f.Data)
	if f.Padded {
		n += 1 + int(f.PadLength)
	}
	return n
}

// HeadersFrame opens or continues a stream with a header block fragment.
type HeadersFrame struct {
	StreamID   uint32
	EndStream  bool
	EndHeaders bool
	Padded     bool
	PadLength  uint8

	// Priority is the optional priority block; IsZero when absent.
	Priority PriorityParam

	BlockFragment []byte
}

func (f *HeadersFrame) Header() FrameHeader {
	var flags Flags
	if f.EndStream {
		flags |= FlagEndStream
	}
	if f.EndHeaders {
		flags |= FlagEndHeaders
	}
	if f.Padded {
		flags |= FlagPadded
	}
	if !f.Priority.IsZero() {
		flags |= FlagPriority
	}
	n := len(f.BlockFragment)
	if f.Padded {
		n += 1 + int(f.PadLength)
	}
	if !f.Priority.IsZero() {
		n += 5
	}
	return FrameHeader{Length: uint32(n), Type: FrameHeaders, Flags: flags, StreamID: f.StreamID}
}

func (f *HeadersFrame) Summarize() string {
	return summarize(f.Header(), f.BlockFragment)
}

// PriorityFrame reprioritizes a stream with no other effect.
type PriorityFrame struct {
	StreamID uint32
	Priority PriorityParam
}

func (f *PriorityFrame) Header() FrameHeader {
	return FrameHeader{Length: 5, Type: FramePriority, StreamID: f.StreamID}
}

func (f *PriorityFrame) Summarize() string {
	return fmt.Sprintf("%s dep=%d exclusive=%t weight=%d",
		f.Header().Info(), f.Priority.StreamDep, f.Priority.Exclusive, f.Priority.Weight)
}

// RSTStreamFrame abnormally terminates a stream.
type RSTStreamFrame struct {
	StreamID uint32
	ErrCode  errcode.Code
}

func (f *RSTStreamFrame) Header() FrameHeader {
	return FrameHeader{Length: 4, Type: FrameRSTStream, StreamID: f.StreamID}
}

func (f *RSTStreamFrame) Summarize() string {
	return fmt.Sprintf("%s code=%s", f.Header().Info(), f.ErrCode)
}

// SettingID identifies a single setting in a SETTINGS frame.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var EnumNamesSettingID = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if s, ok := EnumNamesSettingID[id]; ok {
		return s
	}
	return fmt.Sprintf("UnknownSettingID(%#x)", uint16(id))
}

// Setting is a single ID/value pair in a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

// SettingsFrame conveys configuration parameters, or acknowledges them.
type SettingsFrame struct {
	Ack      bool
	Settings []Setting
}

func (f *SettingsFrame) Header() FrameHeader {
	var flags Flags
	if f.Ack {
		flags |= FlagAck
	}
	return FrameHeader{Length: uint32(6 * len(f.Settings)), Type: FrameSettings, Flags: flags}
}

func (f *SettingsFrame) Summarize() string {
	var buf bytes.Buffer
	buf.WriteString(f.Header().Info())
	for _, s := range f.Settings {
		_, _ = fmt.Fprintf(&buf, " %s=%d", s.ID, s.Val)
	}
	return buf.String()
}

// PushPromiseFrame reserves a server-initiated stream on the receiver.
type PushPromiseFrame struct {
	StreamID   uint32
	EndHeaders bool
	Padded     bool
	PadLength  uint8

	// PromiseID is the identifier of the stream being reserved.
	PromiseID uint32

	BlockFragment []byte
}

func (f *PushPromiseFrame) Header() FrameHeader {
	var flags Flags
	if f.EndHeaders {
		flags |= FlagEndHeaders
	}
	if f.Padded {
		flags |= FlagPadded
	}
	n := len(f.BlockFragment) + 4
	if f.Padded {
		n += 1 + int(f.PadLength)
	}
	return FrameHeader{Length: uint32(n), Type: FramePushPromise, Flags: flags, StreamID: f.StreamID}
}

func (f *PushPromiseFrame) Summarize() string {
	return fmt.Sprintf("%s promiseID=%d", summarize(f.Header(), f.BlockFragment), f.PromiseID)
}

// PingFrame measures round-trip time and checks connection liveness.
type PingFrame struct {
	Ack  bool
	Data [8]byte
}

func (f *PingFrame) Header() FrameHeader {
	var flags Flags
	if f.Ack {
		flags |= FlagAck
	}
	return FrameHeader{Length: 8, Type: FramePing, Flags: flags}
}

func (f *PingFrame) Summarize() string {
	return fmt.Sprintf("%s data=%x", f.Header().Info(), f.Data)
}

// GoAwayFrame initiates shutdown of a connection or signals a serious error.
type GoAwayFrame struct {
	LastStreamID uint32
	ErrCode      errcode.Code
	DebugData    []byte
}

func (f *GoAwayFrame) Header() FrameHeader {
	return FrameHeader{Length: uint32(8 + len(f.DebugData)), Type: FrameGoAway}
}

func (f *GoAwayFrame) Summarize() string {
	return fmt.Sprintf("%s lastStreamID=%d code=%s debug=%q",
		f.Header().Info(), f.LastStreamID, f.ErrCode, f.DebugData)
}

// WindowUpdateFrame grants additional flow-control credit. StreamID zero
// refills the connection-level window.
type WindowUpdateFrame struct {
	StreamID  uint32
	Increment uint32
}

func (f *WindowUpdateFrame) Header() FrameHeader {
	return FrameHeader{Length: 4, Type: FrameWindowUpdate, StreamID: f.StreamID}
}

func (f *WindowUpdateFrame) Summarize() string {
	return fmt.Sprintf("%s increment=%d", f.Header().Info(), f.Increment)
}

// ContinuationFrame carries the remainder of a header block started by a
// HEADERS or PUSH_PROMISE frame.
type ContinuationFrame struct {
	StreamID      uint32
	EndHeaders    bool
	BlockFragment []byte
}

func (f *ContinuationFrame) Header() FrameHeader {
	var flags Flags
	if f.EndHeaders {
		flags |= FlagEndHeaders
	}
	return FrameHeader{Length: uint32(len(f.BlockFragment)), Type: FrameContinuation, Flags: flags, StreamID: f.StreamID}
}

func (f *ContinuationFrame) Summarize() string {
	return summarize(f.Header(), f.BlockFragment)
}

// UnknownFrame is a frame of a type this implementation does not handle.
// Receivers discard it, as required by RFC 7540 section 4.1.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() FrameHeader {
	return f.FrameHeader
}

func (f *UnknownFrame) Summarize() string {
	return summarize(f.FrameHeader, f.Payload)
}

func summarize(h FrameHeader, payload []byte) string {
	var buf bytes.Buffer
	buf.WriteString(h.Info())
	const max = 256
	p := payload
	if len(p) > max {
		p = p[:max]
	}
	_, _ = fmt.Fprintf(&buf, " payload=%q", p)
	if len(payload) > max {
		_, _ = fmt.Fprintf(&buf, " (%d bytes omitted)", len(payload)-max)
	}
	return buf.String()
}
