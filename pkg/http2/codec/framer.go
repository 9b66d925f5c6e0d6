package codec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
)

// Framer reads and writes Frames
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed header portion of the frame
	fixedBuf [FixedHeaderLen]byte
	// maxReadSize is the largest payload the peer may send us, set from our
	// SETTINGS_MAX_FRAME_SIZE
	maxReadSize uint32

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	return &Framer{
		w:           w,
		r:           r,
		maxReadSize: DefaultMaxFrameSize,
		lg:          logger,
	}
}

// SetMaxReadFrameSize bounds the payload size of frames accepted by
// ReadFrame. n is clamped to the range the protocol allows.
func (fr *Framer) SetMaxReadFrameSize(n uint32) {
	if n < DefaultMaxFrameSize {
		n = DefaultMaxFrameSize
	}
	if n > MaxAllowedFrameSize {
		n = MaxAllowedFrameSize
	}
	fr.maxReadSize = n
}

// ReadFrame reads a single frame. The returned free function, when non-nil,
// must be called once the frame is no longer needed; the frame's payload
// slices are invalid afterwards.
func (fr *Framer) ReadFrame() (Frame, func(), error) {
	logger := fr.lg

	buf := fr.fixedBuf[:FixedHeaderLen]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read fixed header")
	}

	h := FrameHeader{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     FrameType(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:]) & (1<<31 - 1),
	}
	if h.Length > fr.maxReadSize {
		logger.Error("illegal frame length, greater than maximum",
			zap.Uint32("frame-length", h.Length), zap.Uint32("max-length", fr.maxReadSize))
		return nil, nil, ConnError{Code: errcode.FrameSizeError, Reason: "frame too large"}
	}

	payload := mcache.Malloc(int(h.Length))
	free := func() { mcache.Free(payload) }
	_, err = io.ReadFull(fr.r, payload)
	if err != nil {
		free()
		return nil, nil, errors.Wrap(err, "read frame payload")
	}

	f, err := parseFrame(h, payload)
	if err != nil {
		logger.Error("failed to parse frame", zap.String("frame", h.Info()), zap.Error(err))
		free()
		return nil, nil, err
	}
	return f, free, nil
}

func parseFrame(h FrameHeader, payload []byte) (Frame, error) {
	switch h.Type {
	case FrameData:
		return parseDataFrame(h, payload)
	case FrameHeaders:
		return parseHeadersFrame(h, payload)
	case FramePriority:
		return parsePriorityFrame(h, payload)
	case FrameRSTStream:
		return parseRSTStreamFrame(h, payload)
	case FrameSettings:
		return parseSettingsFrame(h, payload)
	case FramePushPromise:
		return parsePushPromiseFrame(h, payload)
	case FramePing:
		return parsePingFrame(h, payload)
	case FrameGoAway:
		return parseGoAwayFrame(h, payload)
	case FrameWindowUpdate:
		return parseWindowUpdateFrame(h, payload)
	case FrameContinuation:
		return parseContinuationFrame(h, payload)
	default:
		return &UnknownFrame{FrameHeader: h, Payload: payload}, nil
	}
}

// stripPadding removes the pad-length octet and the trailing padding when the
// PADDED flag is set. It returns the remaining payload and the pad length.
func stripPadding(h FrameHeader, payload []byte) ([]byte, uint8, error) {
	if !h.Flags.Has(FlagPadded) {
		return payload, 0, nil
	}
	if len(payload) == 0 {
		return nil, 0, ConnError{Code: errcode.ProtocolError, Reason: "padded frame missing pad length"}
	}
	padLen := payload[0]
	payload = payload[1:]
	if int(padLen) >= len(payload) {
		// The padding must leave at least one octet after the pad-length
		// octet; a pad length equal to or larger than that remainder is a
		// connection error.
		return nil, 0, ConnError{Code: errcode.ProtocolError, Reason: "pad length exceeds payload"}
	}
	return payload[:len(payload)-int(padLen)], padLen, nil
}

func parseDataFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "DATA on stream 0"}
	}
	data, padLen, err := stripPadding(h, payload)
	if err != nil {
		return nil, err
	}
	return &DataFrame{
		StreamID:  h.StreamID,
		EndStream: h.Flags.Has(FlagEndStream),
		Padded:    h.Flags.Has(FlagPadded),
		PadLength: padLen,
		Data:      data,
	}, nil
}

func parsePriorityParam(b []byte) PriorityParam {
	dep := binary.BigEndian.Uint32(b)
	return PriorityParam{
		StreamDep: dep & (1<<31 - 1),
		Exclusive: dep>>31 == 1,
		Weight:    b[4],
	}
}

func parseHeadersFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "HEADERS on stream 0"}
	}
	block, padLen, err := stripPadding(h, payload)
	if err != nil {
		return nil, err
	}
	f := &HeadersFrame{
		StreamID:   h.StreamID,
		EndStream:  h.Flags.Has(FlagEndStream),
		EndHeaders: h.Flags.Has(FlagEndHeaders),
		Padded:     h.Flags.Has(FlagPadded),
		PadLength:  padLen,
	}
	if h.Flags.Has(FlagPriority) {
		if len(block) < 5 {
			return nil, ConnError{Code: errcode.FrameSizeError, Reason: "HEADERS priority block truncated"}
		}
		f.Priority = parsePriorityParam(block)
		block = block[5:]
	}
	f.BlockFragment = block
	return f, nil
}

func parsePriorityFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "PRIORITY on stream 0"}
	}
	if len(payload) != 5 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "PRIORITY payload must be 5 octets"}
	}
	return &PriorityFrame{StreamID: h.StreamID, Priority: parsePriorityParam(payload)}, nil
}

func parseRSTStreamFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "RST_STREAM on stream 0"}
	}
	if len(payload) != 4 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "RST_STREAM payload must be 4 octets"}
	}
	return &RSTStreamFrame{StreamID: h.StreamID, ErrCode: errcode.Code(binary.BigEndian.Uint32(payload))}, nil
}

func parseSettingsFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "SETTINGS on non-zero stream"}
	}
	if h.Flags.Has(FlagAck) && len(payload) != 0 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "SETTINGS ack with payload"}
	}
	if len(payload)%6 != 0 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "SETTINGS payload not a multiple of 6 octets"}
	}
	f := &SettingsFrame{Ack: h.Flags.Has(FlagAck)}
	for i := 0; i < len(payload); i += 6 {
		f.Settings = append(f.Settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(payload[i:])),
			Val: binary.BigEndian.Uint32(payload[i+2:]),
		})
	}
	return f, nil
}

func parsePushPromiseFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "PUSH_PROMISE on stream 0"}
	}
	block, padLen, err := stripPadding(h, payload)
	if err != nil {
		return nil, err
	}
	if len(block) < 4 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "PUSH_PROMISE missing promised stream ID"}
	}
	return &PushPromiseFrame{
		StreamID:      h.StreamID,
		EndHeaders:    h.Flags.Has(FlagEndHeaders),
		Padded:        h.Flags.Has(FlagPadded),
		PadLength:     padLen,
		PromiseID:     binary.BigEndian.Uint32(block) & (1<<31 - 1),
		BlockFragment: block[4:],
	}, nil
}

func parsePingFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "PING on non-zero stream"}
	}
	if len(payload) != 8 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "PING payload must be 8 octets"}
	}
	f := &PingFrame{Ack: h.Flags.Has(FlagAck)}
	copy(f.Data[:], payload)
	return f, nil
}

func parseGoAwayFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "GOAWAY on non-zero stream"}
	}
	if len(payload) < 8 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "GOAWAY payload too short"}
	}
	return &GoAwayFrame{
		LastStreamID: binary.BigEndian.Uint32(payload) & (1<<31 - 1),
		ErrCode:      errcode.Code(binary.BigEndian.Uint32(payload[4:])),
		DebugData:    payload[8:],
	}, nil
}

func parseWindowUpdateFrame(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) != 4 {
		return nil, ConnError{Code: errcode.FrameSizeError, Reason: "WINDOW_UPDATE payload must be 4 octets"}
	}
	return &WindowUpdateFrame{
		StreamID:  h.StreamID,
		Increment: binary.BigEndian.Uint32(payload) & (1<<31 - 1),
	}, nil
}

func parseContinuationFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, ConnError{Code: errcode.ProtocolError, Reason: "CONTINUATION on stream 0"}
	}
	return &ContinuationFrame{
		StreamID:      h.StreamID,
		EndHeaders:    h.Flags.Has(FlagEndHeaders),
		BlockFragment: payload,
	}, nil
}

// WriteFrame writes a frame.
//
// It performs exactly one Write to the underlying Writer. It is the caller's
// responsibility not to violate the negotiated maximum frame size and to not
// call other Write methods concurrently.
func (fr *Framer) WriteFrame(f Frame) error {
	fr.startWrite(f.Header())

	switch f := f.(type) {
	case *DataFrame:
		if f.Padded {
			fr.wbuf = append(fr.wbuf, f.PadLength)
		}
		fr.wbuf = append(fr.wbuf, f.Data...)
		fr.appendPadding(f.Padded, f.PadLength)
	case *HeadersFrame:
		if f.Padded {
			fr.wbuf = append(fr.wbuf, f.PadLength)
		}
		if !f.Priority.IsZero() {
			fr.appendPriorityParam(f.Priority)
		}
		fr.wbuf = append(fr.wbuf, f.BlockFragment...)
		fr.appendPadding(f.Padded, f.PadLength)
	case *PriorityFrame:
		fr.appendPriorityParam(f.Priority)
	case *RSTStreamFrame:
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, uint32(f.ErrCode))
	case *SettingsFrame:
		for _, s := range f.Settings {
			fr.wbuf = binary.BigEndian.AppendUint16(fr.wbuf, uint16(s.ID))
			fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, s.Val)
		}
	case *PushPromiseFrame:
		if f.Padded {
			fr.wbuf = append(fr.wbuf, f.PadLength)
		}
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, f.PromiseID&(1<<31-1))
		fr.wbuf = append(fr.wbuf, f.BlockFragment...)
		fr.appendPadding(f.Padded, f.PadLength)
	case *PingFrame:
		fr.wbuf = append(fr.wbuf, f.Data[:]...)
	case *GoAwayFrame:
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, f.LastStreamID&(1<<31-1))
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, uint32(f.ErrCode))
		fr.wbuf = append(fr.wbuf, f.DebugData...)
	case *WindowUpdateFrame:
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, f.Increment&(1<<31-1))
	case *ContinuationFrame:
		fr.wbuf = append(fr.wbuf, f.BlockFragment...)
	case *UnknownFrame:
		fr.wbuf = append(fr.wbuf, f.Payload...)
	default:
		return errors.Errorf("unhandled frame type %T", f)
	}

	return fr.endWrite()
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// Available returns how many bytes are unused in the write buffer.
func (fr *Framer) Available() int {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Available()
	}
	return 0
}

// Write the fixed header. The length field is filled in by endWrite.
func (fr *Framer) startWrite(h FrameHeader) {
	fr.wbuf = append(fr.wbuf[:0],
		0, 0, 0, // 3 bytes of frame length, will be filled in endWrite
		byte(h.Type),
		byte(h.Flags))
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, h.StreamID&(1<<31-1))
}

func (fr *Framer) endWrite() error {
	logger := fr.lg
	length := len(fr.wbuf) - FixedHeaderLen
	if length > MaxAllowedFrameSize {
		logger.Error("frame too large, greater than maximum",
			zap.Int("frame-length", length), zap.Uint32("max-length", MaxAllowedFrameSize))
		return errors.New("frame too large")
	}
	fr.wbuf[0] = byte(length >> 16)
	fr.wbuf[1] = byte(length >> 8)
	fr.wbuf[2] = byte(length)

	_, err := fr.w.Write(fr.wbuf)
	if err != nil {
		logger.Error("failed to write frame", zap.Error(err))
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (fr *Framer) appendPriorityParam(p PriorityParam) {
	dep := p.StreamDep & (1<<31 - 1)
	if p.Exclusive {
		dep |= 1 << 31
	}
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, dep)
	fr.wbuf = append(fr.wbuf, p.Weight)
}

func (fr *Framer) appendPadding(padded bool, padLen uint8) {
	if !padded {
		return
	}
	for i := uint8(0); i < padLen; i++ {
		fr.wbuf = append(fr.wbuf, 0)
	}
}
