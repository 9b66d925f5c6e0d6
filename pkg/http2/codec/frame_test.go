package codec

import (
	"bytes"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
)

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    Frame
		wantErr bool
		errMsg  string
	}{
		{
			name: "padded data with end stream",
			input: []byte{
				0x00, 0x00, 0x05, // length
				0x00,                   // type DATA
				0x09,                   // flags END_STREAM|PADDED
				0x00, 0x00, 0x00, 0x01, // stream ID
				0x02,       // pad length
				0x6f, 0x6b, // "ok"
				0x00, 0x00, // padding
			},
			want: &DataFrame{
				StreamID:  1,
				EndStream: true,
				Padded:    true,
				PadLength: 2,
				Data:      []byte("ok"),
			},
		},
		{
			name: "headers with priority block",
			input: []byte{
				0x00, 0x00, 0x08, // length
				0x01,                   // type HEADERS
				0x24,                   // flags END_HEADERS|PRIORITY
				0x00, 0x00, 0x00, 0x03, // stream ID
				0x80, 0x00, 0x00, 0x01, // exclusive dependency on stream 1
				0x0f,             // weight
				0x61, 0x62, 0x63, // block fragment
			},
			want: &HeadersFrame{
				StreamID:      3,
				EndHeaders:    true,
				Priority:      PriorityParam{StreamDep: 1, Exclusive: true, Weight: 15},
				BlockFragment: []byte("abc"),
			},
		},
		{
			name: "priority",
			input: []byte{
				0x00, 0x00, 0x05, // length
				0x02,                   // type PRIORITY
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x05, // stream ID
				0x00, 0x00, 0x00, 0x03, // dependency on stream 3
				0x0f, // weight
			},
			want: &PriorityFrame{
				StreamID: 5,
				Priority: PriorityParam{StreamDep: 3, Weight: 15},
			},
		},
		{
			name: "rst stream",
			input: []byte{
				0x00, 0x00, 0x04, // length
				0x03,                   // type RST_STREAM
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x05, // stream ID
				0x00, 0x00, 0x00, 0x08, // CANCEL
			},
			want: &RSTStreamFrame{StreamID: 5, ErrCode: errcode.Cancel},
		},
		{
			name: "settings",
			input: []byte{
				0x00, 0x00, 0x0c, // length
				0x04,                   // type SETTINGS
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x00, // stream ID
				0x00, 0x04, 0x00, 0x00, 0xff, 0xff, // INITIAL_WINDOW_SIZE = 65535
				0x00, 0x05, 0x00, 0x00, 0x40, 0x00, // MAX_FRAME_SIZE = 16384
			},
			want: &SettingsFrame{
				Settings: []Setting{
					{ID: SettingInitialWindowSize, Val: 65535},
					{ID: SettingMaxFrameSize, Val: 16384},
				},
			},
		},
		{
			name: "settings ack",
			input: []byte{
				0x00, 0x00, 0x00, // length
				0x04,                   // type SETTINGS
				0x01,                   // flags ACK
				0x00, 0x00, 0x00, 0x00, // stream ID
			},
			want: &SettingsFrame{Ack: true},
		},
		{
			name: "push promise",
			input: []byte{
				0x00, 0x00, 0x07, // length
				0x05,                   // type PUSH_PROMISE
				0x04,                   // flags END_HEADERS
				0x00, 0x00, 0x00, 0x01, // stream ID
				0x00, 0x00, 0x00, 0x02, // promised stream ID
				0x78, 0x79, 0x7a, // block fragment
			},
			want: &PushPromiseFrame{
				StreamID:      1,
				EndHeaders:    true,
				PromiseID:     2,
				BlockFragment: []byte("xyz"),
			},
		},
		{
			name: "ping",
			input: []byte{
				0x00, 0x00, 0x08, // length
				0x06,                   // type PING
				0x01,                   // flags ACK
				0x00, 0x00, 0x00, 0x00, // stream ID
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			},
			want: &PingFrame{Ack: true, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		},
		{
			name: "goaway",
			input: []byte{
				0x00, 0x00, 0x0b, // length
				0x07,                   // type GOAWAY
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x00, // stream ID
				0x00, 0x00, 0x00, 0x05, // last stream ID
				0x00, 0x00, 0x00, 0x02, // INTERNAL_ERROR
				0x62, 0x79, 0x65, // debug data "bye"
			},
			want: &GoAwayFrame{LastStreamID: 5, ErrCode: errcode.InternalError, DebugData: []byte("bye")},
		},
		{
			name: "window update on connection",
			input: []byte{
				0x00, 0x00, 0x04, // length
				0x08,                   // type WINDOW_UPDATE
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x00, // stream ID
				0x00, 0x00, 0x03, 0xe8, // increment 1000
			},
			want: &WindowUpdateFrame{StreamID: 0, Increment: 1000},
		},
		{
			name: "continuation",
			input: []byte{
				0x00, 0x00, 0x04, // length
				0x09,                   // type CONTINUATION
				0x04,                   // flags END_HEADERS
				0x00, 0x00, 0x00, 0x03, // stream ID
				0x74, 0x61, 0x69, 0x6c, // block fragment "tail"
			},
			want: &ContinuationFrame{StreamID: 3, EndHeaders: true, BlockFragment: []byte("tail")},
		},
		{
			name: "unknown frame type is surfaced for the caller to discard",
			input: []byte{
				0x00, 0x00, 0x02, // length
				0x0b,                   // unassigned type
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x01, // stream ID
				0xca, 0xfe,
			},
			want: &UnknownFrame{
				FrameHeader: FrameHeader{Length: 2, Type: 0x0b, StreamID: 1},
				Payload:     []byte{0xca, 0xfe},
			},
		},
		{
			name: "not long enough header",
			input: []byte{
				0x00, 0x00, 0x04, // length
				0x00, // type DATA
			},
			wantErr: true,
			errMsg:  "read fixed header",
		},
		{
			name: "truncated payload",
			input: []byte{
				0x00, 0x00, 0x04, // length
				0x00,                   // type DATA
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x01, // stream ID
				0x6f, 0x6b, // 2 of 4 promised octets
			},
			wantErr: true,
			errMsg:  "read frame payload",
		},
		{
			name: "too large frame",
			input: []byte{
				0x00, 0x40, 0x01, // length 16385
				0x00,                   // type DATA
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x01, // stream ID
			},
			wantErr: true,
			errMsg:  "frame too large",
		},
		{
			name: "data on stream zero",
			input: []byte{
				0x00, 0x00, 0x02, // length
				0x00,                   // type DATA
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x00, // stream ID
				0x6f, 0x6b,
			},
			wantErr: true,
			errMsg:  "DATA on stream 0",
		},
		{
			name: "pad length swallows whole payload",
			input: []byte{
				0x00, 0x00, 0x03, // length
				0x00,                   // type DATA
				0x08,                   // flags PADDED
				0x00, 0x00, 0x00, 0x01, // stream ID
				0x02,       // pad length
				0x00, 0x00, // padding only
			},
			wantErr: true,
			errMsg:  "pad length exceeds payload",
		},
		{
			name: "settings payload not multiple of six",
			input: []byte{
				0x00, 0x00, 0x05, // length
				0x04,                   // type SETTINGS
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x00, // stream ID
				0x00, 0x04, 0x00, 0x00, 0xff,
			},
			wantErr: true,
			errMsg:  "multiple of 6",
		},
		{
			name: "rst stream with wrong length",
			input: []byte{
				0x00, 0x00, 0x03, // length
				0x03,                   // type RST_STREAM
				0x00,                   // flags
				0x00, 0x00, 0x00, 0x05, // stream ID
				0x00, 0x00, 0x08,
			},
			wantErr: true,
			errMsg:  "must be 4 octets",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			framer := NewFramer(nil, bytes.NewReader(tt.input), zap.NewExample())
			frame, free, err := framer.ReadFrame()
			if free != nil {
				defer free()
			}

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			t.Log(frame.Summarize())
			re.Equal(tt.want, frame)
		})
	}
}

func TestWriteFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  []byte
	}{
		{
			name: "padded data",
			frame: &DataFrame{
				StreamID:  1,
				EndStream: true,
				Padded:    true,
				PadLength: 2,
				Data:      []byte("ok"),
			},
			want: []byte{
				0x00, 0x00, 0x05,
				0x00,
				0x09,
				0x00, 0x00, 0x00, 0x01,
				0x02,
				0x6f, 0x6b,
				0x00, 0x00,
			},
		},
		{
			name: "headers with priority block",
			frame: &HeadersFrame{
				StreamID:      3,
				EndHeaders:    true,
				Priority:      PriorityParam{StreamDep: 1, Exclusive: true, Weight: 15},
				BlockFragment: []byte("abc"),
			},
			want: []byte{
				0x00, 0x00, 0x08,
				0x01,
				0x24,
				0x00, 0x00, 0x00, 0x03,
				0x80, 0x00, 0x00, 0x01,
				0x0f,
				0x61, 0x62, 0x63,
			},
		},
		{
			name:  "rst stream",
			frame: &RSTStreamFrame{StreamID: 5, ErrCode: errcode.Cancel},
			want: []byte{
				0x00, 0x00, 0x04,
				0x03,
				0x00,
				0x00, 0x00, 0x00, 0x05,
				0x00, 0x00, 0x00, 0x08,
			},
		},
		{
			name: "settings",
			frame: &SettingsFrame{
				Settings: []Setting{
					{ID: SettingInitialWindowSize, Val: 65535},
					{ID: SettingMaxFrameSize, Val: 16384},
				},
			},
			want: []byte{
				0x00, 0x00, 0x0c,
				0x04,
				0x00,
				0x00, 0x00, 0x00, 0x00,
				0x00, 0x04, 0x00, 0x00, 0xff, 0xff,
				0x00, 0x05, 0x00, 0x00, 0x40, 0x00,
			},
		},
		{
			name:  "push promise",
			frame: &PushPromiseFrame{StreamID: 1, EndHeaders: true, PromiseID: 2, BlockFragment: []byte("xyz")},
			want: []byte{
				0x00, 0x00, 0x07,
				0x05,
				0x04,
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x02,
				0x78, 0x79, 0x7a,
			},
		},
		{
			name:  "window update",
			frame: &WindowUpdateFrame{StreamID: 0, Increment: 1000},
			want: []byte{
				0x00, 0x00, 0x04,
				0x08,
				0x00,
				0x00, 0x00, 0x00, 0x00,
				0x00, 0x00, 0x03, 0xe8,
			},
		},
		{
			name:  "goaway",
			frame: &GoAwayFrame{LastStreamID: 5, ErrCode: errcode.InternalError, DebugData: []byte("bye")},
			want: []byte{
				0x00, 0x00, 0x0b,
				0x07,
				0x00,
				0x00, 0x00, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x05,
				0x00, 0x00, 0x00, 0x02,
				0x62, 0x79, 0x65,
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			buf := &bytes.Buffer{}
			framer := NewFramer(buf, nil, zap.NewExample())
			err := framer.WriteFrame(tt.frame)

			re.NoError(err)
			re.Equal(tt.want, buf.Bytes())
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	faker := gofakeit.New(1)
	payload := []byte(faker.LetterN(1024))

	buf := &bytes.Buffer{}
	out := NewFramer(buf, nil, zap.NewExample())
	in := NewFramer(nil, buf, zap.NewExample())

	frames := []Frame{
		&HeadersFrame{StreamID: 1, EndHeaders: true, BlockFragment: payload[:128]},
		&DataFrame{StreamID: 1, Data: payload},
		&DataFrame{StreamID: 1, EndStream: true, Padded: true, PadLength: 7, Data: payload[:64]},
		&PingFrame{Data: [8]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}},
	}
	for _, f := range frames {
		re.NoError(out.WriteFrame(f))
	}
	for _, f := range frames {
		got, free, err := in.ReadFrame()
		re.NoError(err)
		re.Equal(f, got)
		if free != nil {
			free()
		}
	}
}

type errorWriter struct{}

func (ew *errorWriter) Write([]byte) (n int, err error) {
	return 0, errors.New("mock error")
}

func TestWriteFrameError(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	framer := NewFramer(&errorWriter{}, nil, zap.NewExample())
	err := framer.WriteFrame(&PingFrame{})
	re.ErrorContains(err, "write frame")
}
