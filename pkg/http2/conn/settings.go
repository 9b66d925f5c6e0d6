package conn

import (
	"github.com/pkg/errors"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec/errcode"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/stream"
)

const (
	// DefaultInitialWindowSize is the flow-control window size every stream
	// starts with before SETTINGS are exchanged.
	DefaultInitialWindowSize = 65535

	// DefaultHeaderTableSize is the initial HPACK dynamic table size.
	DefaultHeaderTableSize = 4096
)

// Settings is one endpoint's set of SETTINGS parameters.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32 // zero means unlimited
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32 // zero means unlimited
}

// DefaultSettings returns the initial values RFC 7540 section 6.5.2 assigns
// before any SETTINGS frame is received.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:   DefaultHeaderTableSize,
		EnablePush:        true,
		InitialWindowSize: DefaultInitialWindowSize,
		MaxFrameSize:      codec.DefaultMaxFrameSize,
	}
}

// Apply merges the parameters of a SETTINGS frame into s, validating each
// one per RFC 7540 section 6.5.2. Unknown identifiers are ignored.
func (s *Settings) Apply(params []codec.Setting) error {
	for _, p := range params {
		switch p.ID {
		case codec.SettingHeaderTableSize:
			s.HeaderTableSize = p.Val
		case codec.SettingEnablePush:
			if p.Val > 1 {
				return codec.ConnError{Code: errcode.ProtocolError, Reason: "ENABLE_PUSH must be 0 or 1"}
			}
			s.EnablePush = p.Val == 1
		case codec.SettingMaxConcurrentStreams:
			s.MaxConcurrentStreams = p.Val
		case codec.SettingInitialWindowSize:
			if p.Val > stream.MaxWindowSize {
				return codec.ConnError{Code: errcode.FlowControlError, Reason: "INITIAL_WINDOW_SIZE exceeds maximum window size"}
			}
			s.InitialWindowSize = p.Val
		case codec.SettingMaxFrameSize:
			if p.Val < codec.DefaultMaxFrameSize || p.Val > codec.MaxAllowedFrameSize {
				return codec.ConnError{Code: errcode.ProtocolError, Reason: "MAX_FRAME_SIZE out of range"}
			}
			s.MaxFrameSize = p.Val
		default:
			// "An endpoint that receives a SETTINGS frame with any unknown or
			// unsupported identifier MUST ignore that setting."
		}
	}
	return nil
}

// Frame renders the non-default parameters of s as a SETTINGS frame.
func (s Settings) Frame() *codec.SettingsFrame {
	def := DefaultSettings()
	f := &codec.SettingsFrame{}
	add := func(id codec.SettingID, val uint32) {
		f.Settings = append(f.Settings, codec.Setting{ID: id, Val: val})
	}
	if s.HeaderTableSize != def.HeaderTableSize {
		add(codec.SettingHeaderTableSize, s.HeaderTableSize)
	}
	if s.EnablePush != def.EnablePush {
		var v uint32
		if s.EnablePush {
			v = 1
		}
		add(codec.SettingEnablePush, v)
	}
	if s.MaxConcurrentStreams != 0 {
		add(codec.SettingMaxConcurrentStreams, s.MaxConcurrentStreams)
	}
	if s.InitialWindowSize != def.InitialWindowSize {
		add(codec.SettingInitialWindowSize, s.InitialWindowSize)
	}
	if s.MaxFrameSize != def.MaxFrameSize {
		add(codec.SettingMaxFrameSize, s.MaxFrameSize)
	}
	if s.MaxHeaderListSize != 0 {
		add(codec.SettingMaxHeaderListSize, s.MaxHeaderListSize)
	}
	return f
}

// Validate checks that s itself is a legal set of parameters to advertise.
func (s Settings) Validate() error {
	if s.InitialWindowSize > stream.MaxWindowSize {
		return errors.Errorf("invalid initial window size `%d`", s.InitialWindowSize)
	}
	if s.MaxFrameSize != 0 && (s.MaxFrameSize < codec.DefaultMaxFrameSize || s.MaxFrameSize > codec.MaxAllowedFrameSize) {
		return errors.Errorf("invalid max frame size `%d`", s.MaxFrameSize)
	}
	return nil
}
