package config

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	opt := goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun")
	goleak.VerifyTestMain(m, opt)
}

func TestNewConfig(t *testing.T) {
	type args struct {
		arguments []string
	}
	type want struct {
		server  Server
		level   string
		wantErr bool
		errMsg  string
	}
	tests := []struct {
		name string
		args args
		want want
	}{
		{
			name: "default config",
			args: args{arguments: []string{}},
			want: want{
				server: Server{
					Addr:                 "127.0.0.1:8443",
					InitialWindowSize:    65535,
					MaxFrameSize:         16384,
					MaxConcurrentStreams: 128,
					EnablePush:           true,
					ShutdownTimeout:      10 * time.Second,
				},
				level: "INFO",
			},
		},
		{
			name: "config from command line",
			args: args{arguments: []string{
				"--addr=0.0.0.0:9443",
				"--initial-window-size=1048576",
				"--max-frame-size=65536",
				"--max-concurrent-streams=42",
				"--enable-push=false",
				"--shutdown-timeout=3s",
				"--log-level=DEBUG",
			}},
			want: want{
				server: Server{
					Addr:                 "0.0.0.0:9443",
					InitialWindowSize:    1 << 20,
					MaxFrameSize:         1 << 16,
					MaxConcurrentStreams: 42,
					EnablePush:           false,
					ShutdownTimeout:      3 * time.Second,
				},
				level: "DEBUG",
			},
		},
		{
			name: "bad log level",
			args: args{arguments: []string{"--log-level=NOISY"}},
			want: want{wantErr: true, errMsg: "parse log level"},
		},
		{
			name: "unknown flag",
			args: args{arguments: []string{"--no-such-flag"}},
			want: want{wantErr: true, errMsg: "unknown flag"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			cfg, err := NewConfig(tt.args.arguments, io.Discard)
			if tt.want.wantErr {
				re.ErrorContains(err, tt.want.errMsg)
				return
			}
			re.NoError(err)
			re.Equal(tt.want.server, *cfg.Server)
			re.Equal(tt.want.level, cfg.Log.Level)
			re.NotNil(cfg.Logger())
			re.NoError(cfg.Validate())
		})
	}
}

func TestSettingsFromConfig(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cfg, err := NewConfig([]string{"--initial-window-size=131070", "--enable-push=false"}, io.Discard)
	re.NoError(err)

	s := cfg.Settings()
	re.Equal(uint32(131070), s.InitialWindowSize)
	re.False(s.EnablePush)
	re.NoError(s.Validate())
}
