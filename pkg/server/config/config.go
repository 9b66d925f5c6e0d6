package config

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/codec"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/conn"
)

const (
	_envPrefix = "H2"

	_defaultAddr                 = "127.0.0.1:8443"
	_defaultInitialWindowSize    = conn.DefaultInitialWindowSize
	_defaultMaxFrameSize         = codec.DefaultMaxFrameSize
	_defaultMaxConcurrentStreams = 128
	_defaultEnablePush           = true
	_defaultShutdownTimeout      = 10 * time.Second
)

// Config is the configuration for the h2server command.
type Config struct {
	Log    *Log
	Server *Server

	lg *zap.Logger
}

// Server is the configuration for the listening endpoint.
type Server struct {
	// Addr is the address the server listens on, in the form "host:port".
	Addr string

	// InitialWindowSize is the per-stream receive window advertised in the
	// initial SETTINGS frame.
	InitialWindowSize uint32
	// MaxFrameSize is the largest frame payload the server is willing to
	// receive.
	MaxFrameSize uint32
	// MaxConcurrentStreams bounds the number of streams a peer may have
	// active at once. Zero means unlimited.
	MaxConcurrentStreams uint32
	// EnablePush advertises whether the peer may send PUSH_PROMISE frames.
	EnablePush bool

	// ShutdownTimeout is how long a graceful shutdown waits for in-flight
	// streams before tearing connections down.
	ShutdownTimeout time.Duration
}

// NewConfig creates a new config from command-line arguments, environment
// variables, and an optional configuration file.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{
		Log:    NewLog(),
		Server: &Server{},
	}

	v := newViper()
	fs := newFlagSet(errOutput)
	configure(v, fs)

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	if c != "" {
		v.SetConfigFile(c)
		err = v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	// new and set logger (first thing after configuration loaded)
	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log config")
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	cfg.lg = logger

	if configFile := v.ConfigFileUsed(); configFile != "" {
		logger.Debug("load configuration from file", zap.String("file-name", configFile))
	}

	return cfg, nil
}

// Validate checks whether the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("empty listen address")
	}
	if err := c.Settings().Validate(); err != nil {
		return err
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.Errorf("invalid shutdown timeout `%s`", c.Server.ShutdownTimeout)
	}
	return nil
}

// Settings renders the server configuration as the local SETTINGS to
// advertise.
func (c *Config) Settings() conn.Settings {
	s := conn.DefaultSettings()
	s.InitialWindowSize = c.Server.InitialWindowSize
	s.MaxFrameSize = c.Server.MaxFrameSize
	s.MaxConcurrentStreams = c.Server.MaxConcurrentStreams
	s.EnablePush = c.Server.EnablePush
	return s
}

// Logger returns the logger generated based on the config.
func (c *Config) Logger() *zap.Logger {
	return c.lg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	return v
}

func newFlagSet(errOutput io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("h2server", pflag.ContinueOnError)
	fs.SetOutput(errOutput)
	return fs
}

func configure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("addr", _defaultAddr, "address to listen on")
	_ = v.BindPFlag("server.addr", fs.Lookup("addr"))
	fs.Uint32("initial-window-size", _defaultInitialWindowSize, "per-stream receive window advertised to peers, in octets")
	_ = v.BindPFlag("server.initialWindowSize", fs.Lookup("initial-window-size"))
	fs.Uint32("max-frame-size", _defaultMaxFrameSize, "largest acceptable frame payload, in octets")
	_ = v.BindPFlag("server.maxFrameSize", fs.Lookup("max-frame-size"))
	fs.Uint32("max-concurrent-streams", _defaultMaxConcurrentStreams, "number of streams a peer may have active at once (zero for unlimited)")
	_ = v.BindPFlag("server.maxConcurrentStreams", fs.Lookup("max-concurrent-streams"))
	fs.Bool("enable-push", _defaultEnablePush, "whether the peer may send PUSH_PROMISE frames")
	_ = v.BindPFlag("server.enablePush", fs.Lookup("enable-push"))
	fs.Duration("shutdown-timeout", _defaultShutdownTimeout, "time to wait for in-flight streams on graceful shutdown")
	_ = v.BindPFlag("server.shutdownTimeout", fs.Lookup("shutdown-timeout"))

	logConfigure(v, fs)
}
