package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/util/logutil"
)

// ErrServerClosed is returned by the Server's Serve method after a call to
// Shutdown.
var ErrServerClosed = errors.New("http2: server closed")

// Server accepts connections and serves each on its own goroutine.
type Server struct {
	opts Options

	shuttingDown atomic.Bool

	ctx context.Context
	lg  *zap.Logger

	mu          sync.Mutex
	listeners   map[*net.Listener]struct{}
	activeConns map[*Conn]struct{}
	doneChan    chan struct{}

	listenerGroup sync.WaitGroup
	connGroup     sync.WaitGroup
}

// NewServer creates a server. Peer-initiated streams are delivered to
// opts.Handler.
func NewServer(ctx context.Context, opts Options, logger *zap.Logger) *Server {
	return &Server{
		opts: opts,
		ctx:  ctx,
		lg:   logger,
	}
}

// Serve accepts incoming connections on the Listener l, performing the
// HTTP/2 handshake and dispatching frames on a service goroutine per
// connection.
//
// Serve always returns a non-nil error and closes l. After Shutdown, the
// returned error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer func() { _ = l.Close() }()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	logger := s.lg
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := l.Accept()
		if err != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("listener accept failed", zap.Duration("retry-in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		c := NewConn(rw, RoleServer, s.opts, s.lg.With(zap.String("remote-addr", rw.RemoteAddr().String())))
		s.trackConn(c, true)
		go func() {
			defer logutil.LogPanic(s.lg)
			defer s.trackConn(c, false)
			if err := c.Handshake(); err != nil {
				s.lg.Error("handshake failed", zap.Error(err))
				c.Close()
				return
			}
			_ = c.Serve()
		}()
	}
}

// Shutdown gracefully shuts down the server: it closes all open listeners,
// sends GOAWAY on every active connection, and waits for them to drain.
// If the provided context expires before the shutdown is complete, Shutdown
// returns the context's error.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.lg
	if s.shuttingDown.Swap(true) {
		logger.Warn("server is already shutting down")
		return nil
	}

	logger.Info("start to close http2 server")
	s.mu.Lock()
	err := s.closeListenersLocked()
	s.closeDoneChanLocked()
	for c := range s.activeConns {
		c.Shutdown()
	}
	s.mu.Unlock()
	s.listenerGroup.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.connGroup.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.mu.Lock()
		for c := range s.activeConns {
			c.Close()
		}
		s.mu.Unlock()
	}

	logger.Info("http2 server closed", zap.Error(err))
	return err
}

func (s *Server) isShuttingDown() bool {
	return s.shuttingDown.Load()
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners. It reports whether the server is still up.
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.isShuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) trackConn(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConns == nil {
		s.activeConns = make(map[*Conn]struct{})
	}
	if add {
		s.activeConns[c] = struct{}{}
		s.connGroup.Add(1)
	} else {
		delete(s.activeConns, c)
		s.connGroup.Done()
	}
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDoneChanLocked()
}

func (s *Server) getDoneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (s *Server) closeDoneChanLocked() {
	ch := s.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// onceCloseListener wraps a net.Listener, protecting it from multiple Close
// calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}
