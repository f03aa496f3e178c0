package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/go-mizu/claude-ide/bridge/internal/handshake"
	"github.com/go-mizu/claude-ide/mcp"
)

const (
	defaultPortMin = 50000
	defaultPortMax = 60000
)

// ErrAlreadyStopped is returned by Stop when the server is not running.
var ErrAlreadyStopped = errors.New("bridge: server not running")

// Server is the bridge's accept loop: it scans for a free port, binds,
// and promotes each accepted TCP connection through the handshake into a
// connection actor. Publishing the lock file is left to the caller.
type Server struct {
	log             *slog.Logger
	portMin         int
	portMax         int
	pendingCapacity int

	running atomic.Bool

	mu        sync.Mutex
	listener  net.Listener
	port      int
	authToken string
	cancel    context.CancelFunc
	group     *errgroup.Group

	reg        *registry
	fabric     *Fabric
	pending    *pendingQueue
	dispatcher *mcp.Dispatcher
}

// Option configures a Server, following the host module family's
// AppOption convention.
type Option func(*Server)

// WithLogger sets the logger. If nil, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPortRange overrides the default [50000, 60000] scan range.
func WithPortRange(min, max int) Option {
	return func(s *Server) {
		if min > 0 && max >= min {
			s.portMin, s.portMax = min, max
		}
	}
}

// New constructs a Server with conservative defaults.
func New(opts ...Option) *Server {
	s := &Server{
		log:             slog.Default(),
		portMin:         defaultPortMin,
		portMax:         defaultPortMax,
		pendingCapacity: 64,
		reg:             newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	s.fabric = newFabric(s.reg, s.log)
	s.pending = newPendingQueue(s.pendingCapacity, s.log)
	s.dispatcher = mcp.New(s.fabric, s.fabric.Diagnostics(), s.pending)
	return s
}

// Fabric exposes the broadcast fabric for the control channel.
func (s *Server) Fabric() *Fabric { return s.fabric }

// Dispatcher exposes the MCP dispatcher for the control channel's
// send_message routing.
func (s *Server) Dispatcher() *mcp.Dispatcher { return s.dispatcher }

// DrainPendingCommands removes and returns every queued openFile
// command, oldest first, for an out-of-band integration layer to act on.
func (s *Server) DrainPendingCommands() []PendingCommand { return s.pending.Drain() }

// ConnectedCount reports the number of currently registered clients.
func (s *Server) ConnectedCount() int { return s.reg.len() }

// IsRunning reports whether the accept loop is live.
func (s *Server) IsRunning() bool { return s.running.Load() }

// Port returns the bound port, or 0 if not running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// AuthToken returns the current session's bearer token, or "" if not
// running.
func (s *Server) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// Start selects a port, mints a token, binds, and spawns the accept
// loop. It is idempotent: a second call while already running returns
// the existing port and token without rebinding.
func (s *Server) Start(ctx context.Context) (port int, token string, err error) {
	s.mu.Lock()
	if s.running.Load() {
		port, token = s.port, s.authToken
		s.mu.Unlock()
		return port, token, nil
	}

	listener, boundPort, err := scanAndBind(s.portMin, s.portMax)
	if err != nil {
		s.mu.Unlock()
		return 0, "", fmt.Errorf("bridge: failed to bind a port in [%d,%d]: %w", s.portMin, s.portMax, err)
	}

	s.listener = listener
	s.port = boundPort
	s.authToken = uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group

	port, token = s.port, s.authToken
	s.running.Store(true)
	s.mu.Unlock()

	s.log.Info("bridge: server starting", "addr", listener.Addr().String(), "pid", os.Getpid(), "port", port)

	group.Go(func() error {
		return s.acceptLoop(groupCtx, listener)
	})

	return port, token, nil
}

// Stop clears the running flag, closes the listener (which unwinds the
// accept loop), and waits for the accept loop to return. Connections
// that were already upgraded are not closed: their actors stay
// registered and keep serving until the client disconnects.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return ErrAlreadyStopped
	}
	listener := s.listener
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()

	s.running.Store(false)
	if cancel != nil {
		cancel()
	}
	if listener != nil {
		_ = listener.Close()
	}
	if group != nil {
		_ = group.Wait()
	}

	s.mu.Lock()
	s.listener = nil
	s.port = 0
	s.authToken = ""
	s.mu.Unlock()

	s.log.Info("bridge: server stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || !s.running.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	br := bufio.NewReaderSize(conn, readBufferSize)

	req, err := handshake.ReadRequest(br)
	if err != nil {
		s.log.Debug("bridge: rejecting malformed upgrade request", "err", err)
		_, _ = conn.Write(handshake.ErrorResponse(err))
		conn.Close()
		return
	}

	token := s.AuthToken()
	if err := handshake.Validate(req, token); err != nil {
		s.log.Warn("bridge: rejecting upgrade", "err", err)
		_, _ = conn.Write(handshake.ErrorResponse(err))
		conn.Close()
		return
	}

	if _, err := conn.Write(handshake.Response(req)); err != nil {
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	session := newSession(clientID)
	s.reg.add(session)
	s.log.Info("bridge: client connected", "client_id", clientID)

	a := newActor(session, conn, br, s.dispatcher, s.reg, s.log)
	a.run()

	s.log.Info("bridge: client disconnected", "client_id", clientID)
}

// scanAndBind sweeps [min,max] ascending, binding 127.0.0.1:p. The
// first candidate that binds is kept as the server's listener, so there
// is no release-and-rebind window in which another process could take
// the port.
func scanAndBind(min, max int) (net.Listener, int, error) {
	for p := min; p <= max; p++ {
		addr := fmt.Sprintf("127.0.0.1:%d", p)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		return l, p, nil
	}
	return nil, 0, fmt.Errorf("no free port available in [%d,%d]", min, max)
}
