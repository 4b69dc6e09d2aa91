package sshserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/ruifung/mcswrappr/internal/auth"
	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/logutil"
	"github.com/ruifung/mcswrappr/internal/sshkeys"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("sshserver: server closed")

const (
	DefaultPrompt           = "> "
	DefaultHandshakeTimeout = 10 * time.Second

	extAuthMethod   = "auth-method"
	extFingerprint  = "pubkey-fp"
	transportName   = "ssh"
	serverVersionID = "SSH-2.0-mcswrappr"
)

// Audit event types.
const (
	EventLoginSuccess = "login_success"
	EventLoginFailure = "login_failure"
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
)

// Event describes an authentication or session lifecycle event.
type Event struct {
	Type       string
	User       string
	RemoteAddr string
	SessionID  string
	Details    string
	Duration   time.Duration
}

// Attacher is the part of the console multiplexer the server needs.
type Attacher interface {
	AttachRemote(in console.LineReader, out console.LineWriter, onClose func(), opts ...console.AttachOption) (*console.Session, error)
	Detach(s *console.Session) error
}

type Options struct {
	HostKey     ssh.Signer
	Credentials auth.Credentials
	// AuthorizedKeysPath is re-read on every public key attempt.
	AuthorizedKeysPath string
	Prompt             string
	// Greeting is printed to a session after the replay.
	Greeting         string
	HandshakeTimeout time.Duration
	OnEvent          func(Event)
	Logger           *zap.Logger
}

type Server struct {
	opts   Options
	mux    Attacher
	config *ssh.ServerConfig
	log    *zap.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[*ssh.ServerConn]struct{}
	wg        conc.WaitGroup
}

// New creates a server attaching shells to mux. HostKey is required.
func New(opts Options, mux Attacher) (*Server, error) {
	if opts.HostKey == nil {
		return nil, errors.New("sshserver: host key required")
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		opts:      opts,
		mux:       mux,
		log:       opts.Logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*ssh.ServerConn]struct{}),
	}
	s.config = s.serverConfig()
	return s, nil
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion:     serverVersionID,
		PublicKeyCallback: s.checkPublicKey,
		AuthLogCallback: func(conn ssh.ConnMetadata, method string, err error) {
			if err == nil || method == "none" {
				return
			}
			s.opts.OnEvent(Event{
				Type:       EventLoginFailure,
				User:       conn.User(),
				RemoteAddr: conn.RemoteAddr().String(),
				Details:    method,
			})
			s.log.Warn("ssh authentication failed",
				zap.String("user", logutil.SanitizeForLog(conn.User())),
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.String("method", method),
			)
		},
	}
	if s.opts.Credentials.PasswordEnabled() {
		cfg.PasswordCallback = s.checkPassword
	}
	cfg.AddHostKey(s.opts.HostKey)
	return cfg
}

func (s *Server) checkPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if err := s.opts.Credentials.Verify(conn.User(), string(password)); err != nil {
		return nil, err
	}
	return &ssh.Permissions{Extensions: map[string]string{extAuthMethod: "password"}}, nil
}

func (s *Server) checkPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if conn.User() != s.opts.Credentials.User {
		return nil, fmt.Errorf("unknown user %q", conn.User())
	}
	if s.opts.AuthorizedKeysPath == "" {
		return nil, errors.New("public key authentication disabled")
	}
	ok, err := sshkeys.IsAuthorized(s.opts.AuthorizedKeysPath, key)
	if err != nil {
		s.log.Warn("authorized keys file has errors", zap.Error(err))
	}
	if !ok {
		return nil, errors.New("public key not authorized")
	}
	return &ssh.Permissions{Extensions: map[string]string{
		extAuthMethod:  "publickey",
		extFingerprint: sshkeys.Fingerprint(key),
	}}, nil
}

// ListenAndServe listens on addr and serves until ctx is done or Close is
// called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called,
// then returns ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("ssh server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("host_key", sshkeys.Fingerprint(s.opts.HostKey.PublicKey())),
	)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Go(func() { s.handleConn(nc) })
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops all listeners, disconnects every client and waits for their
// handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) track(c *ssh.ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *ssh.ServerConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConn(nc net.Conn) {
	nc.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		s.log.Debug("ssh handshake failed",
			zap.String("remote_addr", nc.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}
	nc.SetDeadline(time.Time{})

	if !s.track(conn) {
		conn.Close()
		return
	}
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()

	method := conn.Permissions.Extensions[extAuthMethod]
	details := method
	if fp := conn.Permissions.Extensions[extFingerprint]; fp != "" {
		details += " " + fp
	}
	s.opts.OnEvent(Event{
		Type:       EventLoginSuccess,
		User:       conn.User(),
		RemoteAddr: conn.RemoteAddr().String(),
		Details:    details,
	})
	s.log.Info("ssh login",
		zap.String("user", logutil.SanitizeForLog(conn.User())),
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.String("method", method),
	)

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			s.log.Debug("accept channel failed", zap.Error(err))
			continue
		}
		s.wg.Go(func() { s.handleSession(conn, ch, requests) })
	}
}
