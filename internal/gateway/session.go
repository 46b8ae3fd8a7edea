package gateway

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"shellq/internal/protocol"
	logx "shellq/pkg/logx"
)

// authTimeout bounds how long an accepted connection may dawdle before
// presenting the secret.
const authTimeout = 30 * time.Second

// session is the per-connection state: Accepted -> Authenticating ->
// Authenticated -> Closed (or Accepted -> Closed on auth failure). It is
// owned exclusively by its handler goroutine and dies with the connection.
type session struct {
	id   string
	g    *Gateway
	conn net.Conn
	log  logx.Logger
}

func newSession(g *Gateway, conn net.Conn) *session {
	id := uuid.NewString()[:8]
	return &session{
		id:   id,
		g:    g,
		conn: conn,
		log:  g.log.With(logx.String("session", id)),
	}
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	// Close the transport when the daemon shuts down so blocked reads return.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetDeadline(time.Now()) })
	defer stop()

	if !s.authenticate() {
		return
	}

	tlsConn, ok := s.upgrade()
	if !ok {
		return
	}
	s.log.Debug("session authenticated")

	// Request loop: one frame in, one logical response out (streams send a
	// bounded chunk sequence plus an end marker before the next read).
	for {
		var req protocol.Request
		if err := protocol.Recv(tlsConn, &req); err != nil {
			if !isDisconnect(err) {
				s.log.Debug("request read failed", logx.Err(err))
				_ = protocol.Send(tlsConn, protocol.Errorf(protocol.ErrMalformed, "unreadable request"))
			}
			return
		}
		if req.Kind == protocol.KindLog {
			if !s.streamLog(ctx, tlsConn, req.Log) {
				return
			}
			continue
		}
		resp := s.g.dispatch(&req)
		if err := protocol.Send(tlsConn, resp); err != nil {
			return
		}
	}
}

// authenticate reads the secret frame off the raw transport and compares it
// in constant time. A failed attempt is paced by the gateway-wide limiter
// and always answered with an explicit rejection that reveals nothing else.
func (s *session) authenticate() bool {
	_ = s.conn.SetDeadline(time.Now().Add(authTimeout))
	defer s.conn.SetDeadline(time.Time{})

	var req protocol.Request
	if err := protocol.Recv(s.conn, &req); err != nil {
		if !isDisconnect(err) {
			_ = protocol.Send(s.conn, protocol.Errorf(protocol.ErrMalformed, "expected auth frame"))
		}
		return false
	}
	if req.Kind != protocol.KindAuth || req.Auth == nil {
		_ = protocol.Send(s.conn, protocol.Errorf(protocol.ErrAuthFailed, "authentication required"))
		return false
	}

	if subtle.ConstantTimeCompare(req.Auth.Secret, s.g.cfg.Secret) != 1 {
		s.log.Warn("authentication failed", logx.String("remote", remoteName(s.conn)))
		if d := s.g.failLimiter.Reserve().Delay(); d > 0 {
			if d > 3*time.Second {
				d = 3 * time.Second
			}
			time.Sleep(d)
		}
		_ = protocol.Send(s.conn, protocol.Errorf(protocol.ErrAuthFailed, "invalid secret"))
		return false
	}

	return protocol.Send(s.conn, protocol.OK("authenticated")) == nil
}

// upgrade wraps the authenticated connection in TLS. Everything after the
// auth exchange is encrypted, local socket or not.
func (s *session) upgrade() (*tls.Conn, bool) {
	tlsConn := tls.Server(s.conn, s.g.cfg.TLS)
	hctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		s.log.Debug("tls handshake failed", logx.Err(err))
		return nil, false
	}
	return tlsConn, true
}

func remoteName(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		if s := a.String(); s != "" {
			return s
		}
	}
	return "local"
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		isTimeout(err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
