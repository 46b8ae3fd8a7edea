// Package gateway is the daemon's control-channel front end: it accepts
// local connections, authenticates them against the shared secret, upgrades
// them to TLS, and dispatches framed requests against the store, scheduler
// and process supervisor.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"shellq/internal/proc"
	rsup "shellq/internal/runtime/supervisor"
	"shellq/internal/sched"
	"shellq/internal/state"
	logx "shellq/pkg/logx"
)

type Config struct {
	// SocketPath is the unix socket to listen on. When empty, the gateway
	// falls back to TCP on Host:Port.
	SocketPath string
	Host       string
	Port       int

	// Secret is the raw content of the shared secret file.
	Secret []byte

	// TLS encrypts the channel after authentication.
	TLS *tls.Config

	// AuthFailuresPerMin throttles failed authentication attempts across the
	// whole gateway.
	AuthFailuresPerMin int
}

type Gateway struct {
	cfg   Config
	log   logx.Logger
	store *state.Store
	sched *sched.Scheduler
	procs *proc.Supervisor
	sup   *rsup.Supervisor

	// shutdown asks the daemon to exit gracefully. Wired by the app.
	shutdown func()

	ln net.Listener

	// failLimiter paces rejected auth attempts so the secret can't be
	// brute-forced quickly. Successful auths are never delayed.
	failLimiter *rate.Limiter
}

func New(cfg Config, log logx.Logger, store *state.Store, sch *sched.Scheduler, procs *proc.Supervisor, sup *rsup.Supervisor, shutdown func()) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	perMin := cfg.AuthFailuresPerMin
	if perMin <= 0 {
		perMin = 30
	}
	return &Gateway{
		cfg:         cfg,
		log:         log,
		store:       store,
		sched:       sch,
		procs:       procs,
		sup:         sup,
		shutdown:    shutdown,
		failLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
	}
}

// Listen binds the control socket. Fatal errors here abort daemon startup.
func (g *Gateway) Listen() error {
	if g.cfg.SocketPath != "" {
		// A stale socket file from a crashed daemon would block the bind.
		// The pid file is the liveness signal; by the time we get here the
		// app has established we are the only daemon for this directory.
		if _, err := os.Stat(g.cfg.SocketPath); err == nil {
			_ = os.Remove(g.cfg.SocketPath)
		}
		ln, err := net.Listen("unix", g.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("bind unix socket %s: %w", g.cfg.SocketPath, err)
		}
		// The secret already gates access, but the socket shouldn't be
		// reachable by other users at all.
		if err := os.Chmod(g.cfg.SocketPath, 0o700); err != nil {
			_ = ln.Close()
			return fmt.Errorf("chmod socket: %w", err)
		}
		g.ln = ln
		g.log.Info("listening", logx.String("socket", g.cfg.SocketPath))
		return nil
	}

	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	g.ln = ln
	g.log.Info("listening", logx.String("addr", addr))
	return nil
}

// Close stops accepting new connections. In-flight sessions drain via the
// runtime supervisor's context.
func (g *Gateway) Close() error {
	if g.ln == nil {
		return nil
	}
	err := g.ln.Close()
	if g.cfg.SocketPath != "" {
		_ = os.Remove(g.cfg.SocketPath)
	}
	return err
}

// Serve accepts connections until the listener is closed or ctx is canceled.
// Each session runs as a named supervised goroutine.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.ln == nil {
		return errors.New("gateway: Listen before Serve")
	}
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		sess := newSession(g, conn)
		g.sup.Go0("gateway.session."+sess.id, func(ctx context.Context) {
			sess.run(ctx)
		})
	}
}
