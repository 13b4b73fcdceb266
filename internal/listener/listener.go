// Package listener binds the daemon's client-facing socket in either of
// the two mutually exclusive modes of §4.8: a local Unix domain socket,
// or TLS over TCP with the daemon's own certificate pinned as both server
// certificate and trust root. Grounded on the teacher's server bootstrap
// (internal/server, the http.Server construction around chi's router),
// generalized from one fixed HTTP listener to a net.Listener picked by
// configuration.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"

	"github.com/pueue-rs/pueued-go/internal/config"
	"github.com/pueue-rs/pueued-go/internal/logger"
)

// Listen binds the configured transport and returns a net.Listener ready
// to Accept. The caller is responsible for cleaning up (Close, and for
// the domain-socket case, removing the socket file on graceful shutdown).
// Staleness of a pre-existing pid/socket from a crashed daemon is the
// caller's responsibility to rule out first (internal/lifecycle does this
// before ever reaching here).
func Listen(cfg config.ListenerConfig) (net.Listener, error) {
	if cfg.UseTLS {
		return listenTLS(cfg)
	}
	return listenUnix(cfg)
}

// listenUnix binds the configured socket path, removing a stale socket
// left behind by a crashed daemon first.
func listenUnix(cfg config.ListenerConfig) (net.Listener, error) {
	if _, err := os.Stat(cfg.SocketPath); err == nil {
		if err := os.Remove(cfg.SocketPath); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}

	perm := os.FileMode(cfg.SocketPerm)
	if perm == 0 {
		perm = 0o700
	}
	if err := os.Chmod(cfg.SocketPath, perm); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	logger.WithComponent("listener").Info().Str("path", cfg.SocketPath).Msg("listening on unix domain socket")
	return ln, nil
}

// listenTLS binds host:port and serves TLS using the daemon's own
// self-signed certificate, presented as both the server certificate and
// (implicitly, via pinning on the client side) the trust root. The SNI
// name clients present is the fixed literal pueue.local (§4.8, §6).
func listenTLS(cfg config.ListenerConfig) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load daemon certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	logger.WithComponent("listener").Info().Str("addr", addr).Msg("listening on TLS socket")
	return ln, nil
}

// Cleanup removes transport-specific artifacts left on disk once the
// daemon stops serving — the domain socket file in the non-TLS case, a
// no-op for TLS (§4.9: "removes the domain socket if any").
func Cleanup(cfg config.ListenerConfig) {
	if cfg.UseTLS {
		return
	}
	_ = os.Remove(cfg.SocketPath)
}
