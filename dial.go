package nbd

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

// DialConfig configures the connection to an NBD server. All socket tuning is
// part of the configuration, nothing is set up implicitly.
type DialConfig struct {
	// Network is "tcp" (the default), "tcp4", "tcp6" or "unix".
	Network string
	// Addr is the address of the server. For TCP, a missing port defaults to
	// DefaultPort.
	Addr string
	// Timeout bounds the time to establish the connection. Zero means no
	// timeout beyond the context.
	Timeout time.Duration
	// NoDelay disables Nagle's algorithm on TCP connections.
	NoDelay bool
	// KeepAlive is the TCP keep-alive period. Zero uses the system default,
	// a negative value disables keep-alives.
	KeepAlive time.Duration
}

func (cfg DialConfig) network() string {
	if cfg.Network == "" {
		return "tcp"
	}
	return cfg.Network
}

func (cfg DialConfig) address() string {
	if cfg.network() == "unix" {
		return cfg.Addr
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return net.JoinHostPort(cfg.Addr, DefaultPort)
	}
	return cfg.Addr
}

// Dial connects to the server described by cfg. The returned connection is in
// the state expected by ClientHandshake.
func Dial(ctx context.Context, cfg DialConfig) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: cfg.KeepAlive,
		Control: func(network, address string, rc syscall.RawConn) error {
			if !cfg.NoDelay || network == "unix" {
				return nil
			}
			var serr error
			if err := rc.Control(func(fd uintptr) {
				serr = setNoDelay(fd)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	c, err := d.DialContext(ctx, cfg.network(), cfg.address())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.address())
	}
	// The net package enables TCP_NODELAY on every new connection.
	if tc, ok := c.(*net.TCPConn); ok && !cfg.NoDelay {
		if err := tc.SetNoDelay(false); err != nil {
			c.Close()
			return nil, errors.Wrap(err, "set socket options")
		}
	}
	return c, nil
}
