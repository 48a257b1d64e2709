package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Tunneler opens a stream to dst inside an instance.
type Tunneler interface {
	Dial(ctx context.Context, socketPath string, req *Request) (net.Conn, error)
}

type socksTunneler struct {
	connectTimeout time.Duration
}

// NewSocksTunneler returns a Tunneler that speaks SOCKS5 to the proxy an
// instance serves on a unix socket in its shared directory.
func NewSocksTunneler(connectTimeout time.Duration) Tunneler {
	return &socksTunneler{connectTimeout: connectTimeout}
}

type connDialer interface {
	DialWithConn(ctx context.Context, c net.Conn, network, address string) (net.Addr, error)
}

func (t *socksTunneler) Dial(ctx context.Context, socketPath string, req *Request) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	dialer, err := xproxy.SOCKS5("unix", socketPath, nil, xproxy.Direct)
	if err != nil {
		return nil, err
	}
	withConn, ok := dialer.(connDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer %T cannot reuse connections", dialer)
	}

	// The relay needs the raw unix socket, so the SOCKS handshake runs over a
	// connection owned by us instead of one wrapped by the dialer.
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}
	address := net.JoinHostPort(req.DstIP, strconv.Itoa(req.DstPort))
	if _, err := withConn.DialWithConn(ctx, conn, "tcp", address); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks connect %s via %s: %w", address, socketPath, err)
	}
	return conn, nil
}
