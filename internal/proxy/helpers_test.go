package proxy_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/proxy"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

// startEchoServer echoes every connection and half-closes once the peer did.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
				_ = c.(*net.TCPConn).CloseWrite()
			}(conn)
		}
	}()
	return ln.Addr().String()
}

type staticLookup map[int64]string

func (l staticLookup) LookupSocket(_ context.Context, id int64) (string, error) {
	path, ok := l[id]
	if !ok {
		return "", fmt.Errorf("instance %d: %w", id, pkgerrors.ErrNotFound)
	}
	return path, nil
}

// tcpTunneler ignores the socket and dials the destination directly.
type tcpTunneler struct {
	mu    sync.Mutex
	calls []proxy.Request
	err   error
}

func (d *tcpTunneler) Dial(ctx context.Context, _ string, req *proxy.Request) (net.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, *req)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", req.Address())
}

func requestFrame(t *testing.T, body any) []byte {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	frame := proxy.Header{Type: constants.MessageTypeProxyRequest, Len: uint32(len(payload))}.Bytes()
	return append(frame, payload...)
}

func proxyRequest(t *testing.T, instanceID int64, dst string) []byte {
	t.Helper()
	host, port, err := net.SplitHostPort(dst)
	require.NoError(t, err)
	return requestFrame(t, map[string]any{
		"msg_type":    constants.ProxyRequestMsgType,
		"instance_id": instanceID,
		"dst_ip":      host,
		"dst_port":    port,
	})
}

// startSocksServer serves a minimal no-auth SOCKS5 CONNECT proxy on a unix
// socket and returns its path.
func startSocksServer(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "socks")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, constants.SocksProxySocketName)

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSocks(conn)
		}
	}()
	return path
}

func serveSocks(c net.Conn) {
	defer c.Close()

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(c, greeting); err != nil {
		return
	}
	if _, err := io.ReadFull(c, make([]byte, greeting[1])); err != nil {
		return
	}
	if _, err := c.Write([]byte{5, 0}); err != nil {
		return
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(c, head); err != nil {
		return
	}
	var host string
	switch head[3] {
	case 1:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(c, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 3:
		n := make([]byte, 1)
		if _, err := io.ReadFull(c, n); err != nil {
			return
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(c, name); err != nil {
			return
		}
		host = string(name)
	default:
		return
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(c, portBuf); err != nil {
		return
	}
	addr := net.JoinHostPort(host, fmt.Sprint(binary.BigEndian.Uint16(portBuf)))

	dst, err := net.Dial("tcp", addr)
	if err != nil {
		_, _ = c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer dst.Close()
	if _, err := c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.(*net.TCPConn).CloseWrite()
		close(done)
	}()
	_, _ = io.Copy(c, dst)
	_ = c.(*net.UnixConn).CloseWrite()
	<-done
}

func readAllOrEOF(t *testing.T, c net.Conn) []byte {
	t.Helper()
	data, err := io.ReadAll(c)
	if err != nil && !errors.Is(err, io.EOF) {
		var opErr *net.OpError
		require.True(t, errors.As(err, &opErr), "unexpected error %v", err)
	}
	return data
}
