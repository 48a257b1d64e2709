package proxy_test

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/proxy"
)

func TestSocksTunnelerReachesDestination(t *testing.T) {
	echo := startEchoServer(t)
	socket := startSocksServer(t)

	host, portStr, err := net.SplitHostPort(echo)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tun := proxy.NewSocksTunneler(5 * time.Second)
	conn, err := tun.Dial(context.Background(), socket, &proxy.Request{InstanceID: 1, DstIP: host, DstPort: port})
	require.NoError(t, err)
	defer conn.Close()

	_, isUnix := conn.(*net.UnixConn)
	assert.True(t, isUnix)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestSocksTunnelerRefusedDestination(t *testing.T) {
	socket := startSocksServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tun := proxy.NewSocksTunneler(5 * time.Second)
	_, err = tun.Dial(context.Background(), socket, &proxy.Request{DstIP: "127.0.0.1", DstPort: port})
	assert.Error(t, err)
}

func TestSocksTunnelerMissingSocket(t *testing.T) {
	tun := proxy.NewSocksTunneler(time.Second)
	_, err := tun.Dial(context.Background(), filepath.Join(t.TempDir(), "socks_proxy"), &proxy.Request{DstIP: "127.0.0.1", DstPort: 80})
	assert.Error(t, err)
}
