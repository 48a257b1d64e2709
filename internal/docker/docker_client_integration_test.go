//go:build integration

package docker_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/docker"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

const testImage = "alpine:3.20"

func newClient(t *testing.T) docker.DockerClient {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dc, err := docker.NewDockerClient()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dc.Ping(ctx); err != nil {
		t.Skipf("docker engine not reachable: %v", err)
	}
	exists, err := dc.ImageExists(ctx, testImage)
	require.NoError(t, err)
	if !exists {
		t.Skipf("image %s not present", testImage)
	}
	return dc
}

func TestLookupMissingResources(t *testing.T) {
	dc := newClient(t)
	ctx := context.Background()

	c, err := dc.Container(ctx, "ref-core-test-does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = dc.Container(ctx, "ref-core-test-does-not-exist", docker.RaiseOnNotFound)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	n, err := dc.Network(ctx, "ref-core-test-does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestContainerNetworkLifecycle(t *testing.T) {
	dc := newClient(t)
	ctx := context.Background()
	suffix := time.Now().UnixNano()

	netID, err := dc.CreateNetwork(ctx, fmt.Sprintf("ref-core-test-net-%d", suffix), true, nil)
	require.NoError(t, err)
	defer dc.RemoveNetwork(context.Background(), netID)

	id, err := dc.CreateContainer(ctx, docker.ContainerSpec{
		Image:       testImage,
		Name:        fmt.Sprintf("ref-core-test-ctr-%d", suffix),
		NetworkMode: "none",
		Memory:      64 * 1024 * 1024,
	})
	require.NoError(t, err)
	defer dc.RemoveContainer(context.Background(), id)

	info, err := dc.Container(ctx, id, docker.RaiseOnNotFound)
	require.NoError(t, err)
	assert.True(t, info.Running)

	require.NoError(t, dc.CopyFileToContainer(ctx, id, "/etc/instance_id", []byte("42"), 0400))
	res, err := dc.Exec(ctx, id, []string{"cat", "/etc/instance_id"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "42", res.Stdout)

	require.NoError(t, dc.DisconnectNetwork(ctx, "none", id))
	require.NoError(t, dc.ConnectNetwork(ctx, netID, id, []string{"entry"}))

	ip, err := dc.ContainerIP(ctx, id, netID)
	require.NoError(t, err)
	assert.NotEmpty(t, ip)

	require.NoError(t, dc.KillContainer(ctx, id))
	require.NoError(t, dc.KillContainer(ctx, id))
	require.NoError(t, dc.RemoveContainer(ctx, id))
	require.NoError(t, dc.RemoveContainer(ctx, id))
}

func TestBuildAndCopyFromImage(t *testing.T) {
	dc := newClient(t)
	ctx := context.Background()

	contextDir := t.TempDir()
	dockerfile := fmt.Sprintf("FROM %s\nRUN mkdir -p /data && echo hello > /data/greeting\n", testImage)
	require.NoError(t, os.WriteFile(filepath.Join(contextDir, "Dockerfile-entry"), []byte(dockerfile), 0o644))

	tag := fmt.Sprintf("ref-core-test-build:%d", time.Now().UnixNano())
	buildLog, err := dc.BuildImage(ctx, contextDir, "Dockerfile-entry", tag)
	require.NoError(t, err, buildLog)
	t.Cleanup(func() { _ = dc.RemoveImage(context.Background(), tag) })

	exists, err := dc.ImageExists(ctx, tag)
	require.NoError(t, err)
	assert.True(t, exists)

	dst := filepath.Join(t.TempDir(), "lower")
	require.NoError(t, dc.CopyFromImage(ctx, tag, "/data", dst))
	data, err := os.ReadFile(filepath.Join(dst, "greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	_, err = dc.BuildImage(ctx, contextDir, "Dockerfile-missing", tag+"-broken")
	assert.Error(t, err)
}
