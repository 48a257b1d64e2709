package overlay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/overlay"
	"github.com/remote-exercises/ref-core/internal/overlay/overlaytest"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

func newLayers(t *testing.T) overlay.Layers {
	t.Helper()
	root := t.TempDir()
	l := overlay.Layers{
		Lower:     filepath.Join(root, "lower"),
		Submitted: filepath.Join(root, "entry-submitted"),
		Upper:     filepath.Join(root, "entry-upper"),
		Work:      filepath.Join(root, "entry-work"),
		Merged:    filepath.Join(root, "entry-merged"),
	}
	for _, d := range []string{l.Lower, l.Submitted, l.Upper, l.Work, l.Merged} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}
	return l
}

func TestMountIsIdempotent(t *testing.T) {
	l := newLayers(t)
	fm := overlaytest.NewMounter()
	m := overlay.NewManager(fm, overlay.NewCopier())

	require.NoError(t, m.Mount(l, false))
	require.NoError(t, m.Mount(l, false))

	assert.Equal(t, 1, fm.Mounts)
	assert.Equal(t, 1, fm.MountedCount())
	assert.Equal(t, [2]int{9999, 9999}, fm.Chowns[l.Merged])

	mounted, err := m.IsMounted(l)
	require.NoError(t, err)
	assert.True(t, mounted)
}

func TestMountReadonlyIsSkipped(t *testing.T) {
	l := newLayers(t)
	fm := overlaytest.NewMounter()
	m := overlay.NewManager(fm, overlay.NewCopier())

	require.NoError(t, m.Mount(l, true))
	assert.Equal(t, 0, fm.Mounts)
}

func TestUmountIsIdempotent(t *testing.T) {
	l := newLayers(t)
	fm := overlaytest.NewMounter()
	m := overlay.NewManager(fm, overlay.NewCopier())

	require.NoError(t, m.Umount(l))
	require.NoError(t, m.Mount(l, false))
	require.NoError(t, m.Umount(l))
	require.NoError(t, m.Umount(l))
	assert.Equal(t, 0, fm.MountedCount())
}

func TestMountFailureIsReported(t *testing.T) {
	l := newLayers(t)
	fm := overlaytest.NewMounter()
	fm.MountErr = errors.New("operation not permitted")
	m := overlay.NewManager(fm, overlay.NewCopier())

	err := m.Mount(l, false)
	assert.ErrorIs(t, err, pkgerrors.ErrMountFailed)
}

func TestMountOptions(t *testing.T) {
	l := newLayers(t)

	data, err := overlay.MountOptions(l)
	require.NoError(t, err)
	assert.Equal(t, "lowerdir="+l.Lower+",upperdir="+l.Upper+",workdir="+l.Work, data)

	require.NoError(t, os.WriteFile(filepath.Join(l.Submitted, "solution.c"), []byte("int main;"), 0644))
	data, err = overlay.MountOptions(l)
	require.NoError(t, err)
	assert.Equal(t, "lowerdir="+l.Submitted+":"+l.Lower+",upperdir="+l.Upper+",workdir="+l.Work, data)

	l.Upper = l.Upper + ",evil"
	_, err = overlay.MountOptions(l)
	assert.Error(t, err)
}

func TestMountOptionsRejectsSeparatorInSubmittedLayer(t *testing.T) {
	l := newLayers(t)
	submitted := l.Submitted + ":" + l.Upper
	require.NoError(t, os.MkdirAll(submitted, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(submitted, "solution.c"), []byte("int main;"), 0644))
	l.Submitted = submitted

	_, err := overlay.MountOptions(l)
	assert.Error(t, err)
}

func TestClearExcept(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ssh"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ssh", "authorized_keys"), []byte("key"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "work", "deep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	require.NoError(t, overlay.ClearExcept(dir, []string{".ssh"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".ssh", entries[0].Name())
	_, err = os.Stat(filepath.Join(dir, ".ssh", "authorized_keys"))
	assert.NoError(t, err)
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "f"), []byte("data"), 0640))

	m := overlay.NewManager(overlaytest.NewMounter(), overlay.NewCopier())
	require.NoError(t, m.CopyTree(context.Background(), src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "a", "f"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	info, err := os.Stat(filepath.Join(dst, "a", "f"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestCopyTreeMissingSource(t *testing.T) {
	m := overlay.NewManager(overlaytest.NewMounter(), overlay.NewCopier())
	err := m.CopyTree(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir())
	assert.Error(t, err)
}
