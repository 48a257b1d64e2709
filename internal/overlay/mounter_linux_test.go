package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnixMounterIsMountPoint(t *testing.T) {
	m := NewUnixMounter()

	root, err := m.IsMountPoint("/")
	require.NoError(t, err)
	assert.True(t, root)

	dir := t.TempDir()
	sub := filepath.Join(dir, "plain")
	require.NoError(t, os.Mkdir(sub, 0755))
	mounted, err := m.IsMountPoint(sub)
	require.NoError(t, err)
	assert.False(t, mounted)

	_, err = m.IsMountPoint(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
