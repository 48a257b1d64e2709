package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/utils"
)

// Layers are the directories making up one instance's overlay. Lower belongs
// to the template, the others to the instance.
type Layers struct {
	Lower     string
	Submitted string
	Upper     string
	Work      string
	Merged    string
}

// Mounter is the syscall surface needed to manage overlays.
type Mounter interface {
	Mount(source, target, fstype, data string) error
	Unmount(target string) error
	IsMountPoint(path string) (bool, error)
	Chown(path string, uid, gid int) error
}

// Copier copies directory trees preserving ownership, modes and extended attributes.
type Copier interface {
	CopyTree(ctx context.Context, src, dst string) error
}

type Manager struct {
	mounter Mounter
	copier  Copier
	logger  *zap.SugaredLogger
}

func NewManager(mounter Mounter, copier Copier) *Manager {
	return &Manager{
		mounter: mounter,
		copier:  copier,
		logger:  logger.NewNamedLogger("overlay"),
	}
}

func (m *Manager) IsMounted(l Layers) (bool, error) {
	mounted, err := m.mounter.IsMountPoint(l.Merged)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return mounted, err
}

// Mount mounts the overlay at l.Merged. Readonly entry services never get a
// writable overlay, so the call is a no-op for them, as it is for an overlay
// that is already mounted.
func (m *Manager) Mount(l Layers, readonly bool) error {
	if readonly {
		return nil
	}
	mounted, err := m.IsMounted(l)
	if err != nil {
		return fmt.Errorf("%w: %w", pkgerrors.ErrMountFailed, err)
	}
	if mounted {
		return nil
	}

	data, err := MountOptions(l)
	if err != nil {
		return fmt.Errorf("%w: %w", pkgerrors.ErrMountFailed, err)
	}
	if err := m.mounter.Mount("overlay", l.Merged, "overlay", data); err != nil {
		return fmt.Errorf("%w: mount %s: %w", pkgerrors.ErrMountFailed, l.Merged, err)
	}
	if err := m.mounter.Chown(l.Merged, constants.ContainerUID, constants.ContainerGID); err != nil {
		if uerr := m.mounter.Unmount(l.Merged); uerr != nil {
			m.logger.Errorf("Failed to unmount after chown failure [Path: %s]: %s", l.Merged, uerr)
		}
		return fmt.Errorf("%w: chown %s: %w", pkgerrors.ErrMountFailed, l.Merged, err)
	}

	m.logger.Infof("Mounted overlay [Path: %s]", l.Merged)
	return nil
}

// Umount unmounts l.Merged if it is mounted.
func (m *Manager) Umount(l Layers) error {
	mounted, err := m.IsMounted(l)
	if err != nil {
		return fmt.Errorf("%w: %w", pkgerrors.ErrMountFailed, err)
	}
	if !mounted {
		return nil
	}
	if err := m.mounter.Unmount(l.Merged); err != nil {
		return fmt.Errorf("%w: umount %s: %w", pkgerrors.ErrMountFailed, l.Merged, err)
	}

	m.logger.Infof("Unmounted overlay [Path: %s]", l.Merged)
	return nil
}

func (m *Manager) CopyTree(ctx context.Context, src, dst string) error {
	return m.copier.CopyTree(ctx, src, dst)
}

// MountOptions builds the overlay mount data. The submitted layer is stacked
// above the template layer only when it holds anything.
func MountOptions(l Layers) (string, error) {
	for _, p := range []string{l.Lower, l.Submitted, l.Upper, l.Work, l.Merged} {
		if strings.ContainsAny(p, ",:") {
			return "", fmt.Errorf("overlay path %q contains a separator", p)
		}
	}
	lower := l.Lower
	if l.Submitted != "" {
		empty, err := isEmptyDir(l.Submitted)
		if err != nil {
			return "", err
		}
		if !empty {
			lower = l.Submitted + ":" + l.Lower
		}
	}
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, l.Upper, l.Work), nil
}

// ClearExcept removes every entry of dir whose name is not listed in keep. All
// entries are attempted; the first error is returned.
func ClearExcept(dir string, keep []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var firstErr error
	for _, e := range entries {
		if utils.Contains(keep, e.Name()) {
			continue
		}
		if err := utils.RemoveIO(filepath.Join(dir, e.Name()), true, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}
