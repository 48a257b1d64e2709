package overlay

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

type unixMounter struct{}

func NewUnixMounter() Mounter {
	return unixMounter{}
}

func (unixMounter) Mount(source, target, fstype, data string) error {
	return unix.Mount(source, target, fstype, 0, data)
}

func (unixMounter) Unmount(target string) error {
	return unix.Unmount(target, 0)
}

// IsMountPoint reports whether path is a mount point: its device differs from
// its parent's, or it is the same inode as its parent (the root).
func (unixMounter) IsMountPoint(path string) (bool, error) {
	var st, parent unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return false, nil
	}
	if err := unix.Lstat(filepath.Join(path, ".."), &parent); err != nil {
		return false, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	if st.Dev != parent.Dev {
		return true, nil
	}
	return st.Ino == parent.Ino, nil
}

func (unixMounter) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

type cpCopier struct{}

// NewCopier returns a Copier backed by cp in archive mode, which keeps
// ownership, timestamps, extended attributes and overlay whiteouts intact.
func NewCopier() Copier {
	return cpCopier{}
}

func (cpCopier) CopyTree(ctx context.Context, src, dst string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "cp", "-a", "-T", src, dst)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copy %s to %s: %w: %s", src, dst, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
