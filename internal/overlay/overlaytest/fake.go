// Package overlaytest provides an unprivileged stand-in for the overlay mounter.
package overlaytest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Mounter records mounts instead of performing them. The merge point stays an
// ordinary directory, so tests can read and write it directly.
type Mounter struct {
	mu      sync.Mutex
	mounted map[string]string
	Mounts  int
	Chowns  map[string][2]int

	MountErr   error
	UnmountErr error
}

func NewMounter() *Mounter {
	return &Mounter{mounted: map[string]string{}, Chowns: map[string][2]int{}}
}

func (m *Mounter) Mount(source, target, fstype, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MountErr != nil {
		return m.MountErr
	}
	target = filepath.Clean(target)
	if _, ok := m.mounted[target]; ok {
		return fmt.Errorf("mount %s: device or resource busy", target)
	}
	if _, err := os.Stat(target); err != nil {
		return err
	}
	m.mounted[target] = data
	m.Mounts++
	return nil
}

func (m *Mounter) Unmount(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UnmountErr != nil {
		return m.UnmountErr
	}
	target = filepath.Clean(target)
	if _, ok := m.mounted[target]; !ok {
		return fmt.Errorf("umount %s: not mounted", target)
	}
	delete(m.mounted, target)
	return nil
}

func (m *Mounter) IsMountPoint(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	_, ok := m.mounted[filepath.Clean(path)]
	return ok, nil
}

func (m *Mounter) Chown(path string, uid, gid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Chowns[filepath.Clean(path)] = [2]int{uid, gid}
	return nil
}

// Data returns the mount options used for target, if mounted.
func (m *Mounter) Data(target string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.mounted[filepath.Clean(target)]
	return d, ok
}

func (m *Mounter) MountedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mounted)
}
