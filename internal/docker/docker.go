package docker

import (
	"fmt"
	"path/filepath"
	"strings"

	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

type ContainerSpec struct {
	Image          string
	Name           string
	Hostname       string
	NetworkMode    string
	CapAdd         []string
	SecurityOpt    []string
	CPUPeriod      int64
	CPUQuota       int64
	Memory         int64
	PidsLimit      int64
	ReadonlyRootfs bool
	Binds          []Bind
	Labels         map[string]string
}

type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

type MountPoint struct {
	Source      string
	Destination string
}

type ContainerInfo struct {
	ID      string
	Name    string
	Status  string
	Running bool
	Mounts  []MountPoint
}

// HostPath maps a path inside this container onto the host using the mount
// whose destination is the longest prefix of path.
func (c *ContainerInfo) HostPath(path string) string {
	path = filepath.Clean(path)
	best := -1
	var result string
	for _, m := range c.Mounts {
		dst := filepath.Clean(m.Destination)
		if path != dst && !strings.HasPrefix(path, dst+"/") && dst != "/" {
			continue
		}
		if len(dst) <= best {
			continue
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			continue
		}
		best = len(dst)
		result = filepath.Join(m.Source, rel)
	}
	if best < 0 {
		return path
	}
	return result
}

type NetworkInfo struct {
	ID       string
	Name     string
	Internal bool
	// Containers maps member container ids to their IPv4 address in CIDR form.
	Containers map[string]string
}

func (n *NetworkInfo) HasMember(containerID string) bool {
	if n == nil || containerID == "" {
		return false
	}
	_, ok := n.Containers[containerID]
	return ok
}

// ContainerIP returns the member's IPv4 address without prefix length.
func (n *NetworkInfo) ContainerIP(containerID string) (string, error) {
	cidr, ok := n.Containers[containerID]
	if !ok || cidr == "" {
		return "", fmt.Errorf("container %s on network %s: %w", containerID, n.ID, pkgerrors.ErrNotFound)
	}
	ip, _, _ := strings.Cut(cidr, "/")
	return ip, nil
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type lookupOptions struct {
	raiseOnNotFound bool
}

// LookupOption tunes Container and Network lookups.
type LookupOption func(*lookupOptions)

// RaiseOnNotFound makes a lookup fail with ErrNotFound instead of returning nil.
func RaiseOnNotFound(o *lookupOptions) { o.raiseOnNotFound = true }

// RaiseRequested reports whether opts contain RaiseOnNotFound.
func RaiseRequested(opts []LookupOption) bool {
	var o lookupOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.raiseOnNotFound
}
