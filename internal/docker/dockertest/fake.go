// Package dockertest provides an in-memory container engine for tests.
package dockertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/remote-exercises/ref-core/internal/docker"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

type Container struct {
	Spec    docker.ContainerSpec
	ID      string
	Running bool
	Files   map[string][]byte
	Execs   [][]string
}

type Network struct {
	ID       string
	Name     string
	Internal bool
	Members  map[string]string
	Aliases  map[string][]string
}

// Engine implements docker.DockerClient in memory. Failures registered with
// FailOn make the named operation return the given error until cleared.
type Engine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	networks   map[string]*Network
	images     map[string]bool
	failures   map[string]error
	calls      []string

	// ExecFunc, when set, decides the result of Exec.
	ExecFunc func(containerID string, cmd []string) (*docker.ExecResult, error)
	// ImageFiles seeds CopyFromImage: image ref to relative path to content.
	ImageFiles map[string]map[string]string
}

func NewEngine() *Engine {
	e := &Engine{
		containers: map[string]*Container{},
		networks:   map[string]*Network{},
		images:     map[string]bool{},
		failures:   map[string]error{},
		ImageFiles: map[string]map[string]string{},
	}
	e.networks[constants.IsolationNetworkName] = &Network{
		ID:      constants.IsolationNetworkName,
		Name:    constants.IsolationNetworkName,
		Members: map[string]string{},
		Aliases: map[string][]string{},
	}
	return e
}

var _ docker.DockerClient = (*Engine)(nil)

// AddRunningContainer registers a container that exists outside of the code
// under test, such as the SSH gateway.
func (e *Engine) AddRunningContainer(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID("ctr")
	e.containers[id] = &Container{ID: id, Spec: docker.ContainerSpec{Name: name}, Running: true, Files: map[string][]byte{}}
	return id
}

func (e *Engine) AddImage(ref string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[ref] = true
}

func (e *Engine) FailOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

// Calls returns the names of all operations invoked so far.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// ContainerCount counts containers created through CreateContainer that still exist.
func (e *Engine) ContainerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.containers {
		if c.Spec.Image != "" {
			n++
		}
	}
	return n
}

func (e *Engine) NetworkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.networks) - 1
}

func (e *Engine) GetContainer(idOrName string) *Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookupContainer(idOrName)
}

func (e *Engine) GetNetwork(id string) *Network {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.networks[id]
}

// StopContainer simulates a container dying on its own.
func (e *Engine) StopContainer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.lookupContainer(id); c != nil {
		c.Running = false
	}
}

// DropMember removes a container from a network behind the caller's back.
func (e *Engine) DropMember(networkID, containerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.networks[networkID]; n != nil {
		delete(n.Members, containerID)
	}
}

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s%d", prefix, e.seq)
}

func (e *Engine) enter(op string) error {
	e.calls = append(e.calls, op)
	return e.failures[op]
}

func (e *Engine) lookupContainer(idOrName string) *Container {
	if c, ok := e.containers[idOrName]; ok {
		return c
	}
	for _, c := range e.containers {
		if c.Spec.Name == idOrName && idOrName != "" {
			return c
		}
	}
	return nil
}

func (e *Engine) lookupNetwork(idOrName string) *Network {
	if n, ok := e.networks[idOrName]; ok {
		return n
	}
	for _, n := range e.networks {
		if n.Name == idOrName && idOrName != "" {
			return n
		}
	}
	return nil
}

func notFound(op, id string) error {
	return fmt.Errorf("%s %q: %w", op, id, pkgerrors.ErrNotFound)
}

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enter("Ping")
}

func (e *Engine) Container(ctx context.Context, idOrName string, opts ...docker.LookupOption) (*docker.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Container"); err != nil {
		return nil, err
	}
	c := e.lookupContainer(idOrName)
	if c == nil {
		if docker.RaiseRequested(opts) {
			return nil, notFound("inspect container", idOrName)
		}
		return nil, nil
	}
	status := "exited"
	if c.Running {
		status = "running"
	}
	return &docker.ContainerInfo{ID: c.ID, Name: c.Spec.Name, Status: status, Running: c.Running}, nil
}

func (e *Engine) Network(ctx context.Context, idOrName string, opts ...docker.LookupOption) (*docker.NetworkInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Network"); err != nil {
		return nil, err
	}
	n := e.lookupNetwork(idOrName)
	if n == nil {
		if docker.RaiseRequested(opts) {
			return nil, notFound("inspect network", idOrName)
		}
		return nil, nil
	}
	members := make(map[string]string, len(n.Members))
	for k, v := range n.Members {
		members[k] = v
	}
	return &docker.NetworkInfo{ID: n.ID, Name: n.Name, Internal: n.Internal, Containers: members}, nil
}

func (e *Engine) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateContainer"); err != nil {
		return "", err
	}
	if spec.Image == "" {
		return "", fmt.Errorf("create container: %w: no image", pkgerrors.ErrEngineAPI)
	}
	if e.lookupContainer(spec.Name) != nil {
		return "", fmt.Errorf("create container %s: %w: name in use", spec.Name, pkgerrors.ErrEngineAPI)
	}
	id := e.nextID("ctr")
	e.containers[id] = &Container{ID: id, Spec: spec, Running: true, Files: map[string][]byte{}}
	if n := e.lookupNetwork(spec.NetworkMode); n != nil {
		n.Members[id] = ""
	}
	return id, nil
}

func (e *Engine) KillContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("KillContainer"); err != nil {
		return err
	}
	if c := e.lookupContainer(containerID); c != nil {
		c.Running = false
	}
	return nil
}

func (e *Engine) RemoveContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("RemoveContainer"); err != nil {
		return err
	}
	c := e.lookupContainer(containerID)
	if c == nil {
		return nil
	}
	delete(e.containers, c.ID)
	// Real engines keep stale endpoints around in some cases; the fake always
	// detaches.
	for _, n := range e.networks {
		delete(n.Members, c.ID)
	}
	return nil
}

func (e *Engine) CreateNetwork(ctx context.Context, name string, internal bool, labels map[string]string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateNetwork"); err != nil {
		return "", err
	}
	id := e.nextID("net")
	e.networks[id] = &Network{ID: id, Name: name, Internal: internal, Members: map[string]string{}, Aliases: map[string][]string{}}
	return id, nil
}

func (e *Engine) RemoveNetwork(ctx context.Context, networkID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("RemoveNetwork"); err != nil {
		return err
	}
	n := e.networks[networkID]
	if n == nil {
		return nil
	}
	if len(n.Members) > 0 {
		return fmt.Errorf("remove network %s: %w: has active endpoints", networkID, pkgerrors.ErrEngineAPI)
	}
	delete(e.networks, networkID)
	return nil
}

func (e *Engine) ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ConnectNetwork"); err != nil {
		return err
	}
	n := e.lookupNetwork(networkID)
	if n == nil {
		return notFound("connect network", networkID)
	}
	c := e.lookupContainer(containerID)
	if c == nil {
		return notFound("connect network", containerID)
	}
	n.Members[c.ID] = fmt.Sprintf("10.%d.0.%d/24", len(e.networks), len(n.Members)+2)
	n.Aliases[c.ID] = aliases
	return nil
}

func (e *Engine) DisconnectNetwork(ctx context.Context, networkID, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DisconnectNetwork"); err != nil {
		return err
	}
	n := e.lookupNetwork(networkID)
	if n == nil {
		return notFound("disconnect network", networkID)
	}
	c := e.lookupContainer(containerID)
	if c == nil {
		return notFound("disconnect network", containerID)
	}
	if _, ok := n.Members[c.ID]; !ok {
		return fmt.Errorf("disconnect network: %w: container not connected", pkgerrors.ErrEngineAPI)
	}
	delete(n.Members, c.ID)
	delete(n.Aliases, c.ID)
	return nil
}

func (e *Engine) ContainerIP(ctx context.Context, containerID, networkID string) (string, error) {
	info, err := e.Network(ctx, networkID, docker.RaiseOnNotFound)
	if err != nil {
		return "", err
	}
	return info.ContainerIP(containerID)
}

func (e *Engine) CopyFileToContainer(ctx context.Context, containerID, path string, content []byte, mode int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CopyFileToContainer"); err != nil {
		return err
	}
	c := e.lookupContainer(containerID)
	if c == nil {
		return notFound("copy to container", containerID)
	}
	c.Files[path] = append([]byte(nil), content...)
	return nil
}

func (e *Engine) Exec(ctx context.Context, containerID string, cmd []string) (*docker.ExecResult, error) {
	e.mu.Lock()
	if err := e.enter("Exec"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	c := e.lookupContainer(containerID)
	if c == nil {
		e.mu.Unlock()
		return nil, notFound("exec", containerID)
	}
	c.Execs = append(c.Execs, cmd)
	fn := e.ExecFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(containerID, cmd)
	}
	return &docker.ExecResult{}, nil
}

func (e *Engine) LocalPathToHost(ctx context.Context, path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("LocalPathToHost"); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Engine) ImageExists(ctx context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ImageExists"); err != nil {
		return false, err
	}
	return e.images[ref], nil
}

func (e *Engine) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("BuildImage"); err != nil {
		return "build failed\n", err
	}
	if _, err := os.Stat(filepath.Join(contextDir, dockerfile)); err != nil {
		return "", fmt.Errorf("build image: %w: %w", pkgerrors.ErrEngineAPI, err)
	}
	e.images[tag] = true
	return fmt.Sprintf("Successfully tagged %s\n", tag), nil
}

func (e *Engine) RemoveImage(ctx context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("RemoveImage"); err != nil {
		return err
	}
	delete(e.images, ref)
	return nil
}

func (e *Engine) CopyFromImage(ctx context.Context, imageRef, srcPath, dstDir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CopyFromImage"); err != nil {
		return err
	}
	if !e.images[imageRef] {
		return notFound("copy from image", imageRef)
	}
	for rel, content := range e.ImageFiles[imageRef] {
		target := filepath.Join(dstDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}
