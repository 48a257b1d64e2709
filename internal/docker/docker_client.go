package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/utils"
)

// DockerClient is the capability surface of the local container engine used by
// the orchestrator. Every error it returns wraps one of ErrNotFound,
// ErrEngineUnavailable or ErrEngineAPI.
type DockerClient interface {
	Ping(ctx context.Context) error
	Container(ctx context.Context, idOrName string, opts ...LookupOption) (*ContainerInfo, error)
	Network(ctx context.Context, idOrName string, opts ...LookupOption) (*NetworkInfo, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	KillContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	CreateNetwork(ctx context.Context, name string, internal bool, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, networkID string) error
	ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error
	DisconnectNetwork(ctx context.Context, networkID, containerID string) error
	ContainerIP(ctx context.Context, containerID, networkID string) (string, error)
	CopyFileToContainer(ctx context.Context, containerID, path string, content []byte, mode int64) error
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)
	LocalPathToHost(ctx context.Context, path string) (string, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) (string, error)
	RemoveImage(ctx context.Context, ref string) error
	CopyFromImage(ctx context.Context, imageRef, srcPath, dstDir string) error
}

type dockerClient struct {
	cli    *client.Client
	logger *zap.SugaredLogger
}

func NewDockerClient() (DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrEngineUnavailable, err)
	}

	return &dockerClient{cli: cli, logger: logger.NewNamedLogger("docker")}, nil
}

// wrapErr maps an engine error onto the client error taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w: %w", op, pkgerrors.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %w", op, pkgerrors.ErrEngineUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, pkgerrors.ErrEngineAPI, err)
	}
}

func (d *dockerClient) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return wrapErr("ping", err)
}

func (d *dockerClient) Container(ctx context.Context, idOrName string, opts ...LookupOption) (*ContainerInfo, error) {
	if idOrName == "" {
		return notFound[ContainerInfo]("inspect container", idOrName, opts)
	}
	inspect, err := d.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return notFound[ContainerInfo]("inspect container", idOrName, opts)
		}
		return nil, wrapErr("inspect container", err)
	}

	info := &ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.State != nil {
		info.Status = inspect.State.Status
		info.Running = inspect.State.Running
	}
	for _, m := range inspect.Mounts {
		info.Mounts = append(info.Mounts, MountPoint{Source: m.Source, Destination: m.Destination})
	}
	return info, nil
}

func (d *dockerClient) Network(ctx context.Context, idOrName string, opts ...LookupOption) (*NetworkInfo, error) {
	if idOrName == "" {
		return notFound[NetworkInfo]("inspect network", idOrName, opts)
	}
	inspect, err := d.cli.NetworkInspect(ctx, idOrName, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return notFound[NetworkInfo]("inspect network", idOrName, opts)
		}
		return nil, wrapErr("inspect network", err)
	}

	info := &NetworkInfo{
		ID:         inspect.ID,
		Name:       inspect.Name,
		Internal:   inspect.Internal,
		Containers: make(map[string]string, len(inspect.Containers)),
	}
	for id, ep := range inspect.Containers {
		info.Containers[id] = ep.IPv4Address
	}
	return info, nil
}

func (d *dockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerCfg := &container.Config{
		Image:     spec.Image,
		Hostname:  spec.Hostname,
		Labels:    spec.Labels,
		OpenStdin: true,
		Tty:       false,
	}

	mounts := make([]mount.Mount, 0, len(spec.Binds))
	for _, b := range spec.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(spec.NetworkMode),
		Privileged:     false,
		CapAdd:         spec.CapAdd,
		SecurityOpt:    spec.SecurityOpt,
		ReadonlyRootfs: spec.ReadonlyRootfs,
		Mounts:         mounts,
		Resources: container.Resources{
			CPUPeriod: spec.CPUPeriod,
			CPUQuota:  spec.CPUQuota,
			Memory:    spec.Memory,
		},
	}
	if spec.Memory > 0 {
		hostCfg.Resources.MemorySwap = spec.Memory
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", wrapErr("create container", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", wrapErr("start container", err)
	}

	d.logger.Infof("Created container [Name: %s, ID: %s]", spec.Name, shortID(resp.ID))
	return resp.ID, nil
}

func (d *dockerClient) KillContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerKill(ctx, containerID, "SIGKILL")
	if err != nil && isNotRunning(err) {
		return nil
	}
	return wrapErr("kill container", err)
}

func (d *dockerClient) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return wrapErr("remove container", err)
}

func (d *dockerClient) CreateNetwork(ctx context.Context, name string, internal bool, labels map[string]string) (string, error) {
	resp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   "bridge",
		Internal: internal,
		Labels:   labels,
	})
	if err != nil {
		return "", wrapErr("create network", err)
	}

	d.logger.Infof("Created network [Name: %s, ID: %s, Internal: %t]", name, shortID(resp.ID), internal)
	return resp.ID, nil
}

func (d *dockerClient) RemoveNetwork(ctx context.Context, networkID string) error {
	err := d.cli.NetworkRemove(ctx, networkID)
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return wrapErr("remove network", err)
}

func (d *dockerClient) ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error {
	var settings *network.EndpointSettings
	if len(aliases) > 0 {
		settings = &network.EndpointSettings{Aliases: aliases}
	}
	return wrapErr("connect network", d.cli.NetworkConnect(ctx, networkID, containerID, settings))
}

func (d *dockerClient) DisconnectNetwork(ctx context.Context, networkID, containerID string) error {
	return wrapErr("disconnect network", d.cli.NetworkDisconnect(ctx, networkID, containerID, false))
}

func (d *dockerClient) ContainerIP(ctx context.Context, containerID, networkID string) (string, error) {
	nw, err := d.Network(ctx, networkID, RaiseOnNotFound)
	if err != nil {
		return "", err
	}
	return nw.ContainerIP(containerID)
}

func (d *dockerClient) CopyFileToContainer(ctx context.Context, containerID, path string, content []byte, mode int64) error {
	archive, err := utils.SingleFileTarArchive(path, content, mode, 0, 0)
	if err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	err = d.cli.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{})
	return wrapErr("copy to container", err)
}

func (d *dockerClient) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrapErr("exec create", err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, wrapErr("exec attach", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil && !errors.Is(err, io.EOF) {
		return nil, wrapErr("exec read", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, wrapErr("exec inspect", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// LocalPathToHost translates a path inside this process's container into the
// host path backing it. Outside of a container the path is returned as is.
func (d *dockerClient) LocalPathToHost(ctx context.Context, path string) (string, error) {
	self, err := d.ownContainer(ctx)
	if err != nil {
		return "", err
	}
	if self == nil {
		return path, nil
	}
	return self.HostPath(path), nil
}

func (d *dockerClient) ownContainer(ctx context.Context) (*ContainerInfo, error) {
	for _, candidate := range ownContainerCandidates() {
		info, err := d.Container(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
	}
	return nil, nil
}

// ownContainerCandidates lists identifiers that may name the container this
// process runs in: the hostname and any 64 hex digit id found in the cgroup
// or mountinfo tables.
func ownContainerCandidates() []string {
	var candidates []string
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		candidates = append(candidates, hostname)
	}
	for _, path := range []string{"/proc/self/cgroup", "/proc/self/mountinfo"} {
		if id := scanContainerID(path); id != "" {
			candidates = append(candidates, id)
		}
	}
	return candidates
}

func scanContainerID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		for _, field := range strings.FieldsFunc(scanner.Text(), func(r rune) bool {
			return r == '/' || r == ' ' || r == ':' || r == '-' || r == '.'
		}) {
			if isContainerID(field) {
				return field
			}
		}
	}
	return ""
}

func isContainerID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func (d *dockerClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, wrapErr("inspect image", err)
}

// BuildImage builds contextDir/dockerfile and tags the result. The returned
// string is the build output, also on failure.
func (d *dockerClient) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) (string, error) {
	buildCtx, err := utils.CreateTarArchive(contextDir)
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", wrapErr("build image", err)
	}
	defer resp.Body.Close()

	var log strings.Builder
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return log.String(), wrapErr("build image", err)
		}
		log.WriteString(msg.Stream)
		if msg.Error != "" {
			log.WriteString(msg.Error)
			return log.String(), fmt.Errorf("build image %s: %w: %s", tag, pkgerrors.ErrEngineAPI, msg.Error)
		}
	}

	d.logger.Infof("Built image [Tag: %s]", tag)
	return log.String(), nil
}

func (d *dockerClient) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return wrapErr("remove image", err)
}

// CopyFromImage copies the content of srcPath out of imageRef into dstDir,
// keeping ownership.
func (d *dockerClient) CopyFromImage(ctx context.Context, imageRef, srcPath, dstDir string) error {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  imageRef,
		Cmd:    []string{"true"},
		Labels: map[string]string{constants.LabelManagedBy: constants.ManagedByValue},
	}, &container.HostConfig{NetworkMode: constants.IsolationNetworkName}, nil, nil, "")
	if err != nil {
		return wrapErr("copy from image", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), constants.CleanupTimeout)
		defer cancel()
		_ = d.cli.ContainerRemove(cleanupCtx, resp.ID, container.RemoveOptions{Force: true})
	}()

	srcPath = filepath.Clean(srcPath)
	reader, _, err := d.cli.CopyFromContainer(ctx, resp.ID, srcPath)
	if err != nil {
		return wrapErr("copy from image", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("copy from image: %w", err)
	}
	// The archive root is named after the last path element of srcPath.
	staging, err := os.MkdirTemp(filepath.Dir(dstDir), ".copy-")
	if err != nil {
		return fmt.Errorf("copy from image: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := utils.ExtractTarArchive(reader, staging, true); err != nil {
		return fmt.Errorf("copy from image: %w", err)
	}

	root := filepath.Join(staging, filepath.Base(srcPath))
	children, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("copy from image: %w", err)
	}
	for _, child := range children {
		if err := os.Rename(filepath.Join(root, child.Name()), filepath.Join(dstDir, child.Name())); err != nil {
			return fmt.Errorf("copy from image: %w", err)
		}
	}
	return nil
}

func isNotRunning(err error) bool {
	return client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func notFound[T any](op, id string, opts []LookupOption) (*T, error) {
	if RaiseRequested(opts) {
		return nil, fmt.Errorf("%s %q: %w", op, id, pkgerrors.ErrNotFound)
	}
	return nil, nil
}
