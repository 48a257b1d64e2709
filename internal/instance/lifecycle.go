package instance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/remote-exercises/ref-core/internal/docker"
	"github.com/remote-exercises/ref-core/internal/events"
	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/utils"
)

// Start brings up the networks and containers of inst. Leftovers of an earlier
// run are stopped first. If any step fails, every step taken so far is
// undone before the error is returned.
func (m *Manager) Start(ctx context.Context, inst *models.Instance) (err error) {
	state, err := m.State(ctx, inst)
	if err != nil {
		return err
	}
	switch state {
	case StateUnmounted:
		return fmt.Errorf("start instance %d: %w", inst.ID, pkgerrors.ErrNotMounted)
	case StateRemoved:
		return fmt.Errorf("start instance %d: %w", inst.ID, pkgerrors.ErrInstanceNotFound)
	}

	if err := m.Stop(ctx, inst); err != nil {
		return fmt.Errorf("failed to clean up before start: %w", err)
	}

	gateway, err := m.dc.Container(ctx, m.opts.GatewayContainer)
	if err != nil {
		return err
	}
	if gateway == nil {
		return fmt.Errorf("%w: %s", pkgerrors.ErrGatewayNotFound, m.opts.GatewayContainer)
	}

	tmpl := &inst.Template
	undo := newUndoStack(m.logger)
	defer func() {
		if err != nil {
			err = undo.unwind(ctx, fmt.Sprintf("start instance %d", inst.ID), err)
			inst.ClearRuntime()
		}
	}()

	// 1. Network shared with the SSH gateway.
	networkID, err := m.dc.CreateNetwork(ctx, m.resourceName(inst, "ssh-to-entry"), !tmpl.Entry.AllowInternet, m.labels(inst))
	if err != nil {
		return err
	}
	inst.NetworkID = networkID
	undo.push("remove gateway network", func(ctx context.Context) error {
		return m.dc.RemoveNetwork(ctx, networkID)
	})

	// 2. Gateway joins it under a fixed alias.
	if err := m.dc.ConnectNetwork(ctx, networkID, gateway.ID, []string{constants.GatewayNetworkAlias}); err != nil {
		return err
	}
	undo.push("disconnect gateway", func(ctx context.Context) error {
		return m.dc.DisconnectNetwork(ctx, networkID, gateway.ID)
	})

	// 3. Entry container, isolated until provisioned.
	spec, err := m.entrySpec(ctx, inst)
	if err != nil {
		return err
	}
	entryID, err := m.dc.CreateContainer(ctx, spec)
	if err != nil {
		return err
	}
	inst.EntryContainerID = entryID
	undo.push("remove entry container", func(ctx context.Context) error {
		return m.removeContainer(ctx, entryID)
	})

	// 4. First boot: authorized key and instance id.
	if err := m.firstBoot(ctx, inst, entryID); err != nil {
		return err
	}

	// 5. Instance key.
	key := InstanceKey(m.opts.SecretKey, inst.ID)
	if err := m.dc.CopyFileToContainer(ctx, entryID, constants.ContainerKeyPath, key, 0o400); err != nil {
		return err
	}

	// 6. Move the entry container onto the gateway network.
	if err := m.dc.DisconnectNetwork(ctx, constants.IsolationNetworkName, entryID); err != nil {
		return err
	}
	if err := m.dc.ConnectNetwork(ctx, networkID, entryID, nil); err != nil {
		return err
	}

	// 7. Peripheral services.
	if err := m.startPeripherals(ctx, inst, entryID, undo); err != nil {
		return err
	}

	if err := m.instances.Save(ctx, inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	undo.discard()
	m.logger.Infof("Started instance [InstanceID: %d, Entry: %s, Network: %s]", inst.ID, entryID, networkID)
	m.publish(ctx, events.TypeInstanceStarted, inst, "")
	return nil
}

func (m *Manager) securityOpts(disableASLR bool) []string {
	if !disableASLR {
		return nil
	}
	if m.opts.SeccompProfile == "" {
		m.logger.Warn("ASLR disabling requested but no seccomp profile is loaded")
		return nil
	}
	return []string{"seccomp=" + m.opts.SeccompProfile}
}

func (m *Manager) baseSpec(inst *models.Instance) docker.ContainerSpec {
	return docker.ContainerSpec{
		NetworkMode: constants.IsolationNetworkName,
		CapAdd:      []string{constants.ContainerCapability},
		CPUPeriod:   m.opts.CPUPeriod,
		CPUQuota:    m.opts.CPUQuota,
		Memory:      m.opts.Memory,
		PidsLimit:   m.opts.PidsLimit,
		Labels:      m.labels(inst),
	}
}

func (m *Manager) entrySpec(ctx context.Context, inst *models.Instance) (docker.ContainerSpec, error) {
	tmpl := &inst.Template

	spec := m.baseSpec(inst)
	spec.Image = tmpl.EntryImage(m.opts.ResourcePrefix)
	spec.Name = m.resourceName(inst, "entry")
	spec.Hostname = tmpl.ShortName
	spec.ReadonlyRootfs = tmpl.Entry.Readonly
	spec.SecurityOpt = m.securityOpts(tmpl.Entry.DisableASLR)

	// The engine resolves bind sources on the host, not in this process.
	if tmpl.Persistent() {
		merged, err := m.dc.LocalPathToHost(ctx, m.Layers(inst).Merged)
		if err != nil {
			return spec, err
		}
		spec.Binds = append(spec.Binds, docker.Bind{Source: merged, Target: constants.ContainerHomePath})
	}
	shared, err := m.dc.LocalPathToHost(ctx, m.sharedDir(inst))
	if err != nil {
		return spec, err
	}
	spec.Binds = append(spec.Binds, docker.Bind{Source: shared, Target: constants.ContainerSharedPath})
	return spec, nil
}

func firstBootScript(publicKey string, instanceID int64) []byte {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n")
	fmt.Fprintf(&b, "mkdir -p %s/%s\n", constants.ContainerHomePath, constants.SSHDirName)
	fmt.Fprintf(&b, "echo %s >> %s/%s/authorized_keys\n", utils.ShellQuote(publicKey), constants.ContainerHomePath, constants.SSHDirName)
	fmt.Fprintf(&b, "printf %%s %s > %s\n", utils.ShellQuote(strconv.FormatInt(instanceID, 10)), constants.ContainerInstanceIDPath)
	fmt.Fprintf(&b, "chmod 400 %s\n", constants.ContainerInstanceIDPath)
	fmt.Fprintf(&b, "rm -f %s\n", constants.ContainerBootScriptPath)
	return []byte(b.String())
}

func (m *Manager) firstBoot(ctx context.Context, inst *models.Instance, containerID string) error {
	script := firstBootScript(inst.User.PublicKey, inst.ID)
	if err := m.dc.CopyFileToContainer(ctx, containerID, constants.ContainerBootScriptPath, script, 0o700); err != nil {
		return err
	}
	res, err := m.dc.Exec(ctx, containerID, []string{"/bin/bash", constants.ContainerBootScriptPath})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		m.logger.Errorf("First boot failed [InstanceID: %d, ExitCode: %d]: %s", inst.ID, res.ExitCode, res.Stderr)
		return fmt.Errorf("%w: exit code %d: %s", pkgerrors.ErrFirstBootFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *Manager) startPeripherals(ctx context.Context, inst *models.Instance, entryID string, undo *undoStack) error {
	tmpl := &inst.Template
	if len(tmpl.Services) == 0 {
		return nil
	}

	var internetID string
	if tmpl.AnyServiceWithInternet() {
		id, err := m.dc.CreateNetwork(ctx, m.resourceName(inst, "peripheral-internet"), false, m.labels(inst))
		if err != nil {
			return err
		}
		internetID = id
		inst.InternetNetworkID = id
		undo.push("remove peripheral internet network", func(ctx context.Context) error {
			return m.dc.RemoveNetwork(ctx, id)
		})
	}

	peripheralID, err := m.dc.CreateNetwork(ctx, m.resourceName(inst, "peripheral-to-entry"), true, m.labels(inst))
	if err != nil {
		return err
	}
	inst.PeripheralNetworkID = peripheralID
	undo.push("remove peripheral network", func(ctx context.Context) error {
		return m.dc.RemoveNetwork(ctx, peripheralID)
	})

	if err := m.dc.ConnectNetwork(ctx, peripheralID, entryID, nil); err != nil {
		return err
	}
	undo.push("disconnect entry from peripheral network", func(ctx context.Context) error {
		return m.dc.DisconnectNetwork(ctx, peripheralID, entryID)
	})

	for _, svc := range tmpl.Services {
		spec := m.baseSpec(inst)
		spec.Image = tmpl.ServiceImage(m.opts.ResourcePrefix, svc.Name)
		spec.Name = m.resourceName(inst, svc.Name)
		spec.Hostname = svc.Name
		spec.ReadonlyRootfs = svc.Readonly
		spec.SecurityOpt = m.securityOpts(svc.DisableASLR)

		m.logger.Infof("Creating peripheral container [InstanceID: %d, Name: %s]", inst.ID, spec.Name)
		id, err := m.dc.CreateContainer(ctx, spec)
		if err != nil {
			return err
		}
		inst.Peripherals = append(inst.Peripherals, models.PeripheralRuntime{Name: svc.Name, ContainerID: id})
		undo.push("remove peripheral container "+svc.Name, func(ctx context.Context) error {
			return m.removeContainer(ctx, id)
		})

		if err := m.dc.DisconnectNetwork(ctx, constants.IsolationNetworkName, id); err != nil {
			return err
		}
		if err := m.dc.ConnectNetwork(ctx, peripheralID, id, []string{svc.Name}); err != nil {
			return err
		}
		if svc.AllowInternet {
			if err := m.dc.ConnectNetwork(ctx, internetID, id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) removeContainer(ctx context.Context, containerID string) error {
	if err := m.dc.KillContainer(ctx, containerID); err != nil && !errors.Is(err, pkgerrors.ErrNotFound) {
		return err
	}
	return m.dc.RemoveContainer(ctx, containerID)
}

func (m *Manager) containerIDs(inst *models.Instance) []string {
	var ids []string
	if inst.EntryContainerID != "" {
		ids = append(ids, inst.EntryContainerID)
	}
	for _, p := range inst.Peripherals {
		if p.ContainerID != "" {
			ids = append(ids, p.ContainerID)
		}
	}
	return ids
}

// Stop kills and removes every container of inst, tears its networks down and
// clears the recorded runtime ids. Network teardown is best effort. Stop on a
// stopped instance only persists the cleared state again.
func (m *Manager) Stop(ctx context.Context, inst *models.Instance) error {
	ids := m.containerIDs(inst)

	var result *multierror.Error
	for _, id := range ids {
		info, err := m.dc.Container(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if info != nil && info.Running {
			if err := m.dc.KillContainer(ctx, id); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	for _, networkID := range []string{inst.NetworkID, inst.InternetNetworkID, inst.PeripheralNetworkID} {
		if networkID != "" {
			m.teardownNetwork(ctx, networkID)
		}
	}

	for _, id := range ids {
		if err := m.dc.RemoveContainer(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to stop instance %d: %w", inst.ID, err)
	}

	wasRunning := len(ids) > 0 || inst.NetworkID != ""
	inst.ClearRuntime()
	if err := m.instances.Save(ctx, inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	if wasRunning {
		m.logger.Infof("Stopped instance [InstanceID: %d]", inst.ID)
		m.publish(ctx, events.TypeInstanceStopped, inst, "")
	}
	return nil
}

// teardownNetwork disconnects every member and removes the network. A member
// that cannot be disconnected leaves the network in place.
func (m *Manager) teardownNetwork(ctx context.Context, networkID string) {
	network, err := m.dc.Network(ctx, networkID)
	if err != nil {
		m.logger.Errorf("Failed to inspect network [NetworkID: %s]: %s", networkID, err)
		return
	}
	if network == nil {
		return
	}
	for member := range network.Containers {
		if err := m.dc.DisconnectNetwork(ctx, networkID, member); err != nil {
			m.logger.Errorf("Failed to disconnect container, keeping network [NetworkID: %s, ContainerID: %s]: %s", networkID, member, err)
			return
		}
	}
	if err := m.dc.RemoveNetwork(ctx, networkID); err != nil {
		m.logger.Errorf("Failed to remove network [NetworkID: %s]: %s", networkID, err)
	}
}

// IsRunning reports whether every component of inst is up: the entry
// container and its gateway network with both members, every peripheral
// container, and the peripheral networks the template calls for.
func (m *Manager) IsRunning(ctx context.Context, inst *models.Instance) (bool, error) {
	if inst.EntryContainerID == "" || inst.NetworkID == "" {
		return false, nil
	}

	entry, err := m.dc.Container(ctx, inst.EntryContainerID)
	if err != nil || entry == nil || !entry.Running {
		return false, err
	}

	network, err := m.dc.Network(ctx, inst.NetworkID)
	if err != nil || network == nil {
		return false, err
	}

	gateway, err := m.dc.Container(ctx, m.opts.GatewayContainer)
	if err != nil {
		return false, err
	}
	if gateway == nil {
		return false, fmt.Errorf("%w: %s", pkgerrors.ErrGatewayNotFound, m.opts.GatewayContainer)
	}
	// A recreated gateway has a new id and is no longer a member.
	if !network.HasMember(gateway.ID) || !network.HasMember(entry.ID) {
		return false, nil
	}

	if len(inst.Peripherals) != len(inst.Template.Services) {
		return false, nil
	}
	for _, p := range inst.Peripherals {
		c, err := m.dc.Container(ctx, p.ContainerID)
		if err != nil || c == nil || !c.Running {
			return false, err
		}
	}

	if len(inst.Template.Services) > 0 {
		if inst.PeripheralNetworkID == "" {
			return false, nil
		}
		n, err := m.dc.Network(ctx, inst.PeripheralNetworkID)
		if err != nil || n == nil {
			return false, err
		}
	}

	if inst.Template.AnyServiceWithInternet() {
		if inst.InternetNetworkID == "" {
			return false, nil
		}
		n, err := m.dc.Network(ctx, inst.InternetNetworkID)
		if err != nil || n == nil {
			return false, err
		}
	}

	return true, nil
}

// EntryIP returns the address of the entry container on the gateway network.
func (m *Manager) EntryIP(ctx context.Context, inst *models.Instance) (string, error) {
	if inst.EntryContainerID == "" || inst.NetworkID == "" {
		return "", fmt.Errorf("instance %d: %w", inst.ID, pkgerrors.ErrInstanceHasNoIP)
	}
	ip, err := m.dc.ContainerIP(ctx, inst.EntryContainerID, inst.NetworkID)
	if err != nil {
		return "", fmt.Errorf("instance %d: %w: %w", inst.ID, pkgerrors.ErrInstanceHasNoIP, err)
	}
	m.logger.Debugf("Resolved entry address [InstanceID: %d, IP: %s]", inst.ID, ip)
	return ip, nil
}
