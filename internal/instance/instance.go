package instance

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/config"
	"github.com/remote-exercises/ref-core/internal/docker"
	"github.com/remote-exercises/ref-core/internal/events"
	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/overlay"
	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/repositories"
)

// Options carries the host specific settings of a Manager.
type Options struct {
	InstancesDir     string
	ResourcePrefix   string
	GatewayContainer string
	SecretKey        string
	CPUPeriod        int64
	CPUQuota         int64
	Memory           int64
	PidsLimit        int64
	// SeccompProfile is the JSON profile applied to services that disable ASLR.
	SeccompProfile string
}

// OptionsFromConfig builds Options from cfg, reading the seccomp profile from
// disk. A missing profile is only logged; services asking for it then run with
// the engine's default profile.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		InstancesDir:     cfg.InstancesDir(),
		ResourcePrefix:   cfg.DockerResourcePrefix,
		GatewayContainer: cfg.GatewayContainerName,
		SecretKey:        cfg.SecretKey,
		CPUPeriod:        cfg.Container.CPUPeriod,
		CPUQuota:         cfg.Container.CPUQuota,
		Memory:           cfg.Container.MemoryLimit,
		PidsLimit:        cfg.Container.PidsLimit,
	}
	profile, err := os.ReadFile(cfg.Container.SeccompProfilePath)
	if err != nil {
		logger.NewNamedLogger("instance").Warnf("Seccomp profile not readable [Path: %s]: %s", cfg.Container.SeccompProfilePath, err)
	} else {
		opts.SeccompProfile = string(profile)
	}
	return opts
}

// Manager drives the lifecycle of instances. It does not lock; callers
// serialize operations on the same instance.
type Manager struct {
	opts        Options
	dc          docker.DockerClient
	overlay     *overlay.Manager
	instances   repositories.InstanceRepository
	submissions repositories.SubmissionRepository
	publisher   events.Publisher
	logger      *zap.SugaredLogger
}

func NewManager(
	opts Options,
	dc docker.DockerClient,
	overlayManager *overlay.Manager,
	instances repositories.InstanceRepository,
	submissions repositories.SubmissionRepository,
	publisher events.Publisher,
) *Manager {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Manager{
		opts:        opts,
		dc:          dc,
		overlay:     overlayManager,
		instances:   instances,
		submissions: submissions,
		publisher:   publisher,
		logger:      logger.NewNamedLogger("instance"),
	}
}

// Layers returns the overlay directories of inst.
func (m *Manager) Layers(inst *models.Instance) overlay.Layers {
	return overlay.Layers{
		Lower:     inst.Template.LowerDir(),
		Submitted: filepath.Join(inst.PersistencePath, constants.EntrySubmittedDir),
		Upper:     filepath.Join(inst.PersistencePath, constants.EntryUpperDirName),
		Work:      filepath.Join(inst.PersistencePath, constants.EntryWorkDirName),
		Merged:    filepath.Join(inst.PersistencePath, constants.EntryMergedDirName),
	}
}

func (m *Manager) sharedDir(inst *models.Instance) string {
	return filepath.Join(inst.PersistencePath, constants.EntrySharedDirName)
}

// SocksSocketPath is the unix socket the instance serves its SOCKS5 proxy on.
func (m *Manager) SocksSocketPath(inst *models.Instance) string {
	return filepath.Join(m.sharedDir(inst), constants.SocksProxySocketName)
}

func (m *Manager) resourceName(inst *models.Instance, kind string) string {
	return fmt.Sprintf("%s%s-v%d-%s-%d", m.opts.ResourcePrefix, inst.Template.ShortName, inst.Template.Version, kind, inst.ID)
}

func (m *Manager) labels(inst *models.Instance) map[string]string {
	return map[string]string{
		constants.LabelManagedBy:  constants.ManagedByValue,
		constants.LabelInstanceID: strconv.FormatInt(inst.ID, 10),
		constants.LabelTemplate:   inst.Template.String(),
	}
}

// InstanceKey derives the per-instance secret used by scripts inside the
// container to authenticate requests.
func InstanceKey(secret string, instanceID int64) []byte {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write([]byte(strconv.FormatInt(instanceID, 10)))
	return h.Sum(nil)
}

func (m *Manager) publish(ctx context.Context, eventType string, inst *models.Instance, detail string) {
	err := m.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		Template:   inst.Template.String(),
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warnf("Failed to publish event [Type: %s, InstanceID: %d]: %s", eventType, inst.ID, err)
	}
}

// Create registers a new instance of tmpl for user, lays out its persistence
// directories and mounts its overlay. On failure nothing is left behind.
func (m *Manager) Create(ctx context.Context, user *models.User, tmpl *models.Template) (inst *models.Instance, err error) {
	inst = &models.Instance{
		UserID:     user.ID,
		User:       *user,
		TemplateID: tmpl.ID,
		Template:   *tmpl,
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.instances.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to register instance: %w", err)
	}

	undo := newUndoStack(m.logger)
	defer func() {
		if err != nil {
			err = undo.unwind(ctx, "create instance", err)
			inst = nil
		}
	}()
	id := inst.ID
	undo.push("delete instance row", func(ctx context.Context) error {
		return m.instances.Delete(ctx, id)
	})

	inst.PersistencePath = filepath.Join(m.opts.InstancesDir, strconv.FormatInt(inst.ID, 10))
	if err := os.MkdirAll(m.opts.InstancesDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.Mkdir(inst.PersistencePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}
	root := inst.PersistencePath
	undo.push("remove instance directory", func(ctx context.Context) error {
		return os.RemoveAll(root)
	})

	l := m.Layers(inst)
	dirs := []string{l.Upper, l.Work, l.Merged, l.Submitted, m.sharedDir(inst)}
	for _, svc := range tmpl.Services {
		dirs = append(dirs, filepath.Join(inst.PersistencePath, constants.ServiceDirPrefix+svc.Name))
	}
	for _, d := range dirs {
		if err := os.Mkdir(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create instance directory: %w", err)
		}
	}

	if err := m.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	if err := m.overlay.Mount(l, !tmpl.Persistent()); err != nil {
		return nil, err
	}

	undo.discard()
	m.logger.Infof("Created instance [InstanceID: %d, Template: %s, UserID: %d]", inst.ID, tmpl, user.ID)
	m.publish(ctx, events.TypeInstanceCreated, inst, "")
	return inst, nil
}

// Mount mounts the overlay of inst if its template needs one.
func (m *Manager) Mount(inst *models.Instance) error {
	return m.overlay.Mount(m.Layers(inst), !inst.Template.Persistent())
}

func (m *Manager) Umount(inst *models.Instance) error {
	return m.overlay.Umount(m.Layers(inst))
}

// Get loads an instance with its template, user and submissions.
func (m *Manager) Get(ctx context.Context, id int64) (*models.Instance, error) {
	inst, err := m.instances.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("instance %d: %w", id, pkgerrors.ErrInstanceNotFound)
	}
	return inst, nil
}

// LookupSocket returns the SOCKS5 socket of instance id.
func (m *Manager) LookupSocket(ctx context.Context, id int64) (string, error) {
	inst, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return m.SocksSocketPath(inst), nil
}
