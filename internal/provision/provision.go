// Package provision decides which instance an incoming SSH session is
// forwarded to and makes sure that instance is running.
package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/instance"
	"github.com/remote-exercises/ref-core/internal/lock"
	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/metrics"
	"github.com/remote-exercises/ref-core/models"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/repositories"
)

var introspectionPattern = regexp.MustCompile(`^instance-([0-9]+)$`)

// Lifecycle is the part of the instance manager provisioning drives.
type Lifecycle interface {
	Get(ctx context.Context, id int64) (*models.Instance, error)
	Create(ctx context.Context, user *models.User, tmpl *models.Template) (*models.Instance, error)
	State(ctx context.Context, inst *models.Instance) (instance.State, error)
	Mount(inst *models.Instance) error
	IsRunning(ctx context.Context, inst *models.Instance) (bool, error)
	Start(ctx context.Context, inst *models.Instance) error
	Stop(ctx context.Context, inst *models.Instance) error
	EntryIP(ctx context.Context, inst *models.Instance) (string, error)
	Update(ctx context.Context, old *models.Instance, newTemplate *models.Template) (*models.Instance, error)
	Remove(ctx context.Context, inst *models.Instance, bequeathTo *models.Instance) error
	Reset(ctx context.Context, inst *models.Instance) error
	CreateSubmission(ctx context.Context, inst *models.Instance, testExitCode int, testOutput string) (*models.Instance, error)
}

type ImageChecker interface {
	IsBuilt(ctx context.Context, tmpl *models.Template) (bool, error)
}

// Result tells the gateway where to forward a session.
type Result struct {
	IP         string   `json:"ip"`
	Cmd        []string `json:"cmd"`
	InstanceID int64    `json:"instance_id"`
}

// InstanceInfo is what a user inside an instance may learn about it.
type InstanceInfo struct {
	InstanceID   int64  `json:"instance_id"`
	IsSubmission bool   `json:"is_submission"`
	User         string `json:"user"`
	Exercise     string `json:"exercise"`
	Version      int    `json:"version"`
}

// Provisioner is implemented by Service.
type Provisioner interface {
	Provision(ctx context.Context, publicKey, exerciseName string) (*Result, error)
	ResetInstance(ctx context.Context, instanceID int64) error
	SubmitInstance(ctx context.Context, instanceID int64, testExitCode int, testOutput string) (*models.Instance, error)
	InstanceInfo(ctx context.Context, instanceID int64) (*InstanceInfo, error)
}

type Service struct {
	users     repositories.UserRepository
	templates repositories.TemplateRepository
	instances repositories.InstanceRepository
	lifecycle Lifecycle
	images    ImageChecker
	locker    lock.Locker
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

func NewService(
	users repositories.UserRepository,
	templates repositories.TemplateRepository,
	instances repositories.InstanceRepository,
	lifecycle Lifecycle,
	images ImageChecker,
	locker lock.Locker,
	m *metrics.Metrics,
) *Service {
	return &Service{
		users:     users,
		templates: templates,
		instances: instances,
		lifecycle: lifecycle,
		images:    images,
		locker:    locker,
		metrics:   m,
		logger:    logger.NewNamedLogger("provision"),
	}
}

// Provision resolves the user behind publicKey and the requested exercise
// name, which is a short name, "name@version" (admins only) or
// "instance-<id>" (admins only).
func (s *Service) Provision(ctx context.Context, publicKey, exerciseName string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("provision", time.Since(start).Seconds(), err)
		err = s.public(err)
	}()

	user, err := s.users.GetByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, pkgerrors.ErrUnknownUser
	}
	s.logger.Infof("Provision request [UserID: %d, Exercise: %s]", user.ID, exerciseName)

	if m := introspectionPattern.FindStringSubmatch(exerciseName); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid instance id", pkgerrors.ErrInstanceNotFound)
		}
		return s.EnsureInstanceRunning(ctx, user, id)
	}

	name, versionStr, pinned := strings.Cut(exerciseName, "@")
	if !pinned {
		return s.EnsureRunning(ctx, user, name, nil)
	}
	if !user.IsAdmin {
		return nil, fmt.Errorf("%w: only admins may request a specific version", pkgerrors.ErrPermissionDenied)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrTemplateNotFound, exerciseName)
	}
	return s.EnsureRunning(ctx, user, name, &version)
}

// EnsureRunning makes sure user has a running instance of the named template
// and returns its address. Without a version the default template is used and
// older instances are upgraded to it.
func (s *Service) EnsureRunning(ctx context.Context, user *models.User, name string, version *int) (*Result, error) {
	release, err := s.locker.Acquire(ctx, lock.UserKey(user.ID))
	if err != nil {
		return nil, err
	}
	defer release()

	tmpl, err := s.resolveTemplate(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if err := s.requireBuilt(ctx, tmpl); err != nil {
		return nil, err
	}

	candidates, err := s.instances.ListByUserAndTemplateName(ctx, user.ID, tmpl.ShortName)
	if err != nil {
		return nil, err
	}
	var own []*models.Instance
	for _, inst := range candidates {
		if inst.IsSubmission {
			continue
		}
		if version != nil && inst.Template.Version != *version {
			continue
		}
		own = append(own, inst)
	}
	sort.SliceStable(own, func(i, j int) bool {
		return own[i].Template.Version > own[j].Template.Version
	})

	var inst *models.Instance
	switch {
	case len(own) == 0:
		inst, err = s.lifecycle.Create(ctx, user, tmpl)
	case version == nil && own[0].Template.Version < tmpl.Version:
		inst, err = s.upgrade(ctx, own[0], tmpl)
	default:
		inst = own[0]
	}
	if err != nil {
		return nil, err
	}
	return s.ensureStarted(ctx, inst)
}

// EnsureInstanceRunning starts a specific instance for inspection by an admin.
func (s *Service) EnsureInstanceRunning(ctx context.Context, user *models.User, instanceID int64) (*Result, error) {
	if !user.IsAdmin {
		return nil, fmt.Errorf("%w: instance introspection is reserved to admins", pkgerrors.ErrPermissionDenied)
	}
	inst, err := s.lifecycle.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBuilt(ctx, &inst.Template); err != nil {
		return nil, err
	}
	return s.ensureStarted(ctx, inst)
}

func (s *Service) resolveTemplate(ctx context.Context, name string, version *int) (*models.Template, error) {
	if version == nil {
		tmpl, err := s.templates.GetDefault(ctx, name)
		if err != nil {
			return nil, err
		}
		if tmpl == nil {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrNoDefaultTemplate, name)
		}
		return tmpl, nil
	}
	tmpl, err := s.templates.GetByNameAndVersion(ctx, name, *version)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s@%d", pkgerrors.ErrTemplateNotFound, name, *version)
	}
	return tmpl, nil
}

func (s *Service) requireBuilt(ctx context.Context, tmpl *models.Template) error {
	built, err := s.images.IsBuilt(ctx, tmpl)
	if err != nil {
		return err
	}
	if !built {
		s.logger.Errorf("Template images missing [Template: %s]", tmpl)
		return fmt.Errorf("%w: %s", pkgerrors.ErrTemplateNotBuilt, tmpl)
	}
	return nil
}

// upgrade replaces old with a new instance of tmpl, moving submissions over.
// Once the new instance runs, failing to get rid of old is an inconsistency.
func (s *Service) upgrade(ctx context.Context, old *models.Instance, tmpl *models.Template) (*models.Instance, error) {
	release, err := s.locker.Acquire(ctx, lock.InstanceKey(old.ID))
	if err != nil {
		return nil, err
	}
	defer release()

	s.logger.Infof("Upgrading instance [InstanceID: %d, From: %s, To: %s]", old.ID, old.Template.String(), tmpl)
	inst, err := s.lifecycle.Update(ctx, old, tmpl)
	if err != nil {
		return nil, err
	}

	if err := s.lifecycle.Remove(ctx, old, inst); err != nil {
		return nil, pkgerrors.NewInconsistentStateError("remove upgraded instance", err, nil)
	}
	if err := s.instances.Delete(ctx, old.ID); err != nil {
		return nil, pkgerrors.NewInconsistentStateError("delete upgraded instance", err, nil)
	}
	return inst, nil
}

func (s *Service) ensureStarted(ctx context.Context, inst *models.Instance) (*Result, error) {
	release, err := s.locker.Acquire(ctx, lock.InstanceKey(inst.ID))
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := s.lifecycle.State(ctx, inst)
	if err != nil {
		return nil, err
	}
	switch state {
	case instance.StateRemoved:
		return nil, fmt.Errorf("instance %d: %w", inst.ID, pkgerrors.ErrInstanceNotFound)
	case instance.StateUnmounted:
		if err := s.lifecycle.Mount(inst); err != nil {
			return nil, err
		}
	}

	running, err := s.lifecycle.IsRunning(ctx, inst)
	if err != nil {
		return nil, err
	}
	if !running {
		s.logger.Infof("Instance not running, starting [InstanceID: %d]", inst.ID)
		if err := s.lifecycle.Start(ctx, inst); err != nil {
			return nil, err
		}
	}

	ip, err := s.lifecycle.EntryIP(ctx, inst)
	if err != nil {
		s.logger.Errorf("Failed to get IP, stopping instance [InstanceID: %d]: %s", inst.ID, err)
		if stopErr := s.lifecycle.Stop(ctx, inst); stopErr != nil {
			return nil, pkgerrors.NewInconsistentStateError("stop instance without ip", err, stopErr)
		}
		return nil, err
	}

	s.logger.Infof("Instance ready [InstanceID: %d, IP: %s]", inst.ID, ip)
	return &Result{IP: ip, Cmd: inst.Template.Entry.Cmd, InstanceID: inst.ID}, nil
}

// ResetInstance drops the user's changes to an instance. Called from inside
// the instance, which goes down with it.
func (s *Service) ResetInstance(ctx context.Context, instanceID int64) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("reset", time.Since(start).Seconds(), err)
		err = s.public(err)
	}()

	return s.withInstance(ctx, instanceID, func(inst *models.Instance) error {
		s.logger.Infof("Reset request [InstanceID: %d]", inst.ID)
		return s.lifecycle.Reset(ctx, inst)
	})
}

// SubmitInstance snapshots an instance together with the result of the
// submission test that ran inside it.
func (s *Service) SubmitInstance(ctx context.Context, instanceID int64, testExitCode int, testOutput string) (submitted *models.Instance, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("submit", time.Since(start).Seconds(), err)
		err = s.public(err)
	}()

	// NUL bytes would cut the output short in logs and text columns.
	testOutput = strings.ReplaceAll(testOutput, "\x00", "\uFFFD")

	err = s.withInstance(ctx, instanceID, func(inst *models.Instance) error {
		s.logger.Infof("Submit request [InstanceID: %d, TestExitCode: %d]", inst.ID, testExitCode)
		submitted, err = s.lifecycle.CreateSubmission(ctx, inst, testExitCode, testOutput)
		return err
	})
	if err != nil {
		return nil, err
	}
	return submitted, nil
}

func (s *Service) InstanceInfo(ctx context.Context, instanceID int64) (info *InstanceInfo, err error) {
	defer func() {
		err = s.public(err)
	}()

	inst, err := s.lifecycle.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &InstanceInfo{
		InstanceID:   inst.ID,
		IsSubmission: inst.IsSubmission,
		User:         inst.User.Name,
		Exercise:     inst.Template.ShortName,
		Version:      inst.Template.Version,
	}, nil
}

// withInstance runs fn on a fresh copy of the instance while holding the
// owner's user lock and the instance lock, in the order EnsureRunning takes them.
func (s *Service) withInstance(ctx context.Context, instanceID int64, fn func(inst *models.Instance) error) error {
	inst, err := s.lifecycle.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	releaseUser, err := s.locker.Acquire(ctx, lock.UserKey(inst.UserID))
	if err != nil {
		return err
	}
	defer releaseUser()
	releaseInstance, err := s.locker.Acquire(ctx, lock.InstanceKey(inst.ID))
	if err != nil {
		return err
	}
	defer releaseInstance()

	inst, err = s.lifecycle.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	return fn(inst)
}

// Error hides an unexpected failure from the user behind a correlation id
// that is also logged.
type Error struct {
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("internal error, please contact the administrator (ref: %s)", e.CorrelationID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// expected failures are shown to the user as they are.
var expected = []error{
	pkgerrors.ErrUnknownUser,
	pkgerrors.ErrPermissionDenied,
	pkgerrors.ErrNoDefaultTemplate,
	pkgerrors.ErrTemplateNotFound,
	pkgerrors.ErrTemplateNotBuilt,
	pkgerrors.ErrLockNotAcquired,
	pkgerrors.ErrInstanceNotFound,
	pkgerrors.ErrIsSubmission,
	pkgerrors.ErrAlreadySubmitted,
}

func (s *Service) public(err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, pkgerrors.ErrInconsistentState) {
		for _, e := range expected {
			if errors.Is(err, e) {
				return err
			}
		}
	}
	id := uuid.NewString()
	s.logger.Errorf("Provisioning failed [CorrelationID: %s]: %s", id, err)
	return &Error{CorrelationID: id, Err: err}
}
