// Package reconcile periodically stops instances that are only partially
// running, e.g. after a container died or the daemon crashed mid start.
package reconcile

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/lock"
	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/repositories"
)

type Lifecycle interface {
	IsRunning(ctx context.Context, inst *models.Instance) (bool, error)
	Stop(ctx context.Context, inst *models.Instance) error
}

type Summary struct {
	Checked int
	Stopped int
	Failed  int
}

type Reconciler struct {
	instances repositories.InstanceRepository
	lifecycle Lifecycle
	locker    lock.Locker
	scheduler *gocron.Scheduler
	logger    *zap.SugaredLogger
}

func NewReconciler(instances repositories.InstanceRepository, lifecycle Lifecycle, locker lock.Locker) *Reconciler {
	return &Reconciler{
		instances: instances,
		lifecycle: lifecycle,
		locker:    locker,
		logger:    logger.NewNamedLogger("reconcile"),
	}
}

// Reconcile checks every instance that has runtime ids stored and stops the
// ones that are not fully running.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	var summary Summary
	instances, err := r.instances.ListWithRuntime(ctx)
	if err != nil {
		return summary, err
	}

	for _, inst := range instances {
		summary.Checked++
		stopped, err := r.reconcileOne(ctx, inst)
		if err != nil {
			summary.Failed++
			r.logger.Warnf("Failed to reconcile instance [InstanceID: %d]: %s", inst.ID, err)
			continue
		}
		if stopped {
			summary.Stopped++
		}
	}
	return summary, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, inst *models.Instance) (bool, error) {
	release, err := r.locker.Acquire(ctx, lock.InstanceKey(inst.ID))
	if err != nil {
		return false, err
	}
	defer release()

	running, err := r.lifecycle.IsRunning(ctx, inst)
	if err != nil || running {
		return false, err
	}
	r.logger.Infof("Stopping partially running instance [InstanceID: %d]", inst.ID)
	if err := r.lifecycle.Stop(ctx, inst); err != nil {
		return false, err
	}
	return true, nil
}

// Start runs Reconcile every interval until Stop is called. Runs never
// overlap.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) error {
	r.scheduler = gocron.NewScheduler(time.UTC)
	_, err := r.scheduler.Every(interval).SingletonMode().Do(func() {
		summary, err := r.Reconcile(ctx)
		if err != nil {
			r.logger.Warnf("Reconcile failed: %s", err)
			return
		}
		r.logger.Infof("Reconcile completed [Checked: %d, Stopped: %d, Failed: %d]", summary.Checked, summary.Stopped, summary.Failed)
	})
	if err != nil {
		return err
	}
	r.scheduler.StartAsync()
	r.logger.Infof("Reconciler started [Interval: %s]", interval)
	return nil
}

func (r *Reconciler) Stop() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}
