package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/lock"
	"github.com/remote-exercises/ref-core/internal/reconcile"
	"github.com/remote-exercises/ref-core/models"
)

type fakeInstances struct {
	list []*models.Instance
	err  error
}

func (f *fakeInstances) Create(context.Context, *models.Instance) error { return nil }
func (f *fakeInstances) Save(context.Context, *models.Instance) error   { return nil }
func (f *fakeInstances) Delete(context.Context, int64) error            { return nil }
func (f *fakeInstances) GetByID(context.Context, int64) (*models.Instance, error) {
	return nil, nil
}
func (f *fakeInstances) ListByUserAndTemplateName(context.Context, int64, string) ([]*models.Instance, error) {
	return nil, nil
}
func (f *fakeInstances) ListWithRuntime(context.Context) ([]*models.Instance, error) {
	return f.list, f.err
}

type fakeLifecycle struct {
	mu      sync.Mutex
	running map[int64]bool
	broken  map[int64]bool
	stopped []int64
}

func (f *fakeLifecycle) IsRunning(_ context.Context, inst *models.Instance) (bool, error) {
	if f.broken[inst.ID] {
		return false, errors.New("gateway container not found")
	}
	return f.running[inst.ID], nil
}

func (f *fakeLifecycle) Stop(_ context.Context, inst *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, inst.ID)
	return nil
}

func (f *fakeLifecycle) stoppedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.stopped...)
}

func TestReconcileStopsPartialInstances(t *testing.T) {
	instances := &fakeInstances{list: []*models.Instance{{ID: 1}, {ID: 2}, {ID: 3}}}
	lc := &fakeLifecycle{running: map[int64]bool{1: true}, broken: map[int64]bool{3: true}}
	r := reconcile.NewReconciler(instances, lc, lock.NewLocalLocker(lock.Options{}))

	summary, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Summary{Checked: 3, Stopped: 1, Failed: 1}, summary)
	assert.Equal(t, []int64{2}, lc.stoppedIDs())
}

func TestReconcileSkipsLockedInstances(t *testing.T) {
	locker := lock.NewLocalLocker(lock.Options{})
	release, err := locker.Acquire(context.Background(), lock.InstanceKey(2))
	require.NoError(t, err)
	defer release()

	lc := &fakeLifecycle{}
	r := reconcile.NewReconciler(&fakeInstances{list: []*models.Instance{{ID: 2}}}, lc, locker)

	summary, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, lc.stoppedIDs())
}

func TestReconcileListFailure(t *testing.T) {
	r := reconcile.NewReconciler(&fakeInstances{err: errors.New("db gone")}, &fakeLifecycle{}, lock.NewLocalLocker(lock.Options{}))
	_, err := r.Reconcile(context.Background())
	assert.Error(t, err)
}

func TestScheduledReconcile(t *testing.T) {
	lc := &fakeLifecycle{}
	r := reconcile.NewReconciler(&fakeInstances{list: []*models.Instance{{ID: 5}}}, lc, lock.NewLocalLocker(lock.Options{}))

	require.NoError(t, r.Start(context.Background(), 50*time.Millisecond))
	defer r.Stop()

	require.Eventually(t, func() bool { return len(lc.stoppedIDs()) > 0 }, 5*time.Second, 10*time.Millisecond)
}
