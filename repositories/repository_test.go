package repositories_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/repositories"
)

func newRepository(t *testing.T) *repositories.Repository {
	t.Helper()
	db, err := repositories.NewDatabase(filepath.Join(t.TempDir(), "ref.db"))
	require.NoError(t, err)
	return repositories.NewRepository(db)
}

func TestTemplateDefaults(t *testing.T) {
	ctx := context.Background()
	templates := repositories.NewTemplateRepository(newRepository(t))

	v1 := &models.Template{ShortName: "heap", Version: 1, IsDefault: true}
	v2 := &models.Template{ShortName: "heap", Version: 2,
		Services: []models.PeripheralService{{Name: "db", Cmd: []string{"run"}}}}
	require.NoError(t, templates.Create(ctx, v1))
	require.NoError(t, templates.Create(ctx, v2))

	def, err := templates.GetDefault(ctx, "heap")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, 1, def.Version)

	require.NoError(t, templates.SetDefault(ctx, v2.ID))
	def, err = templates.GetDefault(ctx, "heap")
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)
	require.Len(t, def.Services, 1)
	assert.Equal(t, "db", def.Services[0].Name)

	missing, err := templates.GetByNameAndVersion(ctx, "heap", 3)
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := templates.ListByName(ctx, "heap")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)

	require.NoError(t, templates.UpdateBuildStatus(ctx, v1.ID, "FAILED", "boom"))
	got, err := templates.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", got.BuildStatus)
	assert.Equal(t, "boom", got.BuildLog)
}

func TestInstanceLookup(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)
	users := repositories.NewUserRepository(repo)
	templates := repositories.NewTemplateRepository(repo)
	instances := repositories.NewInstanceRepository(repo)
	submissions := repositories.NewSubmissionRepository(repo)

	user := &models.User{Name: "alice", PublicKey: "ssh-ed25519 AAAA"}
	require.NoError(t, users.Create(ctx, user))
	byKey, err := users.GetByPublicKey(ctx, "ssh-ed25519 AAAA")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byKey.ID)

	tmpl := &models.Template{ShortName: "heap", Version: 1}
	other := &models.Template{ShortName: "stack", Version: 1}
	require.NoError(t, templates.Create(ctx, tmpl))
	require.NoError(t, templates.Create(ctx, other))

	first := &models.Instance{UserID: user.ID, TemplateID: tmpl.ID, CreatedAt: time.Now().Add(-time.Hour)}
	second := &models.Instance{UserID: user.ID, TemplateID: tmpl.ID, CreatedAt: time.Now()}
	unrelated := &models.Instance{UserID: user.ID, TemplateID: other.ID}
	for _, inst := range []*models.Instance{first, second, unrelated} {
		require.NoError(t, instances.Create(ctx, inst))
	}

	list, err := instances.ListByUserAndTemplateName(ctx, user.ID, "heap")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, "heap", list[0].Template.ShortName)

	second.EntryContainerID = "abc"
	second.Peripherals = []models.PeripheralRuntime{{Name: "db", ContainerID: "def"}}
	require.NoError(t, instances.Save(ctx, second))
	running, err := instances.ListWithRuntime(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "def", running[0].Peripherals[0].ContainerID)

	sub := &models.Submission{OriginInstanceID: first.ID, SubmittedInstanceID: unrelated.ID, TestPassed: true}
	require.NoError(t, submissions.Create(ctx, sub))
	require.NoError(t, submissions.AttachGrading(ctx, &models.Grading{SubmissionID: sub.ID, Points: 5}))

	got, err := instances.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, got.Submissions, 1)
	snapshot, err := instances.GetByID(ctx, unrelated.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Submission)
	require.NotNil(t, snapshot.Submission.Grading)
	assert.Equal(t, 5, snapshot.Submission.Grading.Points)

	require.NoError(t, submissions.ReassignOrigin(ctx, first.ID, second.ID))
	moved, err := submissions.ListByOrigin(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, moved, 1)

	require.NoError(t, submissions.Delete(ctx, sub.ID))
	gone, err := submissions.GetBySubmittedInstance(ctx, unrelated.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, instances.Delete(ctx, first.ID))
	deleted, err := instances.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}
