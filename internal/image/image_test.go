package image_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/docker/dockertest"
	"github.com/remote-exercises/ref-core/internal/events"
	"github.com/remote-exercises/ref-core/internal/image"
	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/repositories"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	ctx       context.Context
	engine    *dockertest.Engine
	templates repositories.TemplateRepository
	events    *recordingPublisher
	builder   *image.Builder
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := repositories.NewDatabase(filepath.Join(dir, "ref.db"))
	require.NoError(t, err)

	f := &fixture{
		ctx:       context.Background(),
		engine:    dockertest.NewEngine(),
		templates: repositories.NewTemplateRepository(repositories.NewRepository(db)),
		events:    &recordingPublisher{},
		dir:       dir,
	}
	f.builder = image.NewBuilder("ref-", f.engine, f.templates, f.events)
	return f
}

func (f *fixture) template(t *testing.T, dockerfiles ...string) *models.Template {
	t.Helper()
	tmpl := &models.Template{
		ShortName:       "heap",
		Version:         1,
		BuildStatus:     constants.BuildStatusNotBuilt,
		TemplatePath:    filepath.Join(f.dir, "templates", "heap-1"),
		PersistencePath: filepath.Join(f.dir, "persistence", "heap-1"),
		Entry:           models.EntryService{PersistencePath: constants.ContainerHomePath},
		Services:        []models.PeripheralService{{Name: "db", Cmd: []string{"db"}}},
	}
	require.NoError(t, os.MkdirAll(tmpl.TemplatePath, 0o755))
	for _, name := range dockerfiles {
		require.NoError(t, os.WriteFile(filepath.Join(tmpl.TemplatePath, name), []byte("FROM base\n"), 0o644))
	}
	require.NoError(t, f.templates.Create(f.ctx, tmpl))
	return tmpl
}

func (f *fixture) reload(t *testing.T, id int64) *models.Template {
	t.Helper()
	tmpl, err := f.templates.GetByID(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	return tmpl
}

func TestBuildProducesAllImages(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, constants.EntryDockerfile, "Dockerfile-db")
	f.engine.ImageFiles["ref-heap-entry:v1"] = map[string]string{".bashrc": "export PS1=$ "}

	built, err := f.builder.IsBuilt(f.ctx, tmpl)
	require.NoError(t, err)
	assert.False(t, built)

	require.NoError(t, f.builder.Build(f.ctx, tmpl))
	assert.Equal(t, constants.BuildStatusBuilding, tmpl.BuildStatus)
	f.builder.Wait()

	stored := f.reload(t, tmpl.ID)
	assert.Equal(t, constants.BuildStatusFinished, stored.BuildStatus)
	assert.Contains(t, stored.BuildLog, "Building peripheral service db")

	built, err = f.builder.IsBuilt(f.ctx, stored)
	require.NoError(t, err)
	assert.True(t, built)

	data, err := os.ReadFile(filepath.Join(tmpl.LowerDir(), ".bashrc"))
	require.NoError(t, err)
	assert.Equal(t, "export PS1=$ ", string(data))

	require.Len(t, f.events.events, 1)
	assert.Equal(t, events.TypeTemplateBuilt, f.events.events[0].Type)
	assert.Equal(t, constants.BuildStatusFinished, f.events.events[0].Detail)
}

func TestBuildFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, constants.EntryDockerfile)

	require.NoError(t, f.builder.Build(f.ctx, tmpl))
	f.builder.Wait()

	stored := f.reload(t, tmpl.ID)
	assert.Equal(t, constants.BuildStatusFailed, stored.BuildStatus)
	assert.Contains(t, stored.BuildLog, "service db")

	built, err := f.builder.IsBuilt(f.ctx, stored)
	require.NoError(t, err)
	assert.False(t, built)
}

func TestBuildEngineFailure(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, constants.EntryDockerfile, "Dockerfile-db")
	f.engine.FailOn("BuildImage", errors.New("daemon gone"))

	require.NoError(t, f.builder.Build(f.ctx, tmpl))
	f.builder.Wait()

	stored := f.reload(t, tmpl.ID)
	assert.Equal(t, constants.BuildStatusFailed, stored.BuildStatus)
	assert.Contains(t, stored.BuildLog, "daemon gone")
}

func TestBuildRejectsRunningBuild(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t)
	tmpl.BuildStatus = constants.BuildStatusBuilding

	err := f.builder.Build(f.ctx, tmpl)
	assert.ErrorIs(t, err, pkgerrors.ErrTemplateBuilding)
}

func TestRemoveImages(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, constants.EntryDockerfile, "Dockerfile-db")
	require.NoError(t, f.builder.Build(f.ctx, tmpl))
	f.builder.Wait()

	require.NoError(t, f.builder.Remove(f.ctx, tmpl))

	built, err := f.builder.IsBuilt(f.ctx, tmpl)
	require.NoError(t, err)
	assert.False(t, built)
	assert.Equal(t, constants.BuildStatusNotBuilt, f.reload(t, tmpl.ID).BuildStatus)
}
