package template_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/overlay"
	"github.com/remote-exercises/ref-core/internal/template"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/repositories"
)

const heapSettings = `
short-name: heap
category: memory
version: 2
entry:
  files: [vuln.c]
  build-cmd:
    - gcc -o vuln vuln.c
  disable-aslr: true
  persistance-path: /home/user
  flag:
    value: FLAG{x}
services:
  web:
    cmd: ["/usr/bin/httpd", "-f"]
    allow-internet: true
  db:
    cmd: ["/usr/bin/db"]
    read-only: true
`

func TestParse(t *testing.T) {
	tmpl, err := template.Parse([]byte(heapSettings))
	require.NoError(t, err)

	assert.Equal(t, "heap", tmpl.ShortName)
	assert.Equal(t, 2, tmpl.Version)
	assert.Equal(t, "memory", tmpl.Category)
	assert.Equal(t, constants.BuildStatusNotBuilt, tmpl.BuildStatus)
	assert.True(t, tmpl.Entry.DisableASLR)
	assert.Equal(t, "/home/user", tmpl.Entry.PersistencePath)
	assert.Equal(t, []string{constants.DefaultEntryCommand}, tmpl.Entry.Cmd)
	assert.Equal(t, "/home/user/flag", tmpl.Entry.FlagPath)
	assert.True(t, tmpl.Persistent())

	require.Len(t, tmpl.Services, 2)
	assert.Equal(t, "db", tmpl.Services[0].Name)
	assert.True(t, tmpl.Services[0].Readonly)
	assert.Equal(t, "web", tmpl.Services[1].Name)
	assert.True(t, tmpl.AnyServiceWithInternet())
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings string
	}{
		{name: "empty", settings: ""},
		{name: "missing short name", settings: "version: 1\nentry: {}\n"},
		{name: "bad short name", settings: "short-name: a/b\nversion: 1\nentry: {}\n"},
		{name: "missing version", settings: "short-name: a\nentry: {}\n"},
		{name: "missing entry", settings: "short-name: a\nversion: 1\n"},
		{name: "unknown key", settings: "short-name: a\nversion: 1\nentry: {}\ncolour: red\n"},
		{name: "unknown entry key", settings: "short-name: a\nversion: 1\nentry:\n  colour: red\n"},
		{name: "readonly and persistent", settings: "short-name: a\nversion: 1\nentry:\n  read-only: true\n  persistance-path: /home/user\n"},
		{name: "bad service name", settings: "short-name: a\nversion: 1\nentry: {}\nservices:\n  'a b':\n    cmd: [x]\n"},
		{name: "service without cmd", settings: "short-name: a\nversion: 1\nentry: {}\nservices:\n  db: {}\n"},
		{name: "duplicate service", settings: "short-name: a\nversion: 1\nentry: {}\nservices:\n  db:\n    cmd: [x]\n  db:\n    cmd: [y]\n"},
		{name: "flag without value", settings: "short-name: a\nversion: 1\nentry:\n  flag:\n    location: /flag\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := template.Parse([]byte(tt.settings))
			assert.ErrorIs(t, err, pkgerrors.ErrConfig)
		})
	}
}

func writeTemplate(t *testing.T, settings string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TemplateSettingsFile), []byte(settings), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.EntryDockerfile), []byte("FROM base\n"), 0o644))
	return dir
}

func TestLoadRequiresSubmissionTests(t *testing.T) {
	dir := writeTemplate(t, "short-name: a\nversion: 1\nsubmission-test: true\nentry: {}\n")
	_, err := template.Load(dir)
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "submission_tests"), []byte("#!/bin/sh\n"), 0o755))
	tmpl, err := template.Load(dir)
	require.NoError(t, err)
	assert.True(t, tmpl.SubmissionTest)
}

func newImporter(t *testing.T) (*template.Importer, repositories.TemplateRepository, string) {
	t.Helper()
	dataDir := t.TempDir()
	db, err := repositories.NewDatabase(filepath.Join(dataDir, "ref.db"))
	require.NoError(t, err)
	templates := repositories.NewTemplateRepository(repositories.NewRepository(db))
	imp := template.NewImporter(
		filepath.Join(dataDir, constants.TemplatesDirName),
		filepath.Join(dataDir, constants.PersistenceDirName),
		overlay.NewCopier(),
		templates,
	)
	return imp, templates, dataDir
}

func TestImport(t *testing.T) {
	imp, templates, dataDir := newImporter(t)
	ctx := context.Background()

	first, err := imp.Import(ctx, writeTemplate(t, "short-name: heap\nversion: 1\nentry:\n  persistance-path: /home/user\n"))
	require.NoError(t, err)
	assert.True(t, first.IsDefault)
	assert.Equal(t, filepath.Join(dataDir, constants.TemplatesDirName, "heap-1"), first.TemplatePath)
	assert.FileExists(t, filepath.Join(first.TemplatePath, constants.EntryDockerfile))
	assert.DirExists(t, first.PersistencePath)

	second, err := imp.Import(ctx, writeTemplate(t, "short-name: heap\nversion: 2\nentry:\n  persistance-path: /home/user\n"))
	require.NoError(t, err)
	assert.False(t, second.IsDefault)

	def, err := templates.GetDefault(ctx, "heap")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, 1, def.Version)
}

func TestImportRejectsIncompatibleVersions(t *testing.T) {
	imp, templates, dataDir := newImporter(t)
	ctx := context.Background()

	_, err := imp.Import(ctx, writeTemplate(t, "short-name: heap\nversion: 1\nentry:\n  persistance-path: /home/user\n"))
	require.NoError(t, err)

	_, err = imp.Import(ctx, writeTemplate(t, "short-name: heap\nversion: 1\nentry:\n  persistance-path: /home/user\n"))
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)

	_, err = imp.Import(ctx, writeTemplate(t, "short-name: heap\nversion: 2\nentry:\n  read-only: true\n"))
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)

	_, err = imp.Import(ctx, writeTemplate(t, "short-name: heap\nversion: 3\nentry:\n  persistance-path: /root\n"))
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)

	all, err := templates.ListByName(ctx, "heap")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.NoDirExists(t, filepath.Join(dataDir, constants.TemplatesDirName, "heap-2"))
}

func TestImportCleansUpOnCopyFailure(t *testing.T) {
	imp, _, dataDir := newImporter(t)
	src := writeTemplate(t, "short-name: heap\nversion: 1\nentry: {}\n")
	require.NoError(t, os.Chmod(filepath.Join(src, constants.EntryDockerfile), 0o000))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(src, constants.EntryDockerfile), 0o644) })
	if os.Geteuid() == 0 {
		t.Skip("root can read unreadable files")
	}

	_, err := imp.Import(context.Background(), src)
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(dataDir, constants.TemplatesDirName, "heap-1"))
	assert.NoDirExists(t, filepath.Join(dataDir, constants.PersistenceDirName, "heap-1"))
}
