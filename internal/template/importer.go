package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/overlay"
	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/repositories"
)

type Importer struct {
	templatesDir   string
	persistenceDir string
	copier         overlay.Copier
	templates      repositories.TemplateRepository
	logger         *zap.SugaredLogger
}

func NewImporter(templatesDir, persistenceDir string, copier overlay.Copier, templates repositories.TemplateRepository) *Importer {
	return &Importer{
		templatesDir:   templatesDir,
		persistenceDir: persistenceDir,
		copier:         copier,
		templates:      templates,
		logger:         logger.NewNamedLogger("template"),
	}
}

// Import validates the template in srcDir, copies it into the data directory
// and registers it. The first imported version of a name becomes its default.
func (i *Importer) Import(ctx context.Context, srcDir string) (tmpl *models.Template, err error) {
	tmpl, err = Load(srcDir)
	if err != nil {
		return nil, err
	}

	existing, err := i.templates.ListByName(ctx, tmpl.ShortName)
	if err != nil {
		return nil, err
	}
	if err := CheckSuccessor(existing, tmpl); err != nil {
		return nil, err
	}
	tmpl.IsDefault = len(existing) == 0

	dirName := fmt.Sprintf("%s-%d", tmpl.ShortName, tmpl.Version)
	tmpl.TemplatePath = filepath.Join(i.templatesDir, dirName)
	tmpl.PersistencePath = filepath.Join(i.persistenceDir, dirName)
	for _, p := range []string{tmpl.TemplatePath, tmpl.PersistencePath} {
		if _, err := os.Stat(p); err == nil {
			return nil, configErrorf("%s already exists", p)
		}
	}

	i.logger.Infof("Importing template [Template: %s, Source: %s]", tmpl, srcDir)
	defer func() {
		if err == nil {
			return
		}
		var cleanup *multierror.Error
		for _, p := range []string{tmpl.TemplatePath, tmpl.PersistencePath} {
			if rmErr := os.RemoveAll(p); rmErr != nil {
				cleanup = multierror.Append(cleanup, rmErr)
			}
		}
		if cleanup != nil {
			i.logger.Errorf("Failed to clean up after import [Template: %s]: %s", tmpl, cleanup)
		}
		tmpl = nil
	}()

	if err := os.MkdirAll(tmpl.PersistencePath, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpl.TemplatePath, 0o755); err != nil {
		return nil, err
	}
	if err := i.copier.CopyTree(ctx, srcDir, tmpl.TemplatePath); err != nil {
		return nil, err
	}
	if err := i.templates.Create(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", tmpl, err)
	}

	i.logger.Infof("Imported template [Template: %s, TemplateID: %d, Default: %t]", tmpl, tmpl.ID, tmpl.IsDefault)
	return tmpl, nil
}
