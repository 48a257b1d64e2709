// Package image builds and removes the container images of templates.
package image

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/docker"
	"github.com/remote-exercises/ref-core/internal/events"
	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
	"github.com/remote-exercises/ref-core/repositories"
)

type Builder struct {
	prefix    string
	dc        docker.DockerClient
	templates repositories.TemplateRepository
	publisher events.Publisher
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	building map[int64]struct{}
	wg       sync.WaitGroup
}

func NewBuilder(prefix string, dc docker.DockerClient, templates repositories.TemplateRepository, publisher events.Publisher) *Builder {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Builder{
		prefix:    prefix,
		dc:        dc,
		templates: templates,
		publisher: publisher,
		logger:    logger.NewNamedLogger("image"),
		building:  make(map[int64]struct{}),
	}
}

// Images lists every image tmpl needs, entry first.
func (b *Builder) Images(tmpl *models.Template) []string {
	images := []string{tmpl.EntryImage(b.prefix)}
	for _, svc := range tmpl.Services {
		images = append(images, tmpl.ServiceImage(b.prefix, svc.Name))
	}
	return images
}

// IsBuilt reports whether the entry image and every peripheral image exist.
func (b *Builder) IsBuilt(ctx context.Context, tmpl *models.Template) (bool, error) {
	for _, ref := range b.Images(tmpl) {
		ok, err := b.dc.ImageExists(ctx, ref)
		if err != nil {
			return false, err
		}
		if !ok {
			b.logger.Infof("Image not built [Template: %s, Image: %s]", tmpl, ref)
			return false, nil
		}
	}
	return true, nil
}

// Build marks tmpl as building and builds its images in the background. The
// outcome is recorded on the template row; callers poll it.
func (b *Builder) Build(ctx context.Context, tmpl *models.Template) error {
	b.mu.Lock()
	if _, ok := b.building[tmpl.ID]; ok || tmpl.BuildStatus == constants.BuildStatusBuilding {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", tmpl, pkgerrors.ErrTemplateBuilding)
	}
	b.building[tmpl.ID] = struct{}{}
	b.mu.Unlock()

	if err := b.templates.UpdateBuildStatus(ctx, tmpl.ID, constants.BuildStatusBuilding, ""); err != nil {
		b.done(tmpl.ID)
		return fmt.Errorf("failed to mark %s as building: %w", tmpl, err)
	}
	tmpl.BuildStatus = constants.BuildStatusBuilding

	b.logger.Infof("Starting build [Template: %s]", tmpl)
	t := *tmpl
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.done(t.ID)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Errorf("Build panicked [Template: %s]: %v", &t, r)
				b.finish(context.Background(), &t, constants.BuildStatusFailed, fmt.Sprintf("build panicked: %v", r))
			}
		}()
		b.run(context.WithoutCancel(ctx), &t)
	}()
	return nil
}

// Wait blocks until all running builds finished.
func (b *Builder) Wait() {
	b.wg.Wait()
}

func (b *Builder) done(id int64) {
	b.mu.Lock()
	delete(b.building, id)
	b.mu.Unlock()
}

func (b *Builder) run(ctx context.Context, tmpl *models.Template) {
	start := time.Now()
	var log strings.Builder

	err := b.buildAll(ctx, tmpl, &log)
	if err != nil {
		fmt.Fprintf(&log, "\n%s\n", err)
		b.logger.Errorf("Build failed [Template: %s]: %s", tmpl, err)
		b.finish(ctx, tmpl, constants.BuildStatusFailed, log.String())
		return
	}

	b.logger.Infof("Build finished [Template: %s, Duration: %s]", tmpl, time.Since(start).Round(time.Second))
	b.finish(ctx, tmpl, constants.BuildStatusFinished, log.String())
}

func (b *Builder) buildAll(ctx context.Context, tmpl *models.Template, log *strings.Builder) error {
	log.WriteString(" --- Building entry service --- \n")
	entryImage := tmpl.EntryImage(b.prefix)
	out, err := b.dc.BuildImage(ctx, tmpl.TemplatePath, constants.EntryDockerfile, entryImage)
	log.WriteString(out)
	if err != nil {
		return fmt.Errorf("entry service: %w", err)
	}

	if tmpl.Entry.PersistencePath != "" {
		lower := tmpl.LowerDir()
		if err := os.RemoveAll(lower); err != nil {
			return fmt.Errorf("failed to clear %s: %w", lower, err)
		}
		if err := b.dc.CopyFromImage(ctx, entryImage, tmpl.Entry.PersistencePath, lower); err != nil {
			return fmt.Errorf("failed to copy %s out of %s: %w", tmpl.Entry.PersistencePath, entryImage, err)
		}
		fmt.Fprintf(log, "Copied %s into %s\n", tmpl.Entry.PersistencePath, lower)
	}

	if len(tmpl.Services) == 0 {
		log.WriteString("No peripheral services to build\n")
		return nil
	}
	for _, svc := range tmpl.Services {
		fmt.Fprintf(log, " --- Building peripheral service %s --- \n", svc.Name)
		out, err := b.dc.BuildImage(ctx, tmpl.TemplatePath, "Dockerfile-"+svc.Name, tmpl.ServiceImage(b.prefix, svc.Name))
		log.WriteString(out)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}
	return nil
}

func (b *Builder) finish(ctx context.Context, tmpl *models.Template, status, buildLog string) {
	if err := b.templates.UpdateBuildStatus(ctx, tmpl.ID, status, buildLog); err != nil {
		b.logger.Errorf("Failed to record build status [Template: %s, Status: %s]: %s", tmpl, status, err)
	}
	err := b.publisher.Publish(ctx, events.Event{
		Type:      events.TypeTemplateBuilt,
		Template:  tmpl.String(),
		Detail:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Warnf("Failed to publish build event [Template: %s]: %s", tmpl, err)
	}
}

// Remove deletes every image of tmpl and marks it as not built.
func (b *Builder) Remove(ctx context.Context, tmpl *models.Template) error {
	b.logger.Infof("Removing images [Template: %s]", tmpl)
	for _, ref := range b.Images(tmpl) {
		if err := b.dc.RemoveImage(ctx, ref); err != nil {
			return err
		}
	}
	return b.templates.UpdateBuildStatus(ctx, tmpl.ID, constants.BuildStatusNotBuilt, "")
}
