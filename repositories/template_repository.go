package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/remote-exercises/ref-core/models"
)

type TemplateRepository interface {
	Create(ctx context.Context, template *models.Template) error
	Update(ctx context.Context, template *models.Template) error
	GetByID(ctx context.Context, id int64) (*models.Template, error)
	GetByNameAndVersion(ctx context.Context, shortName string, version int) (*models.Template, error)
	GetDefault(ctx context.Context, shortName string) (*models.Template, error)
	ListByName(ctx context.Context, shortName string) ([]*models.Template, error)
	UpdateBuildStatus(ctx context.Context, id int64, status, buildLog string) error
	SetDefault(ctx context.Context, id int64) error
}

func NewTemplateRepository(repository *Repository) TemplateRepository {
	return &templateRepository{
		Repository: repository,
	}
}

type templateRepository struct {
	*Repository
}

func (r *templateRepository) Create(ctx context.Context, template *models.Template) error {
	return r.DB(ctx).Create(template).Error
}

func (r *templateRepository) Update(ctx context.Context, template *models.Template) error {
	return r.DB(ctx).Save(template).Error
}

func (r *templateRepository) GetByID(ctx context.Context, id int64) (*models.Template, error) {
	var template models.Template
	err := r.DB(ctx).Where("id = ?", id).First(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (r *templateRepository) GetByNameAndVersion(ctx context.Context, shortName string, version int) (*models.Template, error) {
	var template models.Template
	err := r.DB(ctx).Where("short_name = ? AND version = ?", shortName, version).First(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (r *templateRepository) GetDefault(ctx context.Context, shortName string) (*models.Template, error) {
	var template models.Template
	err := r.DB(ctx).Where("short_name = ? AND is_default = ?", shortName, true).
		Order("version DESC").
		First(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (r *templateRepository) ListByName(ctx context.Context, shortName string) ([]*models.Template, error) {
	var templates []*models.Template
	err := r.DB(ctx).Where("short_name = ?", shortName).
		Order("version ASC").
		Find(&templates).Error
	if err != nil {
		return nil, err
	}
	return templates, nil
}

func (r *templateRepository) UpdateBuildStatus(ctx context.Context, id int64, status, buildLog string) error {
	return r.DB(ctx).Model(&models.Template{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"build_status": status,
			"build_log":    buildLog,
		}).Error
}

// SetDefault makes id the only default version of its short name.
func (r *templateRepository) SetDefault(ctx context.Context, id int64) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		template, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if template == nil {
			return gorm.ErrRecordNotFound
		}
		if err := r.DB(ctx).Model(&models.Template{}).
			Where("short_name = ? AND id <> ?", template.ShortName, id).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return r.DB(ctx).Model(&models.Template{}).Where("id = ?", id).
			Update("is_default", true).Error
	})
}
