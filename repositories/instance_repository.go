package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/remote-exercises/ref-core/models"
)

type InstanceRepository interface {
	Create(ctx context.Context, instance *models.Instance) error
	Save(ctx context.Context, instance *models.Instance) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*models.Instance, error)
	ListByUserAndTemplateName(ctx context.Context, userID int64, shortName string) ([]*models.Instance, error)
	ListWithRuntime(ctx context.Context) ([]*models.Instance, error)
}

func NewInstanceRepository(repository *Repository) InstanceRepository {
	return &instanceRepository{
		Repository: repository,
	}
}

type instanceRepository struct {
	*Repository
}

// Create inserts the instance row only. Associations are never written through
// an instance.
func (r *instanceRepository) Create(ctx context.Context, instance *models.Instance) error {
	return r.DB(ctx).Omit(clause.Associations).Create(instance).Error
}

func (r *instanceRepository) Save(ctx context.Context, instance *models.Instance) error {
	return r.DB(ctx).Omit(clause.Associations).Save(instance).Error
}

func (r *instanceRepository) Delete(ctx context.Context, id int64) error {
	return r.DB(ctx).Delete(&models.Instance{}, id).Error
}

func (r *instanceRepository) preloaded(ctx context.Context) *gorm.DB {
	return r.DB(ctx).
		Preload("User").
		Preload("Template").
		Preload("Submissions").
		Preload("Submission.Grading")
}

func (r *instanceRepository) GetByID(ctx context.Context, id int64) (*models.Instance, error) {
	var instance models.Instance
	err := r.preloaded(ctx).Where("id = ?", id).First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// ListByUserAndTemplateName returns the user's instances of any version of
// shortName, newest first.
func (r *instanceRepository) ListByUserAndTemplateName(ctx context.Context, userID int64, shortName string) ([]*models.Instance, error) {
	var instances []*models.Instance
	templateIDs := r.DB(ctx).Model(&models.Template{}).Select("id").Where("short_name = ?", shortName)
	err := r.preloaded(ctx).
		Where("user_id = ? AND template_id IN (?)", userID, templateIDs).
		Order("created_at DESC, id DESC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// ListWithRuntime returns every instance that has recorded runtime ids.
func (r *instanceRepository) ListWithRuntime(ctx context.Context) ([]*models.Instance, error) {
	var instances []*models.Instance
	err := r.preloaded(ctx).
		Where("entry_container_id <> '' OR network_id <> ''").
		Order("id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}
