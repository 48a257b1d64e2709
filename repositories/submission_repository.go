package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/remote-exercises/ref-core/models"
)

type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	// Delete removes the submission and its grading.
	Delete(ctx context.Context, id int64) error
	GetBySubmittedInstance(ctx context.Context, instanceID int64) (*models.Submission, error)
	ListByOrigin(ctx context.Context, originInstanceID int64) ([]*models.Submission, error)
	ReassignOrigin(ctx context.Context, fromInstanceID, toInstanceID int64) error
	AttachGrading(ctx context.Context, grading *models.Grading) error
}

func NewSubmissionRepository(repository *Repository) SubmissionRepository {
	return &submissionRepository{
		Repository: repository,
	}
}

type submissionRepository struct {
	*Repository
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.DB(ctx).Omit(clause.Associations).Create(submission).Error
}

func (r *submissionRepository) Delete(ctx context.Context, id int64) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		if err := r.DB(ctx).Where("submission_id = ?", id).Delete(&models.Grading{}).Error; err != nil {
			return err
		}
		return r.DB(ctx).Delete(&models.Submission{}, id).Error
	})
}

func (r *submissionRepository) GetBySubmittedInstance(ctx context.Context, instanceID int64) (*models.Submission, error) {
	var submission models.Submission
	err := r.DB(ctx).Preload("Grading").Where("submitted_instance_id = ?", instanceID).First(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &submission, nil
}

func (r *submissionRepository) ListByOrigin(ctx context.Context, originInstanceID int64) ([]*models.Submission, error) {
	var submissions []*models.Submission
	err := r.DB(ctx).Preload("Grading").
		Where("origin_instance_id = ?", originInstanceID).
		Order("submitted_at ASC, id ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) ReassignOrigin(ctx context.Context, fromInstanceID, toInstanceID int64) error {
	return r.DB(ctx).Model(&models.Submission{}).
		Where("origin_instance_id = ?", fromInstanceID).
		Update("origin_instance_id", toInstanceID).Error
}

// AttachGrading replaces any earlier grading of the same submission.
func (r *submissionRepository) AttachGrading(ctx context.Context, grading *models.Grading) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		if err := r.DB(ctx).Where("submission_id = ?", grading.SubmissionID).Delete(&models.Grading{}).Error; err != nil {
			return err
		}
		return r.DB(ctx).Create(grading).Error
	})
}
