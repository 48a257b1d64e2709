package instance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/remote-exercises/ref-core/internal/events"
	"github.com/remote-exercises/ref-core/internal/overlay"
	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

// upperKeepList is what survives a reset of the upper layer.
var upperKeepList = []string{constants.SSHDirName}

// Update moves the user's work from old onto a new, running instance of
// newTemplate. The old instance ends up stopped; deleting it is left to the
// caller. A failure never restarts the old instance.
func (m *Manager) Update(ctx context.Context, old *models.Instance, newTemplate *models.Template) (inst *models.Instance, err error) {
	if old.Template.ShortName != newTemplate.ShortName || newTemplate.Version <= old.Template.Version {
		return nil, fmt.Errorf("update %s to %s: %w", old.Template.String(), newTemplate.String(), pkgerrors.ErrInvalidUpgrade)
	}
	if old.IsSubmission {
		return nil, fmt.Errorf("update instance %d: %w", old.ID, pkgerrors.ErrIsSubmission)
	}

	inst, err = m.Create(ctx, &old.User, newTemplate)
	if err != nil {
		return nil, err
	}

	undo := newUndoStack(m.logger)
	defer func() {
		if err != nil {
			err = undo.unwind(ctx, fmt.Sprintf("update instance %d", old.ID), err)
			inst = nil
		}
	}()
	created := inst
	undo.push("remove new instance", func(ctx context.Context) error {
		return m.purge(ctx, created)
	})

	if err := m.Start(ctx, inst); err != nil {
		return nil, err
	}
	if err := m.Stop(ctx, old); err != nil {
		return nil, err
	}

	// The old upper layer is copied onto the merged view, never onto the new
	// upper directory, since overlayfs rejects an upper dir whose origin changed.
	if newTemplate.Persistent() && old.Template.Entry.PersistencePath != "" {
		if err := m.overlay.CopyTree(ctx, m.Layers(old).Upper, m.Layers(inst).Merged); err != nil {
			return nil, fmt.Errorf("failed to copy user data: %w", err)
		}
	}

	undo.discard()
	m.logger.Infof("Updated instance [OldInstanceID: %d, NewInstanceID: %d, Template: %s]", old.ID, inst.ID, newTemplate)
	m.publish(ctx, events.TypeInstanceUpdated, inst, fmt.Sprintf("from instance %d", old.ID))
	return inst, nil
}

// CreateSubmission freezes the current work of inst into a new instance whose
// submitted layer holds a copy of inst's upper layer, and records the test
// result. An instance can be submitted once.
func (m *Manager) CreateSubmission(ctx context.Context, inst *models.Instance, testExitCode int, testOutput string) (submitted *models.Instance, err error) {
	if inst.IsSubmission {
		return nil, fmt.Errorf("submit instance %d: %w", inst.ID, pkgerrors.ErrIsSubmission)
	}
	existing, err := m.submissions.ListByOrigin(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("submit instance %d: %w", inst.ID, pkgerrors.ErrAlreadySubmitted)
	}

	if err := m.Stop(ctx, inst); err != nil {
		return nil, err
	}

	submitted, err = m.Create(ctx, &inst.User, &inst.Template)
	if err != nil {
		return nil, err
	}

	undo := newUndoStack(m.logger)
	defer func() {
		if err != nil {
			err = undo.unwind(ctx, fmt.Sprintf("submit instance %d", inst.ID), err)
			submitted = nil
		}
	}()
	created := submitted
	undo.push("remove submission instance", func(ctx context.Context) error {
		return m.purge(ctx, created)
	})

	layers := m.Layers(submitted)
	if err := m.overlay.Umount(layers); err != nil {
		return nil, err
	}
	if err := m.overlay.CopyTree(ctx, m.Layers(inst).Upper, layers.Submitted); err != nil {
		return nil, fmt.Errorf("failed to copy submitted data: %w", err)
	}
	if err := m.Mount(submitted); err != nil {
		return nil, err
	}

	submission := &models.Submission{
		OriginInstanceID:    inst.ID,
		SubmittedInstanceID: submitted.ID,
		SubmittedAt:         time.Now().UTC(),
		TestExitCode:        testExitCode,
		TestOutput:          testOutput,
		TestPassed:          testExitCode == 0,
	}
	if err := m.submissions.Create(ctx, submission); err != nil {
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}
	submissionID := submission.ID
	undo.push("delete submission record", func(ctx context.Context) error {
		return m.submissions.Delete(ctx, submissionID)
	})

	submitted.IsSubmission = true
	submitted.Submission = submission
	if err := m.instances.Save(ctx, submitted); err != nil {
		return nil, fmt.Errorf("failed to save submission instance: %w", err)
	}

	undo.discard()
	m.logger.Infof("Created submission [InstanceID: %d, SubmissionInstanceID: %d, Passed: %t]", inst.ID, submitted.ID, submission.TestPassed)
	m.publish(ctx, events.TypeInstanceSubmitted, inst, fmt.Sprintf("submission instance %d", submitted.ID))
	return submitted, nil
}

// Reset drops everything the user changed except their SSH configuration.
// The overlay is remounted even when clearing fails.
func (m *Manager) Reset(ctx context.Context, inst *models.Instance) (err error) {
	if err := m.Stop(ctx, inst); err != nil {
		return err
	}
	layers := m.Layers(inst)
	if err := m.overlay.Umount(layers); err != nil {
		return err
	}
	defer func() {
		if merr := m.Mount(inst); merr != nil {
			err = multierror.Append(err, merr).ErrorOrNil()
		}
	}()

	if err := overlay.ClearExcept(layers.Upper, upperKeepList); err != nil {
		return fmt.Errorf("failed to reset instance %d: %w", inst.ID, err)
	}

	m.logger.Infof("Reset instance [InstanceID: %d]", inst.ID)
	m.publish(ctx, events.TypeInstanceReset, inst, "")
	return nil
}

// Remove stops inst and deletes its persisted data. Submissions made from inst
// move to bequeathTo when given; otherwise they are removed together with
// their instances. If inst is itself a submission, that record goes too.
// Deleting the row of inst is left to the caller.
func (m *Manager) Remove(ctx context.Context, inst *models.Instance, bequeathTo *models.Instance) error {
	if err := m.Stop(ctx, inst); err != nil {
		return err
	}
	if inst.PersistencePath != "" {
		if err := m.overlay.Umount(m.Layers(inst)); err != nil {
			return err
		}
		if err := os.RemoveAll(inst.PersistencePath); err != nil {
			m.logger.Errorf("Failed to remove instance data [InstanceID: %d, Path: %s]: %s", inst.ID, inst.PersistencePath, err)
			return err
		}
	}

	if bequeathTo != nil {
		if err := m.BequeathSubmissions(ctx, inst, bequeathTo); err != nil {
			return err
		}
	} else {
		outgoing, err := m.submissions.ListByOrigin(ctx, inst.ID)
		if err != nil {
			return err
		}
		for _, sub := range outgoing {
			child, err := m.instances.GetByID(ctx, sub.SubmittedInstanceID)
			if err != nil {
				return err
			}
			if child != nil {
				if err := m.purge(ctx, child); err != nil {
					return err
				}
			}
			if err := m.submissions.Delete(ctx, sub.ID); err != nil {
				return err
			}
		}
	}

	own, err := m.submissions.GetBySubmittedInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if own != nil {
		if err := m.submissions.Delete(ctx, own.ID); err != nil {
			return err
		}
	}

	m.logger.Infof("Removed instance [InstanceID: %d]", inst.ID)
	m.publish(ctx, events.TypeInstanceRemoved, inst, "")
	return nil
}

// purge removes inst and deletes its row.
func (m *Manager) purge(ctx context.Context, inst *models.Instance) error {
	if err := m.Remove(ctx, inst, nil); err != nil {
		return err
	}
	return m.instances.Delete(ctx, inst.ID)
}

// BequeathSubmissions reassigns every submission made from one instance to another.
func (m *Manager) BequeathSubmissions(ctx context.Context, from, to *models.Instance) error {
	if from.ID == to.ID {
		return nil
	}
	if to.IsSubmission {
		return fmt.Errorf("bequeath to instance %d: %w", to.ID, pkgerrors.ErrIsSubmission)
	}
	if err := m.submissions.ReassignOrigin(ctx, from.ID, to.ID); err != nil {
		return fmt.Errorf("failed to move submissions of instance %d to %d: %w", from.ID, to.ID, err)
	}
	return nil
}
