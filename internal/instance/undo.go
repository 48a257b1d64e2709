package instance

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

type undoAction struct {
	name string
	fn   func(ctx context.Context) error
}

// undoStack collects compensating actions for a multi-step operation. Actions
// run in reverse order of registration.
type undoStack struct {
	actions []undoAction
	logger  *zap.SugaredLogger
}

func newUndoStack(logger *zap.SugaredLogger) *undoStack {
	return &undoStack{logger: logger}
}

func (u *undoStack) push(name string, fn func(ctx context.Context) error) {
	u.actions = append(u.actions, undoAction{name: name, fn: fn})
}

// unwind undoes everything pushed so far. It returns cause unchanged when every
// action succeeds and an *InconsistentStateError otherwise. Actions run on a
// context that survives cancellation of ctx.
func (u *undoStack) unwind(ctx context.Context, op string, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.CleanupTimeout)
	defer cancel()

	var result *multierror.Error
	for i := len(u.actions) - 1; i >= 0; i-- {
		a := u.actions[i]
		if err := a.fn(cctx); err != nil {
			u.logger.Errorf("Undo action failed [Op: %s, Action: %s]: %s", op, a.name, err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", a.name, err))
		}
	}
	u.actions = nil

	if err := result.ErrorOrNil(); err != nil {
		return pkgerrors.NewInconsistentStateError(op, cause, err)
	}
	return cause
}

// discard forgets all actions after the operation succeeded.
func (u *undoStack) discard() {
	u.actions = nil
}
