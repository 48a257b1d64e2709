package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

func TestInconsistentStateErrorKeepsCause(t *testing.T) {
	cause := fmt.Errorf("create network: %w", pkgerrors.ErrEngineAPI)
	cleanup := errors.New("remove container failed")

	err := error(pkgerrors.NewInconsistentStateError("start", cause, cleanup))

	assert.ErrorIs(t, err, pkgerrors.ErrInconsistentState)
	assert.ErrorIs(t, err, pkgerrors.ErrEngineAPI)
	assert.ErrorIs(t, err, cleanup)

	var ise *pkgerrors.InconsistentStateError
	assert.True(t, errors.As(err, &ise))
	assert.Equal(t, "start", ise.Op)
	assert.Contains(t, err.Error(), "remove container failed")
}

func TestInconsistentStateErrorWithoutCleanup(t *testing.T) {
	err := pkgerrors.NewInconsistentStateError("update", pkgerrors.ErrNotFound, nil)
	assert.Len(t, err.Unwrap(), 2)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestInstanceNotFoundIsNarrowerThanNotFound(t *testing.T) {
	err := fmt.Errorf("instance 3: %w", pkgerrors.ErrInstanceNotFound)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	assert.Equal(t, "instance 3: instance not found", err.Error())

	engine := fmt.Errorf("inspect container: %w", pkgerrors.ErrNotFound)
	assert.NotErrorIs(t, engine, pkgerrors.ErrInstanceNotFound)
}
