package instance

import (
	"context"
	"errors"
	"os"

	"github.com/remote-exercises/ref-core/models"
)

type State int

const (
	StateUnmounted State = iota
	StateStopped
	StateRunning
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// State inspects the overlay and the container engine once and reports where
// inst currently is in its lifecycle. Instances of templates without a
// writable overlay are never reported as unmounted.
func (m *Manager) State(ctx context.Context, inst *models.Instance) (State, error) {
	if inst.PersistencePath == "" {
		return StateRemoved, nil
	}
	if _, err := os.Stat(inst.PersistencePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateRemoved, nil
		}
		return 0, err
	}

	if inst.Template.Persistent() {
		mounted, err := m.overlay.IsMounted(m.Layers(inst))
		if err != nil {
			return 0, err
		}
		if !mounted {
			return StateUnmounted, nil
		}
	}

	running, err := m.IsRunning(ctx, inst)
	if err != nil {
		return 0, err
	}
	if running {
		return StateRunning, nil
	}
	return StateStopped, nil
}
