package broadcast

import (
	"context"
	"errors"

	"github.com/rl1809/flash-drop/internal/core/domain"
	"github.com/rl1809/flash-drop/internal/port"
)

// Multi emits to every sink. A failing sink does not stop the rest.
type Multi []port.Broadcaster

func (m Multi) Emit(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, b := range m {
		if err := b.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Emit(context.Context, domain.Event) error { return nil }
