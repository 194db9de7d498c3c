package port

import (
	"context"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

type Broadcaster interface {
	// Emit announces a committed state change. Delivery is best-effort;
	// callers log the error and move on.
	Emit(ctx context.Context, event domain.Event) error
}
