package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danl5/goha/pkg/model"
)

// Log writes role changes to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, ev model.RoleChangeEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("primary role changed",
		"cluster", ev.ClusterID,
		"previous", ev.PreviousPrimary,
		"new", ev.NewPrimary,
		"reason", ev.Reason,
		"duration_ms", ev.DurationMs,
		"automatic", ev.Automatic)
	return nil
}

// Func adapts a function to a notifier.
type Func func(ctx context.Context, ev model.RoleChangeEvent) error

func (f Func) Notify(ctx context.Context, ev model.RoleChangeEvent) error {
	return f(ctx, ev)
}

// Multi fans a role change out to every notifier. All of them are called even
// when some fail, the failures are joined.
type Multi []model.Notifier

func (m Multi) Notify(ctx context.Context, ev model.RoleChangeEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ model.Notifier = Log{}
	_ model.Notifier = Func(nil)
	_ model.Notifier = Multi(nil)
)
