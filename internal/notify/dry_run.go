package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs events instead of delivering them.
type DryRunNotifier struct {
	logger zerolog.Logger
}

// NewDryRunNotifier returns a notifier that only logs.
func NewDryRunNotifier(logger zerolog.Logger) *DryRunNotifier {
	return &DryRunNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, event Event) error {
	entry := n.logger.Info().
		Str("kind", string(event.Kind)).
		Str("title", event.Title).
		Str("detail", event.Detail)
	for _, f := range event.Fields {
		entry = entry.Str(f.Name, f.Value)
	}
	entry.Msg("[DRY-RUN] Would notify")
	return nil
}
