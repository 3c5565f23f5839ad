package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// NoopNotifier drops events.
type NoopNotifier struct{}

// NewNoop logs reason once and returns a notifier that does nothing.
func NewNoop(logger zerolog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopNotifier{}
}

// Notify implements Notifier.
func (*NoopNotifier) Notify(context.Context, Event) error {
	return nil
}
