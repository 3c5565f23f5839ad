package notify

import (
	"context"
	"errors"
)

// MultiNotifier fans events out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier drops nil entries.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier == nil {
			continue
		}
		filtered = append(filtered, notifier)
	}
	return &MultiNotifier{notifiers: filtered}
}

// Len returns the number of notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify implements Notifier. Every notifier is attempted.
func (m *MultiNotifier) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
