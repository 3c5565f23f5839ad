package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"kind":"{{ .Kind }}","title":{{ toJson .Title }},"detail":{{ toJson .Detail }},"fields":{{ toJson .Fields }},"occurred_at":"{{ .OccurredAt.UTC.Format "2006-01-02T15:04:05Z07:00" }}"}`

// WebhookNotifier renders events through a text/template and posts the
// result to a generic webhook.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	poster   *poster
}

// NewWebhookNotifier returns nil when webhookURL is empty.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		poster:   newPoster(logger, "webhook", webhookURL, defaultTiming),
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := n.template.Execute(&buf, event); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}
	if err := n.poster.deliver(ctx, event.Kind, buf.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().Str("kind", string(event.Kind)).Msg("webhook notification sent")
	return nil
}
