package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// slackMaxDetail keeps section text under Slack's 3000 character limit.
const slackMaxDetail = 2900

// SlackNotifier posts events to a Slack incoming webhook.
type SlackNotifier struct {
	logger zerolog.Logger
	device string
	timing timing
	poster *poster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides pacing (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, retryInitial, retryMax, retryBudget time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.retryInitial = retryInitial
		s.timing.retryMax = retryMax
		s.timing.retryBudget = retryBudget
	}
}

// WithSlackDevice labels messages with the controller name.
func WithSlackDevice(name string) SlackOption {
	return func(s *SlackNotifier) {
		s.device = name
	}
}

// NewSlackNotifier creates a Slack notifier, or a noop notifier when the
// webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	n := &SlackNotifier{
		logger: logger,
		device: "drinks-relay",
		timing: defaultTiming,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.poster = newPoster(logger, "slack", webhookURL, n.timing)
	return n
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(buildSlackMessage(n.device, event))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := n.poster.deliver(ctx, event.Kind, payload); err != nil {
		return err
	}
	n.logger.Debug().Str("kind", string(event.Kind)).Msg("slack notification sent")
	return nil
}

func buildSlackMessage(device string, event Event) slack.WebhookMessage {
	summary := fmt.Sprintf("%s %s: %s", kindEmoji(event.Kind), device, event.Title)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, true, false)),
	}

	var detail *slack.TextBlockObject
	if event.Detail != "" {
		text := event.Detail
		if len(text) > slackMaxDetail {
			text = text[:slackMaxDetail] + "…"
		}
		detail = slack.NewTextBlockObject("mrkdwn", "```"+text+"```", false, false)
	}
	fields := make([]*slack.TextBlockObject, 0, len(event.Fields))
	for _, f := range event.Fields {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s:*\n`%s`", f.Name, f.Value), false, false))
	}
	if detail != nil || len(fields) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(detail, fields, nil))
	}

	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Device: *%s*", device), false, false),
		slack.NewTextBlockObject("mrkdwn", at.UTC().Format(time.RFC3339), false, false),
	))

	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func kindEmoji(kind Kind) string {
	switch kind {
	case KindUpdateSucceeded:
		return ":white_check_mark:"
	case KindUpdateRolledBack, KindRollback:
		return ":rewind:"
	default:
		return ":rotating_light:"
	}
}
