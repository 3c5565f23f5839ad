package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/transition"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
	"github.com/rs/zerolog"
)

// ChannelMessage is the retained payload on a channel state topic.
type ChannelMessage struct {
	Channel string    `json:"channel"`
	On      bool      `json:"on"`
	At      time.Time `json:"at"`
}

// StatePublisher mirrors channel transitions and run outcomes to the broker.
// Publish failures are logged and never reach the caller.
type StatePublisher struct {
	logger zerolog.Logger
	conn   Conn
	topics Topics
	qos    byte
	now    func() time.Time
}

// NewStatePublisher publishes through conn under prefix.
func NewStatePublisher(logger zerolog.Logger, conn Conn, prefix string, qos byte) *StatePublisher {
	return &StatePublisher{
		logger: logger,
		conn:   conn,
		topics: Topics{Prefix: prefix},
		qos:    qos,
		now:    time.Now,
	}
}

// ChannelsChanged publishes one retained message per changed channel.
func (p *StatePublisher) ChannelsChanged(_ context.Context, changes []transition.ChannelTransition) {
	at := p.now().UTC()
	for _, change := range changes {
		p.publish(p.topics.ChannelState(change.Channel), ChannelMessage{
			Channel: change.Channel,
			On:      change.Current,
			At:      at,
		}, true)
	}
}

// SequenceFinished publishes a run outcome.
func (p *StatePublisher) SequenceFinished(_ context.Context, result progress.Result) {
	p.publish(p.topics.Events("sequence"), result, false)
}

// UpdateFinished publishes an update or rollback outcome.
func (p *StatePublisher) UpdateFinished(_ context.Context, result update.Result) {
	p.publish(p.topics.Events("update"), result, false)
}

func (p *StatePublisher) publish(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("encode mqtt payload")
		return
	}
	if err := p.conn.Publish(topic, payload, p.qos, retained); err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

// Close closes the underlying connection.
func (p *StatePublisher) Close() error {
	return p.conn.Close()
}
