package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/transition"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeConn struct {
	mu       sync.Mutex
	messages []message
	err      error
	closed   bool
}

func (c *fakeConn) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, message{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Relay 1":        "relay-1",
		"  Gin / Tonic ": "gin-tonic",
		"pump#+":         "pump",
		"Ünïcode":        "n-code",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), in)
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "drinks-relay"}
	assert.Equal(t, "drinks-relay/status", topics.Status())
	assert.Equal(t, "drinks-relay/relays/relay-2/state", topics.ChannelState("Relay 2"))
	assert.Equal(t, "drinks-relay/events/update", topics.Events("update"))
}

func TestStatePublisher_ChannelsChanged(t *testing.T) {
	conn := &fakeConn{}
	pub := NewStatePublisher(zerolog.Nop(), conn, "bar", 1)
	fixed := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	pub.now = func() time.Time { return fixed }

	pub.ChannelsChanged(context.Background(), []transition.ChannelTransition{
		{Channel: "Relay 1", Current: true},
		{Channel: "Relay 2", Previous: true, Current: false, HadPrevious: true},
	})

	require.Len(t, conn.messages, 2)
	first := conn.messages[0]
	assert.Equal(t, "bar/relays/relay-1/state", first.topic)
	assert.True(t, first.retained)
	assert.Equal(t, byte(1), first.qos)

	var got ChannelMessage
	require.NoError(t, json.Unmarshal(first.payload, &got))
	assert.Equal(t, ChannelMessage{Channel: "Relay 1", On: true, At: fixed}, got)
}

func TestStatePublisher_EventsAreNotRetained(t *testing.T) {
	conn := &fakeConn{}
	pub := NewStatePublisher(zerolog.Nop(), conn, "bar", 0)

	pub.SequenceFinished(context.Background(), progress.Result{RunID: "r1", Outcome: progress.Completed})

	require.Len(t, conn.messages, 1)
	assert.Equal(t, "bar/events/sequence", conn.messages[0].topic)
	assert.False(t, conn.messages[0].retained)
	assert.Contains(t, string(conn.messages[0].payload), `"run_id":"r1"`)
}

func TestStatePublisher_SwallowsPublishErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("broker gone")}
	pub := NewStatePublisher(zerolog.Nop(), conn, "bar", 0)

	pub.ChannelsChanged(context.Background(), []transition.ChannelTransition{{Channel: "Relay 1"}})
	require.NoError(t, pub.Close())
	assert.True(t, conn.closed)
}

func TestPresencePayload(t *testing.T) {
	var online map[string]string
	require.NoError(t, json.Unmarshal([]byte(presencePayload("bar-pi", true, "")), &online))
	assert.Equal(t, "online", online["status"])
	assert.NotContains(t, online, "reason")

	var offline map[string]string
	require.NoError(t, json.Unmarshal([]byte(presencePayload("bar-pi", false, "graceful_shutdown")), &offline))
	assert.Equal(t, "offline", offline["status"])
	assert.Equal(t, "graceful_shutdown", offline["reason"])
}
