// Package mqtt mirrors relay channel state and run outcomes to an MQTT
// broker as retained JSON messages.
package mqtt

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	quiesceMillis  = 500
	maxQoS         = 2
)

var (
	// ErrNotConnected is returned by Publish while the broker is unreachable.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Prefix   string
	Username string
	Password string
	QoS      byte
}

// Conn is the publishing subset of a broker connection.
type Conn interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Close() error
}

// Client is a paho connection with presence handling.
type Client struct {
	logger zerolog.Logger
	cfg    Config
	topics Topics
	paho   pahomqtt.Client
}

// Connect dials the broker. The last will marks the controller offline if
// the connection drops without a clean Close.
func Connect(logger zerolog.Logger, cfg Config) (*Client, error) {
	if cfg.QoS > maxQoS {
		return nil, fmt.Errorf("mqtt: qos %d out of range", cfg.QoS)
	}
	c := &Client{logger: logger, cfg: cfg, topics: Topics{Prefix: cfg.Prefix}}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(c.topics.Status(), presencePayload(cfg.ClientID, false, "unexpected_disconnect"), 1, true)
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
		client.Publish(c.topics.Status(), 1, true, presencePayload(cfg.ClientID, true, ""))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// paho keeps retrying; publishes fail with ErrNotConnected until then.
		logger.Warn().Str("broker", cfg.Broker).Dur("timeout", connectTimeout).Msg("mqtt broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := token.Error(); err != nil {
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// Publish implements Conn.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.paho.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.paho.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.paho.IsConnectionOpen() {
		token := c.paho.Publish(c.topics.Status(), 1, true, presencePayload(c.cfg.ClientID, false, "graceful_shutdown"))
		token.WaitTimeout(publishTimeout)
	}
	c.paho.Disconnect(quiesceMillis)
	return nil
}

func presencePayload(clientID string, online bool, reason string) string {
	status := "offline"
	if online {
		status = "online"
	}
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`, status, clientID, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`, status, clientID, reason, time.Now().UTC().Format(time.RFC3339))
}
