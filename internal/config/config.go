package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/relay"
)

const (
	envListenAddr        = "DR_LISTEN_ADDR"
	envDataDir           = "DR_DATA_DIR"
	envChannelsFile      = "DR_CHANNELS_FILE"
	envDriver            = "DR_DRIVER"
	envGPIOChip          = "DR_GPIO_CHIP"
	envSettleDelay       = "DR_SETTLE_DELAY"
	envStepOverhead      = "DR_STEP_OVERHEAD"
	envTimedTestInterval = "DR_TIMED_TEST_INTERVAL"
	envSelfTestTimeout   = "DR_SELF_TEST_TIMEOUT"
	envRepoDir           = "DR_REPO_DIR"
	envGitRemote         = "DR_GIT_REMOTE"
	envGitBranch         = "DR_GIT_BRANCH"
	envGitRemoteURL      = "DR_GIT_REMOTE_URL"
	envMinFreeDisk       = "DR_MIN_FREE_DISK"
	envProbeURL          = "DR_PROBE_URL"
	envCommandTimeout    = "DR_COMMAND_TIMEOUT"
	envHealthCommand     = "DR_HEALTH_COMMAND"
	envUpdateInterval    = "DR_UPDATE_INTERVAL"
	envSlackWebhookURL   = "DR_SLACK_WEBHOOK_URL"
	envWebhookURL        = "DR_WEBHOOK_URL"
	envWebhookTemplate   = "DR_WEBHOOK_TEMPLATE"
	envNotifyDryRun      = "DR_NOTIFY_DRY_RUN"
	envDeviceName        = "DR_DEVICE_NAME"
	envMQTTBroker        = "DR_MQTT_BROKER"
	envMQTTClientID      = "DR_MQTT_CLIENT_ID"
	envMQTTTopicPrefix   = "DR_MQTT_TOPIC_PREFIX"
	envMQTTUsername      = "DR_MQTT_USERNAME"
	envMQTTPassword      = "DR_MQTT_PASSWORD"
	envLogLevel          = "DR_LOG_LEVEL"
	envRebootCommand     = "DR_REBOOT_COMMAND"
	envShutdownCommand   = "DR_SHUTDOWN_COMMAND"
)

const (
	defaultListenAddr        = ":5000"
	defaultDataDir           = "data"
	defaultGPIOChip          = "gpiochip0"
	defaultSettleDelay       = 500 * time.Millisecond
	defaultStepOverhead      = 100 * time.Millisecond
	defaultTimedTestInterval = 2 * time.Second
	defaultSelfTestTimeout   = 30 * time.Second
	defaultRepoDir           = "."
	defaultGitRemote         = "origin"
	defaultGitBranch         = "main"
	defaultMinFreeDisk       = "100MB"
	defaultProbeURL          = "https://github.com"
	defaultCommandTimeout    = 2 * time.Minute
	defaultHealthCommand     = "go build -o bin/drinks-relay ./cmd/drinks-relay"
	defaultDeviceName        = "drinks-relay"
	defaultMQTTClientID      = "drinks-relay"
	defaultMQTTTopicPrefix   = "drinks-relay"
	defaultLogLevel          = "info"
	defaultRebootCommand     = "sudo reboot"
	defaultShutdownCommand   = "sudo shutdown -h now"
)

// Relay drivers.
const (
	DriverGPIO   = "gpio"
	DriverMemory = "memory"
)

// File names under DataDir.
const (
	stateFileName    = "relay_states.json"
	recipesFileName  = "drinks.json"
	settingsFileName = "config.json"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	ListenAddr string
	DataDir    string

	ChannelsFile string
	Channels     []relay.Channel
	Driver       string
	GPIOChip     string

	SettleDelay       time.Duration
	StepOverhead      time.Duration
	TimedTestInterval time.Duration
	SelfTestTimeout   time.Duration

	RepoDir        string
	GitRemote      string
	GitBranch      string
	GitRemoteURL   string
	MinFreeBytes   uint64
	ProbeURL       string
	CommandTimeout time.Duration
	HealthCommand  command.Command
	UpdateInterval time.Duration

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	NotifyDryRun    bool
	DeviceName      string

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string

	LogLevel        string
	RebootCommand   command.Command
	ShutdownCommand command.Command
}

// StatePath is the channel-state document.
func (c Config) StatePath() string {
	return filepath.Join(c.DataDir, stateFileName)
}

// RecipesPath is the recipe document.
func (c Config) RecipesPath() string {
	return filepath.Join(c.DataDir, recipesFileName)
}

// MarkersDir holds the commit marker files.
func (c Config) MarkersDir() string {
	return c.DataDir
}

// BackupFiles lists the flat state files copied before every update.
func (c Config) BackupFiles() []string {
	return []string{
		filepath.Join(c.DataDir, settingsFileName),
		c.StatePath(),
		c.RecipesPath(),
	}
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DataDir:           defaultDataDir,
		Driver:            DriverGPIO,
		GPIOChip:          defaultGPIOChip,
		SettleDelay:       defaultSettleDelay,
		StepOverhead:      defaultStepOverhead,
		TimedTestInterval: defaultTimedTestInterval,
		SelfTestTimeout:   defaultSelfTestTimeout,
		RepoDir:           defaultRepoDir,
		GitRemote:         defaultGitRemote,
		GitBranch:         defaultGitBranch,
		ProbeURL:          defaultProbeURL,
		CommandTimeout:    defaultCommandTimeout,
		DeviceName:        defaultDeviceName,
		MQTTClientID:      defaultMQTTClientID,
		MQTTTopicPrefix:   defaultMQTTTopicPrefix,
		LogLevel:          defaultLogLevel,
	}

	stringVars := []struct {
		key string
		dst *string
	}{
		{envListenAddr, &cfg.ListenAddr},
		{envDataDir, &cfg.DataDir},
		{envChannelsFile, &cfg.ChannelsFile},
		{envGPIOChip, &cfg.GPIOChip},
		{envRepoDir, &cfg.RepoDir},
		{envGitRemote, &cfg.GitRemote},
		{envGitBranch, &cfg.GitBranch},
		{envGitRemoteURL, &cfg.GitRemoteURL},
		{envProbeURL, &cfg.ProbeURL},
		{envSlackWebhookURL, &cfg.SlackWebhookURL},
		{envWebhookURL, &cfg.WebhookURL},
		{envDeviceName, &cfg.DeviceName},
		{envMQTTBroker, &cfg.MQTTBroker},
		{envMQTTClientID, &cfg.MQTTClientID},
		{envMQTTTopicPrefix, &cfg.MQTTTopicPrefix},
		{envMQTTUsername, &cfg.MQTTUsername},
		{envLogLevel, &cfg.LogLevel},
	}
	for _, v := range stringVars {
		if value, ok := lookupTrimmed(v.key); ok && value != "" {
			*v.dst = value
		}
	}
	// Templates and passwords keep their whitespace.
	if value, ok := os.LookupEnv(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}
	if value, ok := os.LookupEnv(envMQTTPassword); ok {
		cfg.MQTTPassword = value
	}

	if value, ok := lookupTrimmed(envDriver); ok && value != "" {
		driver := strings.ToLower(value)
		if driver != DriverGPIO && driver != DriverMemory {
			return Config{}, fmt.Errorf("%s must be %q or %q", envDriver, DriverGPIO, DriverMemory)
		}
		cfg.Driver = driver
	}

	positive := []struct {
		key string
		dst *time.Duration
	}{
		{envTimedTestInterval, &cfg.TimedTestInterval},
		{envCommandTimeout, &cfg.CommandTimeout},
	}
	for _, v := range positive {
		if err := parseDuration(v.key, v.dst, false); err != nil {
			return Config{}, err
		}
	}
	nonNegative := []struct {
		key string
		dst *time.Duration
	}{
		{envSettleDelay, &cfg.SettleDelay},
		{envStepOverhead, &cfg.StepOverhead},
		{envSelfTestTimeout, &cfg.SelfTestTimeout},
		{envUpdateInterval, &cfg.UpdateInterval},
	}
	for _, v := range nonNegative {
		if err := parseDuration(v.key, v.dst, true); err != nil {
			return Config{}, err
		}
	}

	minFree := defaultMinFreeDisk
	if value, ok := lookupTrimmed(envMinFreeDisk); ok && value != "" {
		minFree = value
	}
	size, err := units.FromHumanSize(minFree)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envMinFreeDisk, err)
	}
	if size < 0 {
		return Config{}, fmt.Errorf("%s cannot be negative", envMinFreeDisk)
	}
	cfg.MinFreeBytes = uint64(size)

	if value, ok := lookupTrimmed(envNotifyDryRun); ok && value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envNotifyDryRun, err)
		}
		cfg.NotifyDryRun = enabled
	}

	commands := []struct {
		key      string
		fallback string
		dst      *command.Command
	}{
		{envHealthCommand, defaultHealthCommand, &cfg.HealthCommand},
		{envRebootCommand, defaultRebootCommand, &cfg.RebootCommand},
		{envShutdownCommand, defaultShutdownCommand, &cfg.ShutdownCommand},
	}
	for _, c := range commands {
		line := c.fallback
		if value, ok := lookupTrimmed(c.key); ok && value != "" {
			line = value
		}
		parsed, err := command.Parse(line)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", c.key, err)
		}
		*c.dst = parsed
	}

	if err := validateURL(cfg.ProbeURL, envProbeURL); err != nil {
		return Config{}, err
	}
	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL, envWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.MQTTBroker != "" {
		if err := validateURL(cfg.MQTTBroker, envMQTTBroker); err != nil {
			return Config{}, err
		}
	}

	channels, err := LoadChannelFile(cfg.ChannelsFile)
	if err != nil {
		return Config{}, err
	}
	if channels == nil {
		channels = relay.DefaultChannels()
	}
	cfg.Channels = channels

	return cfg, nil
}

func parseDuration(key string, dst *time.Duration, allowZero bool) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 || (!allowZero && d == 0) {
		if allowZero {
			return fmt.Errorf("%s cannot be negative", key)
		}
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*dst = d
	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
