// Package config loads settings from defaults, config.yaml, .env, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"renderer-sync/internal/forward"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/poll"
	"renderer-sync/internal/renderer"
	"renderer-sync/internal/retry"
	"renderer-sync/internal/subscription"
	"renderer-sync/internal/upnp"
)

// ErrRequired reports a setting with no default that was not provided.
var ErrRequired = errors.New("required setting not found")

const (
	undefined = "__undefined__"
	envPrefix = "RENDERER"
)

// Keys.
const (
	KeyDeviceHost            = "device_host"
	KeyDevicePort            = "device_port"
	KeyDeviceProfile         = "device_profile"
	KeyDescriptionPath       = "description_path"
	KeyListenAddr            = "listen_addr"
	KeyCallbackHost          = "callback_host"
	KeySubscriptionLease     = "subscription_lease"
	KeyRenewFraction         = "renew_fraction"
	KeyRenewMargin           = "renew_margin"
	KeyPollInterval          = "poll_interval"
	KeyPollUnhealthyInterval = "poll_unhealthy_interval"
	KeyTransitionTimeout     = "transition_timeout"
	KeyCallTimeout           = "call_timeout"
	KeyRetryAttempts         = "retry_attempts"
	KeyShutdownTimeout       = "shutdown_timeout"
	KeyLogLevel              = "log_level"
	KeyLogFormat             = "log_format"
	KeyMQTTURL               = "mqtt_url"
	KeyMQTTUsername          = "mqtt_username"
	KeyMQTTPassword          = "mqtt_password"
	KeyMQTTTopicPrefix       = "mqtt_topic_prefix"
	KeyMQTTRetain            = "mqtt_retain"
)

var defaults = map[string]any{
	KeyDeviceHost:            undefined,
	KeyDevicePort:            49152,
	KeyDeviceProfile:         string(upnp.ProfileLinkPlay),
	KeyDescriptionPath:       "/description.xml",
	KeyListenAddr:            ":8095",
	KeyCallbackHost:          "",
	KeySubscriptionLease:     300 * time.Second,
	KeyRenewFraction:         0.8,
	KeyRenewMargin:           15 * time.Second,
	KeyPollInterval:          5 * time.Second,
	KeyPollUnhealthyInterval: time.Second,
	KeyTransitionTimeout:     5 * time.Second,
	KeyCallTimeout:           5 * time.Second,
	KeyRetryAttempts:         3,
	KeyShutdownTimeout:       2 * time.Second,
	KeyLogLevel:              "info",
	KeyLogFormat:             string(logging.FormatConsole),
	KeyMQTTURL:               "",
	KeyMQTTUsername:          "",
	KeyMQTTPassword:          "",
	KeyMQTTTopicPrefix:       "renderer",
	KeyMQTTRetain:            false,
}

type Device struct {
	Host            string
	Port            int
	Profile         upnp.Profile
	DescriptionPath string
}

type MQTT struct {
	URL         string
	Username    string
	Password    string
	TopicPrefix string
	Retain      bool
}

func (m MQTT) Enabled() bool { return m.URL != "" }

type Config struct {
	Device                Device
	ListenAddr            string
	CallbackHost          string
	SubscriptionLease     time.Duration
	RenewFraction         float64
	RenewMargin           time.Duration
	PollInterval          time.Duration
	PollUnhealthyInterval time.Duration
	TransitionTimeout     time.Duration
	CallTimeout           time.Duration
	RetryAttempts         int
	ShutdownTimeout       time.Duration
	LogLevel              string
	LogFormat             logging.Format
	MQTT                  MQTT
}

// New returns a viper instance with defaults, environment binding
// (RENDERER_DEVICE_HOST etc.) and the config file search path.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "renderer-sync"))
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		if value != undefined {
			v.SetDefault(key, value)
		}
	}
	return v
}

// LoadDotEnv loads .env from the working directory if present. Variables
// already set in the environment win.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Read resolves the configuration from v. An explicit file must exist; the
// default config.yaml is optional.
func Read(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	for key, value := range defaults {
		if value == undefined && strings.TrimSpace(v.GetString(key)) == "" {
			return nil, fmt.Errorf("%w: %s (env %s_%s)", ErrRequired, key, envPrefix, strings.ToUpper(key))
		}
	}

	profile, err := upnp.ParseProfile(v.GetString(KeyDeviceProfile))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Device: Device{
			Host:            v.GetString(KeyDeviceHost),
			Port:            v.GetInt(KeyDevicePort),
			Profile:         profile,
			DescriptionPath: v.GetString(KeyDescriptionPath),
		},
		ListenAddr:            v.GetString(KeyListenAddr),
		CallbackHost:          v.GetString(KeyCallbackHost),
		SubscriptionLease:     v.GetDuration(KeySubscriptionLease),
		RenewFraction:         v.GetFloat64(KeyRenewFraction),
		RenewMargin:           v.GetDuration(KeyRenewMargin),
		PollInterval:          v.GetDuration(KeyPollInterval),
		PollUnhealthyInterval: v.GetDuration(KeyPollUnhealthyInterval),
		TransitionTimeout:     v.GetDuration(KeyTransitionTimeout),
		CallTimeout:           v.GetDuration(KeyCallTimeout),
		RetryAttempts:         v.GetInt(KeyRetryAttempts),
		ShutdownTimeout:       v.GetDuration(KeyShutdownTimeout),
		LogLevel:              v.GetString(KeyLogLevel),
		LogFormat:             logging.Format(strings.ToLower(v.GetString(KeyLogFormat))),
		MQTT: MQTT{
			URL:         v.GetString(KeyMQTTURL),
			Username:    v.GetString(KeyMQTTUsername),
			Password:    v.GetString(KeyMQTTPassword),
			TopicPrefix: v.GetString(KeyMQTTTopicPrefix),
			Retain:      v.GetBool(KeyMQTTRetain),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("%s: %d out of range", KeyDevicePort, c.Device.Port)
	}
	if c.RenewFraction <= 0 || c.RenewFraction >= 1 {
		return fmt.Errorf("%s must be in (0,1), got %v", KeyRenewFraction, c.RenewFraction)
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{KeySubscriptionLease, c.SubscriptionLease},
		{KeyPollInterval, c.PollInterval},
		{KeyPollUnhealthyInterval, c.PollUnhealthyInterval},
		{KeyTransitionTimeout, c.TransitionTimeout},
		{KeyCallTimeout, c.CallTimeout},
		{KeyShutdownTimeout, c.ShutdownTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.RenewMargin < 0 {
		return fmt.Errorf("%s must not be negative", KeyRenewMargin)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", KeyRetryAttempts)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("%s: unknown format %q", KeyLogFormat, c.LogFormat)
	}
	return nil
}

func (c *Config) retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Attempts = c.RetryAttempts
	return p
}

// Renderer maps the settings onto the facade configuration.
func (c *Config) Renderer() renderer.Config {
	return renderer.Config{
		ListenAddr:        c.ListenAddr,
		CallbackHost:      c.CallbackHost,
		DeviceHost:        c.Device.Host,
		DescriptionPath:   c.Device.DescriptionPath,
		TransitionTimeout: c.TransitionTimeout,
		CallTimeout:       c.CallTimeout,
		ShutdownTimeout:   c.ShutdownTimeout,
		Subscription: subscription.Config{
			Lease:            c.SubscriptionLease,
			RenewFraction:    c.RenewFraction,
			SafetyMargin:     c.RenewMargin,
			MinRenewInterval: time.Second,
			RetryInterval:    5 * time.Second,
			Retry:            c.retryPolicy(),
			CallTimeout:      c.CallTimeout,
		},
		Poll: poll.Config{
			Interval:          c.PollInterval,
			UnhealthyInterval: c.PollUnhealthyInterval,
			Retry:             c.retryPolicy(),
			CallTimeout:       c.CallTimeout,
		},
	}
}

func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Format = c.LogFormat
	return cfg
}

func (c *Config) MQTTOptions() forward.Options {
	return forward.Options{
		URL:         c.MQTT.URL,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TopicPrefix: c.MQTT.TopicPrefix,
		Retain:      c.MQTT.Retain,
	}
}
