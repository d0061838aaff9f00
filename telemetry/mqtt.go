// Package telemetry publishes registration progress over MQTT and listens for
// remote control commands.
package telemetry

import (
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// DefaultPrefix is the topic prefix used when none is configured
const DefaultPrefix = "viscomesh"

// ErrNotConnected is returned when publishing without a live broker connection
var ErrNotConnected = errors.New("MQTT client not connected")

// ErrTimeout is returned when the broker does not acknowledge a publish or
// subscribe in time
var ErrTimeout = errors.New("MQTT operation timed out")

// MQTTConfig holds broker settings. Environment variables override file values.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"clientId"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	PublishPrefix  string        `yaml:"publishPrefix"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ConnectRetries int           `yaml:"connectRetries"`
}

// WithEnv returns a copy of c with MQTT_* environment overrides applied
func (c MQTTConfig) WithEnv() MQTTConfig {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Broker, "MQTT_BROKER")
	override(&c.ClientID, "MQTT_CLIENT_ID")
	override(&c.Username, "MQTT_USERNAME")
	override(&c.Password, "MQTT_PASSWORD")
	override(&c.PublishPrefix, "MQTT_PUBLISH_PREFIX")

	if c.ClientID == "" {
		c.ClientID = DefaultPrefix
	}
	if c.PublishPrefix == "" {
		c.PublishPrefix = DefaultPrefix
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	return c
}

// Enabled reports whether a broker is configured
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// ClientOptions builds the paho options for c
func (c MQTTConfig) ClientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	return opts
}

// Connect dials the broker described by cfg (after env overrides).
// An empty broker disables telemetry: Connect returns nil, nil.
func Connect(cfg MQTTConfig, log zerolog.Logger) (mqtt.Client, error) {
	cfg = cfg.WithEnv()
	if !cfg.Enabled() {
		log.Debug().Msg("MQTT disabled: no broker configured")
		return nil, nil
	}

	opts := cfg.ClientOptions()
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost, auto-reconnect will retry")
	})
	client := mqtt.NewClient(opts)
	if err := connectWithRetry(client, cfg, log); err != nil {
		return nil, err
	}
	return client, nil
}

// connectWithRetry attempts the connection with exponential backoff
func connectWithRetry(client mqtt.Client, cfg MQTTConfig, log zerolog.Logger) error {
	delay := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		log.Info().Str("broker", cfg.Broker).Int("attempt", attempt).Msg("connecting to MQTT broker")
		token := client.Connect()
		if !token.WaitTimeout(cfg.ConnectTimeout) {
			lastErr = fmt.Errorf("connecting to %s: timeout after %v", cfg.Broker, cfg.ConnectTimeout)
		} else if err := token.Error(); err != nil {
			lastErr = fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
		} else {
			log.Info().Str("broker", cfg.Broker).Msg("connected to MQTT broker")
			return nil
		}

		if attempt < cfg.ConnectRetries {
			log.Warn().Err(lastErr).Dur("retryIn", delay).Msg("MQTT connection failed")
			time.Sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}

// Disconnect closes client if it is connected; nil is allowed
func Disconnect(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
