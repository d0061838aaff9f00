package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMQTTConfigWithEnv(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		env  map[string]string
		want MQTTConfig
	}{
		{
			name: "defaults",
			want: MQTTConfig{ClientID: DefaultPrefix, PublishPrefix: DefaultPrefix, ConnectTimeout: 10 * time.Second, ConnectRetries: 3},
		},
		{
			name: "file values kept",
			cfg:  MQTTConfig{Broker: "tcp://file:1883", ClientID: "file", PublishPrefix: "lab/scan", ConnectTimeout: time.Second, ConnectRetries: 1},
			want: MQTTConfig{Broker: "tcp://file:1883", ClientID: "file", PublishPrefix: "lab/scan", ConnectTimeout: time.Second, ConnectRetries: 1},
		},
		{
			name: "env overrides file",
			cfg:  MQTTConfig{Broker: "tcp://file:1883", Username: "file"},
			env: map[string]string{
				"MQTT_BROKER":         "tcp://env:1883",
				"MQTT_USERNAME":       "env-user",
				"MQTT_PASSWORD":       "secret",
				"MQTT_PUBLISH_PREFIX": "env/prefix",
			},
			want: MQTTConfig{
				Broker:         "tcp://env:1883",
				ClientID:       DefaultPrefix,
				Username:       "env-user",
				Password:       "secret",
				PublishPrefix:  "env/prefix",
				ConnectTimeout: 10 * time.Second,
				ConnectRetries: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX"} {
				t.Setenv(key, tt.env[key])
			}
			assert.Equal(t, tt.want, tt.cfg.WithEnv())
		})
	}
}

func TestMQTTConfigClientOptions(t *testing.T) {
	cfg := MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "viscomesh-test", Username: "u", Password: "p"}
	opts := cfg.ClientOptions()

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
	assert.Equal(t, "viscomesh-test", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.True(t, opts.AutoReconnect)
}

func TestConnectWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	client, err := Connect(MQTTConfig{}, zerolog.Nop())
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestConnectWithRetry(t *testing.T) {
	cfg := MQTTConfig{Broker: "tcp://mock:1883", ConnectTimeout: time.Second, ConnectRetries: 2}

	t.Run("success", func(t *testing.T) {
		client := NewMockClient()
		require.NoError(t, connectWithRetry(client, cfg, zerolog.Nop()))
		assert.True(t, client.IsConnected())
		assert.Equal(t, 1, client.ConnectAttempts())
	})

	t.Run("gives up after retries", func(t *testing.T) {
		client := NewMockClient()
		refused := errors.New("connection refused")
		client.SetConnectError(refused)

		err := connectWithRetry(client, cfg, zerolog.Nop())
		assert.ErrorIs(t, err, refused)
		assert.Contains(t, err.Error(), "tcp://mock:1883")
		assert.Equal(t, 2, client.ConnectAttempts())
		assert.False(t, client.IsConnected())
	})
}

func TestDisconnect(t *testing.T) {
	Disconnect(nil)

	client := NewMockClient()
	client.SetConnected(true)
	Disconnect(client)
	assert.False(t, client.IsConnected())
}
