package telemetry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/viscomesh/registration"
)

func connectedPublisher(t *testing.T, prefix string) (*Publisher, *MockClient) {
	t.Helper()
	client := NewMockClient()
	client.SetConnected(true)
	return NewPublisher(client, prefix, zerolog.Nop()), client
}

func TestPublisherTopic(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "viscomesh/iteration"},
		{"lab/scanner", "lab/scanner/iteration"},
		{"lab/scanner/", "lab/scanner/iteration"},
	}
	for _, tt := range tests {
		p := NewPublisher(nil, tt.prefix, zerolog.Nop())
		if got := p.Topic("iteration"); got != tt.want {
			t.Errorf("Topic with prefix %q = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestPublishIteration(t *testing.T) {
	p, client := connectedPublisher(t, "test")

	report := IterationReport{
		Run:       "run-1",
		Phase:     PhaseNonRigid,
		Iteration: 3,
		Total:     60,
		Viscous:   40,
		Elastic:   40,
		Stats:     registration.Stats{Points: 100, Inliers: 97, InlierFraction: 0.97},
	}
	require.NoError(t, p.PublishIteration(report))

	msgs := client.PublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "test/iteration", msgs[0].Topic)
	assert.False(t, msgs[0].Retain)
	assert.Equal(t, byte(0), msgs[0].QoS)

	var got IterationReport
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "run-1", got.Run)
	assert.Equal(t, PhaseNonRigid, got.Phase)
	assert.Equal(t, 97, got.Stats.Inliers)
	assert.NotZero(t, got.Timestamp)

	last, ok := p.LastIteration()
	require.True(t, ok)
	assert.Equal(t, 3, last.Iteration)
}

func TestPublishResultIsRetained(t *testing.T) {
	p, client := connectedPublisher(t, "test")
	p.SetQoS(1)

	require.NoError(t, p.PublishResult(ResultReport{Run: "run-1", Points: 10, Stopped: true}))

	msgs := client.PublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "test/result", msgs[0].Topic)
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.Contains(t, string(msgs[0].Payload), `"stopped":true`)
}

func TestPublisherSettings(t *testing.T) {
	p, client := connectedPublisher(t, "test")
	p.SetQoS(5)
	p.SetRetain(true)

	require.NoError(t, p.PublishIteration(IterationReport{Phase: PhaseRigid}))
	msgs := client.PublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(0), msgs[0].QoS, "invalid QoS is ignored")
	assert.True(t, msgs[0].Retain)
}

func TestPublisherNotConnected(t *testing.T) {
	p := NewPublisher(nil, "", zerolog.Nop())
	assert.ErrorIs(t, p.PublishIteration(IterationReport{}), ErrNotConnected)
	assert.ErrorIs(t, p.PublishResult(ResultReport{}), ErrNotConnected)
	assert.ErrorIs(t, p.ListenControl(), ErrNotConnected)

	_, ok := p.LastIteration()
	assert.True(t, ok, "reports are cached even when publishing fails")

	client := NewMockClient()
	p = NewPublisher(client, "", zerolog.Nop())
	assert.ErrorIs(t, p.PublishIteration(IterationReport{}), ErrNotConnected)
}

func TestPublisherPublishError(t *testing.T) {
	p, client := connectedPublisher(t, "test")
	broken := errors.New("broker gone")
	client.SetPublishError(broken)

	err := p.PublishIteration(IterationReport{})
	assert.ErrorIs(t, err, broken)
	assert.Contains(t, err.Error(), "test/iteration")
}

func TestPublisherPublishTimeout(t *testing.T) {
	p, client := connectedPublisher(t, "test")
	client.SetPublishTimeout(true)

	err := p.PublishIteration(IterationReport{})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "test/iteration")

	err = p.PublishResult(ResultReport{})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "test/result")
	assert.Empty(t, client.PublishedMessages())

	client.SetPublishTimeout(false)
	assert.NoError(t, p.PublishResult(ResultReport{}))
}

func TestListenControlSubscribeTimeout(t *testing.T) {
	p, client := connectedPublisher(t, "test")
	client.SetSubscribeTimeout(true)

	err := p.ListenControl()
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "test/control")
}

func TestListenControl(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		stop    bool
	}{
		{"raw stop", "stop", true},
		{"raw stop with whitespace", "  STOP\n", true},
		{"json stop", `{"command":"stop"}`, true},
		{"unknown command", "pause", false},
		{"unknown json command", `{"command":"pause"}`, false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, client := connectedPublisher(t, "test")
			require.NoError(t, p.ListenControl())
			assert.False(t, p.StopRequested())

			client.SimulateMessage("test/control", []byte(tt.payload))
			assert.Equal(t, tt.stop, p.StopRequested())
		})
	}
}

func TestListenControlSubscribeError(t *testing.T) {
	p, client := connectedPublisher(t, "test")
	client.SetSubscribeError(errors.New("not authorised"))

	err := p.ListenControl()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test/control")
}
