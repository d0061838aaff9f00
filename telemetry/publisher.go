package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/kwv/viscomesh/registration"
)

const (
	publishTimeout   = 2 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Phase names the kind of registration pass being reported
type Phase string

const (
	PhaseRigid    Phase = "rigid"
	PhaseNonRigid Phase = "nonrigid"
)

// IterationReport is published after every registration pass
type IterationReport struct {
	Run       string             `json:"run"`
	Phase     Phase              `json:"phase"`
	Layer     int                `json:"layer"` // Pyramid layer, 0 for rigid passes
	Iteration int                `json:"iteration"`
	Total     int                `json:"total"`
	Viscous   int                `json:"viscousIterations,omitempty"`
	Elastic   int                `json:"elasticIterations,omitempty"`
	Stats     registration.Stats `json:"stats"`
	Timestamp int64              `json:"timestamp"`
}

// ResultReport is published once when a run finishes
type ResultReport struct {
	Run             string  `json:"run"`
	Points          int     `json:"points"`
	RigidPasses     int     `json:"rigidPasses"`
	NonRigidPasses  int     `json:"nonRigidPasses"`
	Stopped         bool    `json:"stopped,omitempty"` // Ended early by a control command
	InlierFraction  float64 `json:"inlierFraction"`
	MeanResidual    float64 `json:"meanResidual"`
	MaxDisplacement float64 `json:"maxDisplacement"`
	Output          string  `json:"output,omitempty"`
	DurationMs      int64   `json:"durationMs"`
	Timestamp       int64   `json:"timestamp"`
}

// Publisher sends progress reports to <prefix>/iteration and <prefix>/result
// and listens for commands on <prefix>/control.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	log           zerolog.Logger

	mu   sync.RWMutex
	last *IterationReport

	stop atomic.Bool
}

// NewPublisher creates a publisher on client. A nil client makes every
// publish return ErrNotConnected; callers treat telemetry as best effort.
func NewPublisher(client mqtt.Client, prefix string, log zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: strings.TrimSuffix(prefix, "/"),
		qos:           0,
		retain:        false,
		log:           log,
	}
}

// Topic returns the full topic for a suffix
func (p *Publisher) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
}

// PublishIteration publishes one pass report and caches it
func (p *Publisher) PublishIteration(r IterationReport) error {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().Unix()
	}
	p.mu.Lock()
	cached := r
	p.last = &cached
	p.mu.Unlock()

	return p.publishJSON(p.Topic("iteration"), r, p.retain)
}

// PublishResult publishes the final run summary. It is always retained.
func (p *Publisher) PublishResult(r ResultReport) error {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().Unix()
	}
	return p.publishJSON(p.Topic("result"), r, true)
}

func (p *Publisher) publishJSON(topic string, v any, retain bool) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: %w after %v", topic, ErrTimeout, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	p.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("published report")
	return nil
}

// LastIteration returns the most recent iteration report
func (p *Publisher) LastIteration() (IterationReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return IterationReport{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether iteration reports are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// controlCommand is the JSON form of a control message
type controlCommand struct {
	Command string `json:"command"`
}

// ListenControl subscribes to <prefix>/control. A "stop" command, either as
// raw text or as {"command":"stop"}, makes StopRequested return true.
func (p *Publisher) ListenControl() error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	topic := p.Topic("control")
	token := p.client.Subscribe(topic, 1, p.handleControl)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribing to %s: %w after %v", topic, ErrTimeout, subscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) handleControl(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	command := strings.TrimSpace(string(payload))
	var cmd controlCommand
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.Command != "" {
		command = cmd.Command
	}

	switch strings.ToLower(command) {
	case "stop":
		p.log.Info().Str("topic", msg.Topic()).Msg("stop requested")
		p.stop.Store(true)
	default:
		p.log.Warn().Str("topic", msg.Topic()).Str("command", command).Msg("ignoring unknown control command")
	}
}

// StopRequested reports whether a stop command was received
func (p *Publisher) StopRequested() bool {
	return p.stop.Load()
}
