package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventType labels a workflow lifecycle transition.
type EventType string

const (
	EventExecutionStarted    EventType = "execution.started"
	EventExecutionCompleted  EventType = "execution.completed"
	EventExecutionFailed     EventType = "execution.failed"
	EventExecutionCancelled  EventType = "execution.cancelled"
	EventExecutionRolledBack EventType = "execution.rolled_back"
	EventStepCompleted       EventType = "step.completed"
	EventStepFailed          EventType = "step.failed"
	EventApprovalRequested   EventType = "approval.requested"
	EventApprovalGranted     EventType = "approval.granted"
	EventApprovalRejected    EventType = "approval.rejected"
	EventApprovalExpired     EventType = "approval.expired"
)

// Event is one published lifecycle transition.
type Event struct {
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	OrgID       string                 `json:"org_id"`
	StepID      string                 `json:"step_id,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Publisher emits lifecycle events. Publishing is best effort; the engine
// logs failures and moves on.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event *Event) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

// KafkaPublisher writes events to a Kafka topic keyed by execution id so
// one run's events land in order on a single partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher over the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{
		writer: writer,
		logger: logger.With("component", "workflow_events"),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ExecutionID),
		Value: value,
		Time:  event.Timestamp,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ChannelPublisher delivers events to a Go channel. Test use.
type ChannelPublisher struct {
	ch chan *Event
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan *Event, buffer)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case p.ch <- event:
	default:
	}
	return nil
}

func (p *ChannelPublisher) Close() error {
	close(p.ch)
	return nil
}

// Events returns the receiving side of the channel.
func (p *ChannelPublisher) Events() <-chan *Event {
	return p.ch
}
