package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/job"
)

// Publisher forwards terminal results.
type Publisher interface {
	PublishResult(ctx context.Context, res job.Result) error
	Close() error
}

// Nop discards every result.
type Nop struct{}

func (Nop) PublishResult(context.Context, job.Result) error { return nil }
func (Nop) Close() error                                   { return nil }

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Kafka writes one JSON message per result, keyed by job id.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka returns a publisher writing to cfg.Topic.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must be provided")
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newKafka(writer, cfg.Topic), nil
}

func newKafka(writer messageWriter, topic string) *Kafka {
	return &Kafka{writer: writer, topic: topic}
}

// NewFromConfig returns a Kafka publisher when brokers are configured and Nop
// otherwise.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (Publisher, error) {
	if len(cfg.Events.Brokers) == 0 {
		logger.Debug("result events disabled")
		return Nop{}, nil
	}
	p, err := NewKafka(KafkaConfig{Brokers: cfg.Events.Brokers, Topic: cfg.Events.Topic})
	if err != nil {
		return nil, fmt.Errorf("failed to create result publisher: %w", err)
	}
	logger.Info("publishing results to kafka",
		zap.Strings("events.brokers", cfg.Events.Brokers),
		zap.String("events.topic", cfg.Events.Topic))
	return p, nil
}

// PublishResult encodes res and writes it.
func (k *Kafka) PublishResult(ctx context.Context, res job.Result) error {
	payload, err := encodeResult(res)
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Key:   []byte(res.ID),
		Value: payload,
		Time:  time.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and releases the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

type resultEnvelope struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	ErrorKind   string   `json:"error_kind,omitempty"`
	Error       string   `json:"error,omitempty"`
	Output      string   `json:"output,omitempty"`
	ExitCode    int      `json:"exit_code"`
	DurationMs  int64    `json:"duration_ms"`
	MemoryBytes uint64   `json:"memory_bytes"`
	CPUPercent  float64  `json:"cpu_percent"`
	OutputFiles []string `json:"output_files,omitempty"`

	Language    string    `json:"language"`
	UserID      string    `json:"user_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at"`
}

// encodeResult omits output file contents; consumers fetch them through
// the engine.
func encodeResult(res job.Result) ([]byte, error) {
	env := resultEnvelope{
		ID:          res.ID,
		Status:      string(res.Status),
		ErrorKind:   string(res.ErrorKind),
		Error:       res.Error,
		Output:      res.Output,
		ExitCode:    res.ExitCode,
		DurationMs:  res.Duration.Milliseconds(),
		MemoryBytes: res.MemoryUsage,
		CPUPercent:  res.CPUUsage,
		Language:    res.Language,
		UserID:      res.UserID,
		ProjectID:   res.ProjectID,
		CreatedAt:   res.CreatedAt,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	for _, f := range res.OutputFiles {
		env.OutputFiles = append(env.OutputFiles, f.Path)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode result %s: %w", res.ID, err)
	}
	return payload, nil
}
