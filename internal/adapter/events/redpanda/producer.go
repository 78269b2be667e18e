// Package redpanda publishes job lifecycle events to a Redpanda/Kafka topic.
// The stream is advisory: downstream analytics consume it, and publish
// failures never fail a job.
package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clipforge/orchestrator/internal/domain"
)

// Event is one lifecycle record on the stream.
type Event struct {
	Type      string           `json:"type"`
	JobID     string           `json:"job_id"`
	Platform  domain.Platform  `json:"platform"`
	Format    domain.Format    `json:"format"`
	Status    domain.JobStatus `json:"status"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Producer wraps a franz-go client for lifecycle publishing.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer dials the brokers. Returns nil (and no error) when brokers is
// empty, which disables publishing.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewProducer: %w", err)
	}
	slog.Info("lifecycle event producer ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// Publish emits one event keyed by job ID. Errors are logged, not returned,
// since the stream is best-effort.
func (p *Producer) Publish(ctx domain.Context, ev Event) {
	if p == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal lifecycle event", slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("lifecycle event publish failed",
				slog.String("job_id", ev.JobID),
				slog.String("type", ev.Type),
				slog.Any("error", err))
		}
	})
}

// JobCompleted publishes a job.completed event.
func (p *Producer) JobCompleted(ctx domain.Context, j domain.Job) {
	p.Publish(ctx, Event{Type: "job.completed", JobID: j.ID, Platform: j.Platform, Format: j.Format, Status: j.Status})
}

// JobFailed publishes a job.failed event with the terminal error kind.
func (p *Producer) JobFailed(ctx domain.Context, j domain.Job) {
	ev := Event{Type: "job.failed", JobID: j.ID, Platform: j.Platform, Format: j.Format, Status: j.Status}
	if j.Error != nil {
		ev.ErrorKind = j.Error.Kind
	}
	p.Publish(ctx, ev)
}

// Close flushes and closes the client.
func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}
