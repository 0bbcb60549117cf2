// v2
// internal/queue/bus.go
// Package queue owns the Kafka layout of the control plane: one job topic
// per location plus a single UI command topic. Writers are built once at
// startup; consumers get partition-group readers from the factory methods.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

// Bus encapsulates brokers, topic layout and the shared writers.
type Bus struct {
	brokers        []string
	jobTopicPrefix string
	uiTopic        string
	lg             *slog.Logger

	jobWriters map[string]*kafka.Writer // key: locationId
	uiWriter   *kafka.Writer
}

// New builds the bus and attempts topic creation for every configured
// location. Topic creation failure is logged, not fatal: the broker may
// auto-create or an operator may have provisioned ahead.
func New(brokers []string, jobTopicPrefix, uiTopic string, locations []string, lg *slog.Logger) (*Bus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	b := &Bus{
		brokers:        brokers,
		jobTopicPrefix: jobTopicPrefix,
		uiTopic:        uiTopic,
		lg:             lg,
		jobWriters:     map[string]*kafka.Writer{},
	}
	if err := b.ensureTopics(context.Background(), locations); err != nil {
		lg.Warn("topic ensure failed", "error", err)
	}
	for _, loc := range locations {
		b.jobWriters[loc] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        b.JobTopic(loc),
			Balancer:     &kafka.Hash{}, // partition by key (equipmentId)
			RequiredAcks: kafka.RequireAll,
		}
	}
	b.uiWriter = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        uiTopic,
		Balancer:     &kafka.Hash{}, // partition by key (equipmentId)
		RequiredAcks: kafka.RequireAll,
	}
	return b, nil
}

// JobTopic names the per-location job topic.
func (b *Bus) JobTopic(locationID string) string {
	return b.jobTopicPrefix + locationID
}

// ensureTopics creates the per-location job topics and the UI command topic.
func (b *Bus) ensureTopics(ctx context.Context, locations []string) error {
	conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", b.brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}
	c, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer c.Close()

	configs := []kafka.TopicConfig{
		{Topic: b.uiTopic, NumPartitions: 1, ReplicationFactor: 1},
	}
	for _, loc := range locations {
		configs = append(configs, kafka.TopicConfig{
			Topic: b.JobTopic(loc), NumPartitions: 1, ReplicationFactor: 1,
		})
	}
	if err := c.CreateTopics(configs...); err != nil {
		// Kafka errors on already-existing topics; log and continue.
		b.lg.Warn("CreateTopics returned non-nil", "error", err)
	}
	b.lg.Info("topics ensured", "locations", locations, "uiTopic", b.uiTopic)
	return nil
}

// EnqueueJobs appends control jobs to the location's topic, keyed by
// equipment id so one equipment's jobs stay ordered.
func (b *Bus) EnqueueJobs(ctx context.Context, locationID string, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	w, ok := b.jobWriters[locationID]
	if !ok {
		return fmt.Errorf("no job writer for location %s", locationID)
	}
	msgs := make([]kafka.Message, 0, len(jobs))
	for _, j := range jobs {
		body, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.EquipmentID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(j.EquipmentID),
			Value: body,
			Time:  j.EnqueuedAt,
		})
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("job write %s: %w", locationID, err)
	}
	return nil
}

// EnqueueUICommand appends a user command to the UI topic.
func (b *Bus) EnqueueUICommand(ctx context.Context, cmd model.UICommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode ui command %s: %w", cmd.JobID, err)
	}
	msg := kafka.Message{
		Key:   []byte(cmd.EquipmentID),
		Value: body,
		Time:  cmd.EnqueuedAt,
	}
	if err := b.uiWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("ui command write: %w", err)
	}
	return nil
}

// JobReader builds a consumer-group reader for one location's job topic.
func (b *Bus) JobReader(locationID, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     groupID,
		GroupTopics: []string{b.JobTopic(locationID)},
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     200 * time.Millisecond,
	})
}

// UICommandReader builds the consumer-group reader for the UI topic.
func (b *Bus) UICommandReader(groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     groupID,
		GroupTopics: []string{b.uiTopic},
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     200 * time.Millisecond,
	})
}

// Close shuts down the writers. Readers are owned by their consumers.
func (b *Bus) Close() {
	for loc, w := range b.jobWriters {
		if err := w.Close(); err != nil {
			b.lg.Error("job writer close", "location", loc, "error", err)
		}
	}
	if b.uiWriter != nil {
		if err := b.uiWriter.Close(); err != nil {
			b.lg.Error("ui writer close", "error", err)
		}
	}
}
