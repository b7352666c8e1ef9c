package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ehr/mpi/internal/platform/metrics"
)

// Outbox yields committed, unpublished entries.
type Outbox interface {
	Drain(ctx context.Context, limit int, publish func(ctx context.Context, events []*StoredEvent) error) (int, error)
}

// Producer is the subset of *kgo.Client the relay uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Relay forwards audit entries from the outbox to a Kafka topic. Delivery is
// at-least-once: an entry is marked published only after the broker acks it.
type Relay struct {
	outbox   Outbox
	producer Producer
	topic    string
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

func NewRelay(outbox Outbox, producer Producer, topic string, interval time.Duration, batch int, logger zerolog.Logger) *Relay {
	return &Relay{
		outbox:   outbox,
		producer: producer,
		topic:    topic,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// NewKafkaClient builds the franz-go client the relay publishes with.
func NewKafkaClient(brokers []string, clientID string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// Run drains the outbox every interval until ctx is cancelled. A full batch
// triggers an immediate follow-up drain.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Str("topic", r.topic).Dur("interval", r.interval).Msg("audit relay started")
	for {
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				metrics.RecordAuditRelayError()
				r.logger.Error().Err(err).Msg("audit relay cycle failed")
				break
			}
			if n < r.batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("audit relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce publishes at most one batch and returns how many entries went out.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	n, err := r.outbox.Drain(ctx, r.batch, r.publish)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordAuditPublished(n)
		r.logger.Debug().Int("count", n).Msg("audit events published")
	}
	return n, nil
}

func (r *Relay) publish(ctx context.Context, events []*StoredEvent) error {
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		rec, err := r.record(e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := r.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce audit events: %w", err)
	}
	return nil
}

// record keys by the first subject so a patient's entries stay ordered within
// one partition.
func (r *Relay) record(e *StoredEvent) (*kgo.Record, error) {
	value, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("encode audit event %s: %w", e.ID, err)
	}
	return &kgo.Record{
		Topic: r.topic,
		Key:   []byte(strconv.FormatInt(e.SubjectIDs[0], 10)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID.String())},
		},
	}, nil
}
