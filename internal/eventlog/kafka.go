package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/roach88/rill/internal/ir"
)

// KafkaOptions configures a Kafka log.
type KafkaOptions struct {
	Brokers          []string
	ClientID         string
	AutoCreateTopics bool
	Logger           *slog.Logger
}

// Kafka is a Log backed by a Kafka-protocol broker.
// Subscriptions use direct partition assignment; positions are owned by the
// engine, so consumer-group rebalancing is not involved.
type Kafka struct {
	opts     KafkaOptions
	client   *kgo.Client
	logger   *slog.Logger
	consumer []kgo.Opt
}

var _ Log = (*Kafka)(nil)

// NewKafka connects a producer client to the seed brokers.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := []kgo.Opt{kgo.SeedBrokers(opts.Brokers...)}
	if opts.ClientID != "" {
		base = append(base, kgo.ClientID(opts.ClientID))
	}
	producerOpts := append([]kgo.Opt{}, base...)
	if opts.AutoCreateTopics {
		producerOpts = append(producerOpts, kgo.AllowAutoTopicCreation())
	}

	client, err := kgo.NewClient(producerOpts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	return &Kafka{opts: opts, client: client, logger: logger, consumer: base}, nil
}

// classify maps client errors onto the eventlog taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, kgo.ErrClientClosed):
		return ErrClosed
	}
	var ke *kerr.Error
	if errors.As(err, &ke) && !ke.Retriable {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Retriable broker codes and transport failures.
	return fmt.Errorf("%s: %w: %v", op, ErrLogUnavailable, err)
}

// Append implements Log.
func (k *Kafka) Append(ctx context.Context, topic string, key, value []byte) (ir.Offset, error) {
	rec, err := k.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Key: key, Value: value}).First()
	if err != nil {
		return ir.Offset{}, classify("append "+topic, err)
	}
	return ir.Offset{Partition: rec.Partition, Offset: rec.Offset}, nil
}

// partitions asks the cluster for the partition ids of topic.
func (k *Kafka) partitions(ctx context.Context, topic string) ([]int32, error) {
	req := kmsg.NewPtrMetadataRequest()
	t := kmsg.NewMetadataRequestTopic()
	t.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, t)
	req.AllowAutoTopicCreation = k.opts.AutoCreateTopics

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return nil, classify("metadata "+topic, err)
	}
	for _, rt := range resp.Topics {
		if rt.Topic == nil || *rt.Topic != topic {
			continue
		}
		if err := kerr.ErrorForCode(rt.ErrorCode); err != nil {
			return nil, classify("metadata "+topic, err)
		}
		parts := make([]int32, 0, len(rt.Partitions))
		for _, p := range rt.Partitions {
			parts = append(parts, p.Partition)
		}
		return parts, nil
	}
	return nil, fmt.Errorf("metadata %s: %w: topic not in response", topic, ErrLogUnavailable)
}

// Subscribe implements Log. Every partition of topic is assigned, starting
// at from or the beginning.
func (k *Kafka) Subscribe(ctx context.Context, topic string, from ir.Position) (Subscription, error) {
	parts, err := k.partitions(ctx, topic)
	if err != nil {
		return nil, err
	}
	offsets := make(map[int32]kgo.Offset, len(parts))
	for _, p := range parts {
		offsets[p] = kgo.NewOffset().At(from.Next(p))
	}

	opts := append([]kgo.Opt{}, k.consumer...)
	opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{topic: offsets}))
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	k.logger.Debug("kafka subscribe", "topic", topic, "partitions", len(parts), "from", from)
	return &kafkaSubscription{client: client, topic: topic}, nil
}

// CommitOffset implements Log with a standalone (generation -1) group commit.
func (k *Kafka) CommitOffset(ctx context.Context, group, topic string, pos ir.Position) error {
	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = group
	req.Generation = -1
	rt := kmsg.NewOffsetCommitRequestTopic()
	rt.Topic = topic
	for _, p := range pos.Partitions() {
		rp := kmsg.NewOffsetCommitRequestTopicPartition()
		rp.Partition = p
		rp.Offset = pos[p]
		rt.Partitions = append(rt.Partitions, rp)
	}
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return classify("commit "+group, err)
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return classify(fmt.Sprintf("commit %s %s/%d", group, t.Topic, p.Partition), err)
			}
		}
	}
	return nil
}

// CommittedOffset implements Log.
func (k *Kafka) CommittedOffset(ctx context.Context, group, topic string) (ir.Position, error) {
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = group
	rt := kmsg.NewOffsetFetchRequestTopic()
	rt.Topic = topic
	parts, err := k.partitions(ctx, topic)
	if err != nil {
		return nil, err
	}
	rt.Partitions = parts
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return nil, classify("fetch offsets "+group, err)
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return nil, classify("fetch offsets "+group, err)
	}
	pos := ir.Position{}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return nil, classify("fetch offsets "+group, err)
			}
			if p.Offset >= 0 {
				pos[p.Partition] = p.Offset
			}
		}
	}
	return pos, nil
}

// Close closes the producer client.
func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}

type kafkaSubscription struct {
	client  *kgo.Client
	topic   string
	pending []ir.Record
}

// Next implements Subscription.
func (s *kafkaSubscription) Next(ctx context.Context) (ir.Record, error) {
	for len(s.pending) == 0 {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return ir.Record{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return ir.Record{}, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			e := errs[0]
			return ir.Record{}, classify(fmt.Sprintf("fetch %s/%d", e.Topic, e.Partition), e.Err)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			s.pending = append(s.pending, ir.Record{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Value:     r.Value,
				Timestamp: r.Timestamp.UTC(),
			})
		})
	}
	rec := s.pending[0]
	s.pending = s.pending[1:]
	return rec, nil
}

func (s *kafkaSubscription) Close() error {
	s.client.Close()
	return nil
}
