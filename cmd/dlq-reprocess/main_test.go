package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/messaging/kafka"
)

const consumerDLQValue = `{"original_topic":"adslots.provider.events","original_key":"ord-1","original_value":"{\"event\":\"order.paid\"}","retry_count":1}`

type offsetRange struct{ oldest, newest int64 }

type stubOffsetClient struct {
	partitions []int32
	offsets    map[int32]offsetRange
	offsetErr  error
}

func (c *stubOffsetClient) GetOffset(_ string, partition int32, which int64) (int64, error) {
	if c.offsetErr != nil {
		return 0, c.offsetErr
	}
	r := c.offsets[partition]
	if which == sarama.OffsetOldest {
		return r.oldest, nil
	}
	return r.newest, nil
}

func (c *stubOffsetClient) Partitions(string) ([]int32, error) { return c.partitions, nil }
func (c *stubOffsetClient) Close() error { return nil }

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func closedPartitionConsumer(msgs ...*sarama.ConsumerMessage) *stubPartitionConsumer {
	pc := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, len(msgs)),
		errors:   make(chan *sarama.ConsumerError),
	}
	for _, m := range msgs {
		pc.messages <- m
	}
	close(pc.messages)
	return pc
}

func (p *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return p.messages }
func (p *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError { return p.errors }
func (p *stubPartitionConsumer) Close() error { return nil }

type stubSource struct {
	consumers map[int32]partitionConsumer
	offsets   []int64
}

func (s *stubSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.offsets = append(s.offsets, offset)
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, errors.New("no such partition")
	}
	return pc, nil
}

func (s *stubSource) Close() error { return nil }

type published struct {
	topic, key string
	value      []byte
	headers    map[string]string
}

type stubPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *stubPublisher) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (p *stubPublisher) Close() error { return nil }

func testConfig() config {
	return config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		outboxTopic: kafka.TopicOrderEvents,
		limit:       10,
		maxRetries:  3,
		idleTimeout: 50 * time.Millisecond,
	}
}

func outboxDLQValue(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "ord-9",
		"event_type":     "payment.completed",
		"dedup_key":      "payment.completed:ord-9",
		"payload": map[string]any{
			"outbox_id":      "outbox-1",
			"aggregate_type": "order",
			"aggregate_id":   "ord-9",
			"event_type":     "payment.completed",
			"payload":        map[string]any{"unit_id": 5},
			"publish_error":  "broker down",
		},
	})
	require.NoError(t, err)
	return raw
}

func TestReadConfig(t *testing.T) {
	getenv := func(key string) string {
		if key == "ADSLOTS_KAFKA_BROKERS" {
			return " broker-1:9092, ,broker-2:9092 "
		}
		return ""
	}

	cfg, err := readConfig(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-execute", "-limit=5"}, getenv)
	require.NoError(t, err)
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.brokers)
	require.True(t, cfg.execute)
	require.Equal(t, 5, cfg.limit)
	require.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)

	noEnv := func(string) string { return "" }
	bad := [][]string{
		{},
		{"-brokers=b:9092", "-limit=0"},
		{"-brokers=b:9092", "-source-topic="},
		{"-brokers=b:9092", "-idle-timeout=0s"},
	}
	for _, args := range bad {
		fs := flag.NewFlagSet("t", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		_, err := readConfig(fs, args, noEnv)
		require.Error(t, err, "args %v", args)
	}
}

func TestExtractReplayMessage_ConsumerDLQ(t *testing.T) {
	got, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(consumerDLQValue)}, kafka.TopicOrderEvents, 3)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicProviderEvents, got.topic)
	require.Equal(t, "ord-1", got.key)
	require.JSONEq(t, `{"event":"order.paid"}`, string(got.value))
	require.Equal(t, "2", got.headers[kafka.HeaderRetryCount])

	_, err = extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(consumerDLQValue)}, kafka.TopicOrderEvents, 1)
	require.ErrorIs(t, err, errSkip, "exhausted retries are not replayed")
}

func TestExtractReplayMessage_OutboxDLQ(t *testing.T) {
	got, err := extractReplayMessage(&sarama.ConsumerMessage{Value: outboxDLQValue(t)}, kafka.TopicOrderEvents, 3)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicOrderEvents, got.topic)
	require.Equal(t, "ord-9", got.key)

	var envelope kafka.Envelope
	require.NoError(t, json.Unmarshal(got.value, &envelope))
	require.Equal(t, "payment.completed", envelope.EventType)
	require.JSONEq(t, `{"unit_id":5}`, string(envelope.Payload))
	require.Equal(t, "payment.completed:ord-9", envelope.DedupKey)

	// потребители отбрасывают повтор по тем же заголовкам, что и у первой отправки
	require.Equal(t, "outbox-1", got.headers[kafka.HeaderEventID])
	require.Equal(t, "payment.completed", got.headers[kafka.HeaderEventType])
	require.Equal(t, "payment.completed:ord-9", got.headers[kafka.HeaderDedupKey])
}

func TestExtractReplayMessage_Unsupported(t *testing.T) {
	_, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(`not json`)}, kafka.TopicOrderEvents, 3)
	require.ErrorIs(t, err, errSkip)

	_, err = extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(`{"id":"x","payload":{"outbox_id":"x"}}`)}, kafka.TopicOrderEvents, 3)
	require.Error(t, err)
}

func TestReplayer_DryRunDoesNotPublish(t *testing.T) {
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(
			&sarama.ConsumerMessage{Offset: 0, Value: []byte(consumerDLQValue)},
			&sarama.ConsumerMessage{Offset: 1, Value: []byte(`garbage`)},
		),
	}}
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 2}}}
	pub := &stubPublisher{}

	r := &replayer{cfg: testConfig(), client: client, consumer: source, producer: pub}
	stats, err := r.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, replayStats{processed: 2, replayed: 1, skipped: 1}, stats)
	require.Empty(t, pub.msgs)
}

func TestReplayer_ExecutePublishesAcrossPartitions(t *testing.T) {
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(&sarama.ConsumerMessage{Partition: 0, Offset: 0, Value: []byte(consumerDLQValue)}),
		1: closedPartitionConsumer(&sarama.ConsumerMessage{Partition: 1, Offset: 4, Value: outboxDLQValue(t)}),
	}}
	client := &stubOffsetClient{
		partitions: []int32{1, 0},
		offsets:    map[int32]offsetRange{0: {0, 1}, 1: {4, 5}},
	}
	pub := &stubPublisher{}
	cfg := testConfig()
	cfg.execute = true

	r := &replayer{cfg: cfg, client: client, consumer: source, producer: pub}
	stats, err := r.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.replayed)
	require.Len(t, pub.msgs, 2)
	require.Equal(t, kafka.TopicProviderEvents, pub.msgs[0].topic, "partitions are scanned in order")
	require.Equal(t, kafka.TopicOrderEvents, pub.msgs[1].topic)
	require.Equal(t, []int64{0, 4}, source.offsets)
}

func TestReplayer_LimitAndFromNewest(t *testing.T) {
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(
			&sarama.ConsumerMessage{Offset: 8, Value: []byte(consumerDLQValue)},
			&sarama.ConsumerMessage{Offset: 9, Value: []byte(consumerDLQValue)},
		),
	}}
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 10}}}
	cfg := testConfig()
	cfg.limit = 1
	cfg.fromNewest = true

	r := &replayer{cfg: cfg, client: client, consumer: source}
	stats, err := r.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.processed)
	require.Equal(t, []int64{9}, source.offsets)
}

func TestReplayer_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.execute = true

	_, err := (&replayer{cfg: cfg, client: &stubOffsetClient{}, consumer: &stubSource{}}).run(context.Background())
	require.ErrorContains(t, err, "producer is required")

	client := &stubOffsetClient{partitions: []int32{0}, offsetErr: errors.New("offset")}
	_, err = (&replayer{cfg: cfg, client: client, consumer: &stubSource{}, producer: &stubPublisher{}}).run(context.Background())
	require.ErrorContains(t, err, "oldest offset")

	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(&sarama.ConsumerMessage{Offset: 0, Value: []byte(consumerDLQValue)}),
	}}
	client = &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 1}}}
	pub := &stubPublisher{err: errors.New("broker down")}
	_, err = (&replayer{cfg: cfg, client: client, consumer: source, producer: pub}).run(context.Background())
	require.ErrorContains(t, err, "publish replay message")
}
