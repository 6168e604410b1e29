package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

// fakeGroup отдаёт сессии по сценарию и закрывает канал ошибок в Close.
type fakeGroup struct {
	mu       sync.Mutex
	sessions []func(ctx context.Context, handler sarama.ConsumerGroupHandler) error
	consumed int
	closed   bool
	errs     chan error
}

func newFakeGroup(sessions ...func(ctx context.Context, handler sarama.ConsumerGroupHandler) error) *fakeGroup {
	return &fakeGroup{sessions: sessions, errs: make(chan error, 4)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	n := g.consumed
	g.consumed++
	g.mu.Unlock()
	if n < len(g.sessions) {
		return g.sessions[n](ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "adslots-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct{ messages chan *sarama.ConsumerMessage }

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func (c *fakeClaim) Topic() string                            { return TopicProviderEvents }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func providerEvent(offset int64, retries string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic:  TopicProviderEvents,
		Offset: offset,
		Key:    []byte("ZB-1001"),
		Value:  []byte(`{"type":"payment.succeeded"}`),
	}
	if retries != "" {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(retries)}}
	}
	return msg
}

func TestNewConsumer_UnreachableBrokers(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{
		Brokers: []string{"127.0.0.1:1"},
		GroupID: "adslots",
		Topics:  []string{TopicProviderEvents},
	}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	if err == nil {
		t.Fatal("expected error joining group on unreachable brokers")
	}
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := newConsumer(newFakeGroup(), ConsumerConfig{}, nil)
	if c.cfg.MaxRetries != defaultMaxRetries || c.cfg.RetryDelay != defaultRetryDelay {
		t.Fatalf("unexpected defaults: retries=%d delay=%s", c.cfg.MaxRetries, c.cfg.RetryDelay)
	}
	c = newConsumer(newFakeGroup(), ConsumerConfig{RetryDelay: -time.Second}, nil)
	if c.cfg.RetryDelay != 0 {
		t.Fatalf("negative delay must disable the pause, got %s", c.cfg.RetryDelay)
	}
}

func TestConsumer_RunRejoinsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := newFakeGroup(
		func(context.Context, sarama.ConsumerGroupHandler) error { return errors.New("rebalance in progress") },
		func(context.Context, sarama.ConsumerGroupHandler) error { return nil },
		func(context.Context, sarama.ConsumerGroupHandler) error {
			cancel()
			return sarama.ErrClosedConsumerGroup
		},
	)
	group.errs <- errors.New("broker gone")

	done := make(chan struct{})
	go func() {
		newConsumer(group, ConsumerConfig{Topics: []string{TopicProviderEvents}}, nil).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if group.consumed != 3 {
		t.Fatalf("expected three sessions, got %d", group.consumed)
	}
	if !group.closed {
		t.Fatal("group must be closed on exit")
	}
}

func TestConsumer_ConsumeClaimMarksHandledOnly(t *testing.T) {
	failing := map[int64]bool{2: true}
	c := newConsumer(newFakeGroup(), ConsumerConfig{MaxRetries: 2, RetryDelay: -1}, func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if failing[msg.Offset] {
			return errors.New("ledger unavailable")
		}
		return nil
	})

	session := &fakeSession{ctx: context.Background()}
	if err := c.ConsumeClaim(session, claimOf(providerEvent(1, ""), providerEvent(2, ""), providerEvent(3, ""))); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	// без DLQ упавшее сообщение остаётся непомеченным
	if len(session.marked) != 2 || session.marked[0] != 1 || session.marked[1] != 3 {
		t.Fatalf("unexpected marked offsets %v", session.marked)
	}
}

func TestConsumer_ConsumeClaimStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newConsumer(newFakeGroup(), ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim kept reading after cancel")
	}
}

func TestConsumer_ProcessRetryBudget(t *testing.T) {
	tests := []struct {
		name     string
		retries  string
		failures int
		attempts int
		result   string
	}{
		{name: "first try", failures: 0, attempts: 1, result: resultHandled},
		{name: "recovers on retry", failures: 2, attempts: 3, result: resultHandled},
		{name: "budget spent", failures: 10, attempts: 3, result: resultStuck},
		{name: "budget reduced by header", retries: "2", failures: 10, attempts: 1, result: resultStuck},
		{name: "header over budget still tries once", retries: "9", failures: 10, attempts: 1, result: resultStuck},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			c := newConsumer(newFakeGroup(), ConsumerConfig{MaxRetries: 3, RetryDelay: -1}, func(context.Context, *sarama.ConsumerMessage) error {
				calls++
				if calls <= tc.failures {
					return errors.New("order row locked")
				}
				return nil
			})
			if got := c.process(context.Background(), providerEvent(7, tc.retries)); got != tc.result {
				t.Fatalf("expected %s, got %s", tc.result, got)
			}
			if calls != tc.attempts {
				t.Fatalf("expected %d attempts, got %d", tc.attempts, calls)
			}
		})
	}
}

func TestConsumer_PermanentErrorDeadLettered(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var record DLQMessage
		if err := json.Unmarshal(val, &record); err != nil {
			return err
		}
		if record.OriginalTopic != TopicProviderEvents || record.OriginalOffset != 11 || record.OriginalKey != "ZB-1001" {
			return errors.New("dead letter lost the original coordinates")
		}
		if record.RetryCount != 1 || record.ErrorMessage != "signature mismatch" {
			return errors.New("dead letter lost the failure details")
		}
		return nil
	})

	calls := 0
	c := newConsumer(newFakeGroup(), ConsumerConfig{MaxRetries: 5, RetryDelay: -1, DeadLetters: NewProducerFromSync(producer)},
		func(context.Context, *sarama.ConsumerMessage) error {
			calls++
			return Permanent(errors.New("signature mismatch"))
		})

	session := &fakeSession{ctx: context.Background()}
	if err := c.ConsumeClaim(session, claimOf(providerEvent(11, "1"))); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d attempts", calls)
	}
	if len(session.marked) != 1 {
		t.Fatal("dead-lettered message must be marked")
	}
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumer_DeadLetterFailureKeepsMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	c := newConsumer(newFakeGroup(), ConsumerConfig{MaxRetries: 1, RetryDelay: -1, DeadLetters: NewProducerFromSync(producer)},
		func(context.Context, *sarama.ConsumerMessage) error { return errors.New("unknown order") })

	if got := c.process(context.Background(), providerEvent(12, "")); got != resultStuck {
		t.Fatalf("expected stuck when dlq publish fails, got %s", got)
	}
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumer_ShutdownDuringRetryPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newConsumer(newFakeGroup(), ConsumerConfig{MaxRetries: 3, RetryDelay: time.Hour}, func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("timeout")
	})
	if got := c.process(ctx, providerEvent(13, "")); got != resultStuck {
		t.Fatalf("expected stuck on shutdown, got %s", got)
	}
}

func TestRetryCount(t *testing.T) {
	tests := map[string]int{"": 0, "4": 4, "bad": 0, "-2": 0}
	for value, want := range tests {
		if got := retryCount(providerEvent(1, value)); got != want {
			t.Fatalf("header %q: expected %d, got %d", value, want, got)
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must stay nil")
	}
	cause := errors.New("bad payload")
	wrapped := Permanent(cause)
	if !IsPermanent(wrapped) || !errors.Is(wrapped, cause) {
		t.Fatal("permanent error must unwrap to its cause")
	}
	if IsPermanent(cause) {
		t.Fatal("plain error is not permanent")
	}
}
