package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/payment"
)

type stubDispatcher struct {
	mu     sync.Mutex
	events []domain.ProviderEvent
	who    []domain.Principal
	err    error
}

func (s *stubDispatcher) Dispatch(_ context.Context, principal domain.Principal, ev domain.ProviderEvent) (payment.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	s.who = append(s.who, principal)
	return payment.Outcome{Kind: ev.Kind, OrderID: ev.Order.ID}, s.err
}

func providerMessage(value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: TopicProviderEvents, Key: []byte("k"), Value: []byte(value)}
}

func TestProviderEventHandlerNormalizesAlias(t *testing.T) {
	d := &stubDispatcher{}
	handler := ProviderEventHandler(d, nil)

	err := handler(context.Background(), providerMessage(`{"event":"Order.Paid","attempt_token":" tok ","order":{"id":"ord-1","user_id":42}}`))
	require.NoError(t, err)

	require.Len(t, d.events, 1)
	require.Equal(t, domain.EventPaymentSucceeded, d.events[0].Kind)
	require.Equal(t, "tok", d.events[0].AttemptToken)
	require.Equal(t, domain.Principal{UserID: 42, Role: domain.RoleBuyer}, d.who[0])
}

func TestProviderEventHandlerSkipsUnknownEvent(t *testing.T) {
	d := &stubDispatcher{}
	handler := ProviderEventHandler(d, nil)

	require.NoError(t, handler(context.Background(), providerMessage(`{"event":"user.registered"}`)))
	require.Empty(t, d.events)
}

func TestProviderEventHandlerClassifiesErrors(t *testing.T) {
	handler := ProviderEventHandler(&stubDispatcher{}, nil)
	err := handler(context.Background(), providerMessage(`{`))
	require.True(t, IsPermanent(err), "malformed json must not be retried")

	transient := &stubDispatcher{err: errors.New("db timeout")}
	err = ProviderEventHandler(transient, nil)(context.Background(), providerMessage(`{"event":"order_closed","order":{"id":"ord-2"}}`))
	require.Error(t, err)
	require.False(t, IsPermanent(err))

	business := &stubDispatcher{err: domain.ErrSignatureInvalid}
	err = ProviderEventHandler(business, nil)(context.Background(), providerMessage(`{"event":"payment_success","order":{"id":"ord-3"}}`))
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestEventPrincipalGuest(t *testing.T) {
	require.True(t, EventPrincipal(domain.ProviderOrder{}).IsGuest())
}

func TestParseDLQMessage(t *testing.T) {
	dlq, err := ParseDLQMessage(&sarama.ConsumerMessage{Value: []byte(`{"original_topic":"adslots.provider.events","original_value":"{}","retry_count":3}`)})
	require.NoError(t, err)
	require.Equal(t, TopicProviderEvents, dlq.OriginalTopic)
	require.Equal(t, 3, dlq.RetryCount)

	_, err = ParseDLQMessage(&sarama.ConsumerMessage{Value: []byte(`{"retry_count":1}`)})
	require.Error(t, err)
}
