package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/payment"
)

// Dispatcher принимает нормализованные события провайдера.
type Dispatcher interface {
	Dispatch(ctx context.Context, principal domain.Principal, ev domain.ProviderEvent) (payment.Outcome, error)
}

// ProviderEventHandler строит MessageHandler для топика событий провайдера.
// Неизвестные события пропускаются, бизнес-отказы уходят в DLQ без повторов.
func ProviderEventHandler(dispatcher Dispatcher, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "provider-events")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		ev, err := ParseProviderEvent(message)
		if errors.Is(err, ErrUnknownEvent) {
			logger.WithError(err).WithField("offset", message.Offset).Debug("provider event ignored")
			return nil
		}
		if err != nil {
			return Permanent(err)
		}

		out, err := dispatcher.Dispatch(ctx, EventPrincipal(ev.Order), ev)
		if err != nil {
			if payment.Retryable(err) {
				return err
			}
			return Permanent(err)
		}

		logger.WithFields(log.Fields{
			"kind":     ev.Kind,
			"order_id": out.OrderID,
			"unit_id":  out.UnitID,
			"changed":  out.Changed,
			"conflict": out.Conflict,
			"skipped":  out.Skipped,
		}).Info("provider event handled")
		return nil
	}
}

// EventPrincipal возвращает субъекта, от имени которого выполняется событие.
func EventPrincipal(order domain.ProviderOrder) domain.Principal {
	return order.Buyer()
}
