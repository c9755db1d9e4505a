package app

import (
	"context"
	"errors"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/pkg/rabbitmq"
)

// OtpDeliveryService gets an OTP code to its user. Email and SMS delivery live behind the
// message broker in the notification service.
type OtpDeliveryService interface {
	Send(ctx context.Context, delivery domain.OtpDelivery) error
}

// BrokerOtpDelivery publishes OTP delivery requests to the events exchange.
type BrokerOtpDelivery struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewBrokerOtpDelivery(publisher rabbitmq.Publisher, exchange string) *BrokerOtpDelivery {
	return &BrokerOtpDelivery{publisher: publisher, exchange: exchange}
}

func (d *BrokerOtpDelivery) Send(ctx context.Context, delivery domain.OtpDelivery) error {
	if d.publisher == nil {
		return errors.New("otp delivery publisher is not configured")
	}
	return d.publisher.Publish(ctx, d.exchange, domain.RoutingKeyOtpRequested, delivery)
}
