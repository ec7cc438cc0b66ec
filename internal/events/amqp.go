package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"repairline/internal/domain"
)

// AMQPSink publishes events to a topic exchange, routed by event type
// (e.g. visit.completed), so dispatch consumers can bind on patterns.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func DialAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp:" + s.exchange }

func (s *AMQPSink) Accepts(string) bool { return true }

func (s *AMQPSink) Deliver(ctx context.Context, evt domain.Event) error {
	body, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, s.exchange, evt.Type, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    strconv.FormatInt(evt.ID, 10),
		Type:         evt.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (s *AMQPSink) Close() {
	if s == nil {
		return
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
