package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultSubject = "Library notification"

// Envelope is the JSON body published for the mail gateway.
type Envelope struct {
	ID        string    `json:"id"`
	PatronID  int       `json:"patronId"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes notifications to a RabbitMQ exchange; a mail gateway
// consumes them and does the actual delivery.
type AMQPSender struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	pub        publisher
	patrons    PatronLookup
	exchange   string
	routingKey string
	now        func() time.Time
}

type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// NewAMQPSender dials the broker and declares a durable topic exchange.
func NewAMQPSender(cfg AMQPConfig, patrons PatronLookup) (*AMQPSender, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	if patrons == nil {
		return nil, errors.New("patron lookup required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "library.notifications"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	s := newAMQPSender(ch, patrons, exchange, cfg.RoutingKey)
	s.conn = conn
	s.channel = ch
	return s, nil
}

func newAMQPSender(pub publisher, patrons PatronLookup, exchange, routingKey string) *AMQPSender {
	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		routingKey = "patron.email"
	}
	return &AMQPSender{
		pub:        pub,
		patrons:    patrons,
		exchange:   exchange,
		routingKey: routingKey,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Send looks up the patron's email and publishes a persistent message.
func (s *AMQPSender) Send(ctx context.Context, patronID int, message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	patron, ok, err := s.patrons.GetPatron(ctx, patronID)
	if err != nil {
		return fmt.Errorf("lookup patron %d: %w", patronID, err)
	}
	if !ok {
		return fmt.Errorf("lookup patron %d: not found", patronID)
	}
	to := strings.TrimSpace(patron.Email)
	if to == "" {
		return fmt.Errorf("%w: patron %d", ErrNoRecipient, patronID)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		PatronID:  patronID,
		To:        to,
		Subject:   defaultSubject,
		Body:      message,
		CreatedAt: s.now(),
	}
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pub.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.CreatedAt,
		Body:         body,
	})
}

// Close releases the channel and connection.
func (s *AMQPSender) Close() error {
	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
