// Package notify announces completed questionnaires to downstream systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"consultbot/pkg/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange   = "leads"
	DefaultRoutingKey = "lead.completed"
)

// Lead is the message body published for a completed conversation.
type Lead struct {
	ConversationID int64           `json:"conversationId"`
	UserID         int64           `json:"userId"`
	Username       string          `json:"username,omitempty"`
	FirstName      string          `json:"firstName,omitempty"`
	Answers        []domain.Answer `json:"answers"`
	Recommendation string          `json:"recommendation"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// Notifier publishes leads.
type Notifier interface {
	NotifyLead(ctx context.Context, lead Lead) error
}

// Noop discards leads.
type Noop struct{}

func (Noop) NotifyLead(context.Context, Lead) error { return nil }

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes leads to a RabbitMQ topic exchange.
type AMQPNotifier struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         publisher
	exchange   string
	routingKey string
}

// NewAMQPNotifier dials url and declares a durable topic exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
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
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange, routingKey: DefaultRoutingKey}, nil
}

func (n *AMQPNotifier) NotifyLead(ctx context.Context, lead Lead) error {
	msg, err := leadMessage(lead)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ch.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish lead: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.ch != nil {
		errs = append(errs, n.ch.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}

func leadMessage(lead Lead) (amqp.Publishing, error) {
	body, err := json.Marshal(lead)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode lead: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("conversation-%d", lead.ConversationID),
		Timestamp:    lead.CompletedAt,
		Body:         body,
	}, nil
}
