package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"consultbot/pkg/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPNotifierPublishesLead(t *testing.T) {
	ch := &fakeChannel{}
	n := &AMQPNotifier{ch: ch, exchange: DefaultExchange, routingKey: DefaultRoutingKey}
	lead := Lead{
		ConversationID: 4,
		UserID:         77,
		Username:       "ivan",
		Answers:        []domain.Answer{{Ordinal: 1, QuestionText: "Q", Text: "A"}},
		Recommendation: "do X",
		CompletedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := n.NotifyLead(context.Background(), lead); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if ch.exchange != "leads" || ch.key != "lead.completed" {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.ContentType != "application/json" || ch.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", ch.msg)
	}
	if ch.msg.MessageId != "conversation-4" {
		t.Fatalf("unexpected message id %q", ch.msg.MessageId)
	}
	var got Lead
	if err := json.Unmarshal(ch.msg.Body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.ConversationID != 4 || got.Recommendation != "do X" || len(got.Answers) != 1 {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestAMQPNotifierPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	n := &AMQPNotifier{ch: &fakeChannel{err: boom}, exchange: "x", routingKey: "k"}
	if err := n.NotifyLead(context.Background(), Lead{ConversationID: 1}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestNewAMQPNotifierRequiresURL(t *testing.T) {
	if _, err := NewAMQPNotifier(" ", ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
