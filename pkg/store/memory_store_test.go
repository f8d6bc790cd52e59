package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"consultbot/pkg/domain"
)

func TestMemoryStoreOneActiveConversationPerUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, err := s.CreateConversation(ctx, 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateConversation(ctx, 10); !errors.Is(err, ErrActiveConversationExists) {
		t.Fatalf("expected ErrActiveConversationExists, got %v", err)
	}
	if _, err := s.CreateConversation(ctx, 11); err != nil {
		t.Fatalf("other user should not be blocked: %v", err)
	}
	if err := s.SetConversationStatus(ctx, first.ID, domain.ConversationInProgress, domain.ConversationCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, err := s.CreateConversation(ctx, 10)
	if err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("ids must increase: first=%d second=%d", first.ID, second.ID)
	}
}

func TestMemoryStoreAppendAnswerOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conv, _ := s.CreateConversation(ctx, 1)

	if _, err := s.AppendAnswer(ctx, domain.Answer{ConversationID: conv.ID, Ordinal: 2, Text: "x"}); !errors.Is(err, ErrOrdinalOutOfOrder) {
		t.Fatalf("expected out-of-order error, got %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := s.AppendAnswer(ctx, domain.Answer{ConversationID: conv.ID, Ordinal: i, Text: "a"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := s.AppendAnswer(ctx, domain.Answer{ConversationID: conv.ID, Ordinal: 3, Text: "dup"}); !errors.Is(err, ErrOrdinalOutOfOrder) {
		t.Fatalf("expected duplicate ordinal rejected, got %v", err)
	}
	answers, _ := s.ListAnswers(ctx, conv.ID)
	if len(answers) != 3 {
		t.Fatalf("expected 3 answers, got %d", len(answers))
	}
	for i, a := range answers {
		if a.Ordinal != i+1 {
			t.Fatalf("answers not ordered: %+v", answers)
		}
	}
}

func TestMemoryStoreRejectsAnswerOnTerminalConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conv, _ := s.CreateConversation(ctx, 1)
	_ = s.SetConversationStatus(ctx, conv.ID, domain.ConversationInProgress, domain.ConversationCancelled)
	if _, err := s.AppendAnswer(ctx, domain.Answer{ConversationID: conv.ID, Ordinal: 1}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	if _, err := s.AppendAnswer(ctx, domain.Answer{ConversationID: 999, Ordinal: 1}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreCompleteConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conv, _ := s.CreateConversation(ctx, 1)
	if _, err := s.CompleteConversation(ctx, domain.GenerationResult{ConversationID: conv.ID, Text: "R"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _, _ := s.GetConversation(ctx, conv.ID)
	if got.Status != domain.ConversationCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected conversation after completion: %+v", got)
	}
	res, ok, _ := s.GetGenerationResult(ctx, conv.ID)
	if !ok || res.Text != "R" {
		t.Fatalf("unexpected result: %+v ok=%v", res, ok)
	}
	if _, err := s.CompleteConversation(ctx, domain.GenerationResult{ConversationID: conv.ID, Text: "again"}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected second completion to fail, got %v", err)
	}
}

func TestMemoryStoreSetStatusConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conv, _ := s.CreateConversation(ctx, 1)
	if err := s.SetConversationStatus(ctx, conv.ID, domain.ConversationCompleted, domain.ConversationCancelled); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreConcurrentConversations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for u := int64(1); u <= 20; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			conv, err := s.CreateConversation(ctx, userID)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			for i := 1; i <= 5; i++ {
				if _, err := s.AppendAnswer(ctx, domain.Answer{ConversationID: conv.ID, Ordinal: i, Text: "a"}); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(u)
	}
	wg.Wait()
	for u := int64(1); u <= 20; u++ {
		conv, ok, _ := s.FindActiveConversation(ctx, u)
		if !ok {
			t.Fatalf("user %d has no active conversation", u)
		}
		answers, _ := s.ListAnswers(ctx, conv.ID)
		if len(answers) != 5 {
			t.Fatalf("user %d: expected 5 answers, got %d", u, len(answers))
		}
	}
}

func TestMemoryStoreUpsertUserKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, _ := s.UpsertUser(ctx, domain.User{ID: 5, Username: "old"})
	second, _ := s.UpsertUser(ctx, domain.User{ID: 5, Username: "new"})
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on upsert")
	}
	got, ok, _ := s.GetUser(ctx, 5)
	if !ok || got.Username != "new" {
		t.Fatalf("unexpected user: %+v", got)
	}
}
