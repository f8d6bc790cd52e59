package store

import (
	"context"
	"errors"

	"consultbot/pkg/domain"
)

var (
	// ErrActiveConversationExists is returned when a user already has an
	// in_progress conversation.
	ErrActiveConversationExists = errors.New("active conversation exists")
	ErrConversationNotFound     = errors.New("conversation not found")
	// ErrStatusConflict means the conversation was not in the expected status.
	ErrStatusConflict    = errors.New("conversation status conflict")
	ErrOrdinalOutOfOrder = errors.New("answer ordinal out of order")
	ErrResultExists      = errors.New("generation result already stored")
)

// Store persists users, conversations, answers and generation results.
// Each method is atomic and safe for concurrent use.
type Store interface {
	// users
	UpsertUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, bool, error)

	// conversations
	CreateConversation(ctx context.Context, userID int64) (domain.Conversation, error)
	GetConversation(ctx context.Context, id int64) (domain.Conversation, bool, error)
	ListConversationsByUser(ctx context.Context, userID int64, limit int) ([]domain.Conversation, error)
	FindActiveConversation(ctx context.Context, userID int64) (domain.Conversation, bool, error)
	SetConversationStatus(ctx context.Context, id int64, from, to domain.ConversationStatus) error

	// answers
	AppendAnswer(ctx context.Context, a domain.Answer) (domain.Answer, error)
	ListAnswers(ctx context.Context, conversationID int64) ([]domain.Answer, error)

	// results
	CompleteConversation(ctx context.Context, result domain.GenerationResult) (domain.GenerationResult, error)
	GetGenerationResult(ctx context.Context, conversationID int64) (domain.GenerationResult, bool, error)
}
