package app

import (
	"context"
	"errors"
	"time"

	"consultbot/pkg/ai"
	"consultbot/pkg/domain"
	"consultbot/pkg/notify"
	"consultbot/pkg/questionnaire"
	"consultbot/pkg/store"
)

// Config holds the injected collaborators of the core.
type Config struct {
	Store             store.Store
	Catalog           *questionnaire.Catalog
	Recommender       ai.Recommender
	Notifier          notify.Notifier
	BeginPolicy       BeginPolicy
	GenerationTimeout time.Duration
}

// App bundles the state machine, the orchestrator and read access to history.
type App struct {
	*Machine
	*Orchestrator
	store store.Store
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Recommender == nil {
		return nil, errors.New("recommender required")
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = questionnaire.Default()
	}
	switch cfg.BeginPolicy {
	case "", BeginRestart, BeginResume:
	default:
		return nil, errors.New("unknown begin policy " + string(cfg.BeginPolicy))
	}
	return &App{
		Machine:      NewMachine(cfg.Store, catalog, cfg.BeginPolicy),
		Orchestrator: NewOrchestrator(cfg.Store, catalog, cfg.Recommender, cfg.Notifier, cfg.GenerationTimeout),
		store:        cfg.Store,
	}, nil
}

// ConversationDetail is a conversation with its answers and result.
type ConversationDetail struct {
	Conversation domain.Conversation      `json:"conversation"`
	Answers      []domain.Answer          `json:"answers"`
	Result       *domain.GenerationResult `json:"result,omitempty"`
}

func (a *App) ConversationDetail(ctx context.Context, id int64) (ConversationDetail, error) {
	conv, ok, err := a.store.GetConversation(ctx, id)
	if err != nil {
		return ConversationDetail{}, persistence("get conversation", err)
	}
	if !ok {
		return ConversationDetail{}, ErrUnknownConversation
	}
	answers, err := a.store.ListAnswers(ctx, id)
	if err != nil {
		return ConversationDetail{}, persistence("list answers", err)
	}
	detail := ConversationDetail{Conversation: conv, Answers: answers}
	if res, ok, err := a.store.GetGenerationResult(ctx, id); err != nil {
		return ConversationDetail{}, persistence("get result", err)
	} else if ok {
		detail.Result = &res
	}
	return detail, nil
}

func (a *App) ListConversations(ctx context.Context, userID int64, limit int) ([]domain.Conversation, error) {
	items, err := a.store.ListConversationsByUser(ctx, userID, limit)
	if err != nil {
		return nil, persistence("list conversations", err)
	}
	return items, nil
}

// Result returns the stored recommendation of a completed conversation.
func (a *App) Result(ctx context.Context, conversationID int64) (domain.GenerationResult, bool, error) {
	res, ok, err := a.store.GetGenerationResult(ctx, conversationID)
	if err != nil {
		return domain.GenerationResult{}, false, persistence("get result", err)
	}
	return res, ok, nil
}
