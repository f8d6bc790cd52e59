package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consultbot/internal/util"
	"consultbot/pkg/ai"
	"consultbot/pkg/domain"
	"consultbot/pkg/notify"
	"consultbot/pkg/questionnaire"
	"consultbot/pkg/store"
)

const defaultGenerationTimeout = 45 * time.Second

// Orchestrator turns a fully answered conversation into a stored
// recommendation.
type Orchestrator struct {
	store       store.Store
	catalog     *questionnaire.Catalog
	recommender ai.Recommender
	notifier    notify.Notifier
	timeout     time.Duration

	inflight sync.Map // conversation ID -> struct{}
}

func NewOrchestrator(s store.Store, catalog *questionnaire.Catalog, recommender ai.Recommender, notifier notify.Notifier, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Orchestrator{
		store:       s,
		catalog:     catalog,
		recommender: recommender,
		notifier:    notifier,
		timeout:     timeout,
	}
}

// Complete generates and stores the recommendation for conversationID.
// On generator failure it returns *GenerationError and the conversation
// stays in_progress with no result.
func (o *Orchestrator) Complete(ctx context.Context, conversationID int64) (string, error) {
	if _, busy := o.inflight.LoadOrStore(conversationID, struct{}{}); busy {
		return "", ErrGenerationInProgress
	}
	defer o.inflight.Delete(conversationID)

	logger := util.LoggerFromContext(ctx).With("conversation_id", conversationID)

	conv, ok, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", persistence("get conversation", err)
	}
	if !ok {
		return "", ErrUnknownConversation
	}
	if conv.Status != domain.ConversationInProgress {
		return "", ErrConversationClosed
	}
	answers, err := o.store.ListAnswers(ctx, conversationID)
	if err != nil {
		return "", persistence("list answers", err)
	}
	if err := o.checkComplete(answers); err != nil {
		return "", err
	}

	genCtx, cancel := context.WithTimeout(ctx, o.timeout)
	started := time.Now()
	text, err := o.recommender.Recommend(genCtx, answers)
	cancel()
	if err == nil && text == "" {
		err = errors.New("empty recommendation")
	}
	if err != nil {
		logger.Error("recommendation generation failed",
			"err", err,
			"duration_ms", time.Since(started).Milliseconds(),
		)
		return "", &GenerationError{ConversationID: conversationID, Cause: err}
	}

	result, err := o.store.CompleteConversation(ctx, domain.GenerationResult{
		ConversationID: conversationID,
		Text:           text,
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrResultExists) {
			// Cancelled or completed while the generator was running.
			return "", ErrConversationClosed
		}
		return "", persistence("complete conversation", err)
	}
	logger.Info("conversation completed", "duration_ms", time.Since(started).Milliseconds())

	o.publishLead(ctx, conv, answers, result)
	return result.Text, nil
}

// checkComplete requires exactly the ordinals 1..N.
func (o *Orchestrator) checkComplete(answers []domain.Answer) error {
	if len(answers) != o.catalog.Len() {
		return fmt.Errorf("%w: have %d of %d", ErrIncompleteAnswers, len(answers), o.catalog.Len())
	}
	for i, a := range answers {
		if a.Ordinal != i+1 {
			return fmt.Errorf("%w: unexpected ordinal %d at position %d", ErrIncompleteAnswers, a.Ordinal, i+1)
		}
	}
	return nil
}

func (o *Orchestrator) publishLead(ctx context.Context, conv domain.Conversation, answers []domain.Answer, result domain.GenerationResult) {
	lead := notify.Lead{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Answers:        answers,
		Recommendation: result.Text,
		CompletedAt:    result.CreatedAt,
	}
	if user, ok, err := o.store.GetUser(ctx, conv.UserID); err == nil && ok {
		lead.Username = user.Username
		lead.FirstName = user.FirstName
	}
	if err := o.notifier.NotifyLead(ctx, lead); err != nil {
		slog.Warn("lead notification failed", "conversation_id", conv.ID, "err", err)
	}
}
