package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"consultbot/pkg/domain"
	"consultbot/pkg/questionnaire"
	"consultbot/pkg/session"
	"consultbot/pkg/store"
)

// BeginPolicy decides what Begin does with an in_progress conversation.
type BeginPolicy string

const (
	// BeginRestart cancels the open conversation and starts a new one.
	BeginRestart BeginPolicy = "restart"
	// BeginResume continues the open conversation at its next question.
	BeginResume BeginPolicy = "resume"
)

type ActionKind int

const (
	ActionAskQuestion ActionKind = iota + 1
	ActionTriggerGeneration
)

func (k ActionKind) String() string {
	switch k {
	case ActionAskQuestion:
		return "ask_question"
	case ActionTriggerGeneration:
		return "trigger_generation"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// NextAction tells the gateway what to do after an accepted answer.
// Ordinal and Prompt are set only for ActionAskQuestion.
type NextAction struct {
	Kind           ActionKind
	ConversationID int64
	Ordinal        int
	Prompt         string
}

// Prompt is a question ready to be shown.
type Prompt struct {
	ConversationID int64
	Ordinal        int
	Text           string
	Resumed        bool
}

// Machine drives a user through the question catalog.
type Machine struct {
	store   store.Store
	catalog *questionnaire.Catalog
	policy  BeginPolicy
}

func NewMachine(s store.Store, catalog *questionnaire.Catalog, policy BeginPolicy) *Machine {
	if policy == "" {
		policy = BeginRestart
	}
	return &Machine{store: s, catalog: catalog, policy: policy}
}

// Begin opens a conversation for the user and returns question 1 (or the
// next unanswered question when resuming). st is overwritten.
func (m *Machine) Begin(ctx context.Context, user domain.User, st *session.State) (Prompt, error) {
	if _, err := m.store.UpsertUser(ctx, user); err != nil {
		return Prompt{}, persistence("upsert user", err)
	}
	active, ok, err := m.store.FindActiveConversation(ctx, user.ID)
	if err != nil {
		return Prompt{}, persistence("find active conversation", err)
	}
	if ok {
		if m.policy == BeginResume {
			prompt, resumed, err := m.resume(ctx, active, st)
			if err != nil || resumed {
				return prompt, err
			}
		}
		err := m.store.SetConversationStatus(ctx, active.ID, domain.ConversationInProgress, domain.ConversationCancelled)
		if err != nil && !errors.Is(err, store.ErrStatusConflict) {
			return Prompt{}, persistence("supersede conversation", err)
		}
		slog.Info("conversation superseded", "user_id", user.ID, "conversation_id", active.ID)
	}

	conv, err := m.store.CreateConversation(ctx, user.ID)
	if err != nil {
		return Prompt{}, persistence("create conversation", err)
	}
	st.ConversationID = conv.ID
	st.CurrentOrdinal = 1
	text, _ := m.catalog.Format(1)
	slog.Info("conversation started", "user_id", user.ID, "conversation_id", conv.ID)
	return Prompt{ConversationID: conv.ID, Ordinal: 1, Text: text}, nil
}

// resume points st at the first unanswered question. A conversation whose
// answers are all stored is not resumable.
func (m *Machine) resume(ctx context.Context, conv domain.Conversation, st *session.State) (Prompt, bool, error) {
	answers, err := m.store.ListAnswers(ctx, conv.ID)
	if err != nil {
		return Prompt{}, false, persistence("list answers", err)
	}
	next := len(answers) + 1
	text, ok := m.catalog.Format(next)
	if !ok {
		return Prompt{}, false, nil
	}
	st.ConversationID = conv.ID
	st.CurrentOrdinal = next
	return Prompt{ConversationID: conv.ID, Ordinal: next, Text: text, Resumed: true}, true, nil
}

// SubmitAnswer records raw verbatim for the current question and advances
// the pointer. On any error st is left untouched.
func (m *Machine) SubmitAnswer(ctx context.Context, st *session.State, raw string) (NextAction, error) {
	if st == nil || !st.Active() {
		return NextAction{}, ErrUnknownConversation
	}
	if strings.TrimSpace(raw) == "" {
		return NextAction{}, ErrEmptyAnswer
	}
	q, ok := m.catalog.Question(st.CurrentOrdinal)
	if !ok {
		return NextAction{}, ErrOutOfOrder
	}
	conv, found, err := m.store.GetConversation(ctx, st.ConversationID)
	if err != nil {
		return NextAction{}, persistence("get conversation", err)
	}
	if !found {
		return NextAction{}, ErrUnknownConversation
	}
	if conv.Status != domain.ConversationInProgress {
		return NextAction{}, ErrConversationClosed
	}

	_, err = m.store.AppendAnswer(ctx, domain.Answer{
		ConversationID: conv.ID,
		Ordinal:        q.Ordinal,
		QuestionText:   q.Text,
		Text:           raw,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrOrdinalOutOfOrder):
		return NextAction{}, ErrOutOfOrder
	case errors.Is(err, store.ErrStatusConflict):
		return NextAction{}, ErrConversationClosed
	case errors.Is(err, store.ErrConversationNotFound):
		return NextAction{}, ErrUnknownConversation
	default:
		return NextAction{}, persistence("append answer", err)
	}

	st.CurrentOrdinal++
	if text, ok := m.catalog.Format(st.CurrentOrdinal); ok {
		return NextAction{
			Kind:           ActionAskQuestion,
			ConversationID: conv.ID,
			Ordinal:        st.CurrentOrdinal,
			Prompt:         text,
		}, nil
	}
	return NextAction{Kind: ActionTriggerGeneration, ConversationID: conv.ID}, nil
}

// Cancel moves an in_progress conversation to cancelled. It reports false,
// without error, when the conversation was already terminal.
func (m *Machine) Cancel(ctx context.Context, conversationID int64) (bool, error) {
	err := m.store.SetConversationStatus(ctx, conversationID, domain.ConversationInProgress, domain.ConversationCancelled)
	switch {
	case err == nil:
		slog.Info("conversation cancelled", "conversation_id", conversationID)
		return true, nil
	case errors.Is(err, store.ErrStatusConflict):
		return false, nil
	case errors.Is(err, store.ErrConversationNotFound):
		return false, ErrUnknownConversation
	default:
		return false, persistence("cancel conversation", err)
	}
}

// Resume rebuilds session state for a user's in_progress conversation.
// When every answer is already stored the pointer is N+1.
func (m *Machine) Resume(ctx context.Context, userID int64) (session.State, bool, error) {
	conv, ok, err := m.store.FindActiveConversation(ctx, userID)
	if err != nil {
		return session.State{}, false, persistence("find active conversation", err)
	}
	if !ok {
		return session.State{}, false, nil
	}
	answers, err := m.store.ListAnswers(ctx, conv.ID)
	if err != nil {
		return session.State{}, false, persistence("list answers", err)
	}
	return session.State{ConversationID: conv.ID, CurrentOrdinal: len(answers) + 1}, true, nil
}

// QuestionCount is N.
func (m *Machine) QuestionCount() int {
	return m.catalog.Len()
}
