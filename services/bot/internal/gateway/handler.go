package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"consultbot/internal/util"
	"consultbot/pkg/domain"
	"consultbot/pkg/queue"
	"consultbot/pkg/session"
	"consultbot/services/bot/internal/app"
)

// Limiter bounds how often a key may act. A non-nil error means the
// decision could not be made.
type Limiter interface {
	Check(ctx context.Context, key string) (bool, error)
}

// Config wires the handler's collaborators. Limiter and ContactURL are optional.
type Config struct {
	App        *app.App
	Sessions   session.Store
	Queue      queue.Queue
	Messenger  Messenger
	Limiter    Limiter
	ContactURL string
}

// Handler turns messenger events into state machine calls and replies.
type Handler struct {
	app        *app.App
	sessions   session.Store
	queue      queue.Queue
	messenger  Messenger
	limiter    Limiter
	contactURL string
}

func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.App == nil:
		return nil, errors.New("app required")
	case cfg.Sessions == nil:
		return nil, errors.New("session store required")
	case cfg.Queue == nil:
		return nil, errors.New("queue required")
	case cfg.Messenger == nil:
		return nil, errors.New("messenger required")
	}
	return &Handler{
		app:        cfg.App,
		sessions:   cfg.Sessions,
		queue:      cfg.Queue,
		messenger:  cfg.Messenger,
		limiter:    cfg.Limiter,
		contactURL: cfg.ContactURL,
	}, nil
}

// Handle processes one event. The returned error is a delivery failure;
// domain errors are answered in chat.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventCommand:
		return h.handleCommand(ctx, ev)
	case EventText:
		return h.handleAnswer(ctx, ev)
	case EventButton:
		return h.handleButton(ctx, ev)
	default:
		util.LoggerFromContext(ctx).Warn("unsupported event kind", "kind", ev.Kind.String())
		return nil
	}
}

func (h *Handler) handleCommand(ctx context.Context, ev Event) error {
	switch ev.Command {
	case "start", "menu":
		return h.messenger.Send(ctx, menuMessage(ev.ChatID, ev.User.FirstName))
	case "dialog":
		return h.messenger.Send(ctx, introMessage(ev.ChatID, h.app.QuestionCount()))
	case "cancel":
		return h.cancel(ctx, ev)
	default:
		return h.messenger.Send(ctx, plainMessage(ev.ChatID, textNoDialog))
	}
}

func (h *Handler) handleButton(ctx context.Context, ev Event) error {
	if err := h.messenger.Ack(ctx, ev.CallbackID); err != nil {
		util.LoggerFromContext(ctx).Warn("callback ack failed", "err", err)
	}
	action, conversationID := ParseAction(ev.Text)
	switch action {
	case ActionMenu:
		return h.reply(ctx, ev, menuMessage(ev.ChatID, ev.User.FirstName))
	case ActionStartDialog:
		return h.reply(ctx, ev, introMessage(ev.ChatID, h.app.QuestionCount()))
	case ActionAskFirstQuestion:
		return h.begin(ctx, ev)
	case ActionCancelDialog:
		return h.cancel(ctx, ev)
	case ActionRetryGeneration:
		return h.retry(ctx, ev, conversationID)
	default:
		util.LoggerFromContext(ctx).Warn("unknown button tag dropped", "data", ev.Text)
		return nil
	}
}

func (h *Handler) begin(ctx context.Context, ev Event) error {
	var st session.State
	prompt, err := h.app.Begin(ctx, ev.User, &st)
	if err != nil {
		return h.replyError(ctx, ev, err)
	}
	h.saveState(ctx, ev.User.ID, st)
	text := prompt.Text
	if prompt.Resumed {
		text = fmt.Sprintf(textResumed, text)
	}
	return h.reply(ctx, ev, questionMessage(ev.ChatID, text))
}

func (h *Handler) handleAnswer(ctx context.Context, ev Event) error {
	if !h.allowAnswer(ctx, ev.User.ID) {
		return h.messenger.Send(ctx, plainMessage(ev.ChatID, textTooFast))
	}
	st, ok, err := h.loadState(ctx, ev.User.ID)
	if err != nil {
		return h.replyError(ctx, ev, err)
	}
	if !ok {
		return h.messenger.Send(ctx, plainMessage(ev.ChatID, textNoDialog))
	}

	next, err := h.app.SubmitAnswer(ctx, &st, ev.Text)
	if errors.Is(err, app.ErrOutOfOrder) {
		next, err = h.resubmit(ctx, ev, &st)
	}
	if err != nil {
		if errors.Is(err, app.ErrConversationClosed) || errors.Is(err, app.ErrUnknownConversation) {
			h.clearState(ctx, ev.User.ID)
		}
		return h.replyError(ctx, ev, err)
	}
	h.saveState(ctx, ev.User.ID, st)

	switch next.Kind {
	case app.ActionAskQuestion:
		return h.messenger.Send(ctx, questionMessage(ev.ChatID, fmt.Sprintf(textAccepted, next.Prompt)))
	case app.ActionTriggerGeneration:
		if err := h.messenger.Send(ctx, plainMessage(ev.ChatID, textAllAnswered)); err != nil {
			return err
		}
		return h.enqueue(ctx, ev, next.ConversationID)
	default:
		return fmt.Errorf("unexpected next action %s", next.Kind)
	}
}

// allowAnswer applies the per-user answer limit. It fails open: sessions
// survive a Redis outage by rebuilding from the store, and answers follow.
func (h *Handler) allowAnswer(ctx context.Context, userID int64) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Check(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		util.LoggerFromContext(ctx).Warn("rate limiter unavailable, allowing answer", "user_id", userID, "err", err)
		return true
	}
	return ok
}

// resubmit realigns a session pointer that fell behind the stored answers
// and retries the answer once against the rebuilt pointer.
func (h *Handler) resubmit(ctx context.Context, ev Event, st *session.State) (app.NextAction, error) {
	fresh, ok, err := h.app.Resume(ctx, ev.User.ID)
	if err != nil {
		return app.NextAction{}, err
	}
	if !ok {
		return app.NextAction{}, app.ErrUnknownConversation
	}
	if fresh == *st {
		return app.NextAction{}, app.ErrOutOfOrder
	}
	util.LoggerFromContext(ctx).Warn("session pointer resynced",
		"user_id", ev.User.ID,
		"conversation_id", fresh.ConversationID,
		"stale_ordinal", st.CurrentOrdinal,
		"ordinal", fresh.CurrentOrdinal,
	)
	*st = fresh
	h.saveState(ctx, ev.User.ID, fresh)
	return h.app.SubmitAnswer(ctx, st, ev.Text)
}

func (h *Handler) cancel(ctx context.Context, ev Event) error {
	st, ok, err := h.loadState(ctx, ev.User.ID)
	if err != nil {
		return h.replyError(ctx, ev, err)
	}
	if !ok {
		return h.reply(ctx, ev, Message{ChatID: ev.ChatID, Text: textNothingToStop, Buttons: [][]Button{{buttonMenu}}})
	}
	cancelled, err := h.app.Cancel(ctx, st.ConversationID)
	if err != nil && !errors.Is(err, app.ErrUnknownConversation) {
		return h.replyError(ctx, ev, err)
	}
	h.clearState(ctx, ev.User.ID)
	if !cancelled {
		return h.reply(ctx, ev, Message{ChatID: ev.ChatID, Text: textNothingToStop, Buttons: [][]Button{{buttonMenu}}})
	}
	return h.reply(ctx, ev, cancelledMessage(ev.ChatID))
}

// retry re-queues generation for a conversation the user owns.
func (h *Handler) retry(ctx context.Context, ev Event, conversationID int64) error {
	detail, err := h.app.ConversationDetail(ctx, conversationID)
	if err != nil {
		return h.replyError(ctx, ev, err)
	}
	if detail.Conversation.UserID != ev.User.ID {
		util.LoggerFromContext(ctx).Warn("retry for foreign conversation",
			"user_id", ev.User.ID,
			"conversation_id", conversationID,
		)
		return nil
	}
	switch detail.Conversation.Status {
	case domain.ConversationCompleted:
		if detail.Result != nil {
			return h.messenger.Send(ctx, resultMessage(ev.ChatID, detail.Result.Text, h.contactURL))
		}
		return h.messenger.Send(ctx, plainMessage(ev.ChatID, textClosed))
	case domain.ConversationCancelled:
		return h.messenger.Send(ctx, plainMessage(ev.ChatID, textClosed))
	}
	if len(detail.Answers) < h.app.QuestionCount() {
		return h.replyError(ctx, ev, app.ErrIncompleteAnswers)
	}
	if err := h.reply(ctx, ev, plainMessage(ev.ChatID, textRetrying)); err != nil {
		return err
	}
	return h.enqueue(ctx, ev, conversationID)
}

func (h *Handler) enqueue(ctx context.Context, ev Event, conversationID int64) error {
	job, err := h.queue.Enqueue(ctx, queue.Job{
		ConversationID: conversationID,
		UserID:         ev.User.ID,
		ChatID:         ev.ChatID,
	})
	if err != nil {
		util.LoggerFromContext(ctx).Error("enqueue generation failed", "conversation_id", conversationID, "err", err)
		return h.messenger.Send(ctx, generationFailedMessage(ev.ChatID, conversationID))
	}
	util.LoggerFromContext(ctx).Info("generation queued", "conversation_id", conversationID, "job_id", job.ID)
	return nil
}

// HandleJob is the queue worker: it runs generation and delivers the outcome.
func (h *Handler) HandleJob(ctx context.Context, job queue.JobStatus) error {
	ctx = util.ContextWithRequestID(ctx, job.ID)
	logger := util.LoggerFromContext(ctx).With("conversation_id", job.Job.ConversationID)

	text, err := h.app.Complete(ctx, job.Job.ConversationID)
	switch {
	case err == nil:
		if st, ok, _ := h.sessions.Load(ctx, job.Job.UserID); ok && st.ConversationID == job.Job.ConversationID {
			h.clearState(ctx, job.Job.UserID)
		}
		return h.messenger.Send(ctx, resultMessage(job.Job.ChatID, text, h.contactURL))
	case errors.Is(err, app.ErrConversationClosed),
		errors.Is(err, app.ErrUnknownConversation),
		errors.Is(err, app.ErrGenerationInProgress):
		logger.Info("generation skipped", "reason", err.Error())
		return nil
	default:
		if sendErr := h.messenger.Send(ctx, generationFailedMessage(job.Job.ChatID, job.Job.ConversationID)); sendErr != nil {
			logger.Warn("failed to deliver generation error", "err", sendErr)
		}
		return err
	}
}

func (h *Handler) replyError(ctx context.Context, ev Event, err error) error {
	var text string
	switch {
	case errors.Is(err, app.ErrEmptyAnswer):
		text = textEmptyAnswer
	case errors.Is(err, app.ErrConversationClosed):
		text = textClosed
	case errors.Is(err, app.ErrUnknownConversation):
		text = textNoDialog
	case errors.Is(err, app.ErrOutOfOrder):
		text = textOutOfOrder
	case errors.Is(err, app.ErrGenerationInProgress), errors.Is(err, app.ErrIncompleteAnswers):
		text = textBusy
	default:
		util.LoggerFromContext(ctx).Error("event handling failed", "user_id", ev.User.ID, "err", err)
		text = textTemporary
	}
	return h.messenger.Send(ctx, plainMessage(ev.ChatID, text))
}

// reply edits the message that carried the pressed button, or sends a new one.
func (h *Handler) reply(ctx context.Context, ev Event, msg Message) error {
	if ev.Kind == EventButton && ev.MessageID != 0 {
		err := h.messenger.Edit(ctx, ev.MessageID, msg)
		if err == nil {
			return nil
		}
		util.LoggerFromContext(ctx).Debug("edit failed, sending new message", "err", err)
	}
	return h.messenger.Send(ctx, msg)
}

// loadState returns the session pointer, rebuilding it from the store when
// the session entry expired or the session backend is unavailable.
func (h *Handler) loadState(ctx context.Context, userID int64) (session.State, bool, error) {
	st, ok, err := h.sessions.Load(ctx, userID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("session load failed, rebuilding from store", "user_id", userID, "err", err)
	} else if ok && st.Active() {
		return st, true, nil
	}
	st, ok, err = h.app.Resume(ctx, userID)
	if err != nil || !ok {
		return session.State{}, false, err
	}
	h.saveState(ctx, userID, st)
	return st, true, nil
}

func (h *Handler) saveState(ctx context.Context, userID int64, st session.State) {
	if err := h.sessions.Save(ctx, userID, st); err != nil {
		util.LoggerFromContext(ctx).Warn("session save failed", "user_id", userID, "err", err)
	}
}

func (h *Handler) clearState(ctx context.Context, userID int64) {
	if err := h.sessions.Clear(ctx, userID); err != nil {
		util.LoggerFromContext(ctx).Warn("session clear failed", "user_id", userID, "err", err)
	}
}
