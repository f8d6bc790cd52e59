package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"consultbot/pkg/domain"
	"consultbot/pkg/questionnaire"
	"consultbot/pkg/queue"
	"consultbot/pkg/session"
	"consultbot/pkg/store"
	"consultbot/services/bot/internal/app"
)

type sentMessage struct {
	Edit      bool
	MessageID int
	Message
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	acks []string
}

func (f *fakeMessenger) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Message: msg})
	return nil
}

func (f *fakeMessenger) Edit(_ context.Context, messageID int, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Edit: true, MessageID: messageID, Message: msg})
	return nil
}

func (f *fakeMessenger) Ack(_ context.Context, callbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, callbackID)
	return nil
}

func (f *fakeMessenger) last(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("no messages sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type stubRecommender struct {
	mu   sync.Mutex
	text string
	err  error
}

func (s *stubRecommender) Recommend(context.Context, []domain.Answer) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.err
}

func (s *stubRecommender) set(text string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text, s.err = text, err
}

type denyLimiter struct{}

func (denyLimiter) Check(context.Context, string) (bool, error) { return false, nil }

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

type harness struct {
	handler   *Handler
	messenger *fakeMessenger
	sessions  *session.MemoryStore
	store     *store.MemoryStore
	queue     *queue.LocalQueue
	rec       *stubRecommender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := questionnaire.New([]string{"Q1", "Q2"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	st := store.NewMemoryStore()
	rec := &stubRecommender{text: "Scenario A"}
	core, err := app.New(app.Config{Store: st, Catalog: catalog, Recommender: rec})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	h := &harness{
		messenger: &fakeMessenger{},
		sessions:  session.NewMemoryStore(),
		store:     st,
		queue:     queue.NewLocalQueue(),
		rec:       rec,
	}
	h.handler, err = NewHandler(Config{
		App:        core,
		Sessions:   h.sessions,
		Queue:      h.queue,
		Messenger:  h.messenger,
		ContactURL: "https://t.me/consultant",
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	h.queue.Start(context.Background(), 1, h.handler.HandleJob)
	return h
}

func (h *harness) press(t *testing.T, userID int64, data string) {
	t.Helper()
	ev := Event{ID: "u", Kind: EventButton, User: domain.User{ID: userID, FirstName: "Ann"}, ChatID: userID, MessageID: 10, CallbackID: "cb", Text: data}
	if err := h.handler.Handle(context.Background(), ev); err != nil {
		t.Fatalf("button %q: %v", data, err)
	}
}

func (h *harness) say(t *testing.T, userID int64, text string) {
	t.Helper()
	ev := Event{ID: "u", Kind: EventText, User: domain.User{ID: userID}, ChatID: userID, Text: text}
	if err := h.handler.Handle(context.Background(), ev); err != nil {
		t.Fatalf("text %q: %v", text, err)
	}
}

func TestHandlerDialogToResult(t *testing.T) {
	h := newHarness(t)

	h.press(t, 1, tagStartDialog)
	if got := h.messenger.last(t); !got.Edit || !strings.Contains(got.Text, "2 коротких вопросов") {
		t.Fatalf("unexpected intro: %+v", got)
	}

	h.press(t, 1, tagAskFirstQuestion)
	got := h.messenger.last(t)
	if !got.Edit || got.Text != "*Вопрос 1/2:*\n\nQ1" || got.Buttons[0][0].Data != tagCancelDialog {
		t.Fatalf("unexpected first question: %+v", got)
	}

	h.say(t, 1, "retail")
	if got := h.messenger.last(t); got.Text != "✅ Принято!\n\n*Вопрос 2/2:*\n\nQ2" {
		t.Fatalf("unexpected second question: %q", got.Text)
	}

	h.say(t, 1, "ten people")
	if got := h.messenger.last(t); got.Text != textAllAnswered {
		t.Fatalf("expected analyzing notice, got %q", got.Text)
	}
	h.queue.Wait()

	got = h.messenger.last(t)
	if !strings.Contains(got.Text, "Scenario A") || !strings.HasPrefix(got.Text, textResultHeader) {
		t.Fatalf("unexpected result message: %q", got.Text)
	}
	if got.Buttons[0][0].URL != "https://t.me/consultant" || got.Buttons[1][0].Data != tagMenu {
		t.Fatalf("unexpected result buttons: %+v", got.Buttons)
	}
	conv, _, _ := h.store.GetConversation(context.Background(), 1)
	if conv.Status != domain.ConversationCompleted {
		t.Fatalf("expected completed conversation, got %s", conv.Status)
	}
	if _, ok, _ := h.sessions.Load(context.Background(), 1); ok {
		t.Fatalf("session should be cleared after completion")
	}
}

func TestHandlerGenerationFailureOffersRetry(t *testing.T) {
	h := newHarness(t)
	h.rec.set("", errors.New("upstream 500"))

	h.press(t, 1, tagAskFirstQuestion)
	h.say(t, 1, "a")
	h.say(t, 1, "b")
	h.queue.Wait()

	got := h.messenger.last(t)
	if got.Text != textGenerationErr {
		t.Fatalf("expected apology, got %q", got.Text)
	}
	if strings.Contains(got.Text, "upstream") {
		t.Fatalf("cause leaked to user")
	}
	if got.Buttons[0][0].Data != "retry_generation:1" {
		t.Fatalf("expected retry button, got %+v", got.Buttons)
	}
	conv, _, _ := h.store.GetConversation(context.Background(), 1)
	if conv.Status != domain.ConversationInProgress {
		t.Fatalf("conversation should stay in progress, got %s", conv.Status)
	}

	h.rec.set("Scenario B", nil)
	h.press(t, 1, "retry_generation:1")
	if got := h.messenger.last(t); got.Text != textRetrying {
		t.Fatalf("expected retry notice, got %q", got.Text)
	}
	h.queue.Wait()
	if got := h.messenger.last(t); !strings.Contains(got.Text, "Scenario B") {
		t.Fatalf("expected result after retry, got %q", got.Text)
	}

	// A second press resends the stored result without generating again.
	h.rec.set("", errors.New("must not be called"))
	h.press(t, 1, "retry_generation:1")
	h.queue.Wait()
	if got := h.messenger.last(t); !strings.Contains(got.Text, "Scenario B") {
		t.Fatalf("expected stored result, got %q", got.Text)
	}
}

func TestHandlerRetryIgnoresForeignConversation(t *testing.T) {
	h := newHarness(t)
	h.press(t, 1, tagAskFirstQuestion)
	before := h.messenger.count()
	h.press(t, 2, "retry_generation:1")
	if h.messenger.count() != before {
		t.Fatalf("foreign retry must not produce messages")
	}
}

func TestHandlerCancel(t *testing.T) {
	h := newHarness(t)
	h.press(t, 1, tagAskFirstQuestion)
	h.say(t, 1, "a")

	h.press(t, 1, tagCancelDialog)
	got := h.messenger.last(t)
	if !got.Edit || got.Text != textCancelled {
		t.Fatalf("unexpected cancel reply: %+v", got)
	}
	conv, _, _ := h.store.GetConversation(context.Background(), 1)
	if conv.Status != domain.ConversationCancelled {
		t.Fatalf("expected cancelled, got %s", conv.Status)
	}

	h.say(t, 1, "late answer")
	if got := h.messenger.last(t); got.Text != textNoDialog {
		t.Fatalf("expected no-dialog reply, got %q", got.Text)
	}
	answers, _ := h.store.ListAnswers(context.Background(), 1)
	if len(answers) != 1 {
		t.Fatalf("late answer must not be stored, have %d", len(answers))
	}

	h.press(t, 1, tagCancelDialog)
	if got := h.messenger.last(t); got.Text != textNothingToStop {
		t.Fatalf("expected nothing-to-stop reply, got %q", got.Text)
	}
}

func TestHandlerRejectsEmptyAnswer(t *testing.T) {
	h := newHarness(t)
	h.press(t, 1, tagAskFirstQuestion)
	h.say(t, 1, "   ")
	if got := h.messenger.last(t); got.Text != textEmptyAnswer {
		t.Fatalf("expected empty-answer reply, got %q", got.Text)
	}
	st, _, _ := h.sessions.Load(context.Background(), 1)
	if st.CurrentOrdinal != 1 {
		t.Fatalf("pointer moved on empty answer: %d", st.CurrentOrdinal)
	}
}

func TestHandlerRebuildsLostSession(t *testing.T) {
	h := newHarness(t)
	h.press(t, 1, tagAskFirstQuestion)
	h.say(t, 1, "a")
	_ = h.sessions.Clear(context.Background(), 1)

	h.say(t, 1, "b")
	if got := h.messenger.last(t); got.Text != textAllAnswered {
		t.Fatalf("expected second answer to be accepted, got %q", got.Text)
	}
	h.queue.Wait()
	answers, _ := h.store.ListAnswers(context.Background(), 1)
	if len(answers) != 2 || answers[1].Text != "b" {
		t.Fatalf("unexpected answers: %+v", answers)
	}
}

func TestHandlerRateLimit(t *testing.T) {
	h := newHarness(t)
	h.handler.limiter = denyLimiter{}
	h.press(t, 1, tagAskFirstQuestion)
	h.say(t, 1, "a")
	if got := h.messenger.last(t); got.Text != textTooFast {
		t.Fatalf("expected rate limit reply, got %q", got.Text)
	}
	answers, _ := h.store.ListAnswers(context.Background(), 1)
	if len(answers) != 0 {
		t.Fatalf("rate limited answer must not be stored")
	}
}

func TestHandlerAllowsAnswersWhenLimiterUnavailable(t *testing.T) {
	h := newHarness(t)
	h.handler.limiter = brokenLimiter{}
	h.press(t, 1, tagAskFirstQuestion)
	h.say(t, 1, "a")
	if got := h.messenger.last(t); got.Text == textTooFast || !strings.Contains(got.Text, "Q2") {
		t.Fatalf("expected answer to be accepted, got %q", got.Text)
	}
	answers, _ := h.store.ListAnswers(context.Background(), 1)
	if len(answers) != 1 {
		t.Fatalf("expected stored answer, have %d", len(answers))
	}
}

func TestHandlerResyncsStaleSessionPointer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.press(t, 1, tagAskFirstQuestion)
	stale, _, _ := h.sessions.Load(ctx, 1)
	h.say(t, 1, "first")

	// The store holds answer 1 but the session still points at question 1.
	if err := h.sessions.Save(ctx, 1, stale); err != nil {
		t.Fatalf("seed stale session: %v", err)
	}
	h.say(t, 1, "second")
	if got := h.messenger.last(t); got.Text != textAllAnswered {
		t.Fatalf("expected second answer to be accepted, got %q", got.Text)
	}
	h.queue.Wait()

	answers, _ := h.store.ListAnswers(ctx, 1)
	if len(answers) != 2 || answers[0].Text != "first" || answers[1].Text != "second" {
		t.Fatalf("unexpected answers: %+v", answers)
	}
	if got := h.messenger.last(t); !strings.Contains(got.Text, "Scenario A") {
		t.Fatalf("expected result after resync, got %q", got.Text)
	}
}

func TestHandlerUnknownButtonDropped(t *testing.T) {
	h := newHarness(t)
	h.press(t, 1, "about")
	if h.messenger.count() != 0 {
		t.Fatalf("unknown tag must be dropped")
	}
	if len(h.messenger.acks) != 1 {
		t.Fatalf("button press must be acknowledged")
	}
}

func TestHandlerStartCommand(t *testing.T) {
	h := newHarness(t)
	ev := Event{Kind: EventCommand, Command: "start", User: domain.User{ID: 9, FirstName: "Ann"}, ChatID: 9}
	if err := h.handler.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := h.messenger.last(t)
	if got.Edit || !strings.Contains(got.Text, "Ann") || got.Buttons[0][0].Data != tagStartDialog {
		t.Fatalf("unexpected menu: %+v", got)
	}
}
