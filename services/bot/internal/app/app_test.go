package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consultbot/pkg/domain"
	"consultbot/pkg/notify"
	"consultbot/pkg/questionnaire"
	"consultbot/pkg/session"
	"consultbot/pkg/store"
)

type fakeRecommender struct {
	mu     sync.Mutex
	text   string
	err    error
	delay  time.Duration
	calls  int
	gotLen int
}

func (f *fakeRecommender) Recommend(ctx context.Context, answers []domain.Answer) (string, error) {
	f.mu.Lock()
	f.calls++
	f.gotLen = len(answers)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	leads []notify.Lead
}

func (r *recordingNotifier) NotifyLead(_ context.Context, lead notify.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads = append(r.leads, lead)
	return nil
}

func newTestApp(t *testing.T, rec *fakeRecommender, policy BeginPolicy) (*App, *store.MemoryStore, *recordingNotifier) {
	t.Helper()
	catalog, err := questionnaire.New([]string{"Q1", "Q2", "Q3"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	s := store.NewMemoryStore()
	n := &recordingNotifier{}
	a, err := New(Config{
		Store:             s,
		Catalog:           catalog,
		Recommender:       rec,
		Notifier:          n,
		BeginPolicy:       policy,
		GenerationTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, s, n
}

func TestFullQuestionnaireScenario(t *testing.T) {
	rec := &fakeRecommender{text: "Scenario A..."}
	a, s, notifier := newTestApp(t, rec, BeginRestart)
	ctx := context.Background()
	var st session.State

	prompt, err := a.Begin(ctx, domain.User{ID: 42, Username: "client"}, &st)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if prompt.ConversationID != 1 || st.ConversationID != 1 || st.CurrentOrdinal != 1 {
		t.Fatalf("unexpected begin result: prompt=%+v state=%+v", prompt, st)
	}
	if prompt.Text != "*Вопрос 1/3:*\n\nQ1" {
		t.Fatalf("unexpected first prompt %q", prompt.Text)
	}

	next, err := a.SubmitAnswer(ctx, &st, "We sell widgets")
	if err != nil {
		t.Fatalf("answer 1: %v", err)
	}
	if next.Kind != ActionAskQuestion || next.Ordinal != 2 || st.CurrentOrdinal != 2 {
		t.Fatalf("unexpected action after answer 1: %+v state=%+v", next, st)
	}
	next, err = a.SubmitAnswer(ctx, &st, "5 people")
	if err != nil || next.Kind != ActionAskQuestion || next.Ordinal != 3 {
		t.Fatalf("unexpected action after answer 2: %+v err=%v", next, err)
	}
	next, err = a.SubmitAnswer(ctx, &st, "Reporting")
	if err != nil {
		t.Fatalf("answer 3: %v", err)
	}
	if next.Kind != ActionTriggerGeneration || st.CurrentOrdinal != 4 {
		t.Fatalf("expected TriggerGeneration, got %+v state=%+v", next, st)
	}

	answers, _ := s.ListAnswers(ctx, 1)
	if len(answers) != 3 || answers[0].Text != "We sell widgets" || answers[0].QuestionText != "Q1" {
		t.Fatalf("unexpected stored answers: %+v", answers)
	}

	text, err := a.Complete(ctx, 1)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Scenario A..." || rec.gotLen != 3 {
		t.Fatalf("unexpected completion text=%q answers=%d", text, rec.gotLen)
	}
	conv, _, _ := s.GetConversation(ctx, 1)
	if conv.Status != domain.ConversationCompleted || conv.CompletedAt == nil {
		t.Fatalf("conversation not completed: %+v", conv)
	}
	res, ok, _ := s.GetGenerationResult(ctx, 1)
	if !ok || res.Text != "Scenario A..." {
		t.Fatalf("unexpected result: %+v ok=%v", res, ok)
	}
	if len(notifier.leads) != 1 || notifier.leads[0].Username != "client" {
		t.Fatalf("expected one lead notification, got %+v", notifier.leads)
	}

	// No answer beyond N and no second generation.
	if _, err := a.SubmitAnswer(ctx, &st, "extra"); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder past N, got %v", err)
	}
	if _, err := a.Complete(ctx, 1); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected completed conversation to reject Complete, got %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("generator called %d times", rec.calls)
	}
}

func TestGeneratorTimeoutKeepsConversationOpen(t *testing.T) {
	rec := &fakeRecommender{text: "late", delay: time.Second}
	a, s, notifier := newTestApp(t, rec, BeginRestart)
	ctx := context.Background()
	st := answerAll(t, a, 1)

	_, err := a.Complete(ctx, st.ConversationID)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout cause, got %v", genErr.Cause)
	}
	conv, _, _ := s.GetConversation(ctx, st.ConversationID)
	if conv.Status != domain.ConversationInProgress {
		t.Fatalf("conversation must stay in_progress, got %s", conv.Status)
	}
	if _, ok, _ := s.GetGenerationResult(ctx, st.ConversationID); ok {
		t.Fatalf("no result may be stored after a failure")
	}
	if len(notifier.leads) != 0 {
		t.Fatalf("failed generation must not publish a lead")
	}

	// A manual retry succeeds.
	rec.delay = 0
	if _, err := a.Complete(ctx, st.ConversationID); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestEmptyGenerationIsFailure(t *testing.T) {
	a, s, _ := newTestApp(t, &fakeRecommender{text: ""}, BeginRestart)
	st := answerAll(t, a, 1)
	_, err := a.Complete(context.Background(), st.ConversationID)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	conv, _, _ := s.GetConversation(context.Background(), st.ConversationID)
	if conv.Status != domain.ConversationInProgress {
		t.Fatalf("unexpected status %s", conv.Status)
	}
}

func TestCancelMidDialog(t *testing.T) {
	a, s, _ := newTestApp(t, &fakeRecommender{text: "x"}, BeginRestart)
	ctx := context.Background()
	var st session.State
	if _, err := a.Begin(ctx, domain.User{ID: 7}, &st); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := a.SubmitAnswer(ctx, &st, "first"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if st.CurrentOrdinal != 2 {
		t.Fatalf("expected pointer 2, got %d", st.CurrentOrdinal)
	}

	cancelled, err := a.Cancel(ctx, st.ConversationID)
	if err != nil || !cancelled {
		t.Fatalf("cancel: cancelled=%v err=%v", cancelled, err)
	}
	conv, _, _ := s.GetConversation(ctx, st.ConversationID)
	if conv.Status != domain.ConversationCancelled || conv.CompletedAt == nil {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	answers, _ := s.ListAnswers(ctx, st.ConversationID)
	if len(answers) != 1 {
		t.Fatalf("answers must be retained, got %d", len(answers))
	}

	if _, err := a.SubmitAnswer(ctx, &st, "second"); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
	answers, _ = s.ListAnswers(ctx, st.ConversationID)
	if len(answers) != 1 {
		t.Fatalf("rejected answer must not be stored")
	}

	again, err := a.Cancel(ctx, st.ConversationID)
	if err != nil || again {
		t.Fatalf("second cancel must be a no-op: cancelled=%v err=%v", again, err)
	}
	after, _, _ := s.GetConversation(ctx, st.ConversationID)
	if after.Status != conv.Status || !after.StartedAt.Equal(conv.StartedAt) || after.CompletedAt == nil || !after.CompletedAt.Equal(*conv.CompletedAt) {
		t.Fatalf("second cancel changed the conversation: before=%+v after=%+v", conv, after)
	}
	answers, _ = s.ListAnswers(ctx, st.ConversationID)
	if len(answers) != 1 {
		t.Fatalf("second cancel changed answers: %d", len(answers))
	}
	if _, err := a.Complete(ctx, st.ConversationID); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected Complete on cancelled conversation to fail, got %v", err)
	}
}

func TestCancelUnknownConversation(t *testing.T) {
	a, _, _ := newTestApp(t, &fakeRecommender{}, BeginRestart)
	if _, err := a.Cancel(context.Background(), 404); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
}

func TestSubmitAnswerValidation(t *testing.T) {
	a, s, _ := newTestApp(t, &fakeRecommender{}, BeginRestart)
	ctx := context.Background()

	var none session.State
	if _, err := a.SubmitAnswer(ctx, &none, "hi"); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}

	var st session.State
	_, _ = a.Begin(ctx, domain.User{ID: 1}, &st)
	for _, blank := range []string{"", "   ", "\n\t"} {
		if _, err := a.SubmitAnswer(ctx, &st, blank); !errors.Is(err, ErrEmptyAnswer) {
			t.Fatalf("expected ErrEmptyAnswer for %q, got %v", blank, err)
		}
	}
	if st.CurrentOrdinal != 1 {
		t.Fatalf("pointer moved on rejected input: %d", st.CurrentOrdinal)
	}

	// Verbatim storage, including surrounding whitespace.
	if _, err := a.SubmitAnswer(ctx, &st, "  padded  "); err != nil {
		t.Fatalf("answer: %v", err)
	}
	answers, _ := s.ListAnswers(ctx, st.ConversationID)
	if answers[0].Text != "  padded  " {
		t.Fatalf("answer not stored verbatim: %q", answers[0].Text)
	}

	stale := session.State{ConversationID: st.ConversationID, CurrentOrdinal: 1}
	if _, err := a.SubmitAnswer(ctx, &stale, "dup"); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder for a stale pointer, got %v", err)
	}
	if stale.CurrentOrdinal != 1 {
		t.Fatalf("stale pointer must not advance")
	}
}

type failingStore struct {
	*store.MemoryStore
	failAppend bool
}

func (f *failingStore) AppendAnswer(ctx context.Context, a domain.Answer) (domain.Answer, error) {
	if f.failAppend {
		return domain.Answer{}, errors.New("disk full")
	}
	return f.MemoryStore.AppendAnswer(ctx, a)
}

func TestPersistenceFailureDoesNotAdvancePointer(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	catalog, _ := questionnaire.New([]string{"Q1", "Q2"})
	a, err := New(Config{Store: fs, Catalog: catalog, Recommender: &fakeRecommender{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	var st session.State
	_, _ = a.Begin(ctx, domain.User{ID: 3}, &st)

	fs.failAppend = true
	_, err = a.SubmitAnswer(ctx, &st, "answer")
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if IsValidation(err) {
		t.Fatalf("persistence errors are not validation errors")
	}
	if st.CurrentOrdinal != 1 {
		t.Fatalf("pointer advanced after failed write: %d", st.CurrentOrdinal)
	}
}

func TestBeginRestartSupersedesActiveConversation(t *testing.T) {
	a, s, _ := newTestApp(t, &fakeRecommender{}, BeginRestart)
	ctx := context.Background()
	var st session.State
	first, _ := a.Begin(ctx, domain.User{ID: 5}, &st)
	_, _ = a.SubmitAnswer(ctx, &st, "partial")

	second, err := a.Begin(ctx, domain.User{ID: 5}, &st)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if second.ConversationID == first.ConversationID || second.Ordinal != 1 || st.CurrentOrdinal != 1 {
		t.Fatalf("expected a fresh conversation, got %+v state=%+v", second, st)
	}
	old, _, _ := s.GetConversation(ctx, first.ConversationID)
	if old.Status != domain.ConversationCancelled {
		t.Fatalf("old conversation should be cancelled, got %s", old.Status)
	}
	convs, _ := s.ListConversationsByUser(ctx, 5, 10)
	active := 0
	for _, c := range convs {
		if c.Status == domain.ConversationInProgress {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one in_progress conversation, got %d", active)
	}
}

func TestBeginResumeContinuesActiveConversation(t *testing.T) {
	a, _, _ := newTestApp(t, &fakeRecommender{}, BeginResume)
	ctx := context.Background()
	var st session.State
	first, _ := a.Begin(ctx, domain.User{ID: 5}, &st)
	_, _ = a.SubmitAnswer(ctx, &st, "partial")

	var fresh session.State
	again, err := a.Begin(ctx, domain.User{ID: 5}, &fresh)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !again.Resumed || again.ConversationID != first.ConversationID || again.Ordinal != 2 {
		t.Fatalf("expected resume at question 2, got %+v", again)
	}
	if fresh.ConversationID != first.ConversationID || fresh.CurrentOrdinal != 2 {
		t.Fatalf("unexpected state %+v", fresh)
	}
}

func TestResumeRebuildsState(t *testing.T) {
	a, _, _ := newTestApp(t, &fakeRecommender{}, BeginRestart)
	ctx := context.Background()
	var st session.State
	_, _ = a.Begin(ctx, domain.User{ID: 8}, &st)
	_, _ = a.SubmitAnswer(ctx, &st, "a1")
	_, _ = a.SubmitAnswer(ctx, &st, "a2")

	got, ok, err := a.Resume(ctx, 8)
	if err != nil || !ok {
		t.Fatalf("resume: ok=%v err=%v", ok, err)
	}
	if got != st {
		t.Fatalf("resumed state %+v differs from live state %+v", got, st)
	}
	if _, ok, _ := a.Resume(ctx, 999); ok {
		t.Fatalf("unknown user must not resume")
	}
}

func TestCompleteRequiresAllAnswers(t *testing.T) {
	a, _, _ := newTestApp(t, &fakeRecommender{text: "x"}, BeginRestart)
	ctx := context.Background()
	var st session.State
	_, _ = a.Begin(ctx, domain.User{ID: 2}, &st)
	_, _ = a.SubmitAnswer(ctx, &st, "only one")
	if _, err := a.Complete(ctx, st.ConversationID); !errors.Is(err, ErrIncompleteAnswers) {
		t.Fatalf("expected ErrIncompleteAnswers, got %v", err)
	}
}

func TestCompleteRejectsConcurrentRun(t *testing.T) {
	rec := &fakeRecommender{text: "x", delay: 30 * time.Millisecond}
	a, _, _ := newTestApp(t, rec, BeginRestart)
	a.Orchestrator.timeout = time.Second
	st := answerAll(t, a, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.Complete(context.Background(), st.ConversationID)
		}(i)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	if errs[0] != nil {
		t.Fatalf("first run failed: %v", errs[0])
	}
	if !errors.Is(errs[1], ErrGenerationInProgress) {
		t.Fatalf("expected ErrGenerationInProgress for overlapping run, got %v", errs[1])
	}
	if rec.calls != 1 {
		t.Fatalf("generator called %d times", rec.calls)
	}
}

func TestConversationDetail(t *testing.T) {
	a, _, _ := newTestApp(t, &fakeRecommender{text: "done"}, BeginRestart)
	ctx := context.Background()
	st := answerAll(t, a, 4)
	if _, err := a.Complete(ctx, st.ConversationID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	detail, err := a.ConversationDetail(ctx, st.ConversationID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Answers) != 3 || detail.Result == nil || detail.Result.Text != "done" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if _, err := a.ConversationDetail(ctx, 999); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
}

func answerAll(t *testing.T, a *App, userID int64) session.State {
	t.Helper()
	ctx := context.Background()
	var st session.State
	if _, err := a.Begin(ctx, domain.User{ID: userID}, &st); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 0; i < a.QuestionCount(); i++ {
		if _, err := a.SubmitAnswer(ctx, &st, "answer"); err != nil {
			t.Fatalf("answer %d: %v", i+1, err)
		}
	}
	return st
}
