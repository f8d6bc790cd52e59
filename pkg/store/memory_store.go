package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"consultbot/pkg/domain"
)

// MemoryStore keeps all records in-process. Used for local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[int64]domain.User
	conversations map[int64]domain.Conversation
	answers       map[int64][]domain.Answer // conversation ID -> answers by ordinal
	results       map[int64]domain.GenerationResult
	nextConvID    int64
	nextAnswerID  int64
	nextResultID  int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]domain.User),
		conversations: make(map[int64]domain.Conversation),
		answers:       make(map[int64][]domain.Answer),
		results:       make(map[int64]domain.GenerationResult),
	}
}

func (m *MemoryStore) UpsertUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, userID int64) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.UserID == userID && c.Status == domain.ConversationInProgress {
			return domain.Conversation{}, ErrActiveConversationExists
		}
	}
	m.nextConvID++
	conv := domain.Conversation{
		ID:        m.nextConvID,
		UserID:    userID,
		Status:    domain.ConversationInProgress,
		StartedAt: time.Now().UTC(),
	}
	m.conversations[conv.ID] = conv
	return conv, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id int64) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// ListConversationsByUser returns conversations newest first; IDs break ties.
func (m *MemoryStore) ListConversationsByUser(_ context.Context, userID int64, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].StartedAt.Equal(items[j].StartedAt) {
			return items[i].StartedAt.After(items[j].StartedAt)
		}
		return items[i].ID > items[j].ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) FindActiveConversation(_ context.Context, userID int64) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conversations {
		if c.UserID == userID && c.Status == domain.ConversationInProgress {
			return c, true, nil
		}
	}
	return domain.Conversation{}, false, nil
}

func (m *MemoryStore) SetConversationStatus(_ context.Context, id int64, from, to domain.ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}
	c.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		c.CompletedAt = &now
	}
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) AppendAnswer(_ context.Context, a domain.Answer) (domain.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[a.ConversationID]
	if !ok {
		return domain.Answer{}, ErrConversationNotFound
	}
	if c.Status != domain.ConversationInProgress {
		return domain.Answer{}, ErrStatusConflict
	}
	if a.Ordinal != len(m.answers[a.ConversationID])+1 {
		return domain.Answer{}, ErrOrdinalOutOfOrder
	}
	if a.AnsweredAt.IsZero() {
		a.AnsweredAt = time.Now().UTC()
	}
	m.nextAnswerID++
	a.ID = m.nextAnswerID
	m.answers[a.ConversationID] = append(m.answers[a.ConversationID], a)
	return a, nil
}

func (m *MemoryStore) ListAnswers(_ context.Context, conversationID int64) ([]domain.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.answers[conversationID]
	out := make([]domain.Answer, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) CompleteConversation(_ context.Context, r domain.GenerationResult) (domain.GenerationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[r.ConversationID]
	if !ok {
		return domain.GenerationResult{}, ErrConversationNotFound
	}
	if c.Status != domain.ConversationInProgress {
		return domain.GenerationResult{}, ErrStatusConflict
	}
	if _, exists := m.results[r.ConversationID]; exists {
		return domain.GenerationResult{}, ErrResultExists
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.nextResultID++
	r.ID = m.nextResultID
	m.results[r.ConversationID] = r
	completedAt := r.CreatedAt
	c.Status = domain.ConversationCompleted
	c.CompletedAt = &completedAt
	m.conversations[c.ID] = c
	return r, nil
}

func (m *MemoryStore) GetGenerationResult(_ context.Context, conversationID int64) (domain.GenerationResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[conversationID]
	return r, ok, nil
}
