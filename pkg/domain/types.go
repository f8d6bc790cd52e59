package domain

import "time"

type ConversationStatus string

const (
	ConversationInProgress ConversationStatus = "in_progress"
	ConversationCompleted  ConversationStatus = "completed"
	ConversationCancelled  ConversationStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationInProgress, ConversationCompleted, ConversationCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further answers may be recorded.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationCompleted || s == ConversationCancelled
}

// User is identified by the messenger-assigned id.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Conversation struct {
	ID          int64              `json:"id"`
	UserID      int64              `json:"userId"`
	Status      ConversationStatus `json:"status"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

type Answer struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Ordinal        int       `json:"ordinal"`
	QuestionText   string    `json:"questionText"`
	Text           string    `json:"text"`
	AnsweredAt     time.Time `json:"answeredAt"`
}

type GenerationResult struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Question struct {
	Ordinal int    `json:"ordinal"`
	Text    string `json:"text"`
}
