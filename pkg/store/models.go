package store

import (
	"encoding/json"
	"time"

	"consultbot/pkg/domain"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	UserID      int64     `gorm:"not null;index"`
	Status      string    `gorm:"not null;index"`
	StartedAt   time.Time `gorm:"not null;index"`
	CompletedAt *time.Time
}

type AnswerModel struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	ConversationID int64     `gorm:"not null;uniqueIndex:idx_answer_conversation_ordinal"`
	Ordinal        int       `gorm:"not null;uniqueIndex:idx_answer_conversation_ordinal"`
	QuestionText   string    `gorm:"type:text;not null"`
	Text           string    `gorm:"type:text;not null"`
	AnsweredAt     time.Time `gorm:"not null"`
}

type GenerationResultModel struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	ConversationID int64          `gorm:"not null;uniqueIndex"`
	Text           string         `gorm:"type:text;not null"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null"`
}

// scenarioPayload is the JSON shape kept alongside the raw text.
type scenarioPayload struct {
	Text string `json:"text"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Username:  m.Username,
		FirstName: m.FirstName,
		LastName:  m.LastName,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:          m.ID,
		UserID:      m.UserID,
		Status:      domain.ConversationStatus(m.Status),
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

func answerToModel(a domain.Answer) AnswerModel {
	return AnswerModel{
		ID:             a.ID,
		ConversationID: a.ConversationID,
		Ordinal:        a.Ordinal,
		QuestionText:   a.QuestionText,
		Text:           a.Text,
		AnsweredAt:     a.AnsweredAt,
	}
}

func answerFromModel(m AnswerModel) domain.Answer {
	return domain.Answer{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Ordinal:        m.Ordinal,
		QuestionText:   m.QuestionText,
		Text:           m.Text,
		AnsweredAt:     m.AnsweredAt,
	}
}

func resultToModel(r domain.GenerationResult) (GenerationResultModel, error) {
	payload, err := json.Marshal([]scenarioPayload{{Text: r.Text}})
	if err != nil {
		return GenerationResultModel{}, err
	}
	return GenerationResultModel{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Text:           r.Text,
		Payload:        datatypes.JSON(payload),
		CreatedAt:      r.CreatedAt,
	}, nil
}

func resultFromModel(m GenerationResultModel) domain.GenerationResult {
	text := m.Text
	if text == "" && len(m.Payload) > 0 {
		var items []scenarioPayload
		if err := json.Unmarshal(m.Payload, &items); err == nil && len(items) > 0 {
			text = items[0].Text
		}
	}
	return domain.GenerationResult{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Text:           text,
		CreatedAt:      m.CreatedAt,
	}
}
