// Package questionnaire holds the fixed, ordered list of questions asked in
// every dialog. A Catalog is built once at startup and only read afterwards.
package questionnaire

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"consultbot/pkg/domain"
	"gopkg.in/yaml.v3"
)

var defaultQuestions = []string{
	"Расскажи о своем бизнесе: чем занимаешься и в какой нише работаешь?",
	"Сколько человек в твоей команде и какие основные роли?",
	"Какие процессы/задачи сейчас отнимают больше всего времени у тебя или команды?",
	"Какие у тебя есть системы (CRM, таск-менеджер, база клиентов)?",
	"Работаешь ли ты с клиентами напрямую? Если да, то как обычно происходит коммуникация?",
	"Есть ли у тебя повторяющиеся задачи, которые делаешь вручную (отчёты, письма, анализ)?",
	"Какой примерный бюджет готов выделить на автоматизацию в месяц?",
}

// Catalog is an immutable ordered question list; ordinals start at 1.
type Catalog struct {
	questions []domain.Question
}

type fileCatalog struct {
	Questions []string `yaml:"questions"`
}

// New builds a catalog from question texts in order.
func New(texts []string) (*Catalog, error) {
	if len(texts) == 0 {
		return nil, errors.New("questionnaire: at least one question required")
	}
	questions := make([]domain.Question, 0, len(texts))
	for i, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, fmt.Errorf("questionnaire: question %d is empty", i+1)
		}
		questions = append(questions, domain.Question{Ordinal: i + 1, Text: text})
	}
	return &Catalog{questions: questions}, nil
}

// Default returns the built-in qualification questionnaire.
func Default() *Catalog {
	c, err := New(defaultQuestions)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a YAML file of the form `questions: [..]`.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	return New(fc.Questions)
}

// Len is the number of questions, N.
func (c *Catalog) Len() int {
	return len(c.questions)
}

// Question returns the question with the given 1-based ordinal.
func (c *Catalog) Question(ordinal int) (domain.Question, bool) {
	if ordinal < 1 || ordinal > len(c.questions) {
		return domain.Question{}, false
	}
	return c.questions[ordinal-1], true
}

// Questions returns a copy of all questions.
func (c *Catalog) Questions() []domain.Question {
	out := make([]domain.Question, len(c.questions))
	copy(out, c.questions)
	return out
}

// Format renders a question the way it is shown to the user.
func (c *Catalog) Format(ordinal int) (string, bool) {
	q, ok := c.Question(ordinal)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("*Вопрос %d/%d:*\n\n%s", q.Ordinal, len(c.questions), q.Text), true
}
