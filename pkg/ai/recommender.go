package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"consultbot/pkg/domain"
)

// Recommender turns a completed questionnaire into recommendation text.
type Recommender interface {
	Recommend(ctx context.Context, answers []domain.Answer) (string, error)
}

const recommendationSystemPrompt = "Ты — эксперт по внедрению AI-решений и автоматизации для B2B-бизнеса."

const recommendationInstructions = `На основе ответов клиента проанализируй его ситуацию и предложи 2-3 конкретных сценария внедрения AI и автоматизации.

%s
Для каждого сценария укажи:
1. **Название сценария** (короткое, ёмкое)
2. **Что автоматизируем** (конкретные процессы)
3. **Ожидаемый эффект** (экономия времени, рост конверсии, снижение нагрузки и т.д.)
4. **Какие данные/системы нужны** для реализации
5. **Срок внедрения** (ориентировочно)

Сценарии должны быть:
- Практичными и реализуемыми
- Ранжированы по приоритету (от самого важного к менее приоритетному)
- Адаптированы под размер бизнеса и бюджет клиента
- Написаны простым языком, без технического жаргона

Формат ответа: структурированный текст с эмодзи для визуальной привлекательности.`

// PromptRecommender builds a prompt from answers and calls a TextGenerator.
type PromptRecommender struct {
	generator TextGenerator
}

func NewPromptRecommender(generator TextGenerator) *PromptRecommender {
	return &PromptRecommender{generator: generator}
}

// Recommend makes a single generator call.
func (r *PromptRecommender) Recommend(ctx context.Context, answers []domain.Answer) (string, error) {
	if r.generator == nil {
		return "", errors.New("recommender: generator not configured")
	}
	if len(answers) == 0 {
		return "", errors.New("recommender: no answers")
	}
	text, err := r.generator.GenerateText(ctx, recommendationSystemPrompt, BuildRecommendationPrompt(answers))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("recommender: empty generation")
	}
	return text, nil
}

// BuildRecommendationPrompt renders answers in ordinal order.
func BuildRecommendationPrompt(answers []domain.Answer) string {
	var sb strings.Builder
	sb.WriteString("Ответы клиента:\n\n")
	for _, a := range answers {
		fmt.Fprintf(&sb, "Вопрос %d: %s\n", a.Ordinal, a.QuestionText)
		fmt.Fprintf(&sb, "Ответ: %s\n\n", a.Text)
	}
	return fmt.Sprintf(recommendationInstructions, sb.String())
}
