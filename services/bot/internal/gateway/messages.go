package gateway

import (
	"context"
	"fmt"
)

// Button is an inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Message is an outbound message. Each inner slice of Buttons is a row.
type Message struct {
	ChatID  int64
	Text    string
	Buttons [][]Button
}

// Messenger sends and edits chat messages.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
	Edit(ctx context.Context, messageID int, msg Message) error
	// Ack answers a button press so the client stops its spinner.
	Ack(ctx context.Context, callbackID string) error
}

const (
	textMenu = "🤖 *Привет, %s!*\n\n" +
		"Я AI-агент по внедрению AI-решений и автоматизации для B2B-бизнеса.\n\n" +
		"_Выбери интересующий раздел из меню ниже_ 👇"

	textIntro = "🤖 *Отлично! Давай разберемся, какие AI-решения подойдут именно тебе*\n\n" +
		"Я задам тебе *%d коротких вопросов* о твоем бизнесе и процессах.\n\n" +
		"После этого я проанализирую твои ответы и предложу *2-3 конкретных сценария внедрения* с оценкой эффекта и требований.\n\n" +
		"_Готов начать? Жми кнопку ниже!_ 👇"

	textResumed       = "↩️ Продолжаем с того места, где остановились.\n\n%s"
	textAccepted      = "✅ Принято!\n\n%s"
	textAllAnswered   = "✅ *Отлично! Все ответы получены.*\n\n⏳ Анализирую данные и готовлю сценарии..."
	textRetrying      = "⏳ Повторно анализирую данные и готовлю сценарии..."
	textResultHeader  = "🎯 *Анализ завершен! Вот твои персональные сценарии внедрения:*\n\n"
	textResultFooter  = "\n\n─────────────────\n\n💬 *Что дальше?*\n\nЕсли хочешь обсудить детали внедрения, напиши напрямую."
	textGenerationErr = "❌ Произошла ошибка при генерации сценариев. Попробуй позже или свяжись напрямую с консультантом."
	textCancelled     = "❌ *Диалог отменен*\n\nТы всегда можешь начать заново, выбрав \"Диалог с AI-агентом\" в меню."
	textNothingToStop = "Сейчас нет активного диалога."
	textEmptyAnswer   = "Пожалуйста, напиши ответ текстом."
	textClosed        = "Этот диалог уже завершен. Начни новый из меню."
	textNoDialog      = "Чтобы пройти диалог с AI-агентом, открой меню: /start"
	textOutOfOrder    = "Ответ уже записан. Продолжай с текущего вопроса."
	textBusy          = "⏳ Сценарии уже готовятся, подожди немного."
	textTooFast       = "Слишком много сообщений. Подожди минуту и попробуй снова."
	textTemporary     = "⚠️ Временная проблема. Попробуй отправить ответ еще раз чуть позже."
)

var (
	buttonMenu        = Button{Text: "◀️ Вернуться в меню", Data: tagMenu}
	buttonStartDialog = Button{Text: "🤖 Диалог с AI-агентом", Data: tagStartDialog}
	buttonAskFirst    = Button{Text: "✅ Начать диалог", Data: tagAskFirstQuestion}
	buttonCancel      = Button{Text: "❌ Отменить диалог", Data: tagCancelDialog}
)

func menuMessage(chatID int64, firstName string) Message {
	if firstName == "" {
		firstName = "друг"
	}
	return Message{
		ChatID:  chatID,
		Text:    fmt.Sprintf(textMenu, firstName),
		Buttons: [][]Button{{buttonStartDialog}},
	}
}

func introMessage(chatID int64, questions int) Message {
	return Message{
		ChatID:  chatID,
		Text:    fmt.Sprintf(textIntro, questions),
		Buttons: [][]Button{{buttonAskFirst}, {buttonMenu}},
	}
}

func questionMessage(chatID int64, text string) Message {
	return Message{ChatID: chatID, Text: text, Buttons: [][]Button{{buttonCancel}}}
}

func plainMessage(chatID int64, text string) Message {
	return Message{ChatID: chatID, Text: text}
}

func resultMessage(chatID int64, text, contactURL string) Message {
	rows := make([][]Button, 0, 2)
	if contactURL != "" {
		rows = append(rows, []Button{{Text: "✍️ Написать консультанту", URL: contactURL}})
	}
	rows = append(rows, []Button{buttonMenu})
	return Message{ChatID: chatID, Text: textResultHeader + text + textResultFooter, Buttons: rows}
}

func generationFailedMessage(chatID, conversationID int64) Message {
	return Message{
		ChatID: chatID,
		Text:   textGenerationErr,
		Buttons: [][]Button{
			{{Text: "🔄 Попробовать снова", Data: retryData(conversationID)}},
			{buttonMenu},
		},
	}
}

func cancelledMessage(chatID int64) Message {
	return Message{ChatID: chatID, Text: textCancelled, Buttons: [][]Button{{buttonMenu}}}
}
