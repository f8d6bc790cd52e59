// Package gateway connects the conversation core to a chat messenger.
package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"consultbot/pkg/domain"
)

type EventKind int

const (
	EventCommand EventKind = iota + 1
	EventText
	EventButton
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventText:
		return "text"
	case EventButton:
		return "button"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound update from the messenger.
type Event struct {
	ID     string
	Kind   EventKind
	User   domain.User
	ChatID int64
	// MessageID is the message that carried the pressed button.
	MessageID int
	// CallbackID must be acknowledged for button events.
	CallbackID string
	// Command without the leading slash, for EventCommand.
	Command string
	// Text is the raw message text, or the callback data for EventButton.
	Text string
}

// Action is a parsed button tag.
type Action int

const (
	ActionUnknown Action = iota
	ActionMenu
	ActionStartDialog
	ActionAskFirstQuestion
	ActionCancelDialog
	ActionRetryGeneration
)

const (
	tagMenu             = "menu"
	tagStartDialog      = "start_ai_dialog"
	tagAskFirstQuestion = "ask_first_question"
	tagCancelDialog     = "cancel_dialog"
	tagRetryGeneration  = "retry_generation"
)

func (a Action) String() string {
	switch a {
	case ActionMenu:
		return tagMenu
	case ActionStartDialog:
		return tagStartDialog
	case ActionAskFirstQuestion:
		return tagAskFirstQuestion
	case ActionCancelDialog:
		return tagCancelDialog
	case ActionRetryGeneration:
		return tagRetryGeneration
	default:
		return "unknown"
	}
}

// ParseAction decodes callback data. Retry tags carry the conversation id
// as "retry_generation:<id>"; the id is 0 for all other actions.
func ParseAction(data string) (Action, int64) {
	tag, arg, _ := strings.Cut(strings.TrimSpace(data), ":")
	switch tag {
	case tagMenu:
		return ActionMenu, 0
	case tagStartDialog:
		return ActionStartDialog, 0
	case tagAskFirstQuestion:
		return ActionAskFirstQuestion, 0
	case tagCancelDialog:
		return ActionCancelDialog, 0
	case tagRetryGeneration:
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return ActionUnknown, 0
		}
		return ActionRetryGeneration, id
	default:
		return ActionUnknown, 0
	}
}

func retryData(conversationID int64) string {
	return tagRetryGeneration + ":" + strconv.FormatInt(conversationID, 10)
}
