package conversations

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/macromate/server/internal/agent/model"
)

// PhotoOnlyQuery stands in for the user turn when a photo arrives without text.
const PhotoOnlyQuery = "Please analyse this meal photo and advise me."

type MessagesManager struct {
	maxTurns int
}

func NewMessagesManager(config model.ConversationConfig) *MessagesManager {
	maxTurns := config.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &MessagesManager{maxTurns: maxTurns}
}

// UserTurn builds the message appended to the log for an inbound request.
func (cm *MessagesManager) UserTurn(query string, hasImage bool) *schema.Message {
	q := strings.TrimSpace(query)
	if q == "" && hasImage {
		q = PhotoOnlyQuery
	}
	return schema.UserMessage(q)
}

// BuildAdviceContext prepends the system prompt to the most recent turns of the log.
// The multimodal parts of the current turn, if any, go last.
func (cm *MessagesManager) BuildAdviceContext(systemPrompt string, history []*schema.Message, current ...*schema.Message) []*schema.Message {
	recent := trimTail(history, cm.maxTurns)

	messages := make([]*schema.Message, 0, len(recent)+len(current)+1)
	messages = append(messages, schema.SystemMessage(systemPrompt))
	for _, msg := range recent {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case schema.User, schema.Assistant:
			messages = append(messages, msg)
		}
	}
	for _, msg := range current {
		if msg != nil {
			messages = append(messages, msg)
		}
	}
	return messages
}

// AssistantTurn wraps generated advice for the message log.
func (cm *MessagesManager) AssistantTurn(content string) *schema.Message {
	return schema.AssistantMessage(content, nil)
}

// ====================== Helper function ======================
func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	if len(messages) <= maxTurns {
		result := make([]*schema.Message, len(messages))
		copy(result, messages)
		return result
	}
	source := messages[len(messages)-maxTurns:]
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
