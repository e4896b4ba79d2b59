package ai

import (
	"strings"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

// DefaultSystemPrompt is the fixed instruction prepended to every prompt.
const DefaultSystemPrompt = `You are an agricultural advisor for smallholder farmers in India. 
Always reply in the same language as the farmer's input. 
Give simple, step-by-step, low-cost solutions. 
Keep answers short and practical. 
If more details are needed (crop type, soil, pest symptoms), ask one simple follow-up question. 
If the farmer uploads photos/audio/video, include them in your reasoning.`

const (
	historyLabel  = "Conversation history:"
	turnSeparator = "\n\n"
	assistantCue  = "assistant:"
)

// AssemblePrompt renders the system instruction and the conversation log into
// a single text prompt ending with the assistant cue. Callers prune the log
// beforehand; nothing is truncated here.
func AssemblePrompt(system string, log []chat.Message) string {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString(turnSeparator)
	b.WriteString(historyLabel)
	b.WriteString("\n")
	for i, msg := range log {
		if i > 0 {
			b.WriteString(turnSeparator)
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	b.WriteString(turnSeparator)
	b.WriteString(assistantCue)
	return b.String()
}
