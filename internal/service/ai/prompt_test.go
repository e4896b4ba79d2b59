package ai

import (
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

func TestAssemblePromptRendersTurnsInOrder(t *testing.T) {
	log := []chat.Message{
		{Role: chat.RoleUser, Content: "My tomato leaves are yellow", Timestamp: time.Unix(1, 0)},
		{Role: chat.RoleAssistant, Content: "Are the lower leaves affected first?"},
		{Role: chat.RoleUser, Content: "Yes"},
	}

	got := AssemblePrompt("SYSTEM", log)
	want := "SYSTEM\n\nConversation history:\n" +
		"user: My tomato leaves are yellow\n\n" +
		"assistant: Are the lower leaves affected first?\n\n" +
		"user: Yes\n\nassistant:"
	if got != want {
		t.Fatalf("unexpected prompt:\n%q\nwant:\n%q", got, want)
	}
}

func TestAssemblePromptEmptyLog(t *testing.T) {
	got := AssemblePrompt("SYSTEM", nil)
	want := "SYSTEM\n\nConversation history:\n\n\nassistant:"
	if got != want {
		t.Fatalf("unexpected prompt for empty log: %q", got)
	}
}

func TestAssemblePromptIsDeterministic(t *testing.T) {
	log := []chat.Message{
		{Role: chat.RoleUser, Content: "धान में कीड़े"},
		{Role: chat.RoleAssistant, Content: "नीम का तेल"},
	}
	first := AssemblePrompt(DefaultSystemPrompt, log)
	for i := 0; i < 10; i++ {
		if AssemblePrompt(DefaultSystemPrompt, log) != first {
			t.Fatal("prompt differs between identical calls")
		}
	}
	if !strings.HasPrefix(first, DefaultSystemPrompt) || !strings.HasSuffix(first, "\n\nassistant:") {
		t.Fatalf("prompt missing system prefix or assistant cue: %q", first)
	}
}
