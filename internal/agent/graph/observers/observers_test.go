package observers

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestNewAllCallbacks(t *testing.T) {
	assert.NotNil(t, NewAllCallbacks())
}

func TestLastUserContent(t *testing.T) {
	msgs := []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("first"),
		{Role: schema.User, MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: " describe "},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: "https://x/y.jpg"}},
		}},
		schema.AssistantMessage("reply", nil),
	}
	assert.Equal(t, "describe", lastUserContent(msgs))
	assert.Equal(t, "", lastUserContent(nil))
}

func TestClip(t *testing.T) {
	long := strings.Repeat("ă", maxLoggedContent+10)
	out := clip(long)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Len(t, []rune(out), maxLoggedContent+3)
	assert.Equal(t, "short", clip("short"))
}
