package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/macromate/server/pkg/logger"
)

const maxLoggedContent = 500

// newModelHandler logs the latest user turn and the assistant reply around model calls.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			typ, name := runName(info)
			ev := logx.Debug().Str("component", typ).Str("name", name)
			if input != nil {
				ev = ev.Int("messages", len(input.Messages)).Str("user", clip(lastUserContent(input.Messages)))
			}
			ev.Msg("model start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			typ, name := runName(info)
			ev := logx.Debug().Str("component", typ).Str("name", name)
			if output != nil && output.Message != nil {
				ev = ev.Str("assistant", clip(output.Message.Content))
			}
			if output != nil && output.TokenUsage != nil {
				ev = ev.Int("prompt_tokens", output.TokenUsage.PromptTokens).
					Int("completion_tokens", output.TokenUsage.CompletionTokens)
			}
			ev.Msg("model end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			typ, name := runName(info)
			logx.Warn().Err(err).Str("component", typ).Str("name", name).Msg("model error")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil || m.Role != schema.User {
			continue
		}
		if c := strings.TrimSpace(m.Content); c != "" {
			return c
		}
		for _, p := range m.MultiContent {
			if p.Type == schema.ChatMessagePartTypeText {
				return strings.TrimSpace(p.Text)
			}
		}
		return ""
	}
	return ""
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxLoggedContent {
		return s
	}
	return string(r[:maxLoggedContent]) + "..."
}
