package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/prompt"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/macromate/server/pkg/logger"
)

func newPromptHandler() *callbackHelper.PromptCallbackHandler {
	return &callbackHelper.PromptCallbackHandler{
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *prompt.CallbackOutput) context.Context {
			typ, name := runName(info)
			size := 0
			if output != nil {
				for _, m := range output.Result {
					if m != nil {
						size += len(m.Content)
					}
				}
			}
			logx.Debug().Str("component", typ).Str("name", name).Int("bytes", size).Msg("prompt rendered")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			typ, name := runName(info)
			logx.Warn().Err(err).Str("component", typ).Str("name", name).Msg("prompt render failed")
			return ctx
		},
	}
}
