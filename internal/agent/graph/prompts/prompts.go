package prompts

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// renderSystem renders a Go template through the Eino prompt component so prompt
// callbacks fire, and returns the single system message text.
func renderSystem(ctx context.Context, name, tpl string, vars map[string]any) (string, error) {
	t := prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(tpl))
	msgs, err := t.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("%s prompt render: %w", name, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("%s prompt render: empty result", name)
	}
	return msgs[0].Content, nil
}
