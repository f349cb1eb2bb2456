// Package gatewaytest provides scripted chat models for tests.
package gatewaytest

import (
	"context"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Reply is one scripted answer. Err wins over Text.
type Reply struct {
	Text  string
	Err   error
	Usage *schema.TokenUsage
}

// ChatModel answers with queued replies, or with Respond when set. It records every input.
type ChatModel struct {
	mu      sync.Mutex
	replies []Reply
	calls   [][]*schema.Message

	// Respond, when set, computes the reply from the input instead of the queue.
	Respond func(ctx context.Context, msgs []*schema.Message) Reply
}

// New returns a model that answers with replies in order and repeats the last one.
func New(replies ...Reply) *ChatModel {
	return &ChatModel{replies: replies}
}

// Calls returns the inputs received so far.
func (m *ChatModel) Calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.calls...)
}

func (m *ChatModel) next(ctx context.Context, msgs []*schema.Message) Reply {
	m.mu.Lock()
	m.calls = append(m.calls, msgs)
	respond := m.Respond
	var r Reply
	if respond == nil && len(m.replies) > 0 {
		r = m.replies[0]
		if len(m.replies) > 1 {
			m.replies = m.replies[1:]
		}
	}
	m.mu.Unlock()

	if respond != nil {
		return respond(ctx, msgs)
	}
	return r
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	r := m.next(ctx, input)
	if r.Err != nil {
		return nil, r.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := schema.AssistantMessage(r.Text, nil)
	if r.Usage != nil {
		out.ResponseMeta = &schema.ResponseMeta{Usage: r.Usage}
	}
	return out, nil
}

// Stream splits the reply into single-rune chunks.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	r := m.next(ctx, input)
	if r.Err != nil {
		return nil, r.Err
	}
	var chunks []*schema.Message
	for _, c := range r.Text {
		chunks = append(chunks, schema.AssistantMessage(string(c), nil))
	}
	if r.Usage != nil {
		last := schema.AssistantMessage("", nil)
		last.ResponseMeta = &schema.ResponseMeta{Usage: r.Usage}
		chunks = append(chunks, last)
	}
	return schema.StreamReaderFromArray(chunks), nil
}

var _ einomodel.BaseChatModel = (*ChatModel)(nil)
