package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/macromate/server/internal/agent/metrics"
	"github.com/macromate/server/internal/agent/model"
	errx "github.com/macromate/server/internal/core/error"
	logx "github.com/macromate/server/pkg/logger"
)

// Provider is one chat model behind a gateway.
type Provider struct {
	// Name is the model name, used for pricing and logs.
	Name    string
	Model   einomodel.BaseChatModel
	Timeout time.Duration
}

// Result is the outcome of one successful gateway call.
type Result struct {
	Text    string
	Model   string
	Usage   *schema.TokenUsage
	CostUSD float64
}

// Gateway calls its providers in order until one succeeds.
type Gateway struct {
	name      string
	providers []Provider
}

// New builds a gateway. At least one provider is required.
func New(name string, providers ...Provider) (*Gateway, error) {
	ps := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Model == nil {
			continue
		}
		ps = append(ps, p)
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("gateway %s: no chat model configured", name)
	}
	return &Gateway{name: name, providers: ps}, nil
}

// Name returns the gateway label.
func (g *Gateway) Name() string { return g.name }

// Generate returns the full completion of the first provider that answers.
func (g *Gateway) Generate(ctx context.Context, msgs []*schema.Message) (*Result, error) {
	var errs []error
	for _, p := range g.providers {
		res, err := g.generateOne(ctx, p, msgs)
		if err == nil {
			return res, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
		if ctx.Err() != nil {
			break
		}
		logx.Warn().Err(err).Str("gateway", g.name).Str("model", p.Name).Msg("chat model call failed")
	}
	return nil, errx.ExternalService(g.name, errors.Join(errs...))
}

// Stream pushes completion chunks to onChunk as they arrive, using the first provider
// that opens a stream. A provider that fails after emitting chunks is not retried.
func (g *Gateway) Stream(ctx context.Context, msgs []*schema.Message, onChunk func(string) error) (*Result, error) {
	var errs []error
	for _, p := range g.providers {
		res, emitted, err := g.streamOne(ctx, p, msgs, onChunk)
		if err == nil {
			return res, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
		if emitted || ctx.Err() != nil {
			break
		}
		logx.Warn().Err(err).Str("gateway", g.name).Str("model", p.Name).Msg("chat model stream failed")
	}
	return nil, errx.ExternalService(g.name, errors.Join(errs...))
}

func (g *Gateway) generateOne(ctx context.Context, p Provider, msgs []*schema.Message) (*Result, error) {
	cctx, cancel := withTimeout(ctx, p.Timeout)
	defer cancel()

	out, err := p.Model.Generate(cctx, msgs)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(g.name, p.Name, "error").Inc()
		return nil, err
	}
	if out == nil {
		metrics.ModelCalls.WithLabelValues(g.name, p.Name, "error").Inc()
		return nil, errors.New("empty response")
	}
	metrics.ModelCalls.WithLabelValues(g.name, p.Name, "ok").Inc()

	var usage *schema.TokenUsage
	if out.ResponseMeta != nil {
		usage = out.ResponseMeta.Usage
	}
	return g.result(p, out.Content, usage), nil
}

func (g *Gateway) streamOne(ctx context.Context, p Provider, msgs []*schema.Message, onChunk func(string) error) (*Result, bool, error) {
	cctx, cancel := withTimeout(ctx, p.Timeout)
	defer cancel()

	sr, err := p.Model.Stream(cctx, msgs)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(g.name, p.Name, "error").Inc()
		return nil, false, err
	}
	defer sr.Close()

	var (
		sb      strings.Builder
		usage   *schema.TokenUsage
		emitted bool
	)
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.ModelCalls.WithLabelValues(g.name, p.Name, "error").Inc()
			return nil, emitted, err
		}
		if chunk == nil {
			continue
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			usage = chunk.ResponseMeta.Usage
		}
		if chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		emitted = true
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return nil, emitted, err
			}
		}
	}
	metrics.ModelCalls.WithLabelValues(g.name, p.Name, "ok").Inc()
	return g.result(p, sb.String(), usage), emitted, nil
}

func (g *Gateway) result(p Provider, text string, usage *schema.TokenUsage) *Result {
	res := &Result{Text: text, Model: p.Name, Usage: usage}
	if usage == nil {
		return res
	}
	inC, outC, total := model.ComputeCost(usage, model.ResolvePricing(p.Name))
	res.CostUSD = total
	metrics.ModelCostUSD.WithLabelValues(p.Name).Add(total)
	logx.Debug().
		Str("gateway", g.name).
		Str("model", p.Name).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", total).
		Msg("LLM usage")
	return res
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
