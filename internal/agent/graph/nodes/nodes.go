package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/macromate/server/internal/agent/gateway"
	"github.com/macromate/server/internal/agent/graph/conversations"
	"github.com/macromate/server/internal/agent/graph/parsers"
	"github.com/macromate/server/internal/agent/graph/prompts"
	"github.com/macromate/server/internal/agent/model"
	errx "github.com/macromate/server/internal/core/error"
)

// visionInstruction is the text part sent next to the image.
const visionInstruction = "Analyse the food in this photo and answer with the JSON object only."

// Generator produces one completion for a message list.
type Generator interface {
	Generate(ctx context.Context, msgs []*schema.Message) (*gateway.Result, error)
}

// NutritionLookup resolves components to matches, order-preserving, nil for misses.
type NutritionLookup interface {
	BatchLookup(ctx context.Context, components []model.DetectedComponent) []*model.NutritionMatch
}

// Stages holds the collaborators every stage needs. Each stage reads the state and
// returns a delta; it never writes the state itself.
type Stages struct {
	vision    Generator
	advice    Generator
	nutrition NutritionLookup
	messages  *conversations.MessagesManager
}

func NewStages(vision, advice Generator, nutrition NutritionLookup, mm *conversations.MessagesManager) (*Stages, error) {
	if vision == nil || advice == nil {
		return nil, fmt.Errorf("chat gateways are not properly initialized")
	}
	if nutrition == nil {
		return nil, fmt.Errorf("nutrition lookup is nil")
	}
	if mm == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	return &Stages{vision: vision, advice: advice, nutrition: nutrition, messages: mm}, nil
}

// Route fixes has-image from the presence of a non-blank image reference.
func (st *Stages) Route(_ context.Context, s *model.PipelineState) model.StateDelta {
	has := s.Image.Present()
	l := stageLogger(s, "route")
	l.Debug().Bool("has_image", has).Msg("routing request")
	return model.StateDelta{HasImage: boolPtr(has)}
}

// Detect runs the safety check and component detection on the image.
func (st *Stages) Detect(ctx context.Context, s *model.PipelineState) model.StateDelta {
	l := stageLogger(s, "detect")
	if err := ctx.Err(); err != nil {
		return fail(err, 0)
	}

	system, err := prompts.RenderVision(ctx, s.UserQuery)
	if err != nil {
		return fail(err, 0)
	}
	userMsg, err := gateway.UserImageMessage(visionInstruction, s.Image)
	if err != nil {
		return fail(err, 0)
	}

	res, err := st.vision.Generate(ctx, []*schema.Message{schema.SystemMessage(system), userMsg})
	if err != nil {
		l.Error().Err(err).Msg("vision model call failed")
		return fail(err, 0)
	}
	cost := res.CostUSD

	detection, err := parsers.ParseWithRepair(ctx, res.Text, func(ctx context.Context, malformed string, parseErr error) (string, error) {
		prompt, err := prompts.RenderRepair(ctx, malformed, parseErr)
		if err != nil {
			return "", err
		}
		fixed, err := st.vision.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
		if err != nil {
			return "", err
		}
		cost += fixed.CostUSD
		return fixed.Text, nil
	})
	if err != nil {
		return fail(err, cost)
	}

	if !detection.Safety.Passes() {
		l.Info().
			Bool("is_food", detection.Safety.IsFood).
			Bool("is_potentially_poisonous", detection.Safety.IsPotentiallyPoisonous).
			Float64("confidence", detection.Safety.Confidence).
			Str("reason", detection.Safety.Reason).
			Msg("image rejected by safety gate")
		return fail(errx.SafetyRejection(detection.Safety.Reason), cost)
	}

	l.Debug().Str("dish", detection.DishName).Int("components", len(detection.Components)).Msg("components detected")
	return model.StateDelta{Detection: detection, CostUSD: cost}
}

// Enrich looks up every detected component concurrently and aggregates the totals.
func (st *Stages) Enrich(ctx context.Context, s *model.PipelineState) model.StateDelta {
	l := stageLogger(s, "enrich")
	if s.Detection == nil || len(s.Detection.Components) == 0 {
		return model.StateDelta{DataQuality: floatPtr(0), Err: errx.NoComponents()}
	}
	if err := ctx.Err(); err != nil {
		return fail(err, 0)
	}

	components := s.Detection.Components
	matches := st.nutrition.BatchLookup(ctx, components)

	enriched := make([]model.EnrichedComponent, len(components))
	for i, c := range components {
		var m *model.NutritionMatch
		if i < len(matches) {
			m = matches[i]
		}
		enriched[i] = model.Enrich(c, m)
	}
	totals, quality := model.Summarize(enriched)

	l.Debug().Int("components", len(enriched)).Float64("data_quality", quality).Float64("calories", totals.Calories).Msg("enrichment complete")
	return model.StateDelta{Enriched: enriched, Totals: &totals, DataQuality: floatPtr(quality)}
}

// AdviseImage generates advice grounded on the enriched nutrition data.
func (st *Stages) AdviseImage(ctx context.Context, s *model.PipelineState) model.StateDelta {
	in := prompts.AdviceImageInput{
		Profile:     s.Profile,
		Query:       s.UserQuery,
		Enriched:    s.Enriched,
		DataQuality: s.DataQuality,
	}
	if s.Detection != nil {
		in.DishName = s.Detection.DishName
	}
	if s.Totals != nil {
		in.Totals = *s.Totals
	}
	system, err := prompts.RenderAdviceImage(ctx, in)
	if err != nil {
		return fail(err, 0)
	}
	return st.advise(ctx, s, "advise-image", system)
}

// AdviseText answers a question without a photo from the profile and history.
func (st *Stages) AdviseText(ctx context.Context, s *model.PipelineState) model.StateDelta {
	system, err := prompts.RenderAdviceText(ctx, s.Profile)
	if err != nil {
		return fail(err, 0)
	}
	return st.advise(ctx, s, "advise-text", system)
}

func (st *Stages) advise(ctx context.Context, s *model.PipelineState, stage, system string) model.StateDelta {
	l := stageLogger(s, stage)
	if err := ctx.Err(); err != nil {
		return fail(err, 0)
	}
	msgs := st.messages.BuildAdviceContext(system, s.Messages)
	res, err := st.advice.Generate(ctx, msgs)
	if err != nil {
		l.Error().Err(err).Msg("advice model call failed")
		return fail(err, 0)
	}
	if strings.TrimSpace(res.Text) == "" {
		return fail(errx.ExternalService(stage, errors.New("empty advice")), res.CostUSD)
	}
	l.Debug().Str("model", res.Model).Int("chars", len([]rune(res.Text))).Msg("advice generated")
	return model.StateDelta{
		AppendMessages: []*schema.Message{st.messages.AssistantTurn(res.Text)},
		CostUSD:        res.CostUSD,
	}
}
