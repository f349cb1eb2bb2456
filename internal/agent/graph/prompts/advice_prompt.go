package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/macromate/server/internal/agent/model"
)

//go:embed template/advice_image_prompt.txt
var adviceImagePrompt string

//go:embed template/advice_text_prompt.txt
var adviceTextPrompt string

//go:embed template/profile.txt
var profileBlock string

// Data quality levels that change the advice wording.
const (
	PartialDataThreshold    = 1.0
	UnreliableDataThreshold = 0.6
)

// AdviceImageInput is everything the image advice prompt needs.
type AdviceImageInput struct {
	Profile     model.UserProfile
	Query       string
	DishName    string
	Enriched    []model.EnrichedComponent
	Totals      model.Nutrients
	DataQuality float64
}

type componentLine struct {
	Name          string
	CookingMethod string
	Weight        float64
	Matched       bool
	Calories      float64
	Protein       float64
	Carbs         float64
	Fat           float64
	Source        string
}

type profileView struct {
	Age              string
	Gender           string
	Weight           string
	Height           string
	BMI              string
	BodyShape        string
	HealthConditions string
	Goals            string
	Notes            string
}

// RenderAdviceImage renders the nutrition-aware advice instructions for a photo.
func RenderAdviceImage(ctx context.Context, in AdviceImageInput) (string, error) {
	lines := make([]componentLine, 0, len(in.Enriched))
	for _, e := range in.Enriched {
		l := componentLine{
			Name:          componentName(e.Component),
			CookingMethod: e.Component.CookingMethod,
			Weight:        e.Component.EstimatedWeight,
			Matched:       e.Matched(),
			Calories:      e.Nutrients.Calories,
			Protein:       e.Nutrients.Protein,
			Carbs:         e.Nutrients.Carbs,
			Fat:           e.Nutrients.Fat,
		}
		if e.Match != nil {
			l.Source = e.Match.Name
		}
		lines = append(lines, l)
	}
	return renderSystem(ctx, "advice image", adviceImagePrompt+profileBlock, map[string]any{
		"Profile":        newProfileView(in.Profile),
		"Query":          strings.TrimSpace(in.Query),
		"DishName":       in.DishName,
		"Components":     lines,
		"Totals":         in.Totals,
		"QualityPercent": int(math.Round(in.DataQuality * 100)),
		"Partial":        in.DataQuality < PartialDataThreshold,
		"LowQuality":     in.DataQuality < UnreliableDataThreshold,
	})
}

// RenderAdviceText renders the profile-aware instructions for a question without a photo.
func RenderAdviceText(ctx context.Context, p model.UserProfile) (string, error) {
	return renderSystem(ctx, "advice text", adviceTextPrompt+profileBlock, map[string]any{
		"Profile": newProfileView(p),
	})
}

func componentName(c model.DetectedComponent) string {
	local, generic := strings.TrimSpace(c.LocalName), strings.TrimSpace(c.GenericName)
	switch {
	case local == "":
		return generic
	case generic == "" || strings.EqualFold(local, generic):
		return local
	default:
		return local + " / " + generic
	}
}

func newProfileView(p model.UserProfile) profileView {
	const unknown = "unknown"
	orUnknown := func(s string) string {
		if s = strings.TrimSpace(s); s == "" {
			return unknown
		}
		return s
	}
	list := func(xs []string) string {
		if len(xs) == 0 {
			return "none reported"
		}
		return strings.Join(xs, ", ")
	}
	v := profileView{
		Age:              unknown,
		Gender:           orUnknown(p.Gender),
		Weight:           unknown,
		Height:           unknown,
		BMI:              unknown,
		BodyShape:        orUnknown(p.BodyShape),
		HealthConditions: list(p.HealthConditions),
		Goals:            list(p.Goals),
		Notes:            strings.TrimSpace(p.Description),
	}
	if p.Age > 0 {
		v.Age = strconv.Itoa(p.Age)
	}
	if p.WeightKg > 0 {
		v.Weight = fmt.Sprintf("%.1f kg", p.WeightKg)
	}
	if p.HeightCm > 0 {
		v.Height = fmt.Sprintf("%.0f cm", p.HeightCm)
	}
	if bmi := p.EffectiveBMI(); bmi > 0 {
		v.BMI = fmt.Sprintf("%.1f", bmi)
	}
	return v
}
