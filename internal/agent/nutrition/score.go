package nutrition

import (
	"strings"

	"github.com/macromate/server/internal/agent/model"
)

// Scoring weights for candidate selection.
const (
	foundationBonus = 0.40
	srLegacyBonus   = 0.30
	cookingBonus    = 0.20
	nameBonus       = 0.10
	brandPenalty    = 0.30

	// MinMatchScore is exclusive: the best candidate must score above it.
	MinMatchScore = 0.3
)

var brandMarkers = []string{"brand", "®", "™"}

// Score ranks one candidate for a generic name and optional cooking method.
func Score(f Food, name, cookingMethod string) float64 {
	desc := strings.ToLower(f.Description)
	score := 0.0

	switch f.DataType {
	case DataTypeFoundation:
		score += foundationBonus
	case DataTypeSRLegacy:
		score += srLegacyBonus
	}
	if m := strings.ToLower(strings.TrimSpace(cookingMethod)); m != "" && strings.Contains(desc, m) {
		score += cookingBonus
	}
	for _, b := range brandMarkers {
		if strings.Contains(desc, b) {
			score -= brandPenalty
			break
		}
	}
	if n := strings.ToLower(strings.TrimSpace(name)); n != "" && strings.Contains(desc, n) {
		score += nameBonus
	}
	return score
}

// SelectBest returns the highest scoring candidate, keeping the earliest on ties.
// ok is false when no candidate scores above MinMatchScore.
func SelectBest(foods []Food, name, cookingMethod string) (best Food, score float64, ok bool) {
	for i, f := range foods {
		s := Score(f, name, cookingMethod)
		if i == 0 || s > score {
			best, score = f, s
		}
	}
	if len(foods) == 0 || score <= MinMatchScore {
		return Food{}, 0, false
	}
	return best, score, true
}

// nutrientKeys maps database nutrient names (substring match) to tracked nutrients.
var nutrientKeys = []struct {
	match string
	set   func(n *model.Nutrients, v float64)
}{
	{"Energy", func(n *model.Nutrients, v float64) { n.Calories = v }},
	{"Protein", func(n *model.Nutrients, v float64) { n.Protein = v }},
	{"Carbohydrate, by difference", func(n *model.Nutrients, v float64) { n.Carbs = v }},
	{"Total lipid (fat)", func(n *model.Nutrients, v float64) { n.Fat = v }},
	{"Fiber, total dietary", func(n *model.Nutrients, v float64) { n.Fiber = v }},
	{"Sodium, Na", func(n *model.Nutrients, v float64) { n.Sodium = v }},
}

// ParseNutrients extracts the tracked nutrients per 100g. Energy is read only in kcal,
// milligram values are converted to grams and missing nutrients stay zero. The first
// usable row for each nutrient wins.
func ParseNutrients(rows []FoodNutrient) model.Nutrients {
	var n model.Nutrients
	seen := make(map[string]bool, len(nutrientKeys))
	for _, row := range rows {
		unit := strings.ToUpper(strings.TrimSpace(row.UnitName))
		for _, k := range nutrientKeys {
			if !strings.Contains(row.NutrientName, k.match) {
				continue
			}
			if seen[k.match] {
				break
			}
			switch {
			case k.match == "Energy":
				if unit != "KCAL" {
					break
				}
				k.set(&n, row.Value)
				seen[k.match] = true
			case unit == "G":
				k.set(&n, row.Value)
				seen[k.match] = true
			case unit == "MG":
				k.set(&n, row.Value/1000)
				seen[k.match] = true
			}
			break
		}
	}
	return n
}

// ToMatch converts a selected candidate into a normalized record.
func ToMatch(f Food, score float64) *model.NutritionMatch {
	return &model.NutritionMatch{
		FoodID:          f.FDCID,
		Name:            f.Description,
		NutrientsPer100: ParseNutrients(f.FoodNutrients),
		DataSource:      f.DataType,
		MatchScore:      score,
	}
}
