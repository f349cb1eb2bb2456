package model

import "math"

// SafetyConfidenceThreshold is the minimum classifier confidence for an image to pass the safety gate.
const SafetyConfidenceThreshold = 0.7

// Data source tags for EnrichedComponent.
const (
	SourceMatched = "matched"
	SourceNoData  = "no_data"
)

// SafetyCheck is the classifier verdict on the input image.
type SafetyCheck struct {
	IsFood                 bool    `json:"is_food"`
	IsPotentiallyPoisonous bool    `json:"is_potentially_poisonous"`
	Confidence             float64 `json:"confidence"`
	Reason                 string  `json:"reason"`
}

// Passes reports whether the image may continue past the safety gate.
func (s SafetyCheck) Passes() bool {
	return s.IsFood && !s.IsPotentiallyPoisonous && s.Confidence >= SafetyConfidenceThreshold
}

// DetectedComponent is one food item found in an image.
type DetectedComponent struct {
	LocalName       string  `json:"name_local"`
	GenericName     string  `json:"name_en"`
	EstimatedWeight float64 `json:"estimated_weight"`
	CookingMethod   string  `json:"cooking_method,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// ComponentDetectionResult is the parsed output of the vision stage.
type ComponentDetectionResult struct {
	Safety     SafetyCheck         `json:"safety"`
	DishName   string              `json:"dish_name,omitempty"`
	Warnings   string              `json:"warnings,omitempty"`
	Components []DetectedComponent `json:"components"`

	// Filled by AnalyzeImage when enrichment ran after detection.
	Enriched    []EnrichedComponent `json:"enriched_components,omitempty"`
	Totals      *Nutrients          `json:"nutrition_totals,omitempty"`
	DataQuality *float64            `json:"data_quality,omitempty"`
}

// Nutrients holds the tracked nutrient set. Sodium is in grams.
type Nutrients struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
	Fiber    float64 `json:"fiber"`
	Sodium   float64 `json:"sodium"`
}

// Scale multiplies every nutrient by f.
func (n Nutrients) Scale(f float64) Nutrients {
	return Nutrients{
		Calories: n.Calories * f,
		Protein:  n.Protein * f,
		Fat:      n.Fat * f,
		Carbs:    n.Carbs * f,
		Fiber:    n.Fiber * f,
		Sodium:   n.Sodium * f,
	}
}

// Add returns the element-wise sum.
func (n Nutrients) Add(o Nutrients) Nutrients {
	return Nutrients{
		Calories: n.Calories + o.Calories,
		Protein:  n.Protein + o.Protein,
		Fat:      n.Fat + o.Fat,
		Carbs:    n.Carbs + o.Carbs,
		Fiber:    n.Fiber + o.Fiber,
		Sodium:   n.Sodium + o.Sodium,
	}
}

// Rounded returns calories to the unit and the rest to one decimal.
func (n Nutrients) Rounded() Nutrients {
	r1 := func(v float64) float64 { return math.Round(v*10) / 10 }
	return Nutrients{
		Calories: math.Round(n.Calories),
		Protein:  r1(n.Protein),
		Fat:      r1(n.Fat),
		Carbs:    r1(n.Carbs),
		Fiber:    r1(n.Fiber),
		Sodium:   math.Round(n.Sodium*1000) / 1000,
	}
}

// NutritionMatch is a food-database record normalized to 100g.
type NutritionMatch struct {
	FoodID          int64     `json:"fdc_id,omitempty"`
	Name            string    `json:"name"`
	NutrientsPer100 Nutrients `json:"nutrients_per_100g"`
	DataSource      string    `json:"data_source"`
	MatchScore      float64   `json:"match_score"`
}

// EnrichedComponent pairs a detected component with its lookup result.
type EnrichedComponent struct {
	Component  DetectedComponent `json:"component"`
	Match      *NutritionMatch   `json:"match"`
	Nutrients  Nutrients         `json:"nutrients"`
	DataSource string            `json:"data_source"`
	MatchScore float64           `json:"match_score"`
}

// Matched reports whether a nutrition record was found.
func (e EnrichedComponent) Matched() bool {
	return e.Match != nil
}

// Enrich scales a match to the component weight. A nil match yields a zero, no-data entry.
func Enrich(c DetectedComponent, m *NutritionMatch) EnrichedComponent {
	if m == nil {
		return EnrichedComponent{Component: c, DataSource: SourceNoData}
	}
	return EnrichedComponent{
		Component:  c,
		Match:      m,
		Nutrients:  m.NutrientsPer100.Scale(c.EstimatedWeight / 100),
		DataSource: SourceMatched,
		MatchScore: m.MatchScore,
	}
}

// Summarize returns totals over matched entries and the matched fraction.
// An empty slice yields zero totals and zero quality.
func Summarize(items []EnrichedComponent) (Nutrients, float64) {
	var totals Nutrients
	matched := 0
	for _, it := range items {
		if !it.Matched() {
			continue
		}
		matched++
		totals = totals.Add(it.Nutrients)
	}
	if len(items) == 0 {
		return totals, 0
	}
	return totals, float64(matched) / float64(len(items))
}
