package prompts

import (
	"context"
	_ "embed"
)

//go:embed template/vision_prompt.txt
var visionPrompt string

//go:embed template/repair_prompt.txt
var repairPrompt string

// DetectionSchema is the JSON shape the vision model must return.
const DetectionSchema = `{
  "safety": {
    "is_food": true,
    "is_potentially_poisonous": false,
    "confidence": 0.95,
    "reason": "short reason for the decision"
  },
  "dish_name": "rice plate with grilled pork",
  "warnings": null,
  "components": [
    {
      "name_local": "cơm trắng",
      "name_en": "white rice",
      "estimated_weight": 150,
      "cooking_method": "cooked",
      "confidence": 0.95
    }
  ]
}`

// RenderVision renders the component detection instructions. query is the user's
// free text sent with the photo and may be empty.
func RenderVision(ctx context.Context, query string) (string, error) {
	return renderSystem(ctx, "vision", visionPrompt, map[string]any{
		"Schema": DetectionSchema,
		"Query":  query,
	})
}

// RenderRepair asks the model to turn malformed output back into DetectionSchema.
func RenderRepair(ctx context.Context, malformed string, parseErr error) (string, error) {
	msg := "unknown"
	if parseErr != nil {
		msg = parseErr.Error()
	}
	return renderSystem(ctx, "repair", repairPrompt, map[string]any{
		"Schema":    DetectionSchema,
		"Malformed": malformed,
		"Error":     msg,
	})
}
