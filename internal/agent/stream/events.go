package stream

import (
	"math"

	"github.com/macromate/server/internal/agent/model"
)

// EventType names an externally visible event.
type EventType string

const (
	TypeThreadID          EventType = "thread_id"
	TypeProgress          EventType = "progress"
	TypeVisionComplete    EventType = "vision_complete"
	TypeNutritionComplete EventType = "nutrition_complete"
	TypeToken             EventType = "token"
	TypeComplete          EventType = "complete"
	TypeError             EventType = "error"
	TypeDone              EventType = "done"
)

// Progress steps.
const (
	StepProcessing      = "processing"
	StepRouting         = "routing"
	StepVisionAnalyzing = "vision_analyzing"
	StepNutritionLookup = "nutrition_lookup"
	StepAdvisorStart    = "advisor_start"
	StepAdvisorComplete = "advisor_complete"
)

var stepMessages = map[string]string{
	StepProcessing:      "Processing your request...",
	StepRouting:         "Working out what you need...",
	StepVisionAnalyzing: "Analysing the photo...",
	StepNutritionLookup: "Looking up nutrition data...",
	StepAdvisorStart:    "Preparing personalised advice...",
	StepAdvisorComplete: "Advice ready.",
}

// Event is one frame of the external stream.
type Event struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"thread_id,omitempty"`
	Step     string    `json:"step,omitempty"`
	Message  string    `json:"message,omitempty"`
	Content  string    `json:"content,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// VisionData is the payload of vision_complete.
type VisionData struct {
	DishName       string  `json:"dish_name"`
	ComponentCount int     `json:"component_count"`
	Confidence     float64 `json:"confidence"`
}

// NutritionData is the payload of nutrition_complete. DataQuality is a percentage.
type NutritionData struct {
	Calories    float64 `json:"calories"`
	Protein     float64 `json:"protein"`
	Carbs       float64 `json:"carbs"`
	Fat         float64 `json:"fat"`
	Fiber       float64 `json:"fiber"`
	Sodium      float64 `json:"sodium"`
	DataQuality int     `json:"data_quality"`
	Matched     int     `json:"matched_count"`
	Total       int     `json:"total_count"`
}

// CompleteData is the payload of complete.
type CompleteData struct {
	ThreadID string `json:"thread_id"`
	HasImage bool   `json:"has_image"`
}

func threadEvent(id string) Event { return Event{Type: TypeThreadID, ThreadID: id} }

func progressEvent(step string) Event {
	return Event{Type: TypeProgress, Step: step, Message: stepMessages[step]}
}

func errorEvent(msg string) Event { return Event{Type: TypeError, Content: msg} }

func tokenEvent(s string) Event { return Event{Type: TypeToken, Content: s} }

func doneEvent() Event { return Event{Type: TypeDone} }

func visionEvent(d *model.ComponentDetectionResult) Event {
	return Event{Type: TypeVisionComplete, Data: VisionData{
		DishName:       d.DishName,
		ComponentCount: len(d.Components),
		Confidence:     d.Safety.Confidence,
	}}
}

func nutritionEvent(s *model.PipelineState) Event {
	var totals model.Nutrients
	if s.Totals != nil {
		totals = s.Totals.Rounded()
	}
	matched := 0
	for _, e := range s.Enriched {
		if e.Matched() {
			matched++
		}
	}
	return Event{Type: TypeNutritionComplete, Data: NutritionData{
		Calories:    totals.Calories,
		Protein:     totals.Protein,
		Carbs:       totals.Carbs,
		Fat:         totals.Fat,
		Fiber:       totals.Fiber,
		Sodium:      totals.Sodium,
		DataQuality: int(math.Round(s.DataQuality * 100)),
		Matched:     matched,
		Total:       len(s.Enriched),
	}}
}

func completeEvent(s *model.PipelineState) Event {
	return Event{Type: TypeComplete, Data: CompleteData{ThreadID: s.ThreadID, HasImage: s.HasImage}}
}
