package model

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	errx "github.com/macromate/server/internal/core/error"
)

// ImageRef is an opaque image reference: a URL (http(s) or data URI) or raw bytes.
type ImageRef struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type,omitempty"`
}

// Present reports whether the reference carries a non-blank URL or any bytes.
func (i *ImageRef) Present() bool {
	if i == nil {
		return false
	}
	return strings.TrimSpace(i.URL) != "" || len(i.Data) > 0
}

// PipelineState is the record threaded through every stage of one run.
// Concurrency model:
//   - One instance per run, created by the orchestrator while it holds the thread lock.
//   - Stages never write it directly; they return a StateDelta that the engine merges
//     with Apply, which enforces the append-only log and sticky error.
type PipelineState struct {
	ThreadID  string            `json:"thread_id"`
	Messages  []*schema.Message `json:"messages"`
	Image     *ImageRef         `json:"image,omitempty"`
	UserQuery string            `json:"user_query"`
	Profile   UserProfile       `json:"user_profile"`

	HasImage      bool `json:"has_image"`
	hasImageFixed bool

	Detection   *ComponentDetectionResult `json:"component_detection,omitempty"`
	Enriched    []EnrichedComponent       `json:"enriched_components,omitempty"`
	Totals      *Nutrients                `json:"nutrition_totals,omitempty"`
	DataQuality float64                   `json:"data_quality"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// StateDelta is what a stage hands back to the engine. Nil fields are left untouched.
type StateDelta struct {
	HasImage       *bool
	AppendMessages []*schema.Message
	Detection      *ComponentDetectionResult
	Enriched       []EnrichedComponent
	Totals         *Nutrients
	DataQuality    *float64
	CostUSD        float64

	// Err short-circuits the run; the engine converts it into Error/ErrorKind.
	Err error
}

// Failed reports whether the run has hit an error.
func (s *PipelineState) Failed() bool {
	return s.Error != ""
}

// Apply merges d into s. Once an error is recorded no further results are accepted,
// has-image is written at most once and the message log only grows.
func (s *PipelineState) Apply(d StateDelta) {
	s.TotalCostUSD += d.CostUSD
	if s.Failed() {
		return
	}
	if d.Err != nil {
		s.Error = errx.PublicMessage(d.Err)
		s.ErrorKind = string(errx.KindOf(d.Err))
		return
	}

	if d.HasImage != nil && !s.hasImageFixed {
		s.HasImage = *d.HasImage
		s.hasImageFixed = true
	}
	if len(d.AppendMessages) > 0 {
		s.Messages = append(s.Messages, d.AppendMessages...)
	}
	if d.Detection != nil {
		s.Detection = d.Detection
	}
	if d.Enriched != nil {
		s.Enriched = d.Enriched
	}
	if d.Totals != nil {
		t := *d.Totals
		s.Totals = &t
	}
	if d.DataQuality != nil {
		s.DataQuality = *d.DataQuality
	}
}

// LastAssistantMessage returns the content of the newest assistant turn, or "".
func (s *PipelineState) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m != nil && m.Role == schema.Assistant {
			return m.Content
		}
	}
	return ""
}

// Snapshot returns a shallow copy suitable for event consumers. Slices are copied so
// later appends on the live state are not visible through the snapshot.
func (s *PipelineState) Snapshot() PipelineState {
	cp := *s
	cp.Messages = append([]*schema.Message(nil), s.Messages...)
	cp.Enriched = append([]EnrichedComponent(nil), s.Enriched...)
	return cp
}

// Checkpoint returns the persistable form: raw image bytes are dropped.
func (s *PipelineState) Checkpoint() *PipelineState {
	cp := s.Snapshot()
	if cp.Image != nil {
		img := *cp.Image
		img.Data = nil
		cp.Image = &img
	}
	return &cp
}
