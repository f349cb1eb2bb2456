package parsers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/macromate/server/internal/agent/model"
	errx "github.com/macromate/server/internal/core/error"
	logx "github.com/macromate/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 128 * 1024 // 128KB
	maxComponents = 50
	maxErrSnippet = 200
)

type rawDetection struct {
	Safety     *model.SafetyCheck        `json:"safety"`
	DishName   string                    `json:"dish_name"`
	Warnings   *string                   `json:"warnings"`
	Components []model.DetectedComponent `json:"components"`
}

// StripFences removes a surrounding markdown code fence and any prose around the
// outermost JSON object.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.Contains(s[:nl], "{") {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// ParseDetection decodes and validates the vision model output.
func ParseDetection(content string) (*model.ComponentDetectionResult, error) {
	if len(content) > maxContentLen {
		return nil, fmt.Errorf("content too large: %d bytes", len(content))
	}
	if !utf8.ValidString(content) {
		return nil, errors.New("content invalid utf8")
	}
	body := StripFences(content)
	if body == "" {
		return nil, errors.New("empty content")
	}

	var raw rawDetection
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("decode detection: %w (content: %q)", err, snippet(body))
	}
	if raw.Safety == nil {
		return nil, errors.New("missing safety block")
	}
	if c := raw.Safety.Confidence; c < 0 || c > 1 {
		return nil, fmt.Errorf("safety confidence %v out of range [0,1]", c)
	}
	if len(raw.Components) > maxComponents {
		return nil, fmt.Errorf("too many components: %d", len(raw.Components))
	}

	out := &model.ComponentDetectionResult{
		Safety:     *raw.Safety,
		DishName:   strings.TrimSpace(raw.DishName),
		Components: make([]model.DetectedComponent, 0, len(raw.Components)),
	}
	if raw.Warnings != nil {
		out.Warnings = strings.TrimSpace(*raw.Warnings)
	}
	for i, c := range raw.Components {
		c.LocalName = strings.TrimSpace(c.LocalName)
		c.GenericName = strings.TrimSpace(c.GenericName)
		c.CookingMethod = strings.ToLower(strings.TrimSpace(c.CookingMethod))
		if c.GenericName == "" && c.LocalName == "" {
			return nil, fmt.Errorf("component %d: missing name", i)
		}
		if c.GenericName == "" {
			c.GenericName = c.LocalName
		}
		if c.EstimatedWeight < 0 {
			return nil, fmt.Errorf("component %d: negative weight %v", i, c.EstimatedWeight)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return nil, fmt.Errorf("component %d: confidence %v out of range [0,1]", i, c.Confidence)
		}
		out.Components = append(out.Components, c)
	}
	return out, nil
}

// RepairFunc asks a model to rewrite malformed output and returns the new text.
type RepairFunc func(ctx context.Context, malformed string, parseErr error) (string, error)

type repairState int

const (
	stateFirstParse repairState = iota
	stateRepair
	stateFailed
)

// ParseWithRepair parses content and, on failure, makes exactly one repair round trip
// before giving up with a vision parse error. It never retries further.
func ParseWithRepair(ctx context.Context, content string, repair RepairFunc) (*model.ComponentDetectionResult, error) {
	state := stateFirstParse
	text := content
	var lastErr error

	for {
		switch state {
		case stateFirstParse, stateRepair:
			res, err := ParseDetection(text)
			if err == nil {
				return res, nil
			}
			lastErr = err
			if state == stateRepair || repair == nil {
				state = stateFailed
				continue
			}
			logx.Warn().Err(err).Msg("detection output malformed, requesting repair")
			fixed, rerr := repair(ctx, text, err)
			if rerr != nil {
				lastErr = errors.Join(err, fmt.Errorf("repair: %w", rerr))
				state = stateFailed
				continue
			}
			text = fixed
			state = stateRepair
		default:
			logx.Error().Err(lastErr).Msg("detection output could not be parsed")
			return nil, errx.VisionParse(lastErr)
		}
	}
}

func snippet(s string) string {
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet] + "..."
}
