package parsers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/macromate/server/internal/core/error"
)

const validDetection = `{
  "safety": {"is_food": true, "is_potentially_poisonous": false, "confidence": 0.93, "reason": "a plate of rice and pork"},
  "dish_name": " Cơm tấm sườn ",
  "warnings": null,
  "components": [
    {"name_local": "cơm trắng", "name_en": "white rice", "estimated_weight": 150, "cooking_method": "Cooked", "confidence": 0.95},
    {"name_local": "sườn nướng", "name_en": "pork chop", "estimated_weight": 120, "cooking_method": "grilled", "confidence": 0.9}
  ]
}`

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go:\n{\"a\":{\"b\":2}}\nHope it helps", `{"a":{"b":2}}`},
		{"no object", "sorry", "sorry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestParseDetection(t *testing.T) {
	res, err := ParseDetection("```json\n" + validDetection + "\n```")
	require.NoError(t, err)
	assert.True(t, res.Safety.Passes())
	assert.Equal(t, "Cơm tấm sườn", res.DishName)
	require.Len(t, res.Components, 2)
	assert.Equal(t, "white rice", res.Components[0].GenericName)
	assert.Equal(t, "cooked", res.Components[0].CookingMethod)
	assert.Equal(t, 120.0, res.Components[1].EstimatedWeight)
}

func TestParseDetectionRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"truncated", `{"safety": {"is_food": tru`},
		{"no safety", `{"components": []}`},
		{"confidence range", `{"safety": {"is_food": true, "confidence": 1.4}}`},
		{"negative weight", `{"safety": {"is_food": true, "confidence": 0.9}, "components": [{"name_en": "rice", "estimated_weight": -1, "confidence": 0.5}]}`},
		{"nameless component", `{"safety": {"is_food": true, "confidence": 0.9}, "components": [{"estimated_weight": 10, "confidence": 0.5}]}`},
		{"empty", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDetection(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestParseDetectionNonFoodKeepsReason(t *testing.T) {
	res, err := ParseDetection(`{"safety": {"is_food": false, "is_potentially_poisonous": false, "confidence": 0.98, "reason": "This is a chair, not food."}, "components": []}`)
	require.NoError(t, err)
	assert.False(t, res.Safety.Passes())
	assert.Equal(t, "This is a chair, not food.", res.Safety.Reason)
	assert.Empty(t, res.Components)
}

func TestParseWithRepair(t *testing.T) {
	t.Run("valid first time skips repair", func(t *testing.T) {
		calls := 0
		res, err := ParseWithRepair(context.Background(), validDetection, func(context.Context, string, error) (string, error) {
			calls++
			return "", nil
		})
		require.NoError(t, err)
		assert.Len(t, res.Components, 2)
		assert.Zero(t, calls)
	})

	t.Run("one repair succeeds", func(t *testing.T) {
		var seen string
		res, err := ParseWithRepair(context.Background(), `{"safety": {`, func(_ context.Context, malformed string, perr error) (string, error) {
			seen = malformed
			assert.Error(t, perr)
			return validDetection, nil
		})
		require.NoError(t, err)
		assert.Equal(t, `{"safety": {`, seen)
		assert.Equal(t, "Cơm tấm sườn", res.DishName)
	})

	t.Run("second failure is terminal", func(t *testing.T) {
		calls := 0
		_, err := ParseWithRepair(context.Background(), "not json", func(context.Context, string, error) (string, error) {
			calls++
			return "still not json", nil
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, errors.Is(err, errx.ErrVisionParse))
		assert.Equal(t, errx.KindVisionParse, errx.KindOf(err))
	})

	t.Run("repair call failure", func(t *testing.T) {
		_, err := ParseWithRepair(context.Background(), "not json", func(context.Context, string, error) (string, error) {
			return "", errors.New("model down")
		})
		require.Error(t, err)
		assert.Equal(t, errx.KindVisionParse, errx.KindOf(err))
		assert.True(t, strings.Contains(err.Error(), "model down"))
	})
}
