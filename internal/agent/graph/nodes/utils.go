package nodes

import (
	"github.com/macromate/server/internal/agent/model"
	logx "github.com/macromate/server/pkg/logger"
	"github.com/rs/zerolog"
)

// ===== Small helpers to keep stages simple/readable =====
func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

// stageLogger returns a logger tagged with the run's thread and the stage name.
func stageLogger(s *model.PipelineState, stage string) zerolog.Logger {
	return logx.Thread(s.ThreadID).With().Str("stage", stage).Logger()
}

// fail builds a delta that records err and whatever cost was spent before it.
func fail(err error, cost float64) model.StateDelta {
	return model.StateDelta{Err: err, CostUSD: cost}
}
