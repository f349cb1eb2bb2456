package graph

import (
	"fmt"

	"github.com/cloudwego/eino/compose"

	"github.com/macromate/server/internal/agent/model"
)

// Stage identifies one node of the pipeline graph.
type Stage string

const (
	StageRoute       Stage = "route"
	StageDetect      Stage = "detect"
	StageEnrich      Stage = "enrich"
	StageAdviseImage Stage = "advise-image"
	StageAdviseText  Stage = "advise-text"
	StageEnd         Stage = "end"
)

// transitions lists every legal next stage. A failed run may always jump to StageEnd.
var transitions = map[Stage][]Stage{
	StageRoute:       {StageDetect, StageAdviseText, StageEnd},
	StageDetect:      {StageEnrich, StageEnd},
	StageEnrich:      {StageAdviseImage, StageEnd},
	StageAdviseImage: {StageEnd},
	StageAdviseText:  {StageEnd},
}

// Router picks the next stage. It must be a pure function of the state.
type Router func(s *model.PipelineState) Stage

var routers = map[Stage]Router{
	StageRoute: func(s *model.PipelineState) Stage {
		switch {
		case s.Failed():
			return StageEnd
		case s.HasImage:
			return StageDetect
		default:
			return StageAdviseText
		}
	},
	StageDetect:      nextUnlessFailed(StageEnrich),
	StageEnrich:      nextUnlessFailed(StageAdviseImage),
	StageAdviseImage: func(*model.PipelineState) Stage { return StageEnd },
	StageAdviseText:  func(*model.PipelineState) Stage { return StageEnd },
}

func nextUnlessFailed(next Stage) Router {
	return func(s *model.PipelineState) Stage {
		if s.Failed() {
			return StageEnd
		}
		return next
	}
}

// nodeName maps a stage to its graph node key.
func nodeName(s Stage) string {
	if s == StageEnd {
		return compose.END
	}
	return string(s)
}

func allowed(from, to Stage) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// validateTransitions checks that every stage with outgoing edges has a router and
// every target is itself a stage with edges or the end.
func validateTransitions() error {
	for from, targets := range transitions {
		if routers[from] == nil {
			return fmt.Errorf("stage %s has no router", from)
		}
		if len(targets) == 0 {
			return fmt.Errorf("stage %s has no transitions", from)
		}
		for _, to := range targets {
			if to == StageEnd {
				continue
			}
			if _, ok := transitions[to]; !ok {
				return fmt.Errorf("stage %s targets unknown stage %s", from, to)
			}
		}
	}
	for from := range routers {
		if _, ok := transitions[from]; !ok {
			return fmt.Errorf("router for unknown stage %s", from)
		}
	}
	return nil
}
