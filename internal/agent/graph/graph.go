package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudwego/eino/compose"

	"github.com/macromate/server/internal/agent/graph/conversations"
	"github.com/macromate/server/internal/agent/graph/nodes"
	"github.com/macromate/server/internal/agent/graph/observers"
	"github.com/macromate/server/internal/agent/metrics"
	"github.com/macromate/server/internal/agent/model"
	errx "github.com/macromate/server/internal/core/error"
	logx "github.com/macromate/server/pkg/logger"
)

// StageFunc computes one stage's contribution from the current state.
type StageFunc func(ctx context.Context, s *model.PipelineState) model.StateDelta

// Event is emitted after each executed stage with a snapshot of the merged state.
type Event struct {
	Stage Stage
	State model.PipelineState
}

// EventSink receives stage events in execution order.
type EventSink func(Event)

// Config holds everything needed to compose the full pipeline end-to-end.
// This is a convenience layer over GraphConfig that also constructs the chat gateways
// and the MessagesManager.
type Config struct {
	APIKey       string
	BaseURL      string
	Models       model.ModelsConfig
	Conversation model.ConversationConfig
	Nutrition    nodes.NutritionLookup
	// Resumable records whether a durable checkpoint store backs this engine.
	Resumable bool
}

// GraphConfig holds all configuration needed to build the graph
type GraphConfig struct {
	Stages    map[Stage]StageFunc
	Resumable bool
}

// Engine runs the compiled stage graph over one PipelineState per call.
type Engine struct {
	runnable  compose.Runnable[*model.PipelineState, *model.PipelineState]
	stages    map[Stage]StageFunc
	resumable bool
}

// GraphBuilder handles the construction of the pipeline graph
type GraphBuilder struct {
	engine *Engine
	graph  *compose.Graph[*model.PipelineState, *model.PipelineState]
}

type sinkKey struct{}

// StagesFrom maps the stage implementations onto their graph stages.
func StagesFrom(st *nodes.Stages) map[Stage]StageFunc {
	return map[Stage]StageFunc{
		StageRoute:       st.Route,
		StageDetect:      st.Detect,
		StageEnrich:      st.Enrich,
		StageAdviseImage: st.AdviseImage,
		StageAdviseText:  st.AdviseText,
	}
}

// BuildEngine composes chat models, the messages manager and the stages, then builds the graph.
func BuildEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Nutrition == nil {
		return nil, fmt.Errorf("nutrition lookup is nil")
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Models:  cfg.Models,
	})
	if err != nil {
		return nil, err
	}

	mm := conversations.NewMessagesManager(cfg.Conversation)
	st, err := nodes.NewStages(cms.Vision, cms.Advice, cfg.Nutrition, mm)
	if err != nil {
		return nil, err
	}

	engine, err := BuildGraph(ctx, &GraphConfig{Stages: StagesFrom(st), Resumable: cfg.Resumable})
	if err != nil {
		return nil, err
	}
	logx.Debug().Bool("resumable", cfg.Resumable).Msg("Pipeline engine built successfully")
	return engine, nil
}

// BuildGraph validates the transition table and compiles the stage graph.
func BuildGraph(ctx context.Context, config *GraphConfig) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if err := validateTransitions(); err != nil {
		return nil, fmt.Errorf("invalid transition table: %w", err)
	}
	for stage := range transitions {
		if config.Stages[stage] == nil {
			return nil, fmt.Errorf("stage %s has no implementation", stage)
		}
	}

	b := &GraphBuilder{
		engine: &Engine{stages: config.Stages, resumable: config.Resumable},
		graph:  compose.NewGraph[*model.PipelineState, *model.PipelineState](),
	}
	if err := b.addNodes(); err != nil {
		return nil, err
	}
	if err := b.addEdges(); err != nil {
		return nil, err
	}
	if err := b.addBranches(); err != nil {
		return nil, err
	}
	return b.compile(ctx)
}

// addNodes adds one lambda node per stage
func (b *GraphBuilder) addNodes() error {
	for stage := range transitions {
		fn := b.engine.stages[stage]
		lambda := compose.InvokableLambda(func(ctx context.Context, s *model.PipelineState) (*model.PipelineState, error) {
			_ = b.engine.runStage(ctx, stage, fn, s)
			return s, nil
		})
		if err := b.graph.AddLambdaNode(nodeName(stage), lambda, compose.WithNodeName(string(stage))); err != nil {
			return fmt.Errorf("error adding %s node: %w", stage, err)
		}
	}
	return nil
}

// addEdges connects the entry stage and the single-exit stages
func (b *GraphBuilder) addEdges() error {
	if err := b.graph.AddEdge(compose.START, nodeName(StageRoute)); err != nil {
		return fmt.Errorf("error adding entry edge: %w", err)
	}
	for from, targets := range transitions {
		if len(targets) != 1 {
			continue
		}
		if err := b.graph.AddEdge(nodeName(from), nodeName(targets[0])); err != nil {
			return fmt.Errorf("error adding edge %s -> %s: %w", from, targets[0], err)
		}
	}
	return nil
}

// addBranches creates conditional routing branches from the transition table
func (b *GraphBuilder) addBranches() error {
	for from, targets := range transitions {
		if len(targets) < 2 {
			continue
		}
		ends := make(map[string]bool, len(targets))
		for _, t := range targets {
			ends[nodeName(t)] = true
		}
		router := routers[from]
		cond := func(ctx context.Context, s *model.PipelineState) (string, error) {
			next := router(s)
			if !allowed(from, next) {
				return "", fmt.Errorf("illegal transition %s -> %s", from, next)
			}
			return nodeName(next), nil
		}
		if err := b.graph.AddBranch(nodeName(from), compose.NewGraphBranch(cond, ends)); err != nil {
			logx.Error().Err(err).Str("stage", string(from)).Msg("Error adding branch")
			return fmt.Errorf("error adding %s branch: %w", from, err)
		}
	}
	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (*Engine, error) {
	// Longest path is route, detect, enrich, advise; the rest is headroom.
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(10), compose.WithGraphName("nutrition_pipeline"))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}
	b.engine.runnable = runnable
	logx.Debug().Msg("Graph compiled successfully")
	return b.engine, nil
}

// Resumable reports whether runs are backed by a durable checkpoint store.
func (e *Engine) Resumable() bool { return e.resumable }

// Run executes the graph over s. Stage failures end up in s.Error; the returned state
// is always usable. sink may be nil.
func (e *Engine) Run(ctx context.Context, s *model.PipelineState, sink EventSink) *model.PipelineState {
	if sink != nil {
		ctx = context.WithValue(ctx, sinkKey{}, sink)
	}
	out, err := e.runnable.Invoke(ctx, s, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		logx.Thread(s.ThreadID).Error().Err(err).Msg("pipeline run aborted")
		s.Apply(model.StateDelta{Err: err})
		return s
	}
	if out == nil {
		return s
	}
	return out
}

// AnalyzeImage runs detection and enrichment without advice. A safety rejection or
// parse failure is returned as an error; an enrichment failure only drops the totals.
func (e *Engine) AnalyzeImage(ctx context.Context, img *model.ImageRef) (*model.ComponentDetectionResult, error) {
	s := &model.PipelineState{Image: img}
	if err := e.runStage(ctx, StageRoute, e.stages[StageRoute], s); err != nil {
		return nil, err
	}
	if !s.HasImage {
		return nil, errx.New(errors.New("empty image reference"), http.StatusBadRequest, "an image is required")
	}
	if err := e.runStage(ctx, StageDetect, e.stages[StageDetect], s); err != nil {
		return nil, err
	}

	det := *s.Detection
	if err := e.runStage(ctx, StageEnrich, e.stages[StageEnrich], s); err != nil {
		logx.Debug().Err(err).Msg("analysis returned without nutrition data")
		return &det, nil
	}
	det.Enriched = s.Enriched
	det.Totals = s.Totals
	q := s.DataQuality
	det.DataQuality = &q
	return &det, nil
}

// runStage executes one stage at its boundary: panics and errors become state errors,
// the delta is merged and an event is emitted. It returns the stage error, if any.
func (e *Engine) runStage(ctx context.Context, stage Stage, fn StageFunc, s *model.PipelineState) error {
	l := logx.Thread(s.ThreadID).With().Str("stage", string(stage)).Logger()
	if s.Failed() {
		l.Debug().Msg("skipping stage after error")
		return nil
	}

	start := time.Now()
	delta := e.call(ctx, stage, fn, s)
	s.Apply(delta)

	outcome := "ok"
	if delta.Err != nil {
		outcome = string(errx.KindOf(delta.Err))
		l.Warn().Err(delta.Err).Str("kind", outcome).Msg("stage failed")
	}
	metrics.StageDuration.WithLabelValues(string(stage), outcome).Observe(time.Since(start).Seconds())

	if sink, ok := ctx.Value(sinkKey{}).(EventSink); ok {
		sink(Event{Stage: stage, State: s.Snapshot()})
	}
	return delta.Err
}

func (e *Engine) call(ctx context.Context, stage Stage, fn StageFunc, s *model.PipelineState) (delta model.StateDelta) {
	defer func() {
		if r := recover(); r != nil {
			logx.Thread(s.ThreadID).Error().Str("stage", string(stage)).Interface("panic", r).Msg("stage panicked")
			delta = model.StateDelta{Err: errx.New(fmt.Errorf("panic in stage %s: %v", stage, r), http.StatusInternalServerError, errx.SystemErrorMessage)}
		}
	}()
	return fn(ctx, s)
}
