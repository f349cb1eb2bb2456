package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/macromate/server/internal/agent/graph"
	"github.com/macromate/server/internal/agent/graph/conversations"
	"github.com/macromate/server/internal/agent/metrics"
	"github.com/macromate/server/internal/agent/model"
	errx "github.com/macromate/server/internal/core/error"
	logx "github.com/macromate/server/pkg/logger"
)

// checkpointTimeout bounds the detached checkpoint write.
const checkpointTimeout = 10 * time.Second

// Runner executes the pipeline over one state. *graph.Engine implements it.
type Runner interface {
	Run(ctx context.Context, s *model.PipelineState, sink graph.EventSink) *model.PipelineState
}

// Request is one inbound user message.
type Request struct {
	ThreadID  string
	Image     *model.ImageRef
	UserQuery string
	Profile   model.UserProfile
}

// Orchestrator turns requests into ordered event streams, one run per thread at a time.
type Orchestrator struct {
	engine   Runner
	store    model.StateStore
	messages *conversations.MessagesManager
	locks    *LockRegistry
	cfg      model.StreamConfig
}

func NewOrchestrator(engine Runner, store model.StateStore, messages *conversations.MessagesManager, locks *LockRegistry, cfg model.StreamConfig) (*Orchestrator, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is nil")
	}
	if messages == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	if locks == nil {
		locks = NewLockRegistry(cfg.LockWaitTimeout, cfg.LockIdleTTL)
	}
	if cfg.ChunkRunes <= 0 {
		cfg.ChunkRunes = 1
	}
	if cfg.EventBuffer < 0 {
		cfg.EventBuffer = 0
	}
	return &Orchestrator{engine: engine, store: store, messages: messages, locks: locks, cfg: cfg}, nil
}

// Stream starts a run and returns its events. The channel is closed after the done event.
// Cancelling ctx aborts the run; the consumer must either drain the channel or cancel.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event, o.cfg.EventBuffer)
	go o.run(ctx, req, ch)
	return ch
}

type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (e emitter) send(ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, ch chan<- Event) {
	defer close(ch)
	e := emitter{ctx: ctx, ch: ch}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = uuid.NewString()
	}
	l := logx.Thread(threadID)

	e.send(threadEvent(threadID))
	defer e.send(doneEvent())
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("stream run panicked")
			metrics.RunCount.WithLabelValues(string(errx.KindInternal)).Inc()
			e.send(errorEvent(errx.SystemErrorMessage))
		}
	}()

	release, err := o.locks.Acquire(ctx, threadID)
	if err != nil {
		l.Warn().Err(err).Msg("could not acquire thread lock")
		metrics.RunCount.WithLabelValues(string(errx.KindOf(err))).Inc()
		e.send(errorEvent(errx.PublicMessage(err)))
		return
	}
	defer release()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	e.send(progressEvent(StepProcessing))

	state := o.newState(ctx, threadID, req)
	final := o.engine.Run(ctx, state, o.sink(e))
	if final.Failed() {
		l.Info().Str("kind", final.ErrorKind).Msg("run ended with error")
		metrics.RunCount.WithLabelValues(final.ErrorKind).Inc()
		e.send(errorEvent(final.Error))
		return
	}

	advice := final.LastAssistantMessage()
	if advice == "" {
		metrics.RunCount.WithLabelValues(string(errx.KindInternal)).Inc()
		e.send(errorEvent(errx.SystemErrorMessage))
		return
	}

	o.checkpoint(ctx, final)

	for _, chunk := range chunkRunes(advice, o.cfg.ChunkRunes) {
		if !e.send(tokenEvent(chunk)) {
			l.Debug().Msg("client went away during token replay")
			return
		}
		if o.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.ChunkDelay):
			}
		}
	}

	metrics.RunCount.WithLabelValues("ok").Inc()
	e.send(completeEvent(final))
	l.Info().Bool("has_image", final.HasImage).Float64("cost_usd", final.TotalCostUSD).Msg("run complete")
}

// newState loads the prior message log and appends the inbound user turn.
// An unreadable checkpoint starts the thread fresh.
func (o *Orchestrator) newState(ctx context.Context, threadID string, req Request) *model.PipelineState {
	var history []*schema.Message
	prior, err := o.store.Get(ctx, threadID)
	switch {
	case err != nil:
		logx.Thread(threadID).Warn().Err(err).Msg("could not load checkpoint, starting fresh")
	case prior != nil:
		history = prior.Messages
	}

	user := o.messages.UserTurn(req.UserQuery, req.Image.Present())
	return &model.PipelineState{
		ThreadID:  threadID,
		Messages:  append(append([]*schema.Message(nil), history...), user),
		Image:     req.Image,
		UserQuery: req.UserQuery,
		Profile:   req.Profile,
	}
}

// checkpoint persists the finished run. The write is detached from ctx so a client
// leaving during token replay does not lose a completed turn.
func (o *Orchestrator) checkpoint(ctx context.Context, s *model.PipelineState) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	if err := o.store.Put(saveCtx, s.ThreadID, s.Checkpoint()); err != nil {
		logx.Thread(s.ThreadID).Error().Err(errx.ExternalService("state store", err)).Msg("checkpoint write failed")
	}
}

// sink maps stage events onto progress and milestone events.
func (o *Orchestrator) sink(e emitter) graph.EventSink {
	return func(ev graph.Event) {
		s := &ev.State
		if s.Failed() {
			return
		}
		switch ev.Stage {
		case graph.StageRoute:
			e.send(progressEvent(StepRouting))
			if s.HasImage {
				e.send(progressEvent(StepVisionAnalyzing))
			} else {
				e.send(progressEvent(StepAdvisorStart))
			}
		case graph.StageDetect:
			if s.Detection != nil {
				e.send(visionEvent(s.Detection))
			}
			e.send(progressEvent(StepNutritionLookup))
		case graph.StageEnrich:
			e.send(nutritionEvent(s))
			e.send(progressEvent(StepAdvisorStart))
		case graph.StageAdviseImage, graph.StageAdviseText:
			e.send(progressEvent(StepAdvisorComplete))
		}
	}
}

// chunkRunes splits s into pieces of at most n runes.
func chunkRunes(s string, n int) []string {
	if n <= 0 {
		n = 1
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for i := 0; i < len(runes); i += n {
		end := min(i+n, len(runes))
		out = append(out, string(runes[i:end]))
	}
	return out
}
