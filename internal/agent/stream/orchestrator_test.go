package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macromate/server/internal/agent/gateway"
	"github.com/macromate/server/internal/agent/gateway/gatewaytest"
	"github.com/macromate/server/internal/agent/graph"
	"github.com/macromate/server/internal/agent/graph/conversations"
	"github.com/macromate/server/internal/agent/graph/nodes"
	"github.com/macromate/server/internal/agent/model"
	"github.com/macromate/server/internal/agent/repo"
	errx "github.com/macromate/server/internal/core/error"
)

const comTamJSON = `{
  "safety": {"is_food": true, "is_potentially_poisonous": false, "confidence": 0.95, "reason": "rice with grilled pork"},
  "dish_name": "Cơm tấm sườn",
  "components": [
    {"name_local": "cơm trắng", "name_en": "white rice", "estimated_weight": 150, "cooking_method": "cooked", "confidence": 0.95},
    {"name_local": "sườn nướng", "name_en": "pork chop", "estimated_weight": 120, "cooking_method": "grilled", "confidence": 0.9}
  ]
}`

const chairJSON = `{"safety": {"is_food": false, "is_potentially_poisonous": false, "confidence": 0.99, "reason": "This is a photo of a chair, not food."}, "components": []}`

const adviceText = "Bữa ăn này khá cân bằng."

type mapLookup map[string]*model.NutritionMatch

func (m mapLookup) BatchLookup(_ context.Context, comps []model.DetectedComponent) []*model.NutritionMatch {
	out := make([]*model.NutritionMatch, len(comps))
	for i, c := range comps {
		out[i] = m[c.GenericName]
	}
	return out
}

type fixture struct {
	orch   *Orchestrator
	store  *repo.MemoryStore
	vision *gatewaytest.ChatModel
	advice *gatewaytest.ChatModel
}

func newFixture(t *testing.T, visionReplies ...gatewaytest.Reply) *fixture {
	t.Helper()
	f := &fixture{
		store:  repo.NewMemoryStore(16, time.Hour),
		vision: gatewaytest.New(visionReplies...),
		advice: gatewaytest.New(gatewaytest.Reply{Text: adviceText}),
	}
	lookup := mapLookup{
		"white rice": {Name: "White rice, cooked", NutrientsPer100: model.Nutrients{Calories: 130, Protein: 2.7, Carbs: 28}, DataSource: "SR Legacy", MatchScore: 0.5},
		"pork chop":  {Name: "Pork chop, grilled", NutrientsPer100: model.Nutrients{Calories: 250, Protein: 27, Fat: 15}, DataSource: "Foundation", MatchScore: 0.7},
	}

	vg, err := gateway.New("vision", gateway.Provider{Name: "gemini-2.5-flash", Model: f.vision})
	require.NoError(t, err)
	ag, err := gateway.New("advice", gateway.Provider{Name: "gemini-2.5-flash", Model: f.advice})
	require.NoError(t, err)
	mm := conversations.NewMessagesManager(model.ConversationConfig{MaxTurns: 10})
	st, err := nodes.NewStages(vg, ag, lookup, mm)
	require.NoError(t, err)
	engine, err := graph.BuildGraph(context.Background(), &graph.GraphConfig{Stages: graph.StagesFrom(st), Resumable: true})
	require.NoError(t, err)

	locks := NewLockRegistry(0, 0)
	t.Cleanup(locks.Close)
	f.orch, err = NewOrchestrator(engine, f.store, mm, locks, model.StreamConfig{ChunkRunes: 4, EventBuffer: 4})
	require.NoError(t, err)
	return f
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Error("stream did not close")
			return out
		}
	}
}

// shape renders events as type or type:step, with token events collapsed into one entry.
func shape(events []Event) []string {
	var out []string
	for _, ev := range events {
		switch ev.Type {
		case TypeProgress:
			out = append(out, "progress:"+ev.Step)
		case TypeToken:
			if len(out) == 0 || out[len(out)-1] != "tokens" {
				out = append(out, "tokens")
			}
		default:
			out = append(out, string(ev.Type))
		}
	}
	return out
}

func tokens(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == TypeToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func imageRequest(thread string) Request {
	return Request{
		ThreadID:  thread,
		Image:     &model.ImageRef{URL: "https://cdn.example.com/com-tam.jpg", MIMEType: "image/jpeg"},
		UserQuery: "Tôi có nên ăn món này không?",
		Profile:   model.UserProfile{Age: 30, WeightKg: 70, HeightCm: 175},
	}
}

func TestStreamImageRun(t *testing.T) {
	f := newFixture(t, gatewaytest.Reply{Text: comTamJSON})
	events := collect(t, f.orch.Stream(context.Background(), imageRequest("t-img")))

	assert.Equal(t, []string{
		"thread_id",
		"progress:processing",
		"progress:routing",
		"progress:vision_analyzing",
		"vision_complete",
		"progress:nutrition_lookup",
		"nutrition_complete",
		"progress:advisor_start",
		"progress:advisor_complete",
		"tokens",
		"complete",
		"done",
	}, shape(events))
	assert.Equal(t, "t-img", events[0].ThreadID)
	assert.Equal(t, adviceText, tokens(events))

	for _, ev := range events {
		switch ev.Type {
		case TypeVisionComplete:
			d := ev.Data.(VisionData)
			assert.Equal(t, "Cơm tấm sườn", d.DishName)
			assert.Equal(t, 2, d.ComponentCount)
			assert.Equal(t, 0.95, d.Confidence)
		case TypeNutritionComplete:
			d := ev.Data.(NutritionData)
			assert.Equal(t, 495.0, d.Calories)
			assert.Equal(t, 100, d.DataQuality)
			assert.Equal(t, 2, d.Matched)
		case TypeToken:
			assert.LessOrEqual(t, len([]rune(ev.Content)), 4)
		}
	}

	saved, err := f.store.Get(context.Background(), "t-img")
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, adviceText, saved.LastAssistantMessage())
}

func TestStreamSafetyRejection(t *testing.T) {
	f := newFixture(t, gatewaytest.Reply{Text: chairJSON})
	events := collect(t, f.orch.Stream(context.Background(), imageRequest("t-chair")))

	assert.Equal(t, []string{
		"thread_id",
		"progress:processing",
		"progress:routing",
		"progress:vision_analyzing",
		"error",
		"done",
	}, shape(events))
	assert.Equal(t, "This is a photo of a chair, not food.", events[4].Content)
	assert.Empty(t, f.advice.Calls())

	saved, err := f.store.Get(context.Background(), "t-chair")
	require.NoError(t, err)
	assert.Nil(t, saved, "failed runs are not checkpointed")
}

func TestStreamTextOnlyResumesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := collect(t, f.orch.Stream(ctx, Request{ThreadID: "t-text", UserQuery: "Ăn gì để giảm cân?"}))
	assert.Equal(t, []string{
		"thread_id",
		"progress:processing",
		"progress:routing",
		"progress:advisor_start",
		"progress:advisor_complete",
		"tokens",
		"complete",
		"done",
	}, shape(first))
	assert.Empty(t, f.vision.Calls())

	collect(t, f.orch.Stream(ctx, Request{ThreadID: "t-text", UserQuery: "Còn bữa tối thì sao?"}))

	calls := f.advice.Calls()
	require.Len(t, calls, 2)
	var sawPrior bool
	for _, m := range calls[1] {
		if m.Role == schema.Assistant && m.Content == adviceText {
			sawPrior = true
		}
	}
	assert.True(t, sawPrior, "second run sees the first answer")

	saved, err := f.store.Get(ctx, "t-text")
	require.NoError(t, err)
	assert.Len(t, saved.Messages, 4)
}

func TestStreamAssignsThreadID(t *testing.T) {
	f := newFixture(t)
	events := collect(t, f.orch.Stream(context.Background(), Request{UserQuery: "hello"}))
	require.NotEmpty(t, events)
	require.Equal(t, TypeThreadID, events[0].Type)
	_, err := uuid.Parse(events[0].ThreadID)
	assert.NoError(t, err)
}

// runnerFunc adapts a function to Runner.
type runnerFunc func(ctx context.Context, s *model.PipelineState, sink graph.EventSink) *model.PipelineState

func (f runnerFunc) Run(ctx context.Context, s *model.PipelineState, sink graph.EventSink) *model.PipelineState {
	return f(ctx, s, sink)
}

func answer(s *model.PipelineState) *model.PipelineState {
	s.Apply(model.StateDelta{AppendMessages: []*schema.Message{schema.AssistantMessage("ok", nil)}})
	return s
}

func newFakeOrchestrator(t *testing.T, r Runner, store model.StateStore) *Orchestrator {
	t.Helper()
	if store == nil {
		store = repo.NewMemoryStore(16, time.Hour)
	}
	locks := NewLockRegistry(0, 0)
	t.Cleanup(locks.Close)
	o, err := NewOrchestrator(r, store, conversations.NewMessagesManager(model.ConversationConfig{}), locks, model.StreamConfig{ChunkRunes: 1, EventBuffer: 16})
	require.NoError(t, err)
	return o
}

func TestStreamSerializesSameThread(t *testing.T) {
	var active, peak int32
	r := runnerFunc(func(ctx context.Context, s *model.PipelineState, _ graph.EventSink) *model.PipelineState {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return answer(s)
	})
	store := repo.NewMemoryStore(16, time.Hour)
	o := newFakeOrchestrator(t, r, store)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events := collect(t, o.Stream(context.Background(), Request{ThreadID: "same", UserQuery: "q"}))
			assert.Equal(t, TypeDone, events[len(events)-1].Type)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	saved, err := store.Get(context.Background(), "same")
	require.NoError(t, err)
	assert.Len(t, saved.Messages, 10, "each run appended exactly one user and one assistant turn")
}

func TestStreamDistinctThreadsRunInParallel(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	overlapped := make(chan struct{})
	go func() {
		started.Wait()
		close(overlapped)
	}()

	r := runnerFunc(func(ctx context.Context, s *model.PipelineState, _ graph.EventSink) *model.PipelineState {
		started.Done()
		select {
		case <-overlapped:
		case <-time.After(2 * time.Second):
			s.Apply(model.StateDelta{Err: errx.ExternalService("test", context.DeadlineExceeded)})
			return s
		}
		return answer(s)
	})
	o := newFakeOrchestrator(t, r, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events := collect(t, o.Stream(context.Background(), Request{ThreadID: id, UserQuery: "q"}))
			assert.Contains(t, shape(events), "complete")
		}()
	}
	wg.Wait()
}

func TestStreamRecoversPanic(t *testing.T) {
	r := runnerFunc(func(context.Context, *model.PipelineState, graph.EventSink) *model.PipelineState {
		panic("boom")
	})
	o := newFakeOrchestrator(t, r, nil)

	events := collect(t, o.Stream(context.Background(), Request{ThreadID: "p", UserQuery: "q"}))
	assert.Equal(t, []string{"thread_id", "progress:processing", "error", "done"}, shape(events))
	assert.Equal(t, errx.SystemErrorMessage, events[2].Content)

	again := collect(t, o.Stream(context.Background(), Request{ThreadID: "p", UserQuery: "q"}))
	assert.Equal(t, TypeDone, again[len(again)-1].Type, "lock was released after the panic")
}

func TestStreamCancelReleasesLockWithoutSaving(t *testing.T) {
	entered := make(chan struct{})
	var calls int32
	r := runnerFunc(func(ctx context.Context, s *model.PipelineState, _ graph.EventSink) *model.PipelineState {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-ctx.Done()
			s.Apply(model.StateDelta{Err: ctx.Err()})
			return s
		}
		return answer(s)
	})
	store := repo.NewMemoryStore(16, time.Hour)
	o := newFakeOrchestrator(t, r, store)

	ctx, cancel := context.WithCancel(context.Background())
	ch := o.Stream(ctx, Request{ThreadID: "c", UserQuery: "q"})
	<-entered
	cancel()
	for range ch {
	}

	saved, err := store.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Nil(t, saved)

	events := collect(t, o.Stream(context.Background(), Request{ThreadID: "c", UserQuery: "q"}))
	assert.Contains(t, shape(events), "complete")
}

func TestStreamLockTimeout(t *testing.T) {
	hold := make(chan struct{})
	r := runnerFunc(func(ctx context.Context, s *model.PipelineState, _ graph.EventSink) *model.PipelineState {
		<-hold
		return answer(s)
	})
	locks := NewLockRegistry(20*time.Millisecond, 0)
	o, err := NewOrchestrator(r, repo.NewMemoryStore(4, time.Hour), conversations.NewMessagesManager(model.ConversationConfig{}), locks, model.StreamConfig{})
	require.NoError(t, err)

	first := o.Stream(context.Background(), Request{ThreadID: "busy", UserQuery: "q"})
	<-first // thread_id
	<-first // processing, so the lock is held

	second := collect(t, o.Stream(context.Background(), Request{ThreadID: "busy", UserQuery: "q"}))
	assert.Equal(t, []string{"thread_id", "error", "done"}, shape(second))
	assert.Equal(t, errx.BusyMessage, second[1].Content)

	close(hold)
	rest := collect(t, first)
	assert.Contains(t, shape(rest), "complete")
}

func TestChunkRunes(t *testing.T) {
	assert.Equal(t, []string{"Bữ", "a ", "ăn"}, chunkRunes("Bữa ăn", 2))
	assert.Equal(t, []string{"a", "b"}, chunkRunes("ab", 0))
	assert.Empty(t, chunkRunes("", 3))
}
