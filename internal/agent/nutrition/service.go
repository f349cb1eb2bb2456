package nutrition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/macromate/server/internal/agent/metrics"
	"github.com/macromate/server/internal/agent/model"
	logx "github.com/macromate/server/pkg/logger"
)

// defaultLookupTimeout bounds a search when no timeout is configured.
const defaultLookupTimeout = 15 * time.Second

// Service resolves generic food names to nutrition records with caching.
type Service struct {
	searcher    Searcher
	cache       Cache
	timeout     time.Duration
	concurrency int
	group       singleflight.Group
}

// NewService wires a searcher and a cache. cache may be nil.
func NewService(searcher Searcher, cache Cache, cfg model.NutritionConfig) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Service{
		searcher:    searcher,
		cache:       cache,
		timeout:     timeout,
		concurrency: cfg.Concurrency,
	}
}

// CacheKey is the cache key for a name and cooking method. A missing method reads as raw.
func CacheKey(name, cookingMethod string) string {
	m := strings.TrimSpace(cookingMethod)
	if m == "" {
		m = "raw"
	}
	return fmt.Sprintf("usda:%s:%s", strings.TrimSpace(name), m)
}

// Lookup returns the best nutrition match or nil. Network, timeout and decode failures are
// logged and reported as nil so one component never fails its siblings.
func (s *Service) Lookup(ctx context.Context, name, cookingMethod string) *model.NutritionMatch {
	name = strings.TrimSpace(name)
	if name == "" {
		metrics.LookupCount.WithLabelValues("miss").Inc()
		return nil
	}
	key := CacheKey(name, cookingMethod)

	if m, ok := s.cached(ctx, key); ok {
		metrics.LookupCount.WithLabelValues("hit").Inc()
		return m
	}

	// The shared fetch outlives any single caller; each caller stops waiting on its own ctx.
	ch := s.group.DoChan(key, func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), key, name, cookingMethod)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		metrics.LookupCount.WithLabelValues("error").Inc()
		logx.Debug().Err(ctx.Err()).Str("food", name).Msg("nutrition lookup abandoned")
		return nil
	}
	v, err := res.Val, res.Err
	if err != nil {
		metrics.LookupCount.WithLabelValues("error").Inc()
		logx.Warn().Err(err).Str("food", name).Str("cooking_method", cookingMethod).Msg("nutrition lookup failed")
		return nil
	}
	m, _ := v.(*model.NutritionMatch)
	if m == nil {
		metrics.LookupCount.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.LookupCount.WithLabelValues("match").Inc()
	cp := *m
	return &cp
}

// BatchLookup runs one Lookup per component concurrently. The result has the same length
// and order as components; unmatched entries are nil.
func (s *Service) BatchLookup(ctx context.Context, components []model.DetectedComponent) []*model.NutritionMatch {
	out := make([]*model.NutritionMatch, len(components))
	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, c := range components {
		g.Go(func() error {
			out[i] = s.Lookup(ctx, c.GenericName, c.CookingMethod)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) cached(ctx context.Context, key string) (*model.NutritionMatch, bool) {
	if s.cache == nil {
		return nil, false
	}
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("nutrition cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var m model.NutritionMatch
	if err := json.Unmarshal(b, &m); err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("discarding unreadable nutrition cache entry")
		return nil, false
	}
	logx.Debug().Str("key", key).Msg("nutrition cache hit")
	return &m, true
}

func (s *Service) fetch(ctx context.Context, key, name, cookingMethod string) (*model.NutritionMatch, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := name
	if m := strings.TrimSpace(cookingMethod); m != "" {
		query = name + " " + m
	}
	foods, err := s.searcher.Search(cctx, query, []string{DataTypeFoundation, DataTypeSRLegacy})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	best, score, ok := SelectBest(foods, name, cookingMethod)
	if !ok {
		logx.Debug().Str("query", query).Int("candidates", len(foods)).Msg("no acceptable nutrition match")
		return nil, nil
	}
	m := ToMatch(best, score)

	if s.cache != nil {
		b, err := json.Marshal(m)
		if err == nil {
			err = s.cache.Set(ctx, key, b)
		}
		if err != nil {
			logx.Warn().Err(err).Str("key", key).Msg("nutrition cache write failed")
		}
	}
	return m, nil
}
