package selection

import (
	"context"
	"math/rand"
	"time"

	"newsreel/internal/history"
	"newsreel/internal/news"
	"newsreel/internal/telemetry"
)

// Selection modes for a scheduled run slot.
const (
	ModeRandom = "random"
	ModeLLM    = "llm"
)

// Slot is one scheduled run position asking for a news item.
type Slot struct {
	Index int
	Mode  string
}

// Assignment binds a slot to its selected item. Fallback marks an llm slot
// that was served by the random strategy.
type Assignment struct {
	Slot     int
	Item     news.Item
	Fallback bool
}

// Ranker orders candidate ids best-first using historical engagement data.
type Ranker interface {
	Rank(ctx context.Context, candidates []news.Item, stats []history.VideoStats) ([]string, error)
}

// Policy selects news items for a batch of run slots. Slots are grouped by
// strategy and served against one shared, shrinking pool, so no two slots in
// a batch receive the same item. LLM groups go first; any ranker failure
// falls back to random for that group instead of failing the batch.
type Policy struct {
	ranker Ranker
	rng    *rand.Rand
}

// NewPolicy builds a policy. The rng is injected so tests stay deterministic;
// a nil rng gets a time-seeded one.
func NewPolicy(ranker Ranker, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{ranker: ranker, rng: rng}
}

// Assign distributes pool items over the slots. When the pool runs out, the
// remaining slots are left unassigned rather than reusing items.
func (p *Policy) Assign(ctx context.Context, slots []Slot, pool []news.Item, stats []history.VideoStats) []Assignment {
	remaining := make([]news.Item, len(pool))
	copy(remaining, pool)

	var llmSlots, randomSlots []Slot
	for _, s := range slots {
		if s.Mode == ModeLLM {
			llmSlots = append(llmSlots, s)
		} else {
			randomSlots = append(randomSlots, s)
		}
	}

	var out []Assignment
	if len(llmSlots) > 0 {
		picked, fallback := p.pickLLM(ctx, len(llmSlots), remaining, stats)
		for i, item := range picked {
			out = append(out, Assignment{Slot: llmSlots[i].Index, Item: item, Fallback: fallback})
		}
		remaining = removeItems(remaining, picked)
	}
	if len(randomSlots) > 0 {
		picked := p.pickRandom(len(randomSlots), remaining)
		for i, item := range picked {
			out = append(out, Assignment{Slot: randomSlots[i].Index, Item: item})
		}
	}
	return out
}

// pickLLM ranks the pool and takes the top entries. Any failure (error,
// unknown ids, too few valid results) degrades to random selection.
func (p *Policy) pickLLM(ctx context.Context, count int, pool []news.Item, stats []history.VideoStats) ([]news.Item, bool) {
	if count > len(pool) {
		count = len(pool)
	}
	if count == 0 {
		return nil, false
	}
	ranked, err := p.ranker.Rank(ctx, pool, stats)
	if err == nil {
		byID := make(map[string]news.Item, len(pool))
		for _, item := range pool {
			byID[item.ID] = item
		}
		seen := make(map[string]bool, count)
		picked := make([]news.Item, 0, count)
		for _, id := range ranked {
			if len(picked) == count {
				break
			}
			item, ok := byID[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			picked = append(picked, item)
		}
		if len(picked) == count {
			return picked, false
		}
	}
	telemetry.SelectionFallbacks.Inc()
	return p.pickRandom(count, pool), true
}

// pickRandom is a uniform sample without replacement.
func (p *Policy) pickRandom(count int, pool []news.Item) []news.Item {
	if count > len(pool) {
		count = len(pool)
	}
	if count == 0 {
		return nil
	}
	picked := make([]news.Item, 0, count)
	for _, idx := range p.rng.Perm(len(pool))[:count] {
		picked = append(picked, pool[idx])
	}
	return picked
}

func removeItems(pool []news.Item, taken []news.Item) []news.Item {
	takenIDs := make(map[string]bool, len(taken))
	for _, item := range taken {
		takenIDs[item.ID] = true
	}
	out := pool[:0]
	for _, item := range pool {
		if !takenIDs[item.ID] {
			out = append(out, item)
		}
	}
	return out
}
