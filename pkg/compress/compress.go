// Package compress shrinks an ordered set of context items into a token
// budget before prompt assembly. Three strategies apply in order: keep
// the most important items verbatim, collapse the low-importance
// leftovers into one extractive summary, drop what still does not fit.
// Output is arranged so the strongest items sit at the start and the
// end of the sequence, never buried in the middle.
package compress

import (
	"sort"
	"strings"
	"time"

	"guild/pkg/memory"
	"guild/pkg/protocol"
)

const (
	// verbatimImportance is the threshold above which items are never
	// summarized; they are kept whole or dropped.
	verbatimImportance = 0.5

	// snippetLen caps the extract taken from each summarized item.
	snippetLen = 120
)

// Item is one unit of prompt context.
type Item struct {
	Content    string
	Tier       protocol.MemoryTier
	Importance float64
	Summary    bool // synthetic summary produced by a previous pass
	CreatedAt  time.Time
}

// Tokens estimates the item's prompt cost.
func (it Item) Tokens() int {
	return memory.EstimateTokens(it.Content)
}

// Result reports what one compression pass did.
type Result struct {
	Items            []Item
	OriginalTokens   int
	CompressedTokens int
	Dropped          int
	Summarized       int

	// OverBudget is set when core items alone exceed the budget. They
	// are returned anyway; core is never dropped.
	OverBudget bool
}

// FromMemory converts store items for compression.
func FromMemory(items []memory.Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{
			Content:    it.Content,
			Tier:       it.Tier,
			Importance: it.Importance,
			Summary:    it.Summary,
			CreatedAt:  it.CreatedAt,
		}
	}
	return out
}

// Compress fits items into tokenBudget. The result sequence is a pure
// function of the surviving item set, so running Compress on its own
// output returns the same sequence: an input already within budget is
// only re-arranged.
func Compress(items []Item, tokenBudget int) Result {
	res := Result{OriginalTokens: totalTokens(items)}

	if res.OriginalTokens <= tokenBudget {
		res.Items = arrange(items)
		res.CompressedTokens = res.OriginalTokens
		return res
	}

	var core, rest []Item
	for _, it := range items {
		if it.Tier == protocol.TierCore {
			core = append(core, it)
		} else {
			rest = append(rest, it)
		}
	}

	coreTokens := totalTokens(core)
	if coreTokens >= tokenBudget {
		res.Items = arrange(core)
		res.CompressedTokens = coreTokens
		res.Dropped = len(rest)
		res.OverBudget = coreTokens > tokenBudget
		return res
	}

	kept, leftovers := keepByImportance(rest, tokenBudget-coreTokens)

	// Low-importance leftovers collapse into one summary if it fits;
	// summaries are never re-summarized.
	var collapse []Item
	for _, it := range leftovers {
		if it.Importance < verbatimImportance && !it.Summary {
			collapse = append(collapse, it)
		} else {
			res.Dropped++
		}
	}
	if len(collapse) > 0 {
		summary := summarize(collapse)
		if totalTokens(append(kept, core...))+summary.Tokens() <= tokenBudget {
			kept = append(kept, summary)
			res.Summarized = len(collapse)
		} else {
			res.Dropped += len(collapse)
		}
	}

	res.Items = arrange(append(core, kept...))
	res.CompressedTokens = totalTokens(res.Items)
	return res
}

func totalTokens(items []Item) int {
	total := 0
	for _, it := range items {
		total += it.Tokens()
	}
	return total
}

// keepByImportance greedily keeps the strongest items that fit the
// budget. A large item that does not fit is skipped, not a stopper;
// smaller items after it may still fit.
func keepByImportance(items []Item, budget int) (kept, leftovers []Item) {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sortByStrength(ordered)

	remaining := budget
	for _, it := range ordered {
		if t := it.Tokens(); t <= remaining {
			kept = append(kept, it)
			remaining -= t
		} else {
			leftovers = append(leftovers, it)
		}
	}
	return kept, leftovers
}

// summarize collapses items into one extractive summary: the lead
// sentence of each member, strongest first. No model call involved.
func summarize(items []Item) Item {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sortByStrength(ordered)

	snippets := make([]string, len(ordered))
	maxImportance := 0.0
	newest := ordered[0].CreatedAt
	for i, it := range ordered {
		snippets[i] = leadSentence(it.Content)
		if it.Importance > maxImportance {
			maxImportance = it.Importance
		}
		if it.CreatedAt.After(newest) {
			newest = it.CreatedAt
		}
	}

	return Item{
		Content:    "Earlier context, condensed: " + strings.Join(snippets, "; "),
		Tier:       protocol.TierWorking,
		Importance: maxImportance,
		Summary:    true,
		CreatedAt:  newest,
	}
}

// leadSentence extracts the first sentence, capped at snippetLen runes.
func leadSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = strings.TrimSpace(s[:i+1])
		s = strings.TrimRight(s, "\n")
	}
	runes := []rune(s)
	if len(runes) > snippetLen {
		s = string(runes[:snippetLen])
	}
	return strings.TrimSpace(s)
}

// arrange orders items so the strongest sit at the start and the end:
// 1st to the front, 2nd to the back, alternating inward, leaving the
// weakest mid-sequence. The layout depends only on the item set.
func arrange(items []Item) []Item {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sortByStrength(ordered)

	var front, back []Item
	for i, it := range ordered {
		if i%2 == 0 {
			front = append(front, it)
		} else {
			back = append(back, it)
		}
	}

	out := make([]Item, 0, len(ordered))
	out = append(out, front...)
	for i := len(back) - 1; i >= 0; i-- {
		out = append(out, back[i])
	}
	return out
}

// sortByStrength is the one total order everything here uses:
// importance, then recency, then content as the final deterministic
// tiebreak.
func sortByStrength(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance > items[j].Importance
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Content < items[j].Content
	})
}
