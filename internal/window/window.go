// Package window builds the token-budgeted message list sent upstream.
// Pinned messages always survive; the rest compete on importance.
package window

import (
	"errors"
	"sort"

	"github.com/nextlevelbuilder/hive/internal/store"
)

// ErrBudgetExceeded means not even one pinned message fits the budget.
var ErrBudgetExceeded = errors.New("context budget exceeded")

// minRecentMessages is how many trailing messages are always pinned.
const minRecentMessages = 4

// Counter estimates message token cost. The LLM gateway satisfies it.
type Counter interface {
	EstimateStoreMessage(m *store.Message, model string) int
}

// Params bounds one build.
type Params struct {
	MaxTokens     int
	ReserveTokens int // held back for the model's output
	Model         string
}

type candidate struct {
	msg    *store.Message
	index  int
	score  int
	tokens int
	pinned bool
}

// Build selects messages within budget, preserving input order.
// Contents are never modified.
func Build(msgs []*store.Message, p Params, counter Counter) ([]*store.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	budget := p.MaxTokens - p.ReserveTokens
	if budget <= 0 {
		return nil, ErrBudgetExceeded
	}

	cands := make([]*candidate, len(msgs))
	firstUser := -1
	for i, m := range msgs {
		if firstUser < 0 && m.Role == "user" {
			firstUser = i
		}
		cands[i] = &candidate{
			msg:    m,
			index:  i,
			score:  scoreMessage(m, i, len(msgs)),
			tokens: counter.EstimateStoreMessage(m, p.Model),
		}
	}
	for i, c := range cands {
		c.pinned = c.msg.Role == "system" ||
			i == firstUser ||
			i >= len(msgs)-minRecentMessages
	}

	pinnedTokens := 0
	for _, c := range cands {
		if c.pinned {
			pinnedTokens += c.tokens
		}
	}

	// Pinned overflow: keep the chronological prefix of pinned messages
	// that fits.
	if pinnedTokens > budget {
		out := []*store.Message{}
		used := 0
		for _, c := range cands {
			if !c.pinned {
				continue
			}
			if used+c.tokens > budget {
				break
			}
			used += c.tokens
			out = append(out, c.msg)
		}
		if len(out) == 0 {
			return nil, ErrBudgetExceeded
		}
		return out, nil
	}

	// All pinned fit. Fill the rest greedily by descending importance,
	// ties broken by the more recent message.
	unpinned := []*candidate{}
	for _, c := range cands {
		if !c.pinned {
			unpinned = append(unpinned, c)
		}
	}
	sort.Slice(unpinned, func(i, j int) bool {
		if unpinned[i].score != unpinned[j].score {
			return unpinned[i].score > unpinned[j].score
		}
		return unpinned[i].index > unpinned[j].index
	})

	selected := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if c.pinned {
			selected = append(selected, c)
		}
	}
	used := pinnedTokens
	for _, c := range unpinned {
		if used+c.tokens > budget {
			continue
		}
		used += c.tokens
		selected = append(selected, c)
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].index < selected[j].index })
	out := make([]*store.Message, len(selected))
	for i, c := range selected {
		out[i] = c.msg
	}
	return out, nil
}

// scoreMessage ranks one candidate. Higher keeps it longer.
func scoreMessage(m *store.Message, index, total int) int {
	var score int
	switch m.Role {
	case "system":
		score = 100
	case "tool":
		score = 80
	case "user":
		score = 60
	default:
		score = 40
	}
	if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
		score += 20
	}
	if len(m.Content) > 200 {
		score += 10
	}
	if index >= total*3/4 {
		score += 15
	}
	return score
}
