package mcp

import (
	"regexp"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// RankedTool is one entry of a discovery result.
type RankedTool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

var tokenSplitter = regexp.MustCompile(`[^a-z0-9]+`)

func tokenize(query string) []string {
	lower := strings.ToLower(query)
	raw := tokenSplitter.Split(lower, -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// DiscoverTools ranks registered tools against a free-text query. The score
// per tool is the sum, over query tokens, of the Jaro-Winkler similarity
// between that token and the tool's indexed text (name + description) —
// deterministic for a fixed registry state, and tolerant of small typos in
// a way plain substring matching is not (spec §4.7).
//
// Ties are broken by name ascending, giving a stable order regardless of
// map iteration.
func (r *ToolRegistry) DiscoverTools(query string, limit int) []RankedTool {
	tools := r.List()
	tokens := tokenize(query)

	ranked := make([]RankedTool, 0, len(tools))
	for _, t := range tools {
		ranked = append(ranked, RankedTool{
			Name:        t.Name,
			Description: t.Description,
			Score:       scoreTool(tokens, t.searchText),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Name < ranked[j].Name
	})

	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}
	return ranked
}

func scoreTool(queryTokens []string, searchText string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	indexed := tokenize(searchText)
	if len(indexed) == 0 {
		return 0
	}

	var total float64
	for _, qt := range queryTokens {
		best := 0.0
		for _, it := range indexed {
			if s := matchr.JaroWinkler(qt, it, true); s > best {
				best = s
			}
		}
		total += best
	}
	return total
}

// ProvisionedTool is one entry of a gating result: a ranked tool plus the
// token cost that counted against the budget.
type ProvisionedTool struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Score           float64 `json:"score"`
	EstimatedTokens int     `json:"estimatedTokens"`
}

// ProvisionTools runs discovery with an unbounded limit and greedily
// includes tools in rank order while the running token sum stays within
// maxTokens. A tool whose own cost exceeds maxTokens is skipped but does
// not stop the scan (spec §4.7).
func (r *ToolRegistry) ProvisionTools(query string, maxTokens int) []ProvisionedTool {
	ranked := r.DiscoverTools(query, 0)

	selected := make([]ProvisionedTool, 0, len(ranked))
	spent := 0
	for _, rt := range ranked {
		tool, ok := r.Get(rt.Name)
		if !ok {
			continue
		}
		cost := tool.EstimatedTokens
		if spent+cost > maxTokens {
			continue
		}
		spent += cost
		selected = append(selected, ProvisionedTool{
			Name:            rt.Name,
			Description:     rt.Description,
			Score:           rt.Score,
			EstimatedTokens: cost,
		})
	}
	return selected
}
