package compression

import (
	"sort"
	"unicode/utf8"
)

const DefaultMinTruncateTokens = 64

// Candidate is one piece of prior material that may go into a model request.
type Candidate struct {
	ID            string
	Content       string
	SourceType    string
	OriginalIndex int
	ValueScore    float64
}

func (c Candidate) Tokens() int { return EstimateTokens(c.Content) }

// Strategy picks a subset of candidates that fits budgetTokens. It must not
// mutate its input and must return the same output for the same input.
type Strategy interface {
	Select(candidates []Candidate, budgetTokens int) []Candidate
}

// EstimateTokens approximates token count as one token per four runes.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// truncateToTokens keeps the first tokens*4 runes.
func truncateToTokens(s string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	limit := tokens * 4
	i := 0
	for pos := range s {
		if i == limit {
			return s[:pos]
		}
		i++
	}
	return s
}

// RelevanceStrategy admits candidates by value score, highest first. The
// first candidate that does not fit is cut down to the remaining budget when
// at least MinTruncateTokens remain; after that only whole candidates that
// still fit are admitted. Output keeps the original order.
type RelevanceStrategy struct {
	MinTruncateTokens int
}

func (s RelevanceStrategy) Select(candidates []Candidate, budgetTokens int) []Candidate {
	minTrunc := s.MinTruncateTokens
	if minTrunc <= 0 {
		minTrunc = DefaultMinTruncateTokens
	}
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.ValueScore != b.ValueScore {
			return a.ValueScore > b.ValueScore
		}
		if a.OriginalIndex != b.OriginalIndex {
			return a.OriginalIndex < b.OriginalIndex
		}
		return a.ID < b.ID
	})
	return admit(ranked, budgetTokens, minTrunc)
}

// RecencyStrategy prefers the newest material (highest OriginalIndex).
type RecencyStrategy struct {
	MinTruncateTokens int
}

func (s RecencyStrategy) Select(candidates []Candidate, budgetTokens int) []Candidate {
	minTrunc := s.MinTruncateTokens
	if minTrunc <= 0 {
		minTrunc = DefaultMinTruncateTokens
	}
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].OriginalIndex != ranked[j].OriginalIndex {
			return ranked[i].OriginalIndex > ranked[j].OriginalIndex
		}
		return ranked[i].ID < ranked[j].ID
	})
	return admit(ranked, budgetTokens, minTrunc)
}

// Passthrough neither ranks nor truncates: it walks candidates in original
// order and admits each one that still fits whole.
type Passthrough struct{}

func (Passthrough) Select(candidates []Candidate, budgetTokens int) []Candidate {
	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OriginalIndex != ordered[j].OriginalIndex {
			return ordered[i].OriginalIndex < ordered[j].OriginalIndex
		}
		return ordered[i].ID < ordered[j].ID
	})
	remaining := budgetTokens
	var picked []Candidate
	for _, c := range ordered {
		if cost := c.Tokens(); cost <= remaining {
			picked = append(picked, c)
			remaining -= cost
		}
	}
	return picked
}

func admit(ranked []Candidate, budgetTokens, minTrunc int) []Candidate {
	if budgetTokens <= 0 {
		return nil
	}
	remaining := budgetTokens
	truncated := false
	var picked []Candidate
	for _, c := range ranked {
		if remaining <= 0 {
			break
		}
		cost := c.Tokens()
		if cost <= remaining {
			picked = append(picked, c)
			remaining -= cost
			continue
		}
		if truncated || remaining < minTrunc {
			continue
		}
		c.Content = truncateToTokens(c.Content, remaining)
		picked = append(picked, c)
		remaining -= c.Tokens()
		truncated = true
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].OriginalIndex != picked[j].OriginalIndex {
			return picked[i].OriginalIndex < picked[j].OriginalIndex
		}
		return picked[i].ID < picked[j].ID
	})
	return picked
}

// TotalTokens sums the estimate over cs.
func TotalTokens(cs []Candidate) int {
	n := 0
	for _, c := range cs {
		n += c.Tokens()
	}
	return n
}

// ByName resolves a configured strategy name; unknown names get relevance.
func ByName(name string, minTruncate int) Strategy {
	switch name {
	case "recency":
		return RecencyStrategy{MinTruncateTokens: minTruncate}
	case "passthrough", "none":
		return Passthrough{}
	default:
		return RelevanceStrategy{MinTruncateTokens: minTruncate}
	}
}
