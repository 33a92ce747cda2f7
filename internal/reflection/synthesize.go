package reflection

import (
	"slices"
	"strings"
)

// DefaultSimilarityThreshold merges recommendations at least this similar.
const DefaultSimilarityThreshold = 0.85

// Synthesizer merges and ranks recommendations.
type Synthesizer struct {
	threshold float64
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSimilarityThreshold sets the merge threshold in (0, 1]. Values outside
// the range are ignored.
func WithSimilarityThreshold(t float64) Option {
	return func(s *Synthesizer) {
		if t > 0 && t <= 1 {
			s.threshold = t
		}
	}
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(opts ...Option) *Synthesizer {
	s := &Synthesizer{threshold: DefaultSimilarityThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	rec   Recommendation
	norm  string
	order int
}

// Synthesize groups records by outcome, merges near-duplicate
// recommendations within each group, and ranks them by source count. Ties
// are broken by first insertion, never randomly.
func (s *Synthesizer) Synthesize(phaseID string, records []Record) Synthesis {
	syn := Synthesis{PhaseID: phaseID, Records: len(records), Groups: []Group{}, Ranked: []Recommendation{}}

	groupIdx := make(map[string]int)
	var groups [][]*candidate
	order := 0

	for _, r := range records {
		outcome := r.Outcome
		if outcome == "" {
			outcome = OutcomeSuccess
		}
		gi, ok := groupIdx[outcome]
		if !ok {
			gi = len(syn.Groups)
			groupIdx[outcome] = gi
			syn.Groups = append(syn.Groups, Group{Outcome: outcome})
			groups = append(groups, nil)
		}
		syn.Groups[gi].Records++

		src := Source{ItemID: r.ItemID, WorkerID: r.WorkerID}
		for _, text := range r.Recommendations {
			norm := normalize(text)
			if norm == "" {
				continue
			}
			if c := s.match(groups[gi], norm); c != nil {
				if !slices.Contains(c.rec.Sources, src) {
					c.rec.Sources = append(c.rec.Sources, src)
				}
				continue
			}
			groups[gi] = append(groups[gi], &candidate{
				rec:   Recommendation{Text: strings.TrimSpace(text), Outcome: outcome, Sources: []Source{src}},
				norm:  norm,
				order: order,
			})
			order++
		}
	}

	var all []*candidate
	for gi, cands := range groups {
		ranked := rank(cands)
		recs := make([]Recommendation, len(ranked))
		for i, c := range ranked {
			recs[i] = c.rec
			recs[i].Rank = i + 1
		}
		syn.Groups[gi].Recommendations = recs
		all = append(all, cands...)
	}

	for i, c := range rank(all) {
		rec := c.rec
		rec.Rank = i + 1
		syn.Ranked = append(syn.Ranked, rec)
	}
	return syn
}

func (s *Synthesizer) match(cands []*candidate, norm string) *candidate {
	for _, c := range cands {
		if similarity(c.norm, norm) >= s.threshold {
			return c
		}
	}
	return nil
}

func rank(cands []*candidate) []*candidate {
	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b *candidate) int {
		if d := len(b.rec.Sources) - len(a.rec.Sources); d != 0 {
			return d
		}
		return a.order - b.order
	})
	return out
}

// normalize lowercases and collapses whitespace and trailing punctuation.
func normalize(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, ".!;,")
}

// similarity returns 1 - levenshtein/maxLen over runes.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	return 1.0 - float64(levenshtein(ra, rb))/float64(max(len(ra), len(rb)))
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
