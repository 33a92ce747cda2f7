package reflection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []Record {
	return []Record{
		{PhaseID: "P1", ItemID: "a", WorkerID: "w1", Outcome: OutcomeSuccess,
			Recommendations: []string{"Add table-driven tests for the parser", "Document the config keys"}},
		{PhaseID: "P1", ItemID: "b", WorkerID: "w2", Outcome: OutcomeFailure,
			Recommendations: []string{"Pin the linter version"}},
		{PhaseID: "P1", ItemID: "c", WorkerID: "w1", Outcome: OutcomeSuccess,
			Recommendations: []string{"add table driven tests for the parser.", "Split the large handler"}},
		{PhaseID: "P1", ItemID: "d", WorkerID: "w3", Outcome: OutcomeFailure,
			Recommendations: []string{"Pin the linter version!", "  "}},
		{PhaseID: "P1", ItemID: "e", WorkerID: "w2", Outcome: OutcomeSuccess,
			Recommendations: []string{"Document  the config keys"}},
	}
}

func TestSynthesizer_GroupsAndMerges(t *testing.T) {
	syn := NewSynthesizer().Synthesize("P1", sampleRecords())

	assert.Equal(t, 5, syn.Records)
	require.Len(t, syn.Groups, 2)
	assert.Equal(t, OutcomeSuccess, syn.Groups[0].Outcome)
	assert.Equal(t, 3, syn.Groups[0].Records)
	assert.Equal(t, OutcomeFailure, syn.Groups[1].Outcome)

	success := syn.Groups[0].Recommendations
	require.Len(t, success, 3)
	assert.Equal(t, "Add table-driven tests for the parser", success[0].Text)
	assert.Equal(t, []Source{{"a", "w1"}, {"c", "w1"}}, success[0].Sources)
	assert.Equal(t, "Document the config keys", success[1].Text)
	assert.Equal(t, "Split the large handler", success[2].Text)
	assert.Equal(t, 3, success[2].Rank)

	failure := syn.Groups[1].Recommendations
	require.Len(t, failure, 1)
	assert.Len(t, failure[0].Sources, 2)
}

func TestSynthesizer_RankingTiesKeepInsertionOrder(t *testing.T) {
	syn := NewSynthesizer().Synthesize("P1", sampleRecords())

	var texts []string
	for _, r := range syn.Ranked {
		texts = append(texts, r.Text)
	}
	assert.Equal(t, []string{
		"Add table-driven tests for the parser",
		"Document the config keys",
		"Pin the linter version",
		"Split the large handler",
	}, texts)
	for i, r := range syn.Ranked {
		assert.Equal(t, i+1, r.Rank)
	}
}

func TestSynthesizer_DoesNotMergeAcrossOutcomes(t *testing.T) {
	syn := NewSynthesizer().Synthesize("P", []Record{
		{ItemID: "a", WorkerID: "w", Outcome: OutcomeSuccess, Recommendations: []string{"retry flaky tests"}},
		{ItemID: "b", WorkerID: "w", Outcome: OutcomeFailure, Recommendations: []string{"retry flaky tests"}},
	})
	assert.Len(t, syn.Ranked, 2)
}

func TestSynthesizer_Threshold(t *testing.T) {
	records := []Record{
		{ItemID: "a", WorkerID: "w", Recommendations: []string{"cache the schema lookups"}},
		{ItemID: "b", WorkerID: "w", Recommendations: []string{"cache the schema loader"}},
	}

	strict := NewSynthesizer(WithSimilarityThreshold(1.0)).Synthesize("P", records)
	assert.Len(t, strict.Ranked, 2)

	loose := NewSynthesizer(WithSimilarityThreshold(0.5)).Synthesize("P", records)
	assert.Len(t, loose.Ranked, 1)

	ignored := NewSynthesizer(WithSimilarityThreshold(7))
	assert.Equal(t, DefaultSimilarityThreshold, ignored.threshold)
}

func TestSynthesizer_Deterministic(t *testing.T) {
	s := NewSynthesizer()
	records := sampleRecords()
	for i := 0; i < 20; i++ {
		records = append(records, Record{
			ItemID:          fmt.Sprintf("x%d", i),
			WorkerID:        fmt.Sprintf("w%d", i%4),
			Outcome:         []string{OutcomeSuccess, OutcomePartial, OutcomeFailure}[i%3],
			Recommendations: []string{fmt.Sprintf("recommendation number %d", i%5)},
		})
	}

	first, err := RenderJSON(s.Synthesize("P1", records))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := RenderJSON(s.Synthesize("P1", records))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, RenderMarkdown(s.Synthesize("P1", records)), RenderMarkdown(s.Synthesize("P1", records)))
}

func TestSynthesizer_Empty(t *testing.T) {
	syn := NewSynthesizer().Synthesize("P", nil)
	out, err := RenderJSON(syn)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"ranked": []`)
	assert.Contains(t, RenderMarkdown(syn), "No recommendations from 0 records.")
}

func TestRenderMarkdown(t *testing.T) {
	md := RenderMarkdown(NewSynthesizer().Synthesize("P1", sampleRecords()))

	assert.Contains(t, md, "## Reflections: P1")
	assert.Contains(t, md, "### success (3 records)")
	assert.Contains(t, md, "1. Add table-driven tests for the parser (a@w1, c@w1)")
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("abc", "abc"))
	assert.Equal(t, 0.0, similarity("", "abc"))
	assert.InDelta(t, 0.666, similarity("abc", "abd"), 0.01)
	assert.Equal(t, 3, levenshtein([]rune("kitten"), []rune("sitting")))
}

func TestCollector(t *testing.T) {
	c := NewCollector(Record{PhaseID: "P0", ItemID: "seed"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Add(Record{PhaseID: "P1", ItemID: fmt.Sprintf("i%d", i)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 51, c.Len())
	assert.Len(t, c.ForPhase("P1"), 50)
	assert.Equal(t, "seed", c.Records()[0].ItemID)

	recs := []string{"x"}
	c.Add(Record{ItemID: "copy", Recommendations: recs})
	recs[0] = "mutated"
	last := c.Records()[c.Len()-1]
	assert.Equal(t, []string{"x"}, last.Recommendations)
}
