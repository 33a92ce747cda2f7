package reflection

import (
	"slices"
	"sync"
)

// Outcome categories reported by workers. Other values are kept verbatim.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// Record is one worker's reflection on one work item. Records are never
// mutated after creation.
type Record struct {
	PhaseID         string   `json:"phaseId,omitempty"`
	ItemID          string   `json:"itemId"`
	WorkerID        string   `json:"workerId"`
	Outcome         string   `json:"outcome"`
	Notes           string   `json:"notes,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Source identifies where a recommendation came from.
type Source struct {
	ItemID   string `json:"itemId"`
	WorkerID string `json:"workerId"`
}

// Recommendation is a deduplicated recommendation with every source that
// raised it. Text is the first phrasing seen.
type Recommendation struct {
	Rank    int      `json:"rank"`
	Text    string   `json:"text"`
	Outcome string   `json:"outcome"`
	Sources []Source `json:"sources"`
}

// Group holds the recommendations for one outcome category.
type Group struct {
	Outcome         string           `json:"outcome"`
	Records         int              `json:"records"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Synthesis is the ranked output for a phase.
type Synthesis struct {
	PhaseID string           `json:"phaseId"`
	Records int              `json:"records"`
	Groups  []Group          `json:"groups"`
	Ranked  []Recommendation `json:"ranked"`
}

// Collector is an append-only record log safe for concurrent Add.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

// NewCollector creates a collector seeded with records, which are copied.
func NewCollector(seed ...Record) *Collector {
	c := &Collector{}
	for _, r := range seed {
		c.Add(r)
	}
	return c
}

// Add appends a copy of r.
func (c *Collector) Add(r Record) {
	r.Recommendations = slices.Clone(r.Recommendations)
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// Records returns a copy of the log in insertion order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// ForPhase returns the records of one phase in insertion order.
func (c *Collector) ForPhase(phaseID string) []Record {
	var out []Record
	for _, r := range c.Records() {
		if r.PhaseID == phaseID {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
