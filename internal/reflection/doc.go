// Package reflection aggregates per-item outcome reports into deduplicated,
// ranked recommendations.
//
// Records are append-only. Synthesize groups records by outcome, merges
// near-duplicate recommendation strings using normalized Levenshtein
// similarity, and ranks recommendations by how many items raised them.
// Ties keep insertion order, so the same record set always renders to the
// same bytes:
//
//	s := reflection.NewSynthesizer(reflection.WithSimilarityThreshold(0.85))
//	syn := s.Synthesize("P2", collector.Records())
//	out, _ := reflection.RenderJSON(syn)
package reflection
