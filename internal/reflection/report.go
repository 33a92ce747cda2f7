package reflection

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RenderJSON renders a synthesis as indented JSON with a trailing newline.
func RenderJSON(s Synthesis) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis: %w", err)
	}
	return append(data, '\n'), nil
}

// RenderMarkdown renders a synthesis as a markdown section.
func RenderMarkdown(s Synthesis) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Reflections: %s\n\n", s.PhaseID))
	if len(s.Ranked) == 0 {
		sb.WriteString(fmt.Sprintf("No recommendations from %d records.\n", s.Records))
		return sb.String()
	}

	for _, g := range s.Groups {
		if len(g.Recommendations) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("### %s (%d records)\n\n", g.Outcome, g.Records))
		for _, rec := range g.Recommendations {
			sb.WriteString(fmt.Sprintf("%d. %s (%s)\n", rec.Rank, rec.Text, formatSources(rec.Sources)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatSources(sources []Source) string {
	parts := make([]string, len(sources))
	for i, src := range sources {
		parts[i] = src.ItemID + "@" + src.WorkerID
	}
	return strings.Join(parts, ", ")
}
