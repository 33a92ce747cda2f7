// Package budget meters per-phase resource consumption and maps it onto
// Green, Yellow, and Red zones.
package budget

import (
	"fmt"
	"strings"
)

// Zone is the budget classification of a counter set.
type Zone int32

const (
	Green Zone = iota
	Yellow
	Red
)

func (z Zone) String() string {
	switch z {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Red:
		return "red"
	default:
		return fmt.Sprintf("zone(%d)", int32(z))
	}
}

// MarshalText encodes the zone by name.
func (z Zone) MarshalText() ([]byte, error) {
	return []byte(z.String()), nil
}

// UnmarshalText decodes a zone name.
func (z *Zone) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "green":
		*z = Green
	case "yellow":
		*z = Yellow
	case "red":
		*z = Red
	default:
		return fmt.Errorf("unknown zone %q", text)
	}
	return nil
}

// Dimension names a metered resource.
type Dimension string

const (
	DirectOperations Dimension = "direct_operations"
	LargeReads       Dimension = "large_reads"
	Delegations      Dimension = "delegations"
)

// Dimensions lists every metered dimension in reporting order.
var Dimensions = []Dimension{DirectOperations, LargeReads, Delegations}

// Threshold holds the zone boundaries for one dimension.
type Threshold struct {
	GreenMax  int64 `json:"greenMax"`
	YellowMax int64 `json:"yellowMax"`
}

// Zone classifies count: Green while count <= GreenMax, Yellow while
// count <= YellowMax, Red beyond.
func (t Threshold) Zone(count int64) Zone {
	switch {
	case count <= t.GreenMax:
		return Green
	case count <= t.YellowMax:
		return Yellow
	default:
		return Red
	}
}

// Thresholds maps each dimension to its boundaries.
type Thresholds map[Dimension]Threshold

// DefaultThresholds returns the stock budget table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DirectOperations: {GreenMax: 10, YellowMax: 15},
		LargeReads:       {GreenMax: 2, YellowMax: 4},
		Delegations:      {GreenMax: 5, YellowMax: 8},
	}
}

// Counters is a point-in-time copy of the budget counters.
type Counters struct {
	DirectOperations int64 `json:"directOperations"`
	LargeReads       int64 `json:"largeReads"`
	Delegations      int64 `json:"delegations"`
}

// Get returns the count for a dimension.
func (c Counters) Get(d Dimension) int64 {
	switch d {
	case DirectOperations:
		return c.DirectOperations
	case LargeReads:
		return c.LargeReads
	case Delegations:
		return c.Delegations
	default:
		return 0
	}
}

// Classify returns the aggregate zone: the highest zone of any dimension.
// Dimensions without a threshold are never above Green.
func Classify(c Counters, t Thresholds) Zone {
	zone := Green
	for _, d := range Dimensions {
		th, ok := t[d]
		if !ok {
			continue
		}
		zone = max(zone, th.Zone(c.Get(d)))
	}
	return zone
}
