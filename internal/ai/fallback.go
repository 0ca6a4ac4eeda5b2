package ai

import (
	"fmt"

	"queryinsight/internal/db"
)

// Metrics are the facts the fallback suggestions are derived from.
type Metrics struct {
	SlowQueries             int
	AvgSlowMeanExecTimeMs   float64
	SignificanceThresholdMs float64
	Tables                  int
	UnusedTables            int
	RecentCriticalEvents    int
}

// NewMetrics summarizes the synthesis inputs. slow holds the records already
// filtered by the significance threshold.
func NewMetrics(slow []db.QueryRecord, snaps []db.TableSnapshot, recentEvents int, thresholdMs float64) Metrics {
	m := Metrics{
		SlowQueries:             len(slow),
		SignificanceThresholdMs: thresholdMs,
		Tables:                  len(snaps),
		RecentCriticalEvents:    recentEvents,
	}
	if len(slow) > 0 {
		var sum float64
		for _, q := range slow {
			sum += q.MeanExecTimeMs
		}
		m.AvgSlowMeanExecTimeMs = sum / float64(len(slow))
	}
	for _, s := range snaps {
		if s.Unused() {
			m.UnusedTables++
		}
	}
	return m
}

var genericSuggestions = []db.Suggestion{
	{
		Title:       "Review index coverage of frequent queries",
		Description: "Compare the filter and join columns of the most called statements with the existing indexes and add missing ones.",
		Priority:    db.PriorityMedium,
		Category:    "indexing",
	},
	{
		Title:       "Keep planner statistics fresh",
		Description: "Make sure autovacuum and ANALYZE run often enough on write-heavy tables so row estimates stay accurate.",
		Priority:    db.PriorityLow,
		Category:    "maintenance",
	},
	{
		Title:       "Enable alerts on critical queries",
		Description: "Opt in the statements your application depends on so mean-time regressions are reported as they happen.",
		Priority:    db.PriorityLow,
		Category:    "monitoring",
	},
}

// FallbackSuggestions derives three suggestions from m without any external
// call. The same input always yields the same output.
func FallbackSuggestions(m Metrics) [3]db.Suggestion {
	var picked []db.Suggestion

	if m.SlowQueries > 0 {
		desc := fmt.Sprintf("%d queries average %.0f ms, above the %.0f ms threshold. Inspect their plans with EXPLAIN ANALYZE and add selective indexes.",
			m.SlowQueries, m.AvgSlowMeanExecTimeMs, m.SignificanceThresholdMs)
		picked = append(picked, db.Suggestion{
			Title:       "Optimize slow queries",
			Description: desc,
			Priority:    db.PriorityHigh,
			Category:    "performance",
		})
	}
	if m.UnusedTables > 0 {
		picked = append(picked, db.Suggestion{
			Title:       "Review unused tables",
			Description: fmt.Sprintf("%d tables have no sequential or index scans recorded. Archive or drop them if they are obsolete.", m.UnusedTables),
			Priority:    db.PriorityMedium,
			Category:    "maintenance",
		})
	}
	if m.Tables > 0 {
		picked = append(picked, db.Suggestion{
			Title:       "Consider partitioning large tables",
			Description: fmt.Sprintf("%d tables are present. Partition the largest by time or tenant to keep scans and vacuum bounded.", m.Tables),
			Priority:    db.PriorityLow,
			Category:    "schema",
		})
	}
	for _, g := range genericSuggestions {
		if len(picked) >= 3 {
			break
		}
		picked = append(picked, g)
	}

	var out [3]db.Suggestion
	copy(out[:], picked)
	return out
}
