package ai

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"queryinsight/internal/db"
)

// SystemInstruction fixes the output contract the parser expects.
const SystemInstruction = `You are a PostgreSQL performance consultant.
Reply with a JSON array of exactly 3 objects with the keys "title", "description", "priority" and "category".
"priority" must be one of "high", "medium" or "low". Order the array by impact, highest first.`

// Input is the data one synthesis run is based on.
type Input struct {
	Database  string
	Narrative string
	Slow      []db.QueryRecord
	Tables    []db.TableSnapshot
	Events    []db.CriticalQueryEvent
}

type promptData struct {
	Database  string        `json:"database"`
	Narrative string        `json:"narrative,omitempty"`
	Queries   []promptQuery `json:"slow_queries"`
	Tables    []promptTable `json:"tables"`
	Events    []promptEvent `json:"critical_events,omitempty"`
}

type promptQuery struct {
	Text     string  `json:"text"`
	Type     string  `json:"type"`
	Table    string  `json:"table,omitempty"`
	Calls    int64   `json:"calls"`
	MeanTime float64 `json:"mean_time_ms"`
	Rows     int64   `json:"rows"`
}

type promptTable struct {
	Name        string   `json:"name"`
	Columns     int      `json:"columns"`
	PrimaryKey  []string `json:"primary_key,omitempty"`
	ForeignKeys int      `json:"foreign_keys,omitempty"`
	Indexes     []string `json:"indexes,omitempty"`
	RowCount    *int64   `json:"row_estimate,omitempty"`
	SeqScans    *int64   `json:"seq_scans,omitempty"`
	IdxScans    *int64   `json:"idx_scans,omitempty"`
}

type promptEvent struct {
	Text     string  `json:"text"`
	MeanTime float64 `json:"mean_time_ms"`
	At       string  `json:"detected_at"`
}

const (
	maxQueryTextLen = 2000
	maxPromptTables = 100
	maxPromptEvents = 20
)

// trimLong cuts s to at most max bytes without splitting a rune.
func trimLong(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + " ... [truncated]"
}

// BuildPrompt renders in as the user prompt.
func BuildPrompt(in Input) (string, error) {
	pd := promptData{Database: in.Database, Narrative: in.Narrative}
	for _, q := range in.Slow {
		pd.Queries = append(pd.Queries, promptQuery{
			Text:     trimLong(q.QueryText, maxQueryTextLen),
			Type:     q.QueryType,
			Table:    q.PrimaryTable,
			Calls:    q.Calls,
			MeanTime: q.MeanExecTimeMs,
			Rows:     q.Rows,
		})
	}
	for i, t := range in.Tables {
		if i == maxPromptTables {
			break
		}
		pt := promptTable{
			Name:        t.SchemaName + "." + t.Table,
			Columns:     len(t.Columns),
			PrimaryKey:  t.PrimaryKey,
			ForeignKeys: len(t.ForeignKeys),
			RowCount:    t.RowCount,
			SeqScans:    t.SeqScans,
			IdxScans:    t.IdxScans,
		}
		for _, ix := range t.Indexes {
			pt.Indexes = append(pt.Indexes, ix.Definition)
		}
		pd.Tables = append(pd.Tables, pt)
	}
	for i, e := range in.Events {
		if i == maxPromptEvents {
			break
		}
		pd.Events = append(pd.Events, promptEvent{
			Text:     trimLong(e.QueryText, maxQueryTextLen),
			MeanTime: e.MeanExecTimeMs,
			At:       e.DetectedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	payload, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Analyze the following PostgreSQL statistics and propose the 3 most valuable improvements.\n")
	b.WriteString("Slow queries exceed the significance threshold; critical events are recent alert breaches.\n\n")
	b.WriteString("DATA (JSON):\n")
	b.Write(payload)
	b.WriteString("\n")
	return b.String(), nil
}
