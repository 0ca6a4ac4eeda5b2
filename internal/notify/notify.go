// Package notify delivers critical-query alerts to operators.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"queryinsight/internal/db"
)

// TargetInfo identifies the database an alert batch belongs to.
type TargetInfo struct {
	TargetID     uint
	Host         string
	DatabaseName string
}

// Dispatcher sends one batch of critical events for one target. Callers
// invoke it at most once per target per alert poll.
type Dispatcher interface {
	Send(ctx context.Context, events []db.CriticalQueryEvent, target TargetInfo) error
}

// EventPayload is the wire form of one critical event.
type EventPayload struct {
	ID              string  `json:"id"`
	Rank            int     `json:"rank"`
	QueryHash       string  `json:"query_hash"`
	QueryText       string  `json:"query_text"`
	Calls           int64   `json:"calls"`
	MeanExecTimeMs  float64 `json:"mean_exec_time_ms"`
	TotalExecTimeMs float64 `json:"total_exec_time_ms"`
	Rows            int64   `json:"rows"`
}

// Message is the body published for one batch.
type Message struct {
	TargetID     uint           `json:"target_id"`
	Host         string         `json:"host"`
	DatabaseName string         `json:"database_name"`
	DetectedAt   time.Time      `json:"detected_at"`
	Events       []EventPayload `json:"events"`
}

// NewMessage builds the batch message. DetectedAt is the earliest event time.
func NewMessage(events []db.CriticalQueryEvent, target TargetInfo) Message {
	m := Message{
		TargetID:     target.TargetID,
		Host:         target.Host,
		DatabaseName: target.DatabaseName,
		Events:       make([]EventPayload, 0, len(events)),
	}
	for _, e := range events {
		if m.DetectedAt.IsZero() || e.DetectedAt.Before(m.DetectedAt) {
			m.DetectedAt = e.DetectedAt
		}
		m.Events = append(m.Events, EventPayload{
			ID:              e.ID,
			Rank:            e.Rank,
			QueryHash:       e.QueryHash,
			QueryText:       e.QueryText,
			Calls:           e.Calls,
			MeanExecTimeMs:  e.MeanExecTimeMs,
			TotalExecTimeMs: e.TotalExecTimeMs,
			Rows:            e.Rows,
		})
	}
	return m
}

func encode(events []db.CriticalQueryEvent, target TargetInfo) ([]byte, error) {
	return json.Marshal(NewMessage(events, target))
}

// LogDispatcher only logs alerts. It is used when no broker is configured.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.Named("notify")}
}

func (d *LogDispatcher) Send(_ context.Context, events []db.CriticalQueryEvent, target TargetInfo) error {
	for _, e := range events {
		d.log.Warn("critical query",
			zap.Uint("target_id", target.TargetID),
			zap.String("host", target.Host),
			zap.String("database", target.DatabaseName),
			zap.Int("rank", e.Rank),
			zap.Float64("mean_exec_time_ms", e.MeanExecTimeMs),
			zap.String("query_hash", e.QueryHash),
		)
	}
	return nil
}
