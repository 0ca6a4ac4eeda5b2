package db

import (
	"time"

	"gorm.io/datatypes"
)

// MonitoredTarget is an externally-hosted PostgreSQL instance under
// observation. The pipeline only ever changes MonitoringEnabled and
// UpdatedAt; everything else is written once by the connect operation.
type MonitoredTarget struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// OwnerID is the account that connected the target.
	OwnerID string `gorm:"index;size:128" json:"owner_id"`

	Name         string `gorm:"size:128" json:"name"`
	Host         string `gorm:"size:255;not null" json:"host"`
	Port         int    `gorm:"not null;default:5432" json:"port"`
	DatabaseName string `gorm:"size:128;not null" json:"database_name"`
	Username     string `gorm:"size:128;not null" json:"username"`
	SSLMode      string `gorm:"size:16;default:prefer" json:"ssl_mode"`

	// EncryptedPassword is hex(nonce || AES-GCM ciphertext).
	EncryptedPassword string `gorm:"type:text;not null" json:"-"`

	// MonitoringEnabled is set once the capability probe found
	// pg_stat_statements on the target.
	MonitoringEnabled bool `gorm:"index;default:false" json:"monitoring_enabled"`
}

// QueryRecord mirrors the cumulative pg_stat_statements counters of one
// statement on one target. Each poll overwrites the metric fields.
type QueryRecord struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TargetID  uint   `gorm:"uniqueIndex:idx_query_identity,priority:1;not null" json:"target_id"`
	QueryHash string `gorm:"uniqueIndex:idx_query_identity,priority:2;size:64;not null" json:"query_hash"`
	QueryText string `gorm:"type:text;not null" json:"query_text"`

	Calls           int64   `gorm:"not null;default:0" json:"calls"`
	TotalExecTimeMs float64 `gorm:"not null;default:0" json:"total_exec_time_ms"`
	MeanExecTimeMs  float64 `gorm:"index;not null;default:0" json:"mean_exec_time_ms"`
	MinExecTimeMs   float64 `gorm:"not null;default:0" json:"min_exec_time_ms"`
	MaxExecTimeMs   float64 `gorm:"not null;default:0" json:"max_exec_time_ms"`
	Rows            int64   `gorm:"not null;default:0" json:"rows"`

	// QueryType is SELECT, INSERT, UPDATE, DELETE or OTHER.
	QueryType string `gorm:"size:16;not null;default:OTHER" json:"query_type"`
	// PrimaryTable is the best-effort first table referenced after FROM.
	PrimaryTable string `gorm:"size:255" json:"primary_table"`

	// AlertsEnabled is the operator opt-in for critical-time alerting.
	AlertsEnabled bool `gorm:"index;not null;default:false" json:"alerts_enabled"`

	// CollectedAt is nil for records created by opt-in and never observed.
	CollectedAt *time.Time `json:"collected_at"`
}

// ColumnInfo describes one column of a snapshotted table.
type ColumnInfo struct {
	Name     string  `json:"name"`
	DataType string  `json:"data_type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
	Position int     `json:"position"`
}

// ForeignKey describes one referencing column of a foreign-key constraint.
type ForeignKey struct {
	Constraint string `json:"constraint"`
	Column     string `json:"column"`
	RefSchema  string `json:"ref_schema"`
	RefTable   string `json:"ref_table"`
	RefColumn  string `json:"ref_column"`
}

// IndexInfo describes one index of a snapshotted table.
type IndexInfo struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Unique     bool   `json:"unique"`
	Primary    bool   `json:"primary"`
}

// TableSnapshot is the latest schema metadata of one table. Snapshots of
// dropped tables are kept.
type TableSnapshot struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TargetID   uint   `gorm:"uniqueIndex:idx_table_identity,priority:1;not null" json:"target_id"`
	SchemaName string `gorm:"uniqueIndex:idx_table_identity,priority:2;size:128;not null" json:"schema_name"`
	Table      string `gorm:"column:table_name;uniqueIndex:idx_table_identity,priority:3;size:128;not null" json:"table_name"`

	Columns     datatypes.JSONSlice[ColumnInfo] `json:"columns"`
	PrimaryKey  datatypes.JSONSlice[string]     `json:"primary_key"`
	ForeignKeys datatypes.JSONSlice[ForeignKey] `json:"foreign_keys"`
	Indexes     datatypes.JSONSlice[IndexInfo]  `json:"indexes"`

	// RowCount is the planner estimate; nil when the estimate query failed.
	RowCount *int64 `json:"row_count"`

	// SeqScans and IdxScans come from pg_stat_user_tables; nil when the
	// target does not report usage for the table.
	SeqScans *int64 `json:"seq_scans"`
	IdxScans *int64 `json:"idx_scans"`

	CollectedAt time.Time `json:"collected_at"`
}

// Unused reports whether usage statistics show no scans at all.
func (t TableSnapshot) Unused() bool {
	return t.SeqScans != nil && t.IdxScans != nil && *t.SeqScans == 0 && *t.IdxScans == 0
}

// CriticalQueryEvent is an immutable record of an alert-enabled query
// breaching the critical mean-time threshold during one alert poll.
type CriticalQueryEvent struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	TargetID      uint   `gorm:"index:idx_event_target_time,priority:1;not null" json:"target_id"`
	QueryRecordID uint   `gorm:"index;not null" json:"query_record_id"`
	QueryHash     string `gorm:"size:64;not null" json:"query_hash"`
	QueryText     string `gorm:"type:text;not null" json:"query_text"`

	Calls           int64   `json:"calls"`
	TotalExecTimeMs float64 `json:"total_exec_time_ms"`
	MeanExecTimeMs  float64 `json:"mean_exec_time_ms"`
	Rows            int64   `json:"rows"`

	// Rank is the 1-based position among critical rows of the same poll.
	Rank int `gorm:"not null" json:"rank"`

	DetectedAt time.Time `gorm:"index:idx_event_target_time,priority:2;not null" json:"detected_at"`
}

// Suggestion priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Suggestion is one ranked recommendation for a target.
type Suggestion struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"required"`
	Priority    string `json:"priority" validate:"required,oneof=high medium low"`
	Category    string `json:"category" validate:"required,max=64"`
}

// Suggestion set sources.
const (
	SourceAI       = "ai"
	SourceFallback = "fallback"
)

// SuggestionSet holds the three live suggestions of a target. It is
// replaced wholesale by every successful synthesis run.
type SuggestionSet struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TargetID    uint                            `gorm:"uniqueIndex;not null" json:"target_id"`
	Suggestions datatypes.JSONSlice[Suggestion] `json:"suggestions"`

	// Source is SourceAI or SourceFallback.
	Source string `gorm:"size:16;not null" json:"source"`
}
