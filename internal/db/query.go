package db

import (
	"context"
	"time"

	errwrap "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"queryinsight/internal/identity"
)

// QueryObservation is one statement row as reported by pg_stat_statements,
// already resolved to its identity.
type QueryObservation struct {
	Identity        identity.QueryIdentity
	Calls           int64
	TotalExecTimeMs float64
	MeanExecTimeMs  float64
	MinExecTimeMs   float64
	MaxExecTimeMs   float64
	Rows            int64
	QueryType       string
	PrimaryTable    string
}

func (o QueryObservation) metricUpdates(at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"calls":              o.Calls,
		"total_exec_time_ms": o.TotalExecTimeMs,
		"mean_exec_time_ms":  o.MeanExecTimeMs,
		"min_exec_time_ms":   o.MinExecTimeMs,
		"max_exec_time_ms":   o.MaxExecTimeMs,
		"rows":               o.Rows,
		"query_type":         o.QueryType,
		"primary_table":      o.PrimaryTable,
		"collected_at":       at,
	}
}

// identityColumns is the unique key of a QueryRecord.
var identityColumns = []clause.Column{{Name: "target_id"}, {Name: "query_hash"}}

// createRecord inserts rec unless a record with the same identity exists.
// It reports false when a concurrent writer created that record first.
func createRecord(tx *gorm.DB, rec *QueryRecord) (bool, error) {
	res := tx.Clauses(clause.OnConflict{Columns: identityColumns, DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpsertQueryRecord stores the latest cumulative counters for
// (targetID, observation hash). An existing record has its metric fields
// overwritten; a new one is created with alerts disabled. created reports
// which path was taken.
func (s *Store) UpsertQueryRecord(ctx context.Context, targetID uint, obs QueryObservation, at time.Time) (rec *QueryRecord, created bool, err error) {
	funcName := "Store.UpsertQueryRecord"
	if err := checkDeadline(ctx); err != nil {
		return nil, false, errwrap.Wrap(err, funcName)
	}

	tx := s.db.WithContext(ctx)
	var existing QueryRecord
	err = tx.Where("target_id = ? AND query_hash = ?", targetID, obs.Identity.Hash).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		collectedAt := at
		row := QueryRecord{
			TargetID:        targetID,
			QueryHash:       obs.Identity.Hash,
			QueryText:       obs.Identity.Text,
			Calls:           obs.Calls,
			TotalExecTimeMs: obs.TotalExecTimeMs,
			MeanExecTimeMs:  obs.MeanExecTimeMs,
			MinExecTimeMs:   obs.MinExecTimeMs,
			MaxExecTimeMs:   obs.MaxExecTimeMs,
			Rows:            obs.Rows,
			QueryType:       obs.QueryType,
			PrimaryTable:    obs.PrimaryTable,
			AlertsEnabled:   false,
			CollectedAt:     &collectedAt,
		}
		inserted, err := createRecord(tx, &row)
		if err != nil {
			return nil, false, errwrap.Wrap(err, funcName)
		}
		if inserted {
			return &row, true, nil
		}
		// lost the insert race; update the winner's row instead
		if err := tx.Where("target_id = ? AND query_hash = ?", targetID, obs.Identity.Hash).First(&existing).Error; err != nil {
			return nil, false, errwrap.Wrap(err, funcName)
		}
	case err != nil:
		return nil, false, errwrap.Wrap(err, funcName)
	}

	if err := tx.Model(&existing).Updates(obs.metricUpdates(at)).Error; err != nil {
		return nil, false, errwrap.Wrap(err, funcName)
	}
	return &existing, false, nil
}

// UpdateQueryMetrics overwrites the metric fields of a known record.
func (s *Store) UpdateQueryMetrics(ctx context.Context, id uint, obs QueryObservation, at time.Time) error {
	funcName := "Store.UpdateQueryMetrics"
	if err := checkDeadline(ctx); err != nil {
		return errwrap.Wrap(err, funcName)
	}

	err := s.db.WithContext(ctx).Model(&QueryRecord{}).
		Where("id = ?", id).
		Updates(obs.metricUpdates(at)).Error
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// GetQueryRecord returns (nil, nil) when no record has that identity.
func (s *Store) GetQueryRecord(ctx context.Context, targetID uint, hash string) (*QueryRecord, error) {
	funcName := "Store.GetQueryRecord"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var rec QueryRecord
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND query_hash = ?", targetID, hash).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return &rec, nil
}

// SetAlertsEnabled toggles the operator opt-in for the statement text. When
// enabling a statement that has never been observed, a record with zeroed
// metrics is created so the alert engine can match it on its next poll.
func (s *Store) SetAlertsEnabled(ctx context.Context, targetID uint, text string, enabled bool) (*QueryRecord, error) {
	funcName := "Store.SetAlertsEnabled"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	id := identity.Of(text)
	tx := s.db.WithContext(ctx)

	var rec QueryRecord
	err := tx.Where("target_id = ? AND query_hash = ?", targetID, id.Hash).First(&rec).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		if !enabled {
			return nil, nil
		}
		queryType, table := identity.Classify(id.Text)
		rec = QueryRecord{
			TargetID:      targetID,
			QueryHash:     id.Hash,
			QueryText:     id.Text,
			QueryType:     queryType,
			PrimaryTable:  table,
			AlertsEnabled: true,
		}
		inserted, err := createRecord(tx, &rec)
		if err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
		if inserted {
			return &rec, nil
		}
		rec = QueryRecord{}
		if err := tx.Where("target_id = ? AND query_hash = ?", targetID, id.Hash).First(&rec).Error; err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
	case err != nil:
		return nil, errwrap.Wrap(err, funcName)
	}

	if err := tx.Model(&rec).Update("alerts_enabled", enabled).Error; err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return &rec, nil
}

// ListAlertEnabled returns every alert-enabled record, grouped by target.
func (s *Store) ListAlertEnabled(ctx context.Context) (map[uint][]QueryRecord, error) {
	funcName := "Store.ListAlertEnabled"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var recs []QueryRecord
	err := s.db.WithContext(ctx).
		Where("alerts_enabled = ?", true).
		Order("target_id, id").
		Find(&recs).Error
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	grouped := make(map[uint][]QueryRecord)
	for _, r := range recs {
		grouped[r.TargetID] = append(grouped[r.TargetID], r)
	}
	return grouped, nil
}

// TopQueriesByMean returns up to limit records of a target, slowest first.
func (s *Store) TopQueriesByMean(ctx context.Context, targetID uint, limit int) ([]QueryRecord, error) {
	funcName := "Store.TopQueriesByMean"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var recs []QueryRecord
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("mean_exec_time_ms DESC, id").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return recs, nil
}

// QueriesSlowerThan returns every record of a target whose mean time
// exceeds minMeanMs, slowest first.
func (s *Store) QueriesSlowerThan(ctx context.Context, targetID uint, minMeanMs float64) ([]QueryRecord, error) {
	funcName := "Store.QueriesSlowerThan"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var recs []QueryRecord
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND mean_exec_time_ms > ?", targetID, minMeanMs).
		Order("mean_exec_time_ms DESC, id").
		Find(&recs).Error
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return recs, nil
}

// ListQueryRecords pages through a target's records by total time.
func (s *Store) ListQueryRecords(ctx context.Context, targetID uint, limit, offset int) ([]QueryRecord, int64, error) {
	funcName := "Store.ListQueryRecords"
	if err := checkDeadline(ctx); err != nil {
		return nil, 0, errwrap.Wrap(err, funcName)
	}

	var total int64
	err := s.db.WithContext(ctx).Model(&QueryRecord{}).
		Where("target_id = ?", targetID).
		Count(&total).Error
	if err != nil {
		return nil, 0, errwrap.Wrap(err, funcName)
	}

	var recs []QueryRecord
	err = s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("total_exec_time_ms DESC, id").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, 0, errwrap.Wrap(err, funcName)
	}
	return recs, total, nil
}
