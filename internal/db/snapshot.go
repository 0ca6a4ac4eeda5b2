package db

import (
	"context"

	errwrap "github.com/pkg/errors"
	"gorm.io/gorm"
)

// UpsertTableSnapshot replaces the stored snapshot for
// (TargetID, SchemaName, Table) with snap, creating it if absent.
func (s *Store) UpsertTableSnapshot(ctx context.Context, snap *TableSnapshot) error {
	funcName := "Store.UpsertTableSnapshot"
	if err := checkDeadline(ctx); err != nil {
		return errwrap.Wrap(err, funcName)
	}

	tx := s.db.WithContext(ctx)
	var existing TableSnapshot
	err := tx.Where("target_id = ? AND schema_name = ? AND table_name = ?", snap.TargetID, snap.SchemaName, snap.Table).
		First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		if err := tx.Create(snap).Error; err != nil {
			return errwrap.Wrap(err, funcName)
		}
		return nil
	case err != nil:
		return errwrap.Wrap(err, funcName)
	}

	err = tx.Model(&existing).Updates(map[string]interface{}{
		"columns":      snap.Columns,
		"primary_key":  snap.PrimaryKey,
		"foreign_keys": snap.ForeignKeys,
		"indexes":      snap.Indexes,
		"row_count":    snap.RowCount,
		"seq_scans":    snap.SeqScans,
		"idx_scans":    snap.IdxScans,
		"collected_at": snap.CollectedAt,
	}).Error
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	snap.ID = existing.ID
	snap.CreatedAt = existing.CreatedAt
	return nil
}

// ListTableSnapshots returns every snapshot of a target ordered by schema
// and table name.
func (s *Store) ListTableSnapshots(ctx context.Context, targetID uint) ([]TableSnapshot, error) {
	funcName := "Store.ListTableSnapshots"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var snaps []TableSnapshot
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("schema_name, table_name").
		Find(&snaps).Error
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return snaps, nil
}
