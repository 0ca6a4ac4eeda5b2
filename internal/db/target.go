package db

import (
	"context"
	"time"

	errwrap "github.com/pkg/errors"
	"gorm.io/gorm"

	pipeerr "queryinsight/internal/errors"
)

// CreateTarget inserts a new monitored target.
func (s *Store) CreateTarget(ctx context.Context, t *MonitoredTarget) error {
	funcName := "Store.CreateTarget"
	if err := checkDeadline(ctx); err != nil {
		return errwrap.Wrap(err, funcName)
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// GetTarget returns pipeerr.ErrTargetNotFound when id does not exist.
func (s *Store) GetTarget(ctx context.Context, id uint) (*MonitoredTarget, error) {
	funcName := "Store.GetTarget"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var t MonitoredTarget
	err := s.db.WithContext(ctx).First(&t, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, pipeerr.ErrTargetNotFound
	}
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return &t, nil
}

// ListTargets returns every target, oldest first.
func (s *Store) ListTargets(ctx context.Context) ([]MonitoredTarget, error) {
	funcName := "Store.ListTargets"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var targets []MonitoredTarget
	if err := s.db.WithContext(ctx).Order("id").Find(&targets).Error; err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return targets, nil
}

// ListMonitoredTargets returns the targets that participate in scheduled
// collection.
func (s *Store) ListMonitoredTargets(ctx context.Context) ([]MonitoredTarget, error) {
	funcName := "Store.ListMonitoredTargets"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var targets []MonitoredTarget
	err := s.db.WithContext(ctx).
		Where("monitoring_enabled = ?", true).
		Order("id").
		Find(&targets).Error
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return targets, nil
}

// ListTargetsByID loads the given targets; unknown ids are ignored.
func (s *Store) ListTargetsByID(ctx context.Context, ids []uint) ([]MonitoredTarget, error) {
	funcName := "Store.ListTargetsByID"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var targets []MonitoredTarget
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&targets).Error; err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return targets, nil
}

// SetMonitoringEnabled is the only target mutation the pipeline performs.
func (s *Store) SetMonitoringEnabled(ctx context.Context, id uint, enabled bool) error {
	funcName := "Store.SetMonitoringEnabled"
	if err := checkDeadline(ctx); err != nil {
		return errwrap.Wrap(err, funcName)
	}

	res := s.db.WithContext(ctx).Model(&MonitoredTarget{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"monitoring_enabled": enabled,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return errwrap.Wrap(res.Error, funcName)
	}
	if res.RowsAffected == 0 {
		return pipeerr.ErrTargetNotFound
	}
	return nil
}
