package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	errwrap "github.com/pkg/errors"
)

// AppendCriticalEvent inserts an immutable event. The id and detection time
// are filled in when empty. There is deliberately no update or delete.
func (s *Store) AppendCriticalEvent(ctx context.Context, ev *CriticalQueryEvent) error {
	funcName := "Store.AppendCriticalEvent"
	if err := checkDeadline(ctx); err != nil {
		return errwrap.Wrap(err, funcName)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// ListCriticalEvents returns a target's events detected at or after since,
// newest first, then by rank.
func (s *Store) ListCriticalEvents(ctx context.Context, targetID uint, since time.Time, limit int) ([]CriticalQueryEvent, error) {
	funcName := "Store.ListCriticalEvents"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var events []CriticalQueryEvent
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND detected_at >= ?", targetID, since).
		Order("detected_at DESC, rank").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return events, nil
}

// CountCriticalEventsSince counts a target's events detected at or after since.
func (s *Store) CountCriticalEventsSince(ctx context.Context, targetID uint, since time.Time) (int64, error) {
	funcName := "Store.CountCriticalEventsSince"
	if err := checkDeadline(ctx); err != nil {
		return 0, errwrap.Wrap(err, funcName)
	}

	var n int64
	err := s.db.WithContext(ctx).Model(&CriticalQueryEvent{}).
		Where("target_id = ? AND detected_at >= ?", targetID, since).
		Count(&n).Error
	if err != nil {
		return 0, errwrap.Wrap(err, funcName)
	}
	return n, nil
}
