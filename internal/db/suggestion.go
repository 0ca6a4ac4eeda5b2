package db

import (
	"context"
	"time"

	errwrap "github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UpsertSuggestionSet replaces the target's live suggestions.
func (s *Store) UpsertSuggestionSet(ctx context.Context, targetID uint, suggestions []Suggestion, source string, at time.Time) error {
	funcName := "Store.UpsertSuggestionSet"
	if err := checkDeadline(ctx); err != nil {
		return errwrap.Wrap(err, funcName)
	}

	tx := s.db.WithContext(ctx)
	var existing SuggestionSet
	err := tx.Where("target_id = ?", targetID).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		row := SuggestionSet{
			CreatedAt:   at,
			UpdatedAt:   at,
			TargetID:    targetID,
			Suggestions: datatypes.JSONSlice[Suggestion](suggestions),
			Source:      source,
		}
		if err := tx.Create(&row).Error; err != nil {
			return errwrap.Wrap(err, funcName)
		}
		return nil
	case err != nil:
		return errwrap.Wrap(err, funcName)
	}

	err = tx.Model(&existing).Updates(map[string]interface{}{
		"suggestions": datatypes.JSONSlice[Suggestion](suggestions),
		"source":      source,
		"updated_at":  at,
	}).Error
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// GetSuggestionSet returns (nil, nil) when the target has no set yet; a
// missing set is a normal state.
func (s *Store) GetSuggestionSet(ctx context.Context, targetID uint) (*SuggestionSet, error) {
	funcName := "Store.GetSuggestionSet"
	if err := checkDeadline(ctx); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}

	var set SuggestionSet
	err := s.db.WithContext(ctx).Where("target_id = ?", targetID).First(&set).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return &set, nil
}
