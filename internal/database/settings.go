package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/imrelay/internal/models"
)

// Setting keys written by the history store.
const (
	OwnerSetting         = "store.owner"
	SchemaVersionSetting = "store.schema_version"
)

// GetSetting retrieves a setting by key. Returns an empty string when not found.
func GetSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("settings: db is nil")
	}

	var setting models.Setting
	err := db.WithContext(ctx).Take(&setting, "key = ?", key).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return "", nil
	}
	return "", fmt.Errorf("settings: get %q: %w", key, err)
}

// UpsertSetting stores or updates a setting value.
func UpsertSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("settings: key is required")
	}

	record := models.Setting{Key: key, Value: value}
	if err := db.WithContext(ctx).
		Where("key = ?", key).
		Assign(map[string]any{"value": value}).
		FirstOrCreate(&record).Error; err != nil {
		return fmt.Errorf("settings: upsert %q: %w", key, err)
	}
	return nil
}

// ClaimOwner records owner as the store's user, or fails when the store
// already belongs to someone else.
func ClaimOwner(ctx context.Context, db *gorm.DB, owner string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("settings: owner is empty")
	}

	current, err := GetSetting(ctx, db, OwnerSetting)
	if err != nil {
		return err
	}
	switch current {
	case owner:
		return nil
	case "":
		return UpsertSetting(ctx, db, OwnerSetting, owner)
	default:
		return fmt.Errorf("settings: store belongs to %q, not %q", current, owner)
	}
}
