package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/imrelay/internal/models"
)

// AutoMigrate creates or updates the history schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.FriendMessage{},
		&models.GroupMessage{},
		&models.FriendEvent{},
		&models.FileRecord{},
		&models.Setting{},
	)
}
