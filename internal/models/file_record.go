package models

import "time"

// FileRecord maps a verified content hash to its local copy.
type FileRecord struct {
	Hash      string    `gorm:"primaryKey;type:varchar(64)" json:"hash"`
	Path      string    `gorm:"not null" json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
