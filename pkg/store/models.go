package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type SessionModel struct {
	ID         string    `gorm:"primaryKey"`
	QueryCount int       `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type QueryModel struct {
	SessionID string         `gorm:"primaryKey"`
	QueryID   string         `gorm:"primaryKey"`
	Spec      datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

// ItemModel rows are append-only; the composite key keeps order unique per query.
type ItemModel struct {
	SessionID string         `gorm:"primaryKey"`
	QueryID   string         `gorm:"primaryKey"`
	Order     int            `gorm:"primaryKey;autoIncrement:false;column:item_order"`
	Title     string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

// CursorModel has one row per query; replacing it is a single upsert.
type CursorModel struct {
	SessionID     string    `gorm:"primaryKey"`
	QueryID       string    `gorm:"primaryKey"`
	StartIndex    int       `gorm:"not null"`
	TotalResults  int       `gorm:"not null"`
	ResultsStored int       `gorm:"not null"`
	PageSize      int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;index"`
}
