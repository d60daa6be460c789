package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type PatronModel struct {
	ID              int    `gorm:"primaryKey;autoIncrement:false"`
	Name            string `gorm:"not null"`
	Email           string
	DateOfBirth     time.Time      `gorm:"type:date;not null"`
	Status          string         `gorm:"not null;index"`
	CheckedOutItems datatypes.JSON `gorm:"type:jsonb"`
	UpdatedAt       time.Time
}

type MediaModel struct {
	ID        int    `gorm:"primaryKey;autoIncrement:false"`
	Title     string `gorm:"not null"`
	Author    string
	Barcode   string `gorm:"index"`
	Status    string `gorm:"not null;index"`
	Sensitive bool   `gorm:"not null;default:false"`
	UpdatedAt time.Time
}

// LoanModel carries a partial unique index on patron_id for ACTIVE rows,
// created next to AutoMigrate because struct tags cannot express the predicate.
type LoanModel struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false"`
	PatronID  int       `gorm:"not null;index"`
	Status    string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type LoanItemModel struct {
	ID           uint       `gorm:"primaryKey"`
	LoanID       int        `gorm:"not null;index"`
	Position     int        `gorm:"not null"`
	MediaID      int        `gorm:"not null;index"`
	CheckoutDate time.Time  `gorm:"type:date;not null"`
	DueDate      time.Time  `gorm:"type:date;not null;index"`
	ReturnDate   *time.Time `gorm:"type:date"`
	Status       string     `gorm:"not null;index"`
}

type TransactionLogModel struct {
	ID         uint           `gorm:"primaryKey"`
	LoanID     int            `gorm:"not null;index"`
	Position   int            `gorm:"not null"`
	Type       string         `gorm:"not null"`
	OccurredAt time.Time      `gorm:"not null"`
	MediaIDs   datatypes.JSON `gorm:"type:jsonb"`
}

type FineModel struct {
	ID         int        `gorm:"primaryKey;autoIncrement:false"`
	PatronID   int        `gorm:"not null;index;uniqueIndex:ux_fine_models_patron_media_type,priority:1"`
	MediaID    int        `gorm:"not null;uniqueIndex:ux_fine_models_patron_media_type,priority:2"`
	Type       string     `gorm:"not null;uniqueIndex:ux_fine_models_patron_media_type,priority:3"`
	Amount     int        `gorm:"not null"`
	AssessedAt time.Time  `gorm:"not null"`
	PaidAt     *time.Time
	Paid       bool `gorm:"not null;default:false"`
	Waived     bool `gorm:"not null;default:false"`
}

type CounterModel struct {
	Name  string `gorm:"primaryKey"`
	Value int    `gorm:"not null"`
}
