package domain

import "time"

type LoanStatus string

const (
	LoanActive    LoanStatus = "ACTIVE"
	LoanCompleted LoanStatus = "COMPLETED"
)

type ItemStatus string

const (
	ItemCheckedOut ItemStatus = "CHECKED_OUT"
	ItemReturned   ItemStatus = "RETURNED"
)

type TransactionType string

const (
	TransactionCheckout TransactionType = "CHECKOUT"
	TransactionReturn   TransactionType = "RETURN"
)

type MediaStatus string

const (
	MediaAvailable     MediaStatus = "AVAILABLE"
	MediaCheckedOut    MediaStatus = "CHECKED_OUT"
	MediaLostOrDamaged MediaStatus = "LOST_OR_DAMAGED"
)

type PatronStatus string

const (
	PatronActive    PatronStatus = "ACTIVE"
	PatronInactive  PatronStatus = "INACTIVE"
	PatronSuspended PatronStatus = "SUSPENDED"
)

type FineType string

const (
	FineOverdueItem FineType = "OVERDUE_ITEM"
	FineLostItem    FineType = "LOST_ITEM"
	FineDamagedItem FineType = "DAMAGED_ITEM"
)

// Valid reports whether t is a known fine type.
func (t FineType) Valid() bool {
	switch t {
	case FineOverdueItem, FineLostItem, FineDamagedItem:
		return true
	}
	return false
}

// BarcodeType selects the prefix and counter used to mint a barcode.
type BarcodeType string

const (
	BarcodeCard  BarcodeType = "CARD"
	BarcodeMedia BarcodeType = "MEDIA"
)

// Loan groups every item a patron has borrowed until all of them are returned.
// A patron has at most one ACTIVE loan.
type Loan struct {
	ID             int                   `json:"loanId"`
	PatronID       int                   `json:"patronId"`
	Status         LoanStatus            `json:"status"`
	Items          []LoanItem            `json:"items"`
	TransactionLog []TransactionLogEntry `json:"transactionLog"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// CheckedOutItem returns the index of the CHECKED_OUT item for mediaID, or -1.
func (l Loan) CheckedOutItem(mediaID int) int {
	for i, item := range l.Items {
		if item.MediaID == mediaID && item.Status == ItemCheckedOut {
			return i
		}
	}
	return -1
}

// HasCheckedOutItems reports whether any item is still out.
func (l Loan) HasCheckedOutItems() bool {
	for _, item := range l.Items {
		if item.Status == ItemCheckedOut {
			return true
		}
	}
	return false
}

// AllReturned reports whether every item of a non-empty loan is RETURNED.
func (l Loan) AllReturned() bool {
	if len(l.Items) == 0 {
		return false
	}
	return !l.HasCheckedOutItems()
}

type LoanItem struct {
	MediaID      int        `json:"mediaId"`
	CheckoutDate time.Time  `json:"checkoutDate"`
	DueDate      time.Time  `json:"dueDate"`
	ReturnDate   *time.Time `json:"returnDate,omitempty"`
	Status       ItemStatus `json:"status"`
}

type TransactionLogEntry struct {
	Type       TransactionType `json:"transactionType"`
	OccurredAt time.Time       `json:"transactionDate"`
	MediaIDs   []int           `json:"mediaIds"`
}

type Media struct {
	ID        int         `json:"mediaId"`
	Title     string      `json:"mediaTitle"`
	Author    string      `json:"authorName,omitempty"`
	Barcode   string      `json:"barCodeId,omitempty"`
	Status    MediaStatus `json:"status"`
	Sensitive bool        `json:"isSensitive"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type Patron struct {
	ID              int          `json:"patronId"`
	Name            string       `json:"patronName"`
	Email           string       `json:"emailAddress,omitempty"`
	DateOfBirth     time.Time    `json:"dateOfBirth"`
	Status          PatronStatus `json:"status"`
	CheckedOutItems []int        `json:"checkedOutItems"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// RemoveCheckedOutItem drops the first occurrence of mediaID from the checked-out list.
func (p *Patron) RemoveCheckedOutItem(mediaID int) {
	for i, id := range p.CheckedOutItems {
		if id == mediaID {
			p.CheckedOutItems = append(p.CheckedOutItems[:i:i], p.CheckedOutItems[i+1:]...)
			return
		}
	}
}

type Fine struct {
	ID         int        `json:"fineId"`
	PatronID   int        `json:"patronId"`
	MediaID    int        `json:"mediaId"`
	Type       FineType   `json:"fineType"`
	Amount     int        `json:"amount"`
	AssessedAt time.Time  `json:"dateAssessed"`
	PaidAt     *time.Time `json:"datePaid,omitempty"`
	Paid       bool       `json:"isPaid"`
	Waived     bool       `json:"isWaived"`
}
