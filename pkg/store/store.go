package store

import (
	"context"
	"errors"
	"time"

	"libraryapi/pkg/domain"
)

var (
	// ErrDuplicate is returned when a write would break a uniqueness rule:
	// a second ACTIVE loan for a patron, or a second fine for the same
	// (patron, media, fine type).
	ErrDuplicate = errors.New("duplicate record")
	// ErrCounterUnavailable is returned when an increment yields no value.
	ErrCounterUnavailable = errors.New("counter returned no value")
)

// PatronStore reads and writes patrons.
type PatronStore interface {
	GetPatron(ctx context.Context, id int) (domain.Patron, bool, error)
	// LockPatron loads a patron and holds a write lock on it until the
	// surrounding transaction ends.
	LockPatron(ctx context.Context, id int) (domain.Patron, bool, error)
	SavePatron(ctx context.Context, p domain.Patron) error
}

// MediaStore reads and writes media items.
type MediaStore interface {
	GetMedia(ctx context.Context, id int) (domain.Media, bool, error)
	SaveMedia(ctx context.Context, m domain.Media) error
	ListMediaByIDs(ctx context.Context, ids []int) ([]domain.Media, error)
	ListMediaWithoutBarcode(ctx context.Context) ([]domain.Media, error)
}

// LoanStore reads and writes loans together with their items and log.
type LoanStore interface {
	GetLoan(ctx context.Context, id int) (domain.Loan, bool, error)
	FindActiveLoan(ctx context.Context, patronID int) (domain.Loan, bool, error)
	FindActiveLoanWithMedia(ctx context.Context, patronID, mediaID int) (domain.Loan, bool, error)
	ListLoansByPatron(ctx context.Context, patronID int) ([]domain.Loan, error)
	ListLoansByMedia(ctx context.Context, mediaID int) ([]domain.Loan, error)
	// ListLoansWithItemsDueBefore returns loans holding at least one
	// CHECKED_OUT item due strictly before day.
	ListLoansWithItemsDueBefore(ctx context.Context, day time.Time) ([]domain.Loan, error)
	// ListActiveLoansWithItemsDueOn returns ACTIVE loans holding at least one
	// CHECKED_OUT item due exactly on day.
	ListActiveLoansWithItemsDueOn(ctx context.Context, day time.Time) ([]domain.Loan, error)
	// SaveLoan inserts or replaces a loan. It fails with ErrDuplicate when the
	// patron already has another ACTIVE loan.
	SaveLoan(ctx context.Context, l domain.Loan) error
	DeleteLoan(ctx context.Context, id int) error
}

// FineStore reads and writes fines.
type FineStore interface {
	// CreateFine inserts a fine unless one exists for the same patron, media
	// and type, in which case it returns ErrDuplicate.
	CreateFine(ctx context.Context, f domain.Fine) error
	FineExists(ctx context.Context, patronID, mediaID int, fineType domain.FineType) (bool, error)
	GetFine(ctx context.Context, id int) (domain.Fine, bool, error)
	SaveFine(ctx context.Context, f domain.Fine) error
	ListFinesByPatron(ctx context.Context, patronID int) ([]domain.Fine, error)
}

// CounterStore hands out named sequence values.
type CounterStore interface {
	// Next atomically increments the named counter, creating it at 1, and
	// returns the new value.
	Next(ctx context.Context, name string) (int, error)
}

// Store is the full persistence surface used by the circulation service.
type Store interface {
	PatronStore
	MediaStore
	LoanStore
	FineStore
	CounterStore

	// WithinTx runs fn against a transactional view of the store. Every write
	// made through that view commits together when fn returns nil and is
	// discarded otherwise.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
