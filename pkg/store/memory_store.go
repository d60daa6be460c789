package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"libraryapi/pkg/domain"
)

// MemoryStore keeps circulation records in-process. It backs tests and
// single-instance deployments without DATABASE_URL.
type MemoryStore struct {
	// writeMu serializes writers on the root store; nil on a transaction view.
	writeMu  *sync.Mutex
	mu       sync.RWMutex
	data     *memData
	counters *memCounters
}

type memData struct {
	patrons map[int]domain.Patron
	media   map[int]domain.Media
	loans   map[int]domain.Loan
	fines   map[int]domain.Fine
}

// Counters live outside the transactional snapshot so values are never
// handed out twice, even when a transaction rolls back.
type memCounters struct {
	mu     sync.Mutex
	values map[string]int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		writeMu: &sync.Mutex{},
		data: &memData{
			patrons: make(map[int]domain.Patron),
			media:   make(map[int]domain.Media),
			loans:   make(map[int]domain.Loan),
			fines:   make(map[int]domain.Fine),
		},
		counters: &memCounters{values: make(map[string]int)},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		patrons: make(map[int]domain.Patron, len(d.patrons)),
		media:   make(map[int]domain.Media, len(d.media)),
		loans:   make(map[int]domain.Loan, len(d.loans)),
		fines:   make(map[int]domain.Fine, len(d.fines)),
	}
	for id, p := range d.patrons {
		c.patrons[id] = clonePatron(p)
	}
	for id, m := range d.media {
		c.media[id] = m
	}
	for id, l := range d.loans {
		c.loans[id] = cloneLoan(l)
	}
	for id, f := range d.fines {
		c.fines[id] = cloneFine(f)
	}
	return c
}

func (m *MemoryStore) read(fn func(d *memData)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.data)
}

func (m *MemoryStore) write(fn func(d *memData) error) error {
	if m.writeMu != nil {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.data)
}

// WithinTx runs fn against a private copy of the data and publishes it only
// when fn succeeds. Transactions on the same store run one at a time.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if m.writeMu == nil {
		return fn(m)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	tx := &MemoryStore{data: snapshot, counters: m.counters}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.mu.RLock()
	committed := tx.data
	tx.mu.RUnlock()

	m.mu.Lock()
	m.data = committed
	m.mu.Unlock()
	return nil
}

// Next increments the named counter.
func (m *MemoryStore) Next(_ context.Context, name string) (int, error) {
	m.counters.mu.Lock()
	defer m.counters.mu.Unlock()
	m.counters.values[name]++
	return m.counters.values[name], nil
}

func (m *MemoryStore) GetPatron(_ context.Context, id int) (domain.Patron, bool, error) {
	var (
		p  domain.Patron
		ok bool
	)
	m.read(func(d *memData) {
		p, ok = d.patrons[id]
		p = clonePatron(p)
	})
	return p, ok, nil
}

// LockPatron is GetPatron: a transaction view already excludes other writers.
func (m *MemoryStore) LockPatron(ctx context.Context, id int) (domain.Patron, bool, error) {
	return m.GetPatron(ctx, id)
}

func (m *MemoryStore) SavePatron(_ context.Context, p domain.Patron) error {
	return m.write(func(d *memData) error {
		d.patrons[p.ID] = clonePatron(p)
		return nil
	})
}

func (m *MemoryStore) GetMedia(_ context.Context, id int) (domain.Media, bool, error) {
	var (
		media domain.Media
		ok    bool
	)
	m.read(func(d *memData) {
		media, ok = d.media[id]
	})
	return media, ok, nil
}

func (m *MemoryStore) SaveMedia(_ context.Context, media domain.Media) error {
	return m.write(func(d *memData) error {
		d.media[media.ID] = media
		return nil
	})
}

func (m *MemoryStore) ListMediaByIDs(_ context.Context, ids []int) ([]domain.Media, error) {
	res := make([]domain.Media, 0, len(ids))
	m.read(func(d *memData) {
		for _, media := range d.media {
			if slices.Contains(ids, media.ID) {
				res = append(res, media)
			}
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemoryStore) ListMediaWithoutBarcode(_ context.Context) ([]domain.Media, error) {
	res := []domain.Media{}
	m.read(func(d *memData) {
		for _, media := range d.media {
			if media.Barcode == "" {
				res = append(res, media)
			}
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemoryStore) GetLoan(_ context.Context, id int) (domain.Loan, bool, error) {
	var (
		l  domain.Loan
		ok bool
	)
	m.read(func(d *memData) {
		l, ok = d.loans[id]
		l = cloneLoan(l)
	})
	return l, ok, nil
}

func (m *MemoryStore) FindActiveLoan(_ context.Context, patronID int) (domain.Loan, bool, error) {
	loans := m.filterLoans(func(l domain.Loan) bool {
		return l.PatronID == patronID && l.Status == domain.LoanActive
	})
	if len(loans) == 0 {
		return domain.Loan{}, false, nil
	}
	return loans[0], true, nil
}

func (m *MemoryStore) FindActiveLoanWithMedia(_ context.Context, patronID, mediaID int) (domain.Loan, bool, error) {
	loans := m.filterLoans(func(l domain.Loan) bool {
		return l.PatronID == patronID && l.Status == domain.LoanActive && l.CheckedOutItem(mediaID) >= 0
	})
	if len(loans) == 0 {
		return domain.Loan{}, false, nil
	}
	return loans[0], true, nil
}

func (m *MemoryStore) ListLoansByPatron(_ context.Context, patronID int) ([]domain.Loan, error) {
	return m.filterLoans(func(l domain.Loan) bool { return l.PatronID == patronID }), nil
}

func (m *MemoryStore) ListLoansByMedia(_ context.Context, mediaID int) ([]domain.Loan, error) {
	return m.filterLoans(func(l domain.Loan) bool {
		for _, item := range l.Items {
			if item.MediaID == mediaID {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryStore) ListLoansWithItemsDueBefore(_ context.Context, day time.Time) ([]domain.Loan, error) {
	threshold := domain.Day(day)
	return m.filterLoans(func(l domain.Loan) bool {
		for _, item := range l.Items {
			if item.Status == domain.ItemCheckedOut && domain.Day(item.DueDate).Before(threshold) {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryStore) ListActiveLoansWithItemsDueOn(_ context.Context, day time.Time) ([]domain.Loan, error) {
	target := domain.Day(day)
	return m.filterLoans(func(l domain.Loan) bool {
		if l.Status != domain.LoanActive {
			return false
		}
		for _, item := range l.Items {
			if item.Status == domain.ItemCheckedOut && domain.Day(item.DueDate).Equal(target) {
				return true
			}
		}
		return false
	}), nil
}

// filterLoans returns copies of matching loans ordered by ID.
func (m *MemoryStore) filterLoans(match func(domain.Loan) bool) []domain.Loan {
	res := []domain.Loan{}
	m.read(func(d *memData) {
		for _, l := range d.loans {
			if match(l) {
				res = append(res, cloneLoan(l))
			}
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (m *MemoryStore) SaveLoan(_ context.Context, l domain.Loan) error {
	return m.write(func(d *memData) error {
		if l.Status == domain.LoanActive {
			for id, other := range d.loans {
				if id != l.ID && other.PatronID == l.PatronID && other.Status == domain.LoanActive {
					return fmt.Errorf("%w: patron %d already has an active loan", ErrDuplicate, l.PatronID)
				}
			}
		}
		d.loans[l.ID] = cloneLoan(l)
		return nil
	})
}

func (m *MemoryStore) DeleteLoan(_ context.Context, id int) error {
	return m.write(func(d *memData) error {
		delete(d.loans, id)
		return nil
	})
}

func (m *MemoryStore) CreateFine(_ context.Context, f domain.Fine) error {
	return m.write(func(d *memData) error {
		if _, exists := d.fines[f.ID]; exists {
			return ErrDuplicate
		}
		for _, other := range d.fines {
			if other.PatronID == f.PatronID && other.MediaID == f.MediaID && other.Type == f.Type {
				return ErrDuplicate
			}
		}
		d.fines[f.ID] = cloneFine(f)
		return nil
	})
}

func (m *MemoryStore) FineExists(_ context.Context, patronID, mediaID int, fineType domain.FineType) (bool, error) {
	var exists bool
	m.read(func(d *memData) {
		for _, f := range d.fines {
			if f.PatronID == patronID && f.MediaID == mediaID && f.Type == fineType {
				exists = true
				return
			}
		}
	})
	return exists, nil
}

func (m *MemoryStore) GetFine(_ context.Context, id int) (domain.Fine, bool, error) {
	var (
		f  domain.Fine
		ok bool
	)
	m.read(func(d *memData) {
		f, ok = d.fines[id]
		f = cloneFine(f)
	})
	return f, ok, nil
}

func (m *MemoryStore) SaveFine(_ context.Context, f domain.Fine) error {
	return m.write(func(d *memData) error {
		for id, other := range d.fines {
			if id != f.ID && other.PatronID == f.PatronID && other.MediaID == f.MediaID && other.Type == f.Type {
				return ErrDuplicate
			}
		}
		d.fines[f.ID] = cloneFine(f)
		return nil
	})
}

func (m *MemoryStore) ListFinesByPatron(_ context.Context, patronID int) ([]domain.Fine, error) {
	res := []domain.Fine{}
	m.read(func(d *memData) {
		for _, f := range d.fines {
			if f.PatronID == patronID {
				res = append(res, cloneFine(f))
			}
		}
	})
	sort.Slice(res, func(i, j int) bool {
		if !res[i].AssessedAt.Equal(res[j].AssessedAt) {
			return res[i].AssessedAt.Before(res[j].AssessedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func clonePatron(p domain.Patron) domain.Patron {
	p.CheckedOutItems = slices.Clone(p.CheckedOutItems)
	return p
}

func cloneLoan(l domain.Loan) domain.Loan {
	l.Items = slices.Clone(l.Items)
	for i := range l.Items {
		if rd := l.Items[i].ReturnDate; rd != nil {
			day := *rd
			l.Items[i].ReturnDate = &day
		}
	}
	l.TransactionLog = slices.Clone(l.TransactionLog)
	for i := range l.TransactionLog {
		l.TransactionLog[i].MediaIDs = slices.Clone(l.TransactionLog[i].MediaIDs)
	}
	return l
}

func cloneFine(f domain.Fine) domain.Fine {
	if f.PaidAt != nil {
		paid := *f.PaidAt
		f.PaidAt = &paid
	}
	return f
}

var _ Store = (*MemoryStore)(nil)
