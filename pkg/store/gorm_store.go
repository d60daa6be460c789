package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"libraryapi/pkg/domain"
)

const migrateLockID int64 = 51812024

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&PatronModel{},
			&MediaModel{},
			&LoanModel{},
			&LoanItemModel{},
			&TransactionLogModel{},
			&FineModel{},
			&CounterModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS ux_loan_models_patron_active
			ON loan_models (patron_id)
			WHERE status = 'ACTIVE'
		`).Error; err != nil {
			return fmt.Errorf("ensure active loan index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithinTx runs fn inside a database transaction.
func (s *GormStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Next increments a named counter in a single upsert statement.
func (s *GormStore) Next(ctx context.Context, name string) (int, error) {
	var value int
	res := s.db.WithContext(ctx).Raw(`
		INSERT INTO counter_models (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = counter_models.value + 1
		RETURNING value
	`, name).Scan(&value)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 || value <= 0 {
		return 0, ErrCounterUnavailable
	}
	return value, nil
}

// GetPatron returns a patron by ID.
func (s *GormStore) GetPatron(ctx context.Context, id int) (domain.Patron, bool, error) {
	return s.getPatron(s.db.WithContext(ctx), id)
}

// LockPatron returns a patron and holds FOR UPDATE on its row.
func (s *GormStore) LockPatron(ctx context.Context, id int) (domain.Patron, bool, error) {
	return s.getPatron(s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (s *GormStore) getPatron(tx *gorm.DB, id int) (domain.Patron, bool, error) {
	var model PatronModel
	if err := tx.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Patron{}, false, nil
		}
		return domain.Patron{}, false, err
	}
	patron, err := patronFromModel(model)
	if err != nil {
		return domain.Patron{}, false, err
	}
	return patron, true, nil
}

// SavePatron registers or updates a patron.
func (s *GormStore) SavePatron(ctx context.Context, p domain.Patron) error {
	model := patronToModel(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "date_of_birth", "status", "checked_out_items", "updated_at"}),
	}).Create(&model).Error
}

// GetMedia returns a media item by ID.
func (s *GormStore) GetMedia(ctx context.Context, id int) (domain.Media, bool, error) {
	var model MediaModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Media{}, false, nil
		}
		return domain.Media{}, false, err
	}
	return mediaFromModel(model), true, nil
}

// SaveMedia stores or updates a media item.
func (s *GormStore) SaveMedia(ctx context.Context, m domain.Media) error {
	model := mediaToModel(m)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "barcode", "status", "sensitive", "updated_at"}),
	}).Create(&model).Error
}

// ListMediaByIDs returns the media items found among ids.
func (s *GormStore) ListMediaByIDs(ctx context.Context, ids []int) ([]domain.Media, error) {
	if len(ids) == 0 {
		return []domain.Media{}, nil
	}
	return s.listMedia(ctx, "id IN ?", ids)
}

// ListMediaWithoutBarcode returns media items that were never given a barcode.
func (s *GormStore) ListMediaWithoutBarcode(ctx context.Context) ([]domain.Media, error) {
	return s.listMedia(ctx, "barcode IS NULL OR barcode = ''")
}

func (s *GormStore) listMedia(ctx context.Context, query string, args ...any) ([]domain.Media, error) {
	var models []MediaModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Media, 0, len(models))
	for _, m := range models {
		res = append(res, mediaFromModel(m))
	}
	return res, nil
}

// GetLoan returns a loan with its items and transaction log.
func (s *GormStore) GetLoan(ctx context.Context, id int) (domain.Loan, bool, error) {
	return s.firstLoan(ctx, s.db.WithContext(ctx).Where("id = ?", id))
}

// FindActiveLoan returns the patron's ACTIVE loan.
func (s *GormStore) FindActiveLoan(ctx context.Context, patronID int) (domain.Loan, bool, error) {
	return s.firstLoan(ctx, s.db.WithContext(ctx).
		Where("patron_id = ? AND status = ?", patronID, string(domain.LoanActive)))
}

// FindActiveLoanWithMedia returns the patron's ACTIVE loan holding mediaID as CHECKED_OUT.
func (s *GormStore) FindActiveLoanWithMedia(ctx context.Context, patronID, mediaID int) (domain.Loan, bool, error) {
	items := s.db.Model(&LoanItemModel{}).Select("loan_id").
		Where("media_id = ? AND status = ?", mediaID, string(domain.ItemCheckedOut))
	return s.firstLoan(ctx, s.db.WithContext(ctx).
		Where("patron_id = ? AND status = ? AND id IN (?)", patronID, string(domain.LoanActive), items))
}

// ListLoansByPatron returns every loan of a patron, oldest first.
func (s *GormStore) ListLoansByPatron(ctx context.Context, patronID int) ([]domain.Loan, error) {
	return s.findLoans(ctx, s.db.WithContext(ctx).Where("patron_id = ?", patronID))
}

// ListLoansByMedia returns every loan that ever held mediaID.
func (s *GormStore) ListLoansByMedia(ctx context.Context, mediaID int) ([]domain.Loan, error) {
	items := s.db.Model(&LoanItemModel{}).Select("loan_id").Where("media_id = ?", mediaID)
	return s.findLoans(ctx, s.db.WithContext(ctx).Where("id IN (?)", items))
}

// ListLoansWithItemsDueBefore returns loans with a CHECKED_OUT item due before day.
func (s *GormStore) ListLoansWithItemsDueBefore(ctx context.Context, day time.Time) ([]domain.Loan, error) {
	items := s.db.Model(&LoanItemModel{}).Select("loan_id").
		Where("status = ? AND due_date < ?", string(domain.ItemCheckedOut), domain.Day(day))
	return s.findLoans(ctx, s.db.WithContext(ctx).Where("id IN (?)", items))
}

// ListActiveLoansWithItemsDueOn returns ACTIVE loans with a CHECKED_OUT item due on day.
func (s *GormStore) ListActiveLoansWithItemsDueOn(ctx context.Context, day time.Time) ([]domain.Loan, error) {
	items := s.db.Model(&LoanItemModel{}).Select("loan_id").
		Where("status = ? AND due_date = ?", string(domain.ItemCheckedOut), domain.Day(day))
	return s.findLoans(ctx, s.db.WithContext(ctx).
		Where("status = ? AND id IN (?)", string(domain.LoanActive), items))
}

func (s *GormStore) firstLoan(ctx context.Context, tx *gorm.DB) (domain.Loan, bool, error) {
	var model LoanModel
	if err := tx.Order("id ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	loans, err := s.hydrateLoans(ctx, []LoanModel{model})
	if err != nil {
		return domain.Loan{}, false, err
	}
	return loans[0], true, nil
}

func (s *GormStore) findLoans(ctx context.Context, tx *gorm.DB) ([]domain.Loan, error) {
	var models []LoanModel
	if err := tx.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return s.hydrateLoans(ctx, models)
}

// hydrateLoans loads items and log entries for all loans in two queries.
func (s *GormStore) hydrateLoans(ctx context.Context, models []LoanModel) ([]domain.Loan, error) {
	if len(models) == 0 {
		return []domain.Loan{}, nil
	}
	ids := make([]int, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var items []LoanItemModel
	if err := s.db.WithContext(ctx).Where("loan_id IN ?", ids).
		Order("loan_id ASC").Order("position ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load loan items: %w", err)
	}
	var entries []TransactionLogModel
	if err := s.db.WithContext(ctx).Where("loan_id IN ?", ids).
		Order("loan_id ASC").Order("position ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load transaction log: %w", err)
	}
	itemsByLoan := make(map[int][]LoanItemModel, len(models))
	for _, item := range items {
		itemsByLoan[item.LoanID] = append(itemsByLoan[item.LoanID], item)
	}
	entriesByLoan := make(map[int][]TransactionLogModel, len(models))
	for _, entry := range entries {
		entriesByLoan[entry.LoanID] = append(entriesByLoan[entry.LoanID], entry)
	}
	loans := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		loan, err := loanFromModels(m, itemsByLoan[m.ID], entriesByLoan[m.ID])
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// SaveLoan upserts the loan row and replaces its items and log entries.
func (s *GormStore) SaveLoan(ctx context.Context, l domain.Loan) error {
	loan, items, entries := loanToModels(l)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"patron_id", "status", "updated_at"}),
		}).Create(&loan).Error; err != nil {
			return err
		}
		if err := tx.Delete(&LoanItemModel{}, "loan_id = ?", loan.ID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&TransactionLogModel{}, "loan_id = ?", loan.ID).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			if err := tx.CreateInBatches(&items, 200).Error; err != nil {
				return err
			}
		}
		if len(entries) > 0 {
			if err := tx.CreateInBatches(&entries, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: patron %d already has an active loan", ErrDuplicate, l.PatronID)
	}
	return err
}

// DeleteLoan removes a loan with its items and log.
func (s *GormStore) DeleteLoan(ctx context.Context, id int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&LoanItemModel{}, "loan_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&TransactionLogModel{}, "loan_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&LoanModel{}, "id = ?", id).Error
	})
}

// CreateFine inserts a fine, relying on the unique index to reject duplicates.
func (s *GormStore) CreateFine(ctx context.Context, f domain.Fine) error {
	model := fineToModel(f)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// FineExists checks whether a fine was assessed for the tuple.
func (s *GormStore) FineExists(ctx context.Context, patronID, mediaID int, fineType domain.FineType) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&FineModel{}).
		Where("patron_id = ? AND media_id = ? AND type = ?", patronID, mediaID, string(fineType)).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetFine returns a fine by ID.
func (s *GormStore) GetFine(ctx context.Context, id int) (domain.Fine, bool, error) {
	var model FineModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Fine{}, false, nil
		}
		return domain.Fine{}, false, err
	}
	return fineFromModel(model), true, nil
}

// SaveFine updates an existing fine.
func (s *GormStore) SaveFine(ctx context.Context, f domain.Fine) error {
	model := fineToModel(f)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "amount", "paid_at", "paid", "waived"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// ListFinesByPatron returns a patron's fines ordered by assessment time.
func (s *GormStore) ListFinesByPatron(ctx context.Context, patronID int) ([]domain.Fine, error) {
	var models []FineModel
	if err := s.db.WithContext(ctx).Where("patron_id = ?", patronID).
		Order("assessed_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Fine, 0, len(models))
	for _, m := range models {
		res = append(res, fineFromModel(m))
	}
	return res, nil
}

func patronToModel(p domain.Patron) PatronModel {
	items := p.CheckedOutItems
	if items == nil {
		items = []int{}
	}
	raw, _ := json.Marshal(items)
	return PatronModel{
		ID:              p.ID,
		Name:            p.Name,
		Email:           p.Email,
		DateOfBirth:     domain.Day(p.DateOfBirth),
		Status:          string(p.Status),
		CheckedOutItems: raw,
		UpdatedAt:       p.UpdatedAt,
	}
}

func patronFromModel(m PatronModel) (domain.Patron, error) {
	var items []int
	if len(m.CheckedOutItems) > 0 {
		if err := json.Unmarshal(m.CheckedOutItems, &items); err != nil {
			return domain.Patron{}, fmt.Errorf("decode checked out items of patron %d: %w", m.ID, err)
		}
	}
	status := domain.PatronStatus(m.Status)
	if status == "" {
		status = domain.PatronInactive
	}
	return domain.Patron{
		ID:              m.ID,
		Name:            m.Name,
		Email:           m.Email,
		DateOfBirth:     domain.Day(m.DateOfBirth),
		Status:          status,
		CheckedOutItems: items,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

func mediaToModel(m domain.Media) MediaModel {
	return MediaModel{
		ID:        m.ID,
		Title:     m.Title,
		Author:    m.Author,
		Barcode:   m.Barcode,
		Status:    string(m.Status),
		Sensitive: m.Sensitive,
		UpdatedAt: m.UpdatedAt,
	}
}

func mediaFromModel(m MediaModel) domain.Media {
	return domain.Media{
		ID:        m.ID,
		Title:     m.Title,
		Author:    m.Author,
		Barcode:   m.Barcode,
		Status:    domain.MediaStatus(m.Status),
		Sensitive: m.Sensitive,
		UpdatedAt: m.UpdatedAt,
	}
}

func loanToModels(l domain.Loan) (LoanModel, []LoanItemModel, []TransactionLogModel) {
	loan := LoanModel{
		ID:        l.ID,
		PatronID:  l.PatronID,
		Status:    string(l.Status),
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
	items := make([]LoanItemModel, 0, len(l.Items))
	for i, item := range l.Items {
		var returned *time.Time
		if item.ReturnDate != nil {
			day := domain.Day(*item.ReturnDate)
			returned = &day
		}
		items = append(items, LoanItemModel{
			LoanID:       l.ID,
			Position:     i,
			MediaID:      item.MediaID,
			CheckoutDate: domain.Day(item.CheckoutDate),
			DueDate:      domain.Day(item.DueDate),
			ReturnDate:   returned,
			Status:       string(item.Status),
		})
	}
	entries := make([]TransactionLogModel, 0, len(l.TransactionLog))
	for i, entry := range l.TransactionLog {
		raw, _ := json.Marshal(entry.MediaIDs)
		entries = append(entries, TransactionLogModel{
			LoanID:     l.ID,
			Position:   i,
			Type:       string(entry.Type),
			OccurredAt: entry.OccurredAt,
			MediaIDs:   raw,
		})
	}
	return loan, items, entries
}

func loanFromModels(m LoanModel, items []LoanItemModel, entries []TransactionLogModel) (domain.Loan, error) {
	loan := domain.Loan{
		ID:             m.ID,
		PatronID:       m.PatronID,
		Status:         domain.LoanStatus(m.Status),
		Items:          make([]domain.LoanItem, 0, len(items)),
		TransactionLog: make([]domain.TransactionLogEntry, 0, len(entries)),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	for _, item := range items {
		var returned *time.Time
		if item.ReturnDate != nil {
			day := domain.Day(*item.ReturnDate)
			returned = &day
		}
		loan.Items = append(loan.Items, domain.LoanItem{
			MediaID:      item.MediaID,
			CheckoutDate: domain.Day(item.CheckoutDate),
			DueDate:      domain.Day(item.DueDate),
			ReturnDate:   returned,
			Status:       domain.ItemStatus(item.Status),
		})
	}
	for _, entry := range entries {
		var mediaIDs []int
		if len(entry.MediaIDs) > 0 {
			if err := json.Unmarshal(entry.MediaIDs, &mediaIDs); err != nil {
				return domain.Loan{}, fmt.Errorf("decode transaction log of loan %d: %w", m.ID, err)
			}
		}
		loan.TransactionLog = append(loan.TransactionLog, domain.TransactionLogEntry{
			Type:       domain.TransactionType(entry.Type),
			OccurredAt: entry.OccurredAt,
			MediaIDs:   mediaIDs,
		})
	}
	return loan, nil
}

func fineToModel(f domain.Fine) FineModel {
	return FineModel{
		ID:         f.ID,
		PatronID:   f.PatronID,
		MediaID:    f.MediaID,
		Type:       string(f.Type),
		Amount:     f.Amount,
		AssessedAt: f.AssessedAt,
		PaidAt:     f.PaidAt,
		Paid:       f.Paid,
		Waived:     f.Waived,
	}
}

func fineFromModel(m FineModel) domain.Fine {
	return domain.Fine{
		ID:         m.ID,
		PatronID:   m.PatronID,
		MediaID:    m.MediaID,
		Type:       domain.FineType(m.Type),
		Amount:     m.Amount,
		AssessedAt: m.AssessedAt,
		PaidAt:     m.PaidAt,
		Paid:       m.Paid,
		Waived:     m.Waived,
	}
}

var _ Store = (*GormStore)(nil)
