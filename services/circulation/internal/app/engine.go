package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"libraryapi/internal/util"
	"libraryapi/pkg/barcode"
	"libraryapi/pkg/domain"
	"libraryapi/pkg/store"
)

// Action selects what ProcessAction does with the listed media.
type Action string

const (
	ActionCheckout Action = "CHECKOUT"
	ActionReturn   Action = "RETURN"
)

const (
	checkoutMessage = "Item(s) checked out successfully"
	returnMessage   = "Item(s) returned successfully"
)

type ActionRequest struct {
	PatronID int    `json:"patronId"`
	MediaIDs []int  `json:"mediaIds"`
	Action   Action `json:"transactionType"`
}

type MediaItemResult struct {
	MediaTitle         string `json:"mediaTitle"`
	MediaStatus        string `json:"mediaStatus"`
	FormattedBarcodeID string `json:"formattedBarcodeId"`
}

type TransactionResult struct {
	LoanID     int               `json:"loanId"`
	Message    string            `json:"message"`
	MediaItems []MediaItemResult `json:"mediaItems"`
}

// ProcessAction checks out or returns req.MediaIDs for req.PatronID. The
// whole batch commits or nothing does.
func (a *App) ProcessAction(ctx context.Context, req ActionRequest) (TransactionResult, error) {
	action := Action(strings.ToUpper(strings.TrimSpace(string(req.Action))))
	switch action {
	case ActionCheckout:
		return a.checkout(ctx, req.PatronID, req.MediaIDs)
	case ActionReturn:
		return a.returnItems(ctx, req.PatronID, req.MediaIDs)
	case "":
		return TransactionResult{}, ErrInvalidInput.withf("invalid transaction type: empty")
	default:
		return TransactionResult{}, ErrInvalidInput.withf("invalid transaction type: %s", req.Action)
	}
}

func (a *App) checkout(ctx context.Context, patronID int, mediaIDs []int) (TransactionResult, error) {
	if len(mediaIDs) == 0 {
		return TransactionResult{}, ErrInvalidInput.withf("no media ids provided for checkout")
	}
	logger := util.LoggerFromContext(ctx)
	logger.Info("checkout_started", "patron_id", patronID, "media_ids", mediaIDs)

	now := a.now()
	today := domain.Day(now)
	dueDate := today.AddDate(0, 0, a.rules.LoanPeriodDays)

	var (
		loanID int
		items  []domain.Media
	)
	err := a.store.WithinTx(ctx, func(tx store.Store) error {
		patron, err := lockPatron(ctx, tx, patronID)
		if err != nil {
			return err
		}
		loan, found, err := tx.FindActiveLoan(ctx, patronID)
		if err != nil {
			return fmt.Errorf("find active loan: %w", err)
		}
		if !found {
			id, err := a.seq.NextLoanID(ctx)
			if err != nil {
				return sequenceErr(err)
			}
			loan = domain.Loan{ID: id, PatronID: patronID, Status: domain.LoanActive, CreatedAt: now}
		}

		items = items[:0]
		for _, mediaID := range mediaIDs {
			media, err := getMedia(ctx, tx, mediaID)
			if err != nil {
				return err
			}
			if err := RequireMediaStatus(media, domain.MediaAvailable); err != nil {
				return err
			}
			if err := RequireCheckoutEligible(patron, media, today); err != nil {
				return err
			}

			media.Status = domain.MediaCheckedOut
			media.UpdatedAt = now
			if err := tx.SaveMedia(ctx, media); err != nil {
				return fmt.Errorf("save media %d: %w", mediaID, err)
			}

			loan.Items = append(loan.Items, domain.LoanItem{
				MediaID:      mediaID,
				CheckoutDate: today,
				DueDate:      dueDate,
				Status:       domain.ItemCheckedOut,
			})
			loan.TransactionLog = append(loan.TransactionLog, domain.TransactionLogEntry{
				Type:       domain.TransactionCheckout,
				OccurredAt: now,
				MediaIDs:   []int{mediaID},
			})
			patron.CheckedOutItems = append(patron.CheckedOutItems, mediaID)
			if patron.Status == domain.PatronInactive {
				patron.Status = domain.PatronActive
			}
			items = append(items, media)
		}

		loan.UpdatedAt = now
		if err := tx.SaveLoan(ctx, loan); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrActiveLoanExists.withf("patron %d already has an active loan", patronID)
			}
			return fmt.Errorf("save loan %d: %w", loan.ID, err)
		}
		patron.UpdatedAt = now
		if err := tx.SavePatron(ctx, patron); err != nil {
			return fmt.Errorf("save patron %d: %w", patronID, err)
		}
		loanID = loan.ID
		return nil
	})
	if err != nil {
		logger.Warn("checkout_failed", "patron_id", patronID, "media_ids", mediaIDs, "err", err)
		return TransactionResult{}, err
	}
	logger.Info("checkout_completed", "patron_id", patronID, "media_ids", mediaIDs, "loan_id", loanID)
	return a.transactionResult(ctx, loanID, checkoutMessage, items), nil
}

func (a *App) returnItems(ctx context.Context, patronID int, mediaIDs []int) (TransactionResult, error) {
	if len(mediaIDs) == 0 {
		return TransactionResult{}, ErrInvalidInput.withf("no media ids provided for return")
	}
	logger := util.LoggerFromContext(ctx)
	logger.Info("return_started", "patron_id", patronID, "media_ids", mediaIDs)

	now := a.now()
	today := domain.Day(now)

	var (
		loanID int
		items  []domain.Media
	)
	err := a.store.WithinTx(ctx, func(tx store.Store) error {
		patron, err := lockPatron(ctx, tx, patronID)
		if err != nil {
			return err
		}

		items = items[:0]
		for _, mediaID := range mediaIDs {
			media, err := getMedia(ctx, tx, mediaID)
			if err != nil {
				return err
			}
			if err := RequireMediaStatus(media, domain.MediaCheckedOut); err != nil {
				return err
			}
			loan, found, err := tx.FindActiveLoanWithMedia(ctx, patronID, mediaID)
			if err != nil {
				return fmt.Errorf("find loan for media %d: %w", mediaID, err)
			}
			if !found {
				return ErrInvalidLoan.withf("no active loan found for patron %d with media %d", patronID, mediaID)
			}
			idx := loan.CheckedOutItem(mediaID)
			if idx < 0 {
				return ErrInvalidLoan.withf("loan item for media %d not found or already returned", mediaID)
			}
			returned := today
			loan.Items[idx].ReturnDate = &returned
			loan.Items[idx].Status = domain.ItemReturned
			loan.TransactionLog = append(loan.TransactionLog, domain.TransactionLogEntry{
				Type:       domain.TransactionReturn,
				OccurredAt: now,
				MediaIDs:   []int{mediaID},
			})
			if loan.AllReturned() {
				loan.Status = domain.LoanCompleted
			}
			loan.UpdatedAt = now
			if err := tx.SaveLoan(ctx, loan); err != nil {
				return fmt.Errorf("save loan %d: %w", loan.ID, err)
			}

			media.Status = domain.MediaAvailable
			media.UpdatedAt = now
			if err := tx.SaveMedia(ctx, media); err != nil {
				return fmt.Errorf("save media %d: %w", mediaID, err)
			}
			patron.RemoveCheckedOutItem(mediaID)
			loanID = loan.ID
			items = append(items, media)
		}

		patron.UpdatedAt = now
		if err := tx.SavePatron(ctx, patron); err != nil {
			return fmt.Errorf("save patron %d: %w", patronID, err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("return_failed", "patron_id", patronID, "media_ids", mediaIDs, "err", err)
		return TransactionResult{}, err
	}
	logger.Info("return_completed", "patron_id", patronID, "media_ids", mediaIDs, "loan_id", loanID)
	return a.transactionResult(ctx, loanID, returnMessage, items), nil
}

// transactionResult renders the committed media. A barcode that cannot be
// formatted is reported as stored rather than failing a committed batch.
func (a *App) transactionResult(ctx context.Context, loanID int, message string, media []domain.Media) TransactionResult {
	res := TransactionResult{
		LoanID:     loanID,
		Message:    message,
		MediaItems: make([]MediaItemResult, 0, len(media)),
	}
	for _, m := range media {
		formatted, err := barcode.FormatDisplay(m.Barcode)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("barcode_format_failed", "media_id", m.ID, "barcode", m.Barcode, "err", err)
			formatted = m.Barcode
		}
		res.MediaItems = append(res.MediaItems, MediaItemResult{
			MediaTitle:         m.Title,
			MediaStatus:        string(m.Status),
			FormattedBarcodeID: formatted,
		})
	}
	return res
}

// DeleteLoan removes a loan that has no items still checked out.
func (a *App) DeleteLoan(ctx context.Context, loanID int) error {
	return a.store.WithinTx(ctx, func(tx store.Store) error {
		loan, ok, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("get loan %d: %w", loanID, err)
		}
		if !ok {
			return ErrLoanNotFound.withf("loan %d not found", loanID)
		}
		if loan.HasCheckedOutItems() {
			return ErrInvalidOperation.withf("Cannot delete loan with active items")
		}
		if err := tx.DeleteLoan(ctx, loanID); err != nil {
			return fmt.Errorf("delete loan %d: %w", loanID, err)
		}
		util.LoggerFromContext(ctx).Info("loan_deleted", "loan_id", loanID, "patron_id", loan.PatronID)
		return nil
	})
}

// GetLoan returns a loan by id.
func (a *App) GetLoan(ctx context.Context, loanID int) (domain.Loan, error) {
	loan, ok, err := a.store.GetLoan(ctx, loanID)
	if err != nil {
		return domain.Loan{}, err
	}
	if !ok {
		return domain.Loan{}, ErrLoanNotFound.withf("loan %d not found", loanID)
	}
	return loan, nil
}

// LoansByPatron returns every loan of a patron, oldest first.
func (a *App) LoansByPatron(ctx context.Context, patronID int) ([]domain.Loan, error) {
	return a.store.ListLoansByPatron(ctx, patronID)
}

// LoansByMedia returns every loan that ever held the media.
func (a *App) LoansByMedia(ctx context.Context, mediaID int) ([]domain.Loan, error) {
	return a.store.ListLoansByMedia(ctx, mediaID)
}

func lockPatron(ctx context.Context, tx store.Store, patronID int) (domain.Patron, error) {
	patron, ok, err := tx.LockPatron(ctx, patronID)
	if err != nil {
		return domain.Patron{}, fmt.Errorf("load patron %d: %w", patronID, err)
	}
	if !ok {
		return domain.Patron{}, ErrPatronNotFound.withf("patron %d not found", patronID)
	}
	return patron, nil
}

func getMedia(ctx context.Context, s store.MediaStore, mediaID int) (domain.Media, error) {
	media, ok, err := s.GetMedia(ctx, mediaID)
	if err != nil {
		return domain.Media{}, fmt.Errorf("load media %d: %w", mediaID, err)
	}
	if !ok {
		return domain.Media{}, ErrMediaNotFound.withf("media %d not found", mediaID)
	}
	return media, nil
}

type LoanReportMedia struct {
	MediaTitle string `json:"mediaTitle"`
	AuthorName string `json:"authorName"`
}

type LoanReportItem struct {
	domain.LoanItem
	MediaDetails *LoanReportMedia `json:"mediaDetails,omitempty"`
}

type LoanReportEntry struct {
	LoanID     int               `json:"loanId"`
	PatronID   int               `json:"patronId"`
	PatronName string            `json:"patronName"`
	LoanStatus domain.LoanStatus `json:"loanStatus"`
	Items      []LoanReportItem  `json:"items"`
}

// LoanReport lists a patron's loans with the patron name and the details of
// every media item. An unknown patron yields an empty report. Items whose
// media no longer exists carry no details.
func (a *App) LoanReport(ctx context.Context, patronID int) ([]LoanReportEntry, error) {
	if patronID <= 0 {
		return nil, ErrInvalidInput.withf("patron id is required")
	}
	patron, ok, err := a.store.GetPatron(ctx, patronID)
	if err != nil {
		return nil, fmt.Errorf("load patron %d: %w", patronID, err)
	}
	if !ok {
		return []LoanReportEntry{}, nil
	}
	loans, err := a.store.ListLoansByPatron(ctx, patronID)
	if err != nil {
		return nil, fmt.Errorf("list loans for patron %d: %w", patronID, err)
	}

	var ids []int
	seen := make(map[int]struct{})
	for _, loan := range loans {
		for _, item := range loan.Items {
			if _, dup := seen[item.MediaID]; !dup {
				seen[item.MediaID] = struct{}{}
				ids = append(ids, item.MediaID)
			}
		}
	}
	details := make(map[int]*LoanReportMedia, len(ids))
	if len(ids) > 0 {
		media, err := a.store.ListMediaByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load media for report: %w", err)
		}
		for _, m := range media {
			details[m.ID] = &LoanReportMedia{MediaTitle: m.Title, AuthorName: m.Author}
		}
	}

	report := make([]LoanReportEntry, 0, len(loans))
	for _, loan := range loans {
		entry := LoanReportEntry{
			LoanID:     loan.ID,
			PatronID:   loan.PatronID,
			PatronName: patron.Name,
			LoanStatus: loan.Status,
			Items:      make([]LoanReportItem, 0, len(loan.Items)),
		}
		for _, item := range loan.Items {
			entry.Items = append(entry.Items, LoanReportItem{LoanItem: item, MediaDetails: details[item.MediaID]})
		}
		report = append(report, entry)
	}
	return report, nil
}
