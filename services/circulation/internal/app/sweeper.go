package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libraryapi/internal/util"
	"libraryapi/pkg/domain"
)

// SweepReport summarizes one overdue sweep.
type SweepReport struct {
	Threshold        time.Time `json:"threshold"`
	LoansScanned     int       `json:"loansScanned"`
	PatronsSuspended int       `json:"patronsSuspended"`
	FinesAssessed    int       `json:"finesAssessed"`
	FinesSkipped     int       `json:"finesSkipped"`
	Failures         int       `json:"failures"`
}

// RunOverdueSweep suspends patrons holding items past the overdue threshold
// and fines each such item daysOverdue * finePerDay once. A failure on one
// loan is logged and the sweep moves on; all failures are joined into the
// returned error.
func (a *App) RunOverdueSweep(ctx context.Context) (SweepReport, error) {
	logger := util.LoggerFromContext(ctx)
	today := domain.Day(a.now())
	threshold := today.AddDate(0, 0, -a.rules.OverdueThresholdDays)
	report := SweepReport{Threshold: threshold}

	loans, err := a.store.ListLoansWithItemsDueBefore(ctx, threshold)
	if err != nil {
		return report, fmt.Errorf("list overdue loans: %w", err)
	}
	report.LoansScanned = len(loans)
	logger.Info("overdue_sweep_started", "threshold", threshold.Format(time.DateOnly), "loans", len(loans))

	var errs []error
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.suspendIfNeeded(ctx, loan.PatronID, &report); err != nil {
			report.Failures++
			logger.Error("overdue_suspend_failed", "patron_id", loan.PatronID, "loan_id", loan.ID, "err", err)
			errs = append(errs, fmt.Errorf("suspend patron %d: %w", loan.PatronID, err))
		}
		for _, item := range loan.Items {
			if item.Status != domain.ItemCheckedOut || !domain.Day(item.DueDate).Before(threshold) {
				continue
			}
			if err := a.fineOverdueItem(ctx, loan.PatronID, item, today, &report); err != nil {
				report.Failures++
				logger.Error("overdue_fine_failed", "patron_id", loan.PatronID, "media_id", item.MediaID, "loan_id", loan.ID, "err", err)
				errs = append(errs, fmt.Errorf("fine patron %d media %d: %w", loan.PatronID, item.MediaID, err))
			}
		}
	}

	logger.Info("overdue_sweep_finished",
		"loans", report.LoansScanned, "suspended", report.PatronsSuspended,
		"fines", report.FinesAssessed, "skipped", report.FinesSkipped, "failures", report.Failures)
	return report, errors.Join(errs...)
}

func (a *App) suspendIfNeeded(ctx context.Context, patronID int, report *SweepReport) error {
	suspended, err := a.IsPatronSuspended(ctx, patronID)
	if err != nil {
		return err
	}
	if suspended {
		return nil
	}
	if err := a.SuspendPatron(ctx, patronID); err != nil {
		// Another instance or request suspended the patron in between.
		if errors.Is(err, ErrPatronAlreadySuspended) {
			return nil
		}
		return err
	}
	report.PatronsSuspended++
	return nil
}

func (a *App) fineOverdueItem(ctx context.Context, patronID int, item domain.LoanItem, today time.Time, report *SweepReport) error {
	exists, err := a.store.FineExists(ctx, patronID, item.MediaID, domain.FineOverdueItem)
	if err != nil {
		return err
	}
	if exists {
		report.FinesSkipped++
		return nil
	}
	daysOverdue := domain.DaysBetween(item.DueDate, today)
	_, err = a.AssessFine(ctx, FineRequest{
		PatronID: patronID,
		MediaID:  item.MediaID,
		Type:     domain.FineOverdueItem,
		Amount:   daysOverdue * a.rules.FinePerDay,
	})
	if errors.Is(err, ErrFineAlreadyExists) {
		util.LoggerFromContext(ctx).Info("overdue_fine_exists", "patron_id", patronID, "media_id", item.MediaID)
		report.FinesSkipped++
		return nil
	}
	if err != nil {
		return err
	}
	report.FinesAssessed++
	return nil
}
