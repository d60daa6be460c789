package app

import (
	"context"
	"fmt"

	"libraryapi/internal/util"
	"libraryapi/pkg/domain"
	"libraryapi/pkg/store"
)

const suspendedNotice = "Your account status has been changed to SUSPENDED.\n"

// SuspendPatron moves a patron to SUSPENDED and tells them so. Suspending a
// patron that is already suspended fails with ErrPatronAlreadySuspended.
func (a *App) SuspendPatron(ctx context.Context, patronID int) error {
	err := a.store.WithinTx(ctx, func(tx store.Store) error {
		patron, err := lockPatron(ctx, tx, patronID)
		if err != nil {
			return err
		}
		if patron.Status == domain.PatronSuspended {
			return ErrPatronAlreadySuspended.withf("patron %d is already suspended", patronID)
		}
		patron.Status = domain.PatronSuspended
		patron.UpdatedAt = a.now()
		if err := tx.SavePatron(ctx, patron); err != nil {
			return fmt.Errorf("save patron %d: %w", patronID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger := util.LoggerFromContext(ctx)
	logger.Info("patron_suspended", "patron_id", patronID)
	if err := a.sender.Send(ctx, patronID, suspendedNotice); err != nil {
		logger.Error("suspension_notice_failed", "patron_id", patronID, "err", err)
	}
	return nil
}

// IsPatronSuspended reports whether the patron is currently SUSPENDED.
func (a *App) IsPatronSuspended(ctx context.Context, patronID int) (bool, error) {
	patron, err := a.getPatron(ctx, patronID)
	if err != nil {
		return false, err
	}
	return patron.Status == domain.PatronSuspended, nil
}

func (a *App) getPatron(ctx context.Context, patronID int) (domain.Patron, error) {
	patron, ok, err := a.store.GetPatron(ctx, patronID)
	if err != nil {
		return domain.Patron{}, fmt.Errorf("load patron %d: %w", patronID, err)
	}
	if !ok {
		return domain.Patron{}, ErrPatronNotFound.withf("patron %d not found", patronID)
	}
	return patron, nil
}
