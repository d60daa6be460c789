package app

import (
	"context"
	"errors"
	"fmt"

	"libraryapi/internal/util"
	"libraryapi/pkg/domain"
	"libraryapi/pkg/store"
)

type FineRequest struct {
	PatronID int             `json:"patronId"`
	MediaID  int             `json:"mediaId"`
	Type     domain.FineType `json:"fineType"`
	Amount   int             `json:"amount"`
}

// FinePatch lists the fine fields a caller may change. Nil fields are left
// as they are.
type FinePatch struct {
	Amount *int             `json:"amount,omitempty"`
	Type   *domain.FineType `json:"fineType,omitempty"`
	Paid   *bool            `json:"isPaid,omitempty"`
	Waived *bool            `json:"isWaived,omitempty"`
}

// AssessFine records a fine. At most one fine exists per patron, media and
// type; a second attempt fails with ErrFineAlreadyExists. Lost and damaged
// fines also move the media to LOST_OR_DAMAGED.
func (a *App) AssessFine(ctx context.Context, req FineRequest) (domain.Fine, error) {
	if req.Amount <= 0 {
		return domain.Fine{}, ErrInvalidInput.withf("fine amount must be greater than zero")
	}
	if !req.Type.Valid() {
		return domain.Fine{}, ErrInvalidInput.withf("unknown fine type %q", req.Type)
	}
	if _, err := a.getPatron(ctx, req.PatronID); err != nil {
		return domain.Fine{}, err
	}
	if _, err := getMedia(ctx, a.store, req.MediaID); err != nil {
		return domain.Fine{}, err
	}
	exists, err := a.store.FineExists(ctx, req.PatronID, req.MediaID, req.Type)
	if err != nil {
		return domain.Fine{}, fmt.Errorf("check fine: %w", err)
	}
	if exists {
		return domain.Fine{}, fineExistsErr(req)
	}
	id, err := a.seq.NextFineID(ctx)
	if err != nil {
		return domain.Fine{}, sequenceErr(err)
	}
	fine := domain.Fine{
		ID:         id,
		PatronID:   req.PatronID,
		MediaID:    req.MediaID,
		Type:       req.Type,
		Amount:     req.Amount,
		AssessedAt: a.now(),
	}
	err = a.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.CreateFine(ctx, fine); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fineExistsErr(req)
			}
			return fmt.Errorf("create fine: %w", err)
		}
		if req.Type != domain.FineLostItem && req.Type != domain.FineDamagedItem {
			return nil
		}
		media, err := getMedia(ctx, tx, req.MediaID)
		if err != nil {
			return err
		}
		media.Status = domain.MediaLostOrDamaged
		media.UpdatedAt = fine.AssessedAt
		return tx.SaveMedia(ctx, media)
	})
	if err != nil {
		return domain.Fine{}, err
	}
	util.LoggerFromContext(ctx).Info("fine_assessed",
		"fine_id", fine.ID, "patron_id", fine.PatronID, "media_id", fine.MediaID,
		"fine_type", fine.Type, "amount", fine.Amount)
	return fine, nil
}

func fineExistsErr(req FineRequest) error {
	return ErrFineAlreadyExists.withf("fine %s already exists for patron %d and media %d", req.Type, req.PatronID, req.MediaID)
}

// UpdateFine applies patch to an existing fine.
func (a *App) UpdateFine(ctx context.Context, fineID int, patch FinePatch) (domain.Fine, error) {
	if patch.Amount != nil && *patch.Amount <= 0 {
		return domain.Fine{}, ErrInvalidInput.withf("fine amount must be greater than zero")
	}
	if patch.Type != nil && !patch.Type.Valid() {
		return domain.Fine{}, ErrInvalidInput.withf("unknown fine type %q", *patch.Type)
	}
	var updated domain.Fine
	err := a.store.WithinTx(ctx, func(tx store.Store) error {
		fine, ok, err := tx.GetFine(ctx, fineID)
		if err != nil {
			return fmt.Errorf("get fine %d: %w", fineID, err)
		}
		if !ok {
			return ErrFineNotFound.withf("fine %d not found", fineID)
		}
		if patch.Amount != nil {
			fine.Amount = *patch.Amount
		}
		if patch.Type != nil {
			fine.Type = *patch.Type
		}
		if patch.Waived != nil {
			fine.Waived = *patch.Waived
		}
		if patch.Paid != nil {
			fine.Paid = *patch.Paid
			switch {
			case fine.Paid && fine.PaidAt == nil:
				paidAt := a.now()
				fine.PaidAt = &paidAt
			case !fine.Paid:
				fine.PaidAt = nil
			}
		}
		if err := tx.SaveFine(ctx, fine); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrFineAlreadyExists.withf("fine %s already exists for patron %d and media %d", fine.Type, fine.PatronID, fine.MediaID)
			}
			return fmt.Errorf("save fine %d: %w", fineID, err)
		}
		updated = fine
		return nil
	})
	return updated, err
}

// GetFine returns a fine by id.
func (a *App) GetFine(ctx context.Context, fineID int) (domain.Fine, error) {
	fine, ok, err := a.store.GetFine(ctx, fineID)
	if err != nil {
		return domain.Fine{}, err
	}
	if !ok {
		return domain.Fine{}, ErrFineNotFound.withf("fine %d not found", fineID)
	}
	return fine, nil
}

func (a *App) FinesByPatron(ctx context.Context, patronID int) ([]domain.Fine, error) {
	return a.store.ListFinesByPatron(ctx, patronID)
}

// OutstandingFineTotal sums the patron's fines that are neither paid nor waived.
func (a *App) OutstandingFineTotal(ctx context.Context, patronID int) (int, error) {
	fines, err := a.store.ListFinesByPatron(ctx, patronID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, f := range fines {
		if !f.Paid && !f.Waived {
			total += f.Amount
		}
	}
	return total, nil
}
