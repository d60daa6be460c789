package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"libraryapi/internal/util"
	"libraryapi/pkg/barcode"
	"libraryapi/pkg/domain"
	"libraryapi/pkg/sequence"
)

// NextIdentifier draws the next value of a named counter.
func (a *App) NextIdentifier(ctx context.Context, name string) (int, error) {
	value, err := a.seq.NextValue(ctx, name)
	if errors.Is(err, sequence.ErrInvalidCounterName) {
		return 0, ErrInvalidInput.withf("counter name is required")
	}
	if err != nil {
		return 0, sequenceErr(err)
	}
	return value, nil
}

// BarcodeFor returns the check-digit barcode of a card or media sequence value.
func (a *App) BarcodeFor(barcodeType domain.BarcodeType, value int) (string, error) {
	code, err := a.seq.Barcode(domain.BarcodeType(strings.ToUpper(string(barcodeType))), value)
	if err != nil {
		return "", ErrInvalidInput.withf("%v", err)
	}
	return code, nil
}

// FormatBarcodeDisplay renders a 14 digit barcode as d-dddd-dddddddd-d.
func (a *App) FormatBarcodeDisplay(code string) (string, error) {
	formatted, err := barcode.FormatDisplay(code)
	if err != nil {
		return "", ErrInvalidInput.withf("%v", err)
	}
	return formatted, nil
}

// BackfillBarcodes assigns a media barcode to every item that has none,
// using the media id as the sequence value. It returns how many items were
// updated.
func (a *App) BackfillBarcodes(ctx context.Context) (int, error) {
	logger := util.LoggerFromContext(ctx)
	media, err := a.store.ListMediaWithoutBarcode(ctx)
	if err != nil {
		return 0, fmt.Errorf("list media without barcode: %w", err)
	}
	updated := 0
	for _, m := range media {
		code, err := a.seq.Barcode(domain.BarcodeMedia, m.ID)
		if err != nil {
			return updated, fmt.Errorf("barcode for media %d: %w", m.ID, err)
		}
		m.Barcode = code
		m.UpdatedAt = a.now()
		if err := a.store.SaveMedia(ctx, m); err != nil {
			return updated, fmt.Errorf("save media %d: %w", m.ID, err)
		}
		updated++
		logger.Info("media_barcode_assigned", "media_id", m.ID, "barcode", code)
	}
	return updated, nil
}
