// Package sequence mints identifiers from named storage counters and derives
// check-digit barcodes from them.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"libraryapi/pkg/barcode"
	"libraryapi/pkg/domain"
	"libraryapi/pkg/store"
)

// Counter names.
const (
	LoanCounter    = "loanId"
	FineCounter    = "fineId"
	PatronCounter  = "patronId"
	MediaCounter   = "mediaId"
	CardCounter    = "cardId"
	InvoiceCounter = "invoiceId"
)

var (
	// ErrSequenceGeneration means the counter store could not hand out a value.
	ErrSequenceGeneration = errors.New("sequence generation failed")
	ErrUnknownBarcodeType = errors.New("unknown barcode type")
	ErrInvalidCounterName = errors.New("invalid counter name")
)

// BarcodeConfig carries the numeric parts prepended to every barcode.
type BarcodeConfig struct {
	LibraryIDCode string
	CardPrefix    string
	MediaPrefix   string
}

// Sequencer hands out gapless per-name values. Every value comes from one
// atomic increment in the counter store.
type Sequencer struct {
	counters store.CounterStore
	barcodes BarcodeConfig
}

func New(counters store.CounterStore, cfg BarcodeConfig) *Sequencer {
	return &Sequencer{counters: counters, barcodes: cfg}
}

// NextValue increments the named counter and returns the new value.
func (s *Sequencer) NextValue(ctx context.Context, name string) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrInvalidCounterName
	}
	value, err := s.counters.Next(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: counter %s: %v", ErrSequenceGeneration, name, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: counter %s returned %d", ErrSequenceGeneration, name, value)
	}
	return value, nil
}

func (s *Sequencer) NextLoanID(ctx context.Context) (int, error) {
	return s.NextValue(ctx, LoanCounter)
}

func (s *Sequencer) NextFineID(ctx context.Context) (int, error) {
	return s.NextValue(ctx, FineCounter)
}

func (s *Sequencer) NextPatronID(ctx context.Context) (int, error) {
	return s.NextValue(ctx, PatronCounter)
}

func (s *Sequencer) NextMediaID(ctx context.Context) (int, error) {
	return s.NextValue(ctx, MediaCounter)
}

func (s *Sequencer) NextCardID(ctx context.Context) (int, error) {
	return s.NextValue(ctx, CardCounter)
}

// Barcode builds prefix + library id code + value and appends the check digit.
func (s *Sequencer) Barcode(t domain.BarcodeType, value int) (string, error) {
	prefix, err := s.prefix(t)
	if err != nil {
		return "", err
	}
	if value <= 0 {
		return "", fmt.Errorf("barcode sequence value must be positive, got %d", value)
	}
	code, err := barcode.Append(prefix + s.barcodes.LibraryIDCode + strconv.Itoa(value))
	if err != nil {
		return "", fmt.Errorf("build %s barcode: %w", t, err)
	}
	return code, nil
}

// NextBarcode draws the next value from the counter that backs t and returns
// it with its barcode.
func (s *Sequencer) NextBarcode(ctx context.Context, t domain.BarcodeType) (int, string, error) {
	counter, err := CounterFor(t)
	if err != nil {
		return 0, "", err
	}
	value, err := s.NextValue(ctx, counter)
	if err != nil {
		return 0, "", err
	}
	code, err := s.Barcode(t, value)
	if err != nil {
		return 0, "", err
	}
	return value, code, nil
}

// CounterFor returns the counter name that numbers barcodes of type t.
func CounterFor(t domain.BarcodeType) (string, error) {
	switch t {
	case domain.BarcodeCard:
		return CardCounter, nil
	case domain.BarcodeMedia:
		return MediaCounter, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBarcodeType, t)
}

func (s *Sequencer) prefix(t domain.BarcodeType) (string, error) {
	switch t {
	case domain.BarcodeCard:
		return s.barcodes.CardPrefix, nil
	case domain.BarcodeMedia:
		return s.barcodes.MediaPrefix, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBarcodeType, t)
}
