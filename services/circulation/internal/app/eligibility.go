package app

import (
	"time"

	"libraryapi/pkg/domain"
)

// AdultAge is the age from which a patron may borrow sensitive media.
const AdultAge = 18

// RequireMediaStatus fails with ErrMediaNotAvailable unless media is in the
// expected status.
func RequireMediaStatus(media domain.Media, expected domain.MediaStatus) error {
	if media.Status != expected {
		return ErrMediaNotAvailable.withf("media %d is %s, expected %s", media.ID, media.Status, expected)
	}
	return nil
}

// RequireCheckoutEligible fails with ErrPatronIneligible when the patron is
// suspended, or is a minor on today and the media is sensitive.
func RequireCheckoutEligible(patron domain.Patron, media domain.Media, today time.Time) error {
	if patron.Status == domain.PatronSuspended {
		return ErrPatronIneligible.withf("patron %d is suspended", patron.ID)
	}
	if media.Sensitive && IsMinor(patron, today) {
		return ErrPatronIneligible.withf("patron %d is under %d and media %d is restricted", patron.ID, AdultAge, media.ID)
	}
	return nil
}

// IsMinor reports whether the patron is younger than AdultAge on today.
func IsMinor(patron domain.Patron, today time.Time) bool {
	return domain.AgeOn(patron.DateOfBirth, today) < AdultAge
}
