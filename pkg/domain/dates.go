package domain

import "time"

// Day truncates t to midnight UTC of its calendar date. Loan dates are
// calendar days, so every date stored on a LoanItem goes through Day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// AgeOn returns the age in completed years on the given day.
func AgeOn(dateOfBirth, day time.Time) int {
	dob, on := Day(dateOfBirth), Day(day)
	years := on.Year() - dob.Year()
	if on.Month() < dob.Month() || (on.Month() == dob.Month() && on.Day() < dob.Day()) {
		years--
	}
	return years
}
