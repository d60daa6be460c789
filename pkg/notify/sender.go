// Package notify delivers patron notifications.
package notify

import (
	"context"
	"errors"
	"strings"

	"libraryapi/internal/util"
	"libraryapi/pkg/domain"
)

var (
	ErrEmptyMessage = errors.New("notification message is empty")
	ErrNoRecipient  = errors.New("patron has no email address")
)

// Sender delivers one text message to a patron.
type Sender interface {
	Send(ctx context.Context, patronID int, message string) error
}

// PatronLookup resolves a patron's contact details.
type PatronLookup interface {
	GetPatron(ctx context.Context, id int) (domain.Patron, bool, error)
}

// LogSender writes notifications to the structured log. Used when no
// transport is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, patronID int, message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	util.LoggerFromContext(ctx).Info("patron_notification", "patron_id", patronID, "message", message)
	return nil
}
