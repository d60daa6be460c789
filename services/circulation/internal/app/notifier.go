package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"libraryapi/internal/util"
	"libraryapi/pkg/domain"
)

// dueOffsets are evaluated in this order on every pass; a patron's message
// blocks follow the same order.
var dueOffsets = []int{3, 0, -5, -10, -15, -30}

const (
	dueInDaysTemplate = "The following items are due in %d days:\n" +
		"Media ID: %d Title: %s Due Date: %s.\n"
	dueTodayTemplate = "The following items are due today:\n" +
		"Media ID: %d Title: %s Due Date: %s.\n"
	pastDueTemplate = "The following items are %d days past due:\n" +
		"Media ID: %d Title: %s Due Date: %s.\n"
	pastDueWarningTemplate = "The following items are %d days past due:\n" +
		"Media ID: %d Title: %s Due Date: %s.\n" +
		"Please return the item to avoid penalties, including revocation of your borrowing privileges.\n"
	accountSuspendedTemplate = "Important Alert.\n" +
		"The following items are %d days past due:\n" +
		"Media ID: %d Title: %s Due Date: %s.\n" +
		"Your account is suspended, and your borrowing privileges are revoked. Please contact the library.\n"

	unknownTitle = "Unknown Title"
)

var errUnsupportedOffset = errors.New("unsupported due date offset")

// NotificationReport summarizes one due-date notification pass.
type NotificationReport struct {
	PatronsNotified int `json:"patronsNotified"`
	Lines           int `json:"lines"`
	Failures        int `json:"failures"`
}

// patronMessages accumulates message blocks per patron in first-seen order.
type patronMessages struct {
	order []int
	text  map[int]*strings.Builder
}

func newPatronMessages() *patronMessages {
	return &patronMessages{text: make(map[int]*strings.Builder)}
}

func (m *patronMessages) add(patronID int, block string) {
	b, ok := m.text[patronID]
	if !ok {
		b = &strings.Builder{}
		m.text[patronID] = b
		m.order = append(m.order, patronID)
	}
	b.WriteString(block)
}

// RunDueNotificationPass tells patrons about items due in three days, due
// today, or 5, 10, 15 and 30 days past due. Each patron gets at most one
// message per pass.
func (a *App) RunDueNotificationPass(ctx context.Context) (NotificationReport, error) {
	logger := util.LoggerFromContext(ctx)
	today := domain.Day(a.now())
	messages := newPatronMessages()
	var report NotificationReport

	for _, offset := range dueOffsets {
		due := today.AddDate(0, 0, offset)
		n, err := a.collectDueMessages(ctx, due, offset, messages)
		if err != nil {
			return report, err
		}
		report.Lines += n
	}

	var errs []error
	for _, patronID := range messages.order {
		if err := a.sender.Send(ctx, patronID, messages.text[patronID].String()); err != nil {
			report.Failures++
			logger.Error("due_notification_failed", "patron_id", patronID, "err", err)
			errs = append(errs, fmt.Errorf("notify patron %d: %w", patronID, err))
			continue
		}
		report.PatronsNotified++
		logger.Info("due_notification_sent", "patron_id", patronID)
	}
	return report, errors.Join(errs...)
}

func (a *App) collectDueMessages(ctx context.Context, due time.Time, offset int, messages *patronMessages) (int, error) {
	template, err := templateForOffset(offset)
	if err != nil {
		return 0, err
	}
	loans, err := a.store.ListActiveLoansWithItemsDueOn(ctx, due)
	if err != nil {
		return 0, fmt.Errorf("list loans due %s: %w", due.Format(time.DateOnly), err)
	}
	if len(loans) == 0 {
		return 0, nil
	}
	titles, err := a.mediaTitles(ctx, loans)
	if err != nil {
		return 0, err
	}

	lines := 0
	for _, loan := range loans {
		for _, item := range loan.Items {
			if item.Status != domain.ItemCheckedOut || !domain.Day(item.DueDate).Equal(due) {
				continue
			}
			title, ok := titles[item.MediaID]
			if !ok || title == "" {
				title = unknownTitle
			}
			messages.add(loan.PatronID, formatDueLine(template, offset, item.MediaID, title, item.DueDate))
			lines++
		}
	}
	return lines, nil
}

func (a *App) mediaTitles(ctx context.Context, loans []domain.Loan) (map[int]string, error) {
	seen := make(map[int]struct{})
	var ids []int
	for _, loan := range loans {
		for _, item := range loan.Items {
			if _, ok := seen[item.MediaID]; ok {
				continue
			}
			seen[item.MediaID] = struct{}{}
			ids = append(ids, item.MediaID)
		}
	}
	media, err := a.store.ListMediaByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load media titles: %w", err)
	}
	titles := make(map[int]string, len(media))
	for _, m := range media {
		titles[m.ID] = m.Title
	}
	return titles, nil
}

func templateForOffset(offset int) (string, error) {
	switch offset {
	case 3:
		return dueInDaysTemplate, nil
	case 0:
		return dueTodayTemplate, nil
	case -5, -10:
		return pastDueTemplate, nil
	case -15:
		return pastDueWarningTemplate, nil
	case -30:
		return accountSuspendedTemplate, nil
	}
	return "", fmt.Errorf("%w: %d", errUnsupportedOffset, offset)
}

func formatDueLine(template string, offset, mediaID int, title string, due time.Time) string {
	date := due.Format(time.DateOnly)
	if template == dueTodayTemplate {
		return fmt.Sprintf(template, mediaID, title, date)
	}
	days := offset
	if days < 0 {
		days = -days
	}
	return fmt.Sprintf(template, days, mediaID, title, date)
}
