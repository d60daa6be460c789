package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryapi/pkg/domain"
	"libraryapi/pkg/sequence"
	"libraryapi/pkg/store"
)

var testNow = time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)

type sentMessage struct {
	PatronID int
	Message  string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[int]error
}

func (s *recordingSender) Send(_ context.Context, patronID int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[patronID]; err != nil {
		return err
	}
	s.sent = append(s.sent, sentMessage{PatronID: patronID, Message: message})
	return nil
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type testEnv struct {
	app    *App
	store  *store.MemoryStore
	sender *recordingSender
}

func newTestEnv(t *testing.T, rules Rules) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	sender := &recordingSender{}
	a, err := New(Config{
		Store:    mem,
		Sender:   sender,
		Rules:    rules,
		Barcodes: sequence.BarcodeConfig{LibraryIDCode: "0001", CardPrefix: "2", MediaPrefix: "3"},
		Clock:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return &testEnv{app: a, store: mem, sender: sender}
}

func defaultRules() Rules {
	return Rules{LoanPeriodDays: 21, FinePerDay: 1, OverdueThresholdDays: 30}
}

func (e *testEnv) patron(t *testing.T, id int, status domain.PatronStatus, dob time.Time) {
	t.Helper()
	require.NoError(t, e.store.SavePatron(context.Background(), domain.Patron{
		ID:          id,
		Name:        "Patron",
		Email:       "patron@example.com",
		DateOfBirth: dob,
		Status:      status,
	}))
}

func (e *testEnv) media(t *testing.T, id int, title string, status domain.MediaStatus, sensitive bool) {
	t.Helper()
	require.NoError(t, e.store.SaveMedia(context.Background(), domain.Media{
		ID:        id,
		Title:     title,
		Barcode:   "12345678901234",
		Status:    status,
		Sensitive: sensitive,
	}))
}

func adultDOB() time.Time { return time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC) }

func daysFromToday(n int) time.Time { return domain.Day(testNow).AddDate(0, 0, n) }

func TestCheckoutCreatesSingleLoanForBatch(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronInactive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaAvailable, false)
	env.media(t, 3, "Emma", domain.MediaAvailable, false)

	res, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2, 3}, Action: "checkout"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.LoanID)
	assert.Equal(t, checkoutMessage, res.Message)
	require.Len(t, res.MediaItems, 2)
	for _, item := range res.MediaItems {
		assert.Equal(t, "CHECKED_OUT", item.MediaStatus)
		assert.Equal(t, "1-2345-67890123-4", item.FormattedBarcodeID)
	}
	assert.Equal(t, "Dune", res.MediaItems[0].MediaTitle)

	loan, err := env.app.GetLoan(ctx, res.LoanID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanActive, loan.Status)
	require.Len(t, loan.Items, 2)
	require.Len(t, loan.TransactionLog, 2)
	for i, item := range loan.Items {
		assert.Equal(t, domain.ItemCheckedOut, item.Status)
		assert.True(t, item.DueDate.Equal(daysFromToday(21)), "due date %s", item.DueDate)
		assert.Equal(t, []int{item.MediaID}, loan.TransactionLog[i].MediaIDs)
	}

	patron, _, err := env.store.GetPatron(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, patron.CheckedOutItems)
	assert.Equal(t, domain.PatronActive, patron.Status)
}

func TestCheckoutReusesActiveLoan(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaAvailable, false)
	env.media(t, 3, "Emma", domain.MediaAvailable, false)

	first, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2}, Action: ActionCheckout})
	require.NoError(t, err)
	second, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{3}, Action: ActionCheckout})
	require.NoError(t, err)
	assert.Equal(t, first.LoanID, second.LoanID)

	loans, err := env.app.LoansByPatron(ctx, 1)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Len(t, loans[0].Items, 2)
}

func TestCheckoutReturnRoundTrip(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaAvailable, false)

	out, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2}, Action: ActionCheckout})
	require.NoError(t, err)

	res, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2}, Action: ActionReturn})
	require.NoError(t, err)
	assert.Equal(t, out.LoanID, res.LoanID)
	assert.Equal(t, returnMessage, res.Message)
	require.Len(t, res.MediaItems, 1)
	assert.Equal(t, "AVAILABLE", res.MediaItems[0].MediaStatus)

	media, _, err := env.store.GetMedia(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaAvailable, media.Status)

	loan, err := env.app.GetLoan(ctx, out.LoanID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanCompleted, loan.Status)
	require.Len(t, loan.Items, 1)
	assert.Equal(t, domain.ItemReturned, loan.Items[0].Status)
	require.NotNil(t, loan.Items[0].ReturnDate)
	assert.True(t, loan.Items[0].ReturnDate.Equal(domain.Day(testNow)))
	require.Len(t, loan.TransactionLog, 2)
	assert.Equal(t, domain.TransactionReturn, loan.TransactionLog[1].Type)

	patron, _, err := env.store.GetPatron(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, patron.CheckedOutItems)
}

func TestPartialReturnKeepsLoanActive(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaAvailable, false)
	env.media(t, 3, "Emma", domain.MediaAvailable, false)

	out, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2, 3}, Action: ActionCheckout})
	require.NoError(t, err)
	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{3}, Action: ActionReturn})
	require.NoError(t, err)

	loan, err := env.app.GetLoan(ctx, out.LoanID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanActive, loan.Status)
	assert.Equal(t, 0, loan.CheckedOutItem(2))
	assert.Equal(t, -1, loan.CheckedOutItem(3))
}

func TestCheckoutRollsBackWholeBatch(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaAvailable, false)
	env.media(t, 4, "Ulysses", domain.MediaCheckedOut, false)

	_, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2, 99}, Action: ActionCheckout})
	require.ErrorIs(t, err, ErrMediaNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2, 4}, Action: ActionCheckout})
	require.ErrorIs(t, err, ErrMediaNotAvailable)
	assert.Equal(t, KindInvalidState, KindOf(err))

	media, _, err := env.store.GetMedia(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaAvailable, media.Status)
	loans, err := env.app.LoansByPatron(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, loans)
	patron, _, err := env.store.GetPatron(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, patron.CheckedOutItems)
}

func TestCheckoutEligibility(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, time.Date(2010, 3, 1, 0, 0, 0, 0, time.UTC))
	env.patron(t, 2, domain.PatronSuspended, adultDOB())
	env.media(t, 5, "Restricted", domain.MediaAvailable, true)
	env.media(t, 6, "Picture Book", domain.MediaAvailable, false)

	_, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{5}, Action: ActionCheckout})
	require.ErrorIs(t, err, ErrPatronIneligible)
	assert.Equal(t, KindIneligible, KindOf(err))

	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{6}, Action: ActionCheckout})
	require.NoError(t, err)

	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 2, MediaIDs: []int{5}, Action: ActionCheckout})
	require.ErrorIs(t, err, ErrPatronIneligible)

	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 3, MediaIDs: []int{5}, Action: ActionCheckout})
	require.ErrorIs(t, err, ErrPatronNotFound)
}

func TestIsMinorUsesWholeYears(t *testing.T) {
	today := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	turnsEighteenTomorrow := domain.Patron{DateOfBirth: time.Date(2006, 6, 16, 0, 0, 0, 0, time.UTC)}
	turnsEighteenToday := domain.Patron{DateOfBirth: time.Date(2006, 6, 15, 0, 0, 0, 0, time.UTC)}
	assert.True(t, IsMinor(turnsEighteenTomorrow, today))
	assert.False(t, IsMinor(turnsEighteenToday, today))
}

func TestProcessActionRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())

	cases := []ActionRequest{
		{PatronID: 1, MediaIDs: []int{2}},
		{PatronID: 1, MediaIDs: []int{2}, Action: "RENEW"},
		{PatronID: 1, Action: ActionCheckout},
		{PatronID: 1, MediaIDs: []int{}, Action: ActionReturn},
	}
	for _, req := range cases {
		_, err := env.app.ProcessAction(ctx, req)
		require.ErrorIs(t, err, ErrInvalidInput, "request %+v", req)
		assert.Equal(t, KindInvalidInput, KindOf(err))
	}
}

func TestReturnWithoutMatchingLoan(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)
	env.media(t, 3, "Emma", domain.MediaAvailable, false)

	_, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2}, Action: ActionReturn})
	require.ErrorIs(t, err, ErrInvalidLoan)

	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{3}, Action: ActionReturn})
	require.ErrorIs(t, err, ErrMediaNotAvailable)
}

type failingCounters struct {
	store.Store
}

func (failingCounters) Next(context.Context, string) (int, error) {
	return 0, errors.New("counter table locked")
}

func TestCheckoutSequenceFailureIsFatal(t *testing.T) {
	mem := store.NewMemoryStore()
	a, err := New(Config{
		Store:  failingCounters{Store: mem},
		Sender: &recordingSender{},
		Rules:  defaultRules(),
		Clock:  func() time.Time { return testNow },
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mem.SavePatron(ctx, domain.Patron{ID: 1, Status: domain.PatronActive, DateOfBirth: adultDOB()}))
	require.NoError(t, mem.SaveMedia(ctx, domain.Media{ID: 2, Status: domain.MediaAvailable}))

	_, err = a.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2}, Action: ActionCheckout})
	require.ErrorIs(t, err, ErrSequenceGeneration)
	assert.Equal(t, KindFatal, KindOf(err))

	media, _, err := mem.GetMedia(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaAvailable, media.Status)
}

func TestDeleteLoan(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaAvailable, false)

	out, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2}, Action: ActionCheckout})
	require.NoError(t, err)

	err = env.app.DeleteLoan(ctx, out.LoanID)
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Contains(t, err.Error(), "Cannot delete loan with active items")

	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2}, Action: ActionReturn})
	require.NoError(t, err)
	require.NoError(t, env.app.DeleteLoan(ctx, out.LoanID))

	_, err = env.app.GetLoan(ctx, out.LoanID)
	require.ErrorIs(t, err, ErrLoanNotFound)
	require.ErrorIs(t, env.app.DeleteLoan(ctx, out.LoanID), ErrLoanNotFound)
}

func TestLoanReportJoinsPatronAndMedia(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	require.NoError(t, env.store.SaveMedia(ctx, domain.Media{ID: 2, Title: "Dune", Author: "Frank Herbert", Status: domain.MediaAvailable}))
	env.media(t, 3, "Emma", domain.MediaAvailable, false)

	_, err := env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{2, 3}, Action: ActionCheckout})
	require.NoError(t, err)
	_, err = env.app.ProcessAction(ctx, ActionRequest{PatronID: 1, MediaIDs: []int{3}, Action: ActionReturn})
	require.NoError(t, err)
	require.NoError(t, env.store.SaveLoan(ctx, domain.Loan{
		ID: 9, PatronID: 1, Status: domain.LoanCompleted,
		Items: []domain.LoanItem{{MediaID: 404, Status: domain.ItemReturned}},
	}))

	report, err := env.app.LoanReport(ctx, 1)
	require.NoError(t, err)
	require.Len(t, report, 2)

	first := report[0]
	assert.Equal(t, 1, first.LoanID)
	assert.Equal(t, "Patron", first.PatronName)
	assert.Equal(t, domain.LoanActive, first.LoanStatus)
	require.Len(t, first.Items, 2)
	require.NotNil(t, first.Items[0].MediaDetails)
	assert.Equal(t, LoanReportMedia{MediaTitle: "Dune", AuthorName: "Frank Herbert"}, *first.Items[0].MediaDetails)
	assert.Equal(t, domain.ItemCheckedOut, first.Items[0].Status)
	assert.Equal(t, domain.ItemReturned, first.Items[1].Status)
	assert.Nil(t, report[1].Items[0].MediaDetails)

	empty, err := env.app.LoanReport(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = env.app.LoanReport(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidInput)
}
