package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryapi/internal/joblock"
	"libraryapi/pkg/domain"
)

func (e *testEnv) loan(t *testing.T, id, patronID int, items ...domain.LoanItem) {
	t.Helper()
	require.NoError(t, e.store.SaveLoan(context.Background(), domain.Loan{
		ID:       id,
		PatronID: patronID,
		Status:   domain.LoanActive,
		Items:    items,
	}))
}

func checkedOut(mediaID int, due time.Time) domain.LoanItem {
	return domain.LoanItem{
		MediaID:      mediaID,
		CheckoutDate: due.AddDate(0, 0, -21),
		DueDate:      due,
		Status:       domain.ItemCheckedOut,
	}
}

func TestOverdueSweepFinesAndSuspends(t *testing.T) {
	env := newTestEnv(t, Rules{LoanPeriodDays: 21, FinePerDay: 5, OverdueThresholdDays: 30})
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)
	env.media(t, 3, "Emma", domain.MediaCheckedOut, false)
	env.loan(t, 1, 1, checkedOut(2, daysFromToday(-35)), checkedOut(3, daysFromToday(-30)))

	report, err := env.app.RunOverdueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LoansScanned)
	assert.Equal(t, 1, report.PatronsSuspended)
	assert.Equal(t, 1, report.FinesAssessed)

	fines, err := env.app.FinesByPatron(ctx, 1)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.Equal(t, 2, fines[0].MediaID)
	assert.Equal(t, domain.FineOverdueItem, fines[0].Type)
	assert.Equal(t, 175, fines[0].Amount)

	suspended, err := env.app.IsPatronSuspended(ctx, 1)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, []sentMessage{{PatronID: 1, Message: suspendedNotice}}, env.sender.messages())
}

func TestOverdueSweepSkipsExistingFines(t *testing.T) {
	env := newTestEnv(t, Rules{LoanPeriodDays: 21, FinePerDay: 5, OverdueThresholdDays: 30})
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)
	env.loan(t, 1, 1, checkedOut(2, daysFromToday(-35)))

	_, err := env.app.RunOverdueSweep(ctx)
	require.NoError(t, err)

	report, err := env.app.RunOverdueSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.PatronsSuspended)
	assert.Equal(t, 0, report.FinesAssessed)
	assert.Equal(t, 1, report.FinesSkipped)

	fines, err := env.app.FinesByPatron(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, fines, 1)
	assert.Len(t, env.sender.messages(), 1)
}

func TestOverdueSweepContainsPerLoanFailures(t *testing.T) {
	env := newTestEnv(t, Rules{LoanPeriodDays: 21, FinePerDay: 2, OverdueThresholdDays: 10})
	ctx := context.Background()
	env.patron(t, 2, domain.PatronActive, adultDOB())
	env.media(t, 3, "Emma", domain.MediaCheckedOut, false)
	// Loan 1 belongs to a patron that no longer exists.
	env.loan(t, 1, 1, checkedOut(2, daysFromToday(-12)))
	env.loan(t, 2, 2, checkedOut(3, daysFromToday(-12)))

	report, err := env.app.RunOverdueSweep(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatronNotFound)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, 1, report.PatronsSuspended)
	assert.Equal(t, 1, report.FinesAssessed)

	fines, err := env.app.FinesByPatron(ctx, 2)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.Equal(t, 24, fines[0].Amount)
}

func TestDueNotificationsConsolidatePerPatron(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)
	env.media(t, 3, "Emma", domain.MediaCheckedOut, false)
	env.media(t, 4, "Ulysses", domain.MediaCheckedOut, false)
	env.loan(t, 1, 1, checkedOut(2, daysFromToday(3)), checkedOut(3, daysFromToday(0)), checkedOut(4, daysFromToday(1)))
	env.loan(t, 2, 2, checkedOut(77, daysFromToday(-30)))

	report, err := env.app.RunDueNotificationPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.PatronsNotified)
	assert.Equal(t, 3, report.Lines)

	sent := env.sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, 1, sent[0].PatronID)
	assert.Equal(t,
		"The following items are due in 3 days:\n"+
			"Media ID: 2 Title: Dune Due Date: 2024-06-18.\n"+
			"The following items are due today:\n"+
			"Media ID: 3 Title: Emma Due Date: 2024-06-15.\n",
		sent[0].Message)
	assert.Equal(t, 2, sent[1].PatronID)
	assert.Equal(t,
		"Important Alert.\n"+
			"The following items are 30 days past due:\n"+
			"Media ID: 77 Title: Unknown Title Due Date: 2024-05-16.\n"+
			"Your account is suspended, and your borrowing privileges are revoked. Please contact the library.\n",
		sent[1].Message)
}

func TestDueNotificationsSkipReturnedItems(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.media(t, 2, "Dune", domain.MediaAvailable, false)
	returned := checkedOut(2, daysFromToday(0))
	returned.Status = domain.ItemReturned
	env.loan(t, 1, 1, returned)

	report, err := env.app.RunDueNotificationPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.PatronsNotified)
	assert.Empty(t, env.sender.messages())
}

func TestDueNotificationsContinueAfterSendFailure(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)
	env.media(t, 3, "Emma", domain.MediaCheckedOut, false)
	env.loan(t, 1, 1, checkedOut(2, daysFromToday(-5)))
	env.loan(t, 2, 2, checkedOut(3, daysFromToday(-15)))
	env.sender.fail = map[int]error{1: errors.New("mailbox full")}

	report, err := env.app.RunDueNotificationPass(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox full")
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.PatronsNotified)

	sent := env.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, 2, sent[0].PatronID)
	assert.Contains(t, sent[0].Message, "The following items are 15 days past due:\n")
	assert.Contains(t, sent[0].Message, "Please return the item to avoid penalties")
}

func TestTemplateForOffsetRejectsUnknownOffsets(t *testing.T) {
	for _, offset := range dueOffsets {
		_, err := templateForOffset(offset)
		require.NoError(t, err, "offset %d", offset)
	}
	_, err := templateForOffset(7)
	require.ErrorIs(t, err, errUnsupportedOffset)
	assert.Equal(t,
		"The following items are 10 days past due:\nMedia ID: 9 Title: Emma Due Date: 2024-06-05.\n",
		formatDueLine(pastDueTemplate, -10, 9, "Emma", daysFromToday(-10)))
}

func TestAssessAndUpdateFines(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)

	_, err := env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 2, Type: domain.FineLostItem, Amount: 0})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 2, Type: "LATE", Amount: 5})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 9, Type: domain.FineLostItem, Amount: 5})
	require.ErrorIs(t, err, ErrMediaNotFound)

	fine, err := env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 2, Type: domain.FineLostItem, Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, 1, fine.ID)
	media, _, err := env.store.GetMedia(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaLostOrDamaged, media.Status)

	_, err = env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 2, Type: domain.FineLostItem, Amount: 40})
	require.ErrorIs(t, err, ErrFineAlreadyExists)
	assert.Equal(t, KindConflict, KindOf(err))

	_, err = env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 2, Type: domain.FineOverdueItem, Amount: 3})
	require.NoError(t, err)
	total, err := env.app.OutstandingFineTotal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 43, total)

	paid := true
	amount := 35
	updated, err := env.app.UpdateFine(ctx, fine.ID, FinePatch{Paid: &paid, Amount: &amount})
	require.NoError(t, err)
	assert.True(t, updated.Paid)
	assert.Equal(t, 35, updated.Amount)
	require.NotNil(t, updated.PaidAt)
	assert.True(t, updated.PaidAt.Equal(testNow))

	total, err = env.app.OutstandingFineTotal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	paid = false
	updated, err = env.app.UpdateFine(ctx, fine.ID, FinePatch{Paid: &paid})
	require.NoError(t, err)
	assert.Nil(t, updated.PaidAt)

	zero := 0
	_, err = env.app.UpdateFine(ctx, fine.ID, FinePatch{Amount: &zero})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.app.UpdateFine(ctx, 99, FinePatch{Paid: &paid})
	require.ErrorIs(t, err, ErrFineNotFound)
}

func TestUpdateFineRejectsDuplicateType(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)

	_, err := env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 2, Type: domain.FineOverdueItem, Amount: 5})
	require.NoError(t, err)
	lost, err := env.app.AssessFine(ctx, FineRequest{PatronID: 1, MediaID: 2, Type: domain.FineLostItem, Amount: 40})
	require.NoError(t, err)

	overdue := domain.FineOverdueItem
	_, err = env.app.UpdateFine(ctx, lost.ID, FinePatch{Type: &overdue})
	require.ErrorIs(t, err, ErrFineAlreadyExists)

	fines, err := env.app.FinesByPatron(ctx, 1)
	require.NoError(t, err)
	count := 0
	for _, f := range fines {
		if f.Type == domain.FineOverdueItem {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSuspendPatronTwiceFails(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.patron(t, 1, domain.PatronActive, adultDOB())

	require.NoError(t, env.app.SuspendPatron(ctx, 1))
	err := env.app.SuspendPatron(ctx, 1)
	require.ErrorIs(t, err, ErrPatronAlreadySuspended)
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Len(t, env.sender.messages(), 1)

	require.ErrorIs(t, env.app.SuspendPatron(ctx, 5), ErrPatronNotFound)
}

func TestIdentifierOperations(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()

	first, err := env.app.NextIdentifier(ctx, "loanId")
	require.NoError(t, err)
	second, err := env.app.NextIdentifier(ctx, "loanId")
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	_, err = env.app.NextIdentifier(ctx, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	code, err := env.app.BarcodeFor("card", 7)
	require.NoError(t, err)
	assert.Equal(t, "2000172", code)
	_, err = env.app.BarcodeFor("BOOK", 7)
	require.ErrorIs(t, err, ErrInvalidInput)

	formatted, err := env.app.FormatBarcodeDisplay("12345678901234")
	require.NoError(t, err)
	assert.Equal(t, "1-2345-67890123-4", formatted)
	_, err = env.app.FormatBarcodeDisplay("123")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestBackfillBarcodes(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.media(t, 2, "Dune", domain.MediaAvailable, false)
	require.NoError(t, env.store.SaveMedia(ctx, domain.Media{ID: 1000, Title: "Emma", Status: domain.MediaAvailable}))

	n, err := env.app.BackfillBarcodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	media, _, err := env.store.GetMedia(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, "3000110000", media.Barcode)
	untouched, _, err := env.store.GetMedia(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "12345678901234", untouched.Barcode)
}

func newTestLocker(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *joblock.Locker) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker, err := joblock.NewLockerWithClient(client, "test:joblock", ttl)
	require.NoError(t, err)
	return redisSrv, locker
}

func TestSchedulerRunOnceHonorsLease(t *testing.T) {
	redisSrv, locker := newTestLocker(t, time.Minute)

	runs := 0
	job := Job{Name: JobOverdueSweep, Every: time.Hour, Run: func(context.Context) error {
		runs++
		return nil
	}}
	s := NewScheduler(locker, job)
	s.now = func() time.Time { return testNow }
	ctx := context.Background()

	held, ok, err := locker.TryAcquire(ctx, JobOverdueSweep)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, s.RunOnce(ctx, job))
	assert.Equal(t, 0, runs)
	assert.False(t, redisSrv.Exists("test:joblock:"+JobOverdueSweep+":20240615T100000Z"))

	require.NoError(t, held.Release(ctx))
	assert.True(t, s.RunOnce(ctx, job))
	assert.Equal(t, 1, runs)
	assert.False(t, redisSrv.Exists("test:joblock:"+JobOverdueSweep))
	assert.True(t, redisSrv.Exists("test:joblock:"+JobOverdueSweep+":20240615T100000Z"))
	assert.Equal(t, 30*time.Minute, redisSrv.TTL("test:joblock:"+JobOverdueSweep+":20240615T100000Z"))
}

func TestSchedulerRunsEachPeriodOnceAcrossInstances(t *testing.T) {
	env := newTestEnv(t, defaultRules())
	ctx := context.Background()
	env.media(t, 2, "Dune", domain.MediaCheckedOut, false)
	env.loan(t, 1, 1, checkedOut(2, daysFromToday(0)))
	_, locker := newTestLocker(t, time.Minute)

	instanceA := env.app.Scheduler()
	instanceA.locker = locker
	instanceB := env.app.Scheduler()
	instanceB.locker = locker
	job := instanceA.jobs[1]
	require.Equal(t, JobDueNotifications, job.Name)
	job.Every = 24 * time.Hour

	assert.True(t, instanceA.RunOnce(ctx, job))
	assert.False(t, instanceB.RunOnce(ctx, job))
	assert.False(t, instanceA.RunOnce(ctx, job))
	assert.Len(t, env.sender.messages(), 1)

	instanceB.now = func() time.Time { return testNow.Add(24 * time.Hour) }
	assert.True(t, instanceB.RunOnce(ctx, job))
	assert.Len(t, env.sender.messages(), 2)
}

func TestSchedulerFailedRunStillClaimsPeriod(t *testing.T) {
	_, locker := newTestLocker(t, time.Minute)
	runs := 0
	job := Job{Name: JobOverdueSweep, Every: time.Hour, Run: func(context.Context) error {
		runs++
		return errors.New("database unavailable")
	}}
	s := NewScheduler(locker, job)
	s.now = func() time.Time { return testNow }
	ctx := context.Background()

	assert.True(t, s.RunOnce(ctx, job))
	assert.False(t, s.RunOnce(ctx, job))
	assert.Equal(t, 1, runs)
}

func TestSchedulerExtendsLeaseWhileJobRuns(t *testing.T) {
	redisSrv, locker := newTestLocker(t, 30*time.Millisecond)
	runKey := "test:joblock:" + JobOverdueSweep

	var stillHeld bool
	job := Job{Name: JobOverdueSweep, Every: time.Hour, Run: func(context.Context) error {
		redisSrv.FastForward(20 * time.Millisecond)
		time.Sleep(40 * time.Millisecond)
		redisSrv.FastForward(20 * time.Millisecond)
		stillHeld = redisSrv.Exists(runKey)
		return nil
	}}
	s := NewScheduler(locker, job)
	s.now = func() time.Time { return testNow }
	s.heartbeat = 5 * time.Millisecond

	assert.True(t, s.RunOnce(context.Background(), job))
	assert.True(t, stillHeld, "run lease should be extended while the job works")
	assert.False(t, redisSrv.Exists(runKey))
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := NewScheduler(nil,
		Job{Name: "tick", Every: 5 * time.Millisecond, Run: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		}},
		Job{Name: "disabled"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
