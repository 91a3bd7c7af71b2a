package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/libraryloans-backend/internal/jobs"
	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/dbtest"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	"github.com/angelmondragon/libraryloans-backend/pkg/jobqueue"
	"github.com/angelmondragon/libraryloans-backend/pkg/metrics"
)

type fakeReaperLedger struct {
	ids      []uuid.UUID
	listErr  error
	skip     map[uuid.UUID]bool
	fail     map[uuid.UUID]error
	applied  []uuid.UUID
	gotLimit int
	gotGrace time.Duration
}

func (f *fakeReaperLedger) ExpiredReservations(_ context.Context, grace time.Duration, limit int) ([]uuid.UUID, error) {
	f.gotGrace = grace
	f.gotLimit = limit
	return f.ids, f.listErr
}

func (f *fakeReaperLedger) ApplyPickupExpiry(_ context.Context, id uuid.UUID) (ledger.Outcome, error) {
	if err := f.fail[id]; err != nil {
		return ledger.Outcome{}, err
	}
	if f.skip[id] {
		return ledger.Outcome{Reason: "borrow is borrowed"}, nil
	}
	f.applied = append(f.applied, id)
	return ledger.Outcome{Applied: true}, nil
}

func (f *fakeReaperLedger) GetBorrowByID(_ context.Context, id uuid.UUID) (*models.BorrowRecord, error) {
	return &models.BorrowRecord{
		ID:                   id,
		UserID:               id,
		Status:               enums.BorrowStatusExpired,
		ReservationExpiresAt: time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
		Book:                 &models.Book{Title: "Kindred", Author: "Octavia E. Butler"},
	}, nil
}

type recordingNotifier struct {
	sent []notifications.Content
	to   []uuid.UUID
	err  error
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID uuid.UUID, content notifications.Content) (notifications.Delivery, error) {
	if n.err != nil {
		return notifications.Delivery{}, n.err
	}
	n.sent = append(n.sent, content)
	n.to = append(n.to, userID)
	return notifications.Delivery{Stored: true}, nil
}

type recordingCanceler struct {
	canceled map[uuid.UUID][]enums.JobKind
}

func (c *recordingCanceler) Cancel(_ context.Context, kind enums.JobKind, borrowID uuid.UUID) (bool, error) {
	if c.canceled == nil {
		c.canceled = map[uuid.UUID][]enums.JobKind{}
	}
	c.canceled[borrowID] = append(c.canceled[borrowID], kind)
	return true, nil
}

func newTestReaper(t *testing.T, l expiredReservationLedger, n userNotifier, c pendingJobCanceler, grace time.Duration, batch int) Job {
	t.Helper()
	job, err := NewReservationReaperJob(ReservationReaperJobParams{
		Logger:    testLogger(),
		Ledger:    l,
		Notifier:  n,
		Jobs:      c,
		Grace:     grace,
		BatchSize: batch,
	})
	if err != nil {
		t.Fatalf("NewReservationReaperJob: %v", err)
	}
	return job
}

func TestReservationReaperExpiresEveryCandidate(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	fake := &fakeReaperLedger{ids: []uuid.UUID{a, b, c}, skip: map[uuid.UUID]bool{b: true}}
	notifier := &recordingNotifier{}
	canceler := &recordingCanceler{}
	job := newTestReaper(t, fake, notifier, canceler, 15*time.Minute, 0)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fake.gotLimit != reaperBatchSize {
		t.Fatalf("expected default batch %d, got %d", reaperBatchSize, fake.gotLimit)
	}
	if fake.gotGrace != 15*time.Minute {
		t.Fatalf("expected grace 15m, got %s", fake.gotGrace)
	}
	if len(fake.applied) != 2 || fake.applied[0] != a || fake.applied[1] != c {
		t.Fatalf("unexpected applied ids %v", fake.applied)
	}
	if len(notifier.to) != 2 || notifier.to[0] != a || notifier.to[1] != c {
		t.Fatalf("expected notices for applied ids only, got %v", notifier.to)
	}
	if notifier.sent[0].Title != "Reservation expired" || !strings.Contains(notifier.sent[0].Message, "Kindred") {
		t.Fatalf("unexpected notice %+v", notifier.sent[0])
	}
	if _, ok := canceler.canceled[b]; ok {
		t.Fatal("skipped reservation should keep its jobs")
	}
	want := []enums.JobKind{enums.JobKindPickupExpiry, enums.JobKindPickupReminder}
	if got := canceler.canceled[a]; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v canceled, got %v", want, got)
	}
}

func TestReservationReaperContinuesPastFailures(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	fake := &fakeReaperLedger{
		ids:  []uuid.UUID{a, b, c},
		fail: map[uuid.UUID]error{a: errors.New("deadlock"), c: errors.New("timeout")},
	}
	notifier := &recordingNotifier{}
	job := newTestReaper(t, fake, notifier, &recordingCanceler{}, 0, 10)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected combined error")
	}
	if !strings.Contains(err.Error(), "deadlock") || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected both failures in %q", err.Error())
	}
	if len(fake.applied) != 1 || fake.applied[0] != b {
		t.Fatalf("expected only %s applied, got %v", b, fake.applied)
	}
	if len(notifier.to) != 1 {
		t.Fatalf("expected one notice, got %d", len(notifier.to))
	}
	if fake.gotLimit != 10 {
		t.Fatalf("expected batch 10, got %d", fake.gotLimit)
	}
}

func TestReservationReaperReportsNotifyFailure(t *testing.T) {
	a := uuid.New()
	fake := &fakeReaperLedger{ids: []uuid.UUID{a}}
	job := newTestReaper(t, fake, &recordingNotifier{err: errors.New("smtp unavailable")}, &recordingCanceler{}, 0, 0)

	err := job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "smtp unavailable") {
		t.Fatalf("expected notify failure, got %v", err)
	}
	if len(fake.applied) != 1 {
		t.Fatalf("expiry should stand even when the notice fails, got %v", fake.applied)
	}
}

func TestReservationReaperListError(t *testing.T) {
	fake := &fakeReaperLedger{listErr: errors.New("db down")}
	job := newTestReaper(t, fake, &recordingNotifier{}, &recordingCanceler{}, 0, 0)
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewReservationReaperJobRequiresDependencies(t *testing.T) {
	base := ReservationReaperJobParams{
		Logger:   testLogger(),
		Ledger:   &fakeReaperLedger{},
		Notifier: &recordingNotifier{},
		Jobs:     &recordingCanceler{},
	}
	noNotifier := base
	noNotifier.Notifier = nil
	noJobs := base
	noJobs.Jobs = nil
	negative := base
	negative.Grace = -time.Minute

	for name, params := range map[string]ReservationReaperJobParams{
		"notifier": noNotifier,
		"jobs":     noJobs,
		"grace":    negative,
	} {
		if _, err := NewReservationReaperJob(params); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

type reaperClock struct{ t time.Time }

func (c *reaperClock) Now() time.Time          { return c.t }
func (c *reaperClock) Set(t time.Time)         { c.t = t }
func (c *reaperClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var reaperRules = config.BorrowConfig{
	MaxBooksPerUser:         2,
	ReservationPeriodHours:  24,
	HoldDurationDays:        14,
	PickupReminderLeadHours: 2,
	DueReminderLeadHours:    24,
}

type reaperHarness struct {
	clock     *reaperClock
	ledger    ledger.Service
	queue     *jobqueue.Queue
	notifier  *recordingNotifier
	processor *jobs.Processor
	reaper    Job
	record    *models.BorrowRecord
}

// newReaperHarness reserves a book and schedules its pickup-expiry job against
// a real store, with the reaper and job processor sharing one notifier.
func newReaperHarness(t *testing.T, grace time.Duration) *reaperHarness {
	t.Helper()
	ctx := context.Background()
	client := dbtest.Open(t)
	clock := &reaperClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	book := models.Book{ID: uuid.New(), Title: "Kindred", Author: "Octavia E. Butler", TotalCopies: 1, AvailableCopies: 1}
	require.NoError(t, client.DB().Create(&book).Error)
	user := models.User{
		ID:               uuid.New(),
		Email:            "reader@example.com",
		Name:             "Reader",
		Role:             enums.UserRoleClient,
		IsActive:         true,
		RemainingBorrows: reaperRules.MaxBooksPerUser,
	}
	require.NoError(t, client.DB().Create(&user).Error)

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		DB:    client,
		Repo:  ledger.NewRepository(client.DB()),
		Rules: reaperRules,
		Now:   clock.Now,
	})
	require.NoError(t, err)
	queue, err := jobqueue.New(client, clock.Now)
	require.NoError(t, err)
	scheduler, err := reminders.NewService(reminders.ServiceParams{
		Queue:    queue,
		Rules:    reaperRules,
		Attempts: 3,
		Backoff:  time.Minute,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	record, err := ledgerService.Reserve(ctx, book.ID, user.ID)
	require.NoError(t, err)
	record.Book = &book
	res, err := scheduler.SchedulePickupExpiry(ctx, record)
	require.NoError(t, err)
	require.True(t, res.Scheduled)

	notifier := &recordingNotifier{}
	processor, err := jobs.NewProcessor(jobs.ProcessorParams{
		Ledger:   ledgerService,
		Notifier: notifier,
		Rules:    reaperRules,
		Logger:   testLogger(),
		Now:      clock.Now,
	})
	require.NoError(t, err)

	return &reaperHarness{
		clock:     clock,
		ledger:    ledgerService,
		queue:     queue,
		notifier:  notifier,
		processor: processor,
		reaper:    newTestReaper(t, ledgerService, notifier, queue, grace, 0),
		record:    record,
	}
}

func TestReservationReaperLeavesFreshExpiriesToTheirJob(t *testing.T) {
	ctx := context.Background()
	h := newReaperHarness(t, 15*time.Minute)

	h.clock.Set(h.record.ReservationExpiresAt.Add(5 * time.Minute))
	require.NoError(t, h.reaper.Run(ctx))
	assert.Empty(t, h.notifier.sent, "reaper must not act inside the grace period")

	claimed, err := h.queue.Claim(ctx, 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	res, err := h.processor.Process(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.reaper.Run(ctx))
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "Reservation expired", h.notifier.sent[0].Title)
}

func TestReservationReaperRacingClaimedExpiryJobNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	h := newReaperHarness(t, 15*time.Minute)

	h.clock.Set(h.record.ReservationExpiresAt)
	claimed, err := h.queue.Claim(ctx, 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The claimed job stalls past the grace period and the reaper gets there first.
	h.clock.Advance(20 * time.Minute)
	require.NoError(t, h.reaper.Run(ctx))
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, h.record.UserID, h.notifier.to[0])
	assert.Contains(t, h.notifier.sent[0].Message, "Kindred")

	res, err := h.processor.Process(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSkipped, res.Outcome)
	assert.Len(t, h.notifier.sent, 1, "the late job must not notify a second time")

	record, err := h.ledger.GetBorrowByID(ctx, h.record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.BorrowStatusExpired, record.Status)
}

func TestReservationReaperCancelsQueuedExpiryJob(t *testing.T) {
	ctx := context.Background()
	h := newReaperHarness(t, 15*time.Minute)

	// No worker ran while the job sat queued.
	h.clock.Set(h.record.ReservationExpiresAt.Add(time.Hour))
	require.NoError(t, h.reaper.Run(ctx))
	require.Len(t, h.notifier.sent, 1)

	claimed, err := h.queue.Claim(ctx, 10, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	latest, err := h.queue.LatestByKind(ctx, h.record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusCanceled, latest[enums.JobKindPickupExpiry].Status)
}
