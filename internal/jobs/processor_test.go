package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/metrics"
)

var testNow = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "jobs-test", Output: io.Discard})
}

type fakeLedger struct {
	outcome  ledger.Outcome
	err      error
	record   *models.BorrowRecord
	calls    []string
	dueDates []time.Time
}

func (f *fakeLedger) ApplyPickupExpiry(_ context.Context, _ uuid.UUID) (ledger.Outcome, error) {
	f.calls = append(f.calls, "pickup-expiry")
	return f.outcome, f.err
}

func (f *fakeLedger) ApplyDueSoon(_ context.Context, _ uuid.UUID) (ledger.Outcome, error) {
	f.calls = append(f.calls, "due-soon")
	return f.outcome, f.err
}

func (f *fakeLedger) ApplyOverdue(_ context.Context, _ uuid.UUID, due time.Time) (ledger.Outcome, error) {
	f.calls = append(f.calls, "overdue")
	f.dueDates = append(f.dueDates, due)
	return f.outcome, f.err
}

func (f *fakeLedger) GetBorrowByID(_ context.Context, _ uuid.UUID) (*models.BorrowRecord, error) {
	f.calls = append(f.calls, "get")
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

type fakeNotifier struct {
	sent []notifications.Content
	to   []uuid.UUID
	err  error
}

func (f *fakeNotifier) NotifyUser(_ context.Context, userID uuid.UUID, content notifications.Content) (notifications.Delivery, error) {
	if f.err != nil {
		return notifications.Delivery{}, f.err
	}
	f.to = append(f.to, userID)
	f.sent = append(f.sent, content)
	return notifications.Delivery{Stored: true}, nil
}

type fakeMarkers struct {
	marked   map[uuid.UUID]bool
	released []uuid.UUID
	err      error
}

func (f *fakeMarkers) CheckAndMark(_ context.Context, step string, jobID uuid.UUID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.marked == nil {
		f.marked = map[uuid.UUID]bool{}
	}
	if f.marked[jobID] {
		return true, nil
	}
	f.marked[jobID] = true
	return false, nil
}

func (f *fakeMarkers) Release(_ context.Context, _ string, jobID uuid.UUID) error {
	delete(f.marked, jobID)
	f.released = append(f.released, jobID)
	return nil
}

func newTestProcessor(t *testing.T, l *fakeLedger, n *fakeNotifier, m *fakeMarkers) *Processor {
	t.Helper()
	params := ProcessorParams{
		Ledger:   l,
		Notifier: n,
		Rules:    config.BorrowConfig{PickupReminderLeadHours: 2, DueReminderLeadHours: 24},
		Logger:   testLogger(),
		Now:      func() time.Time { return testNow },
	}
	if m != nil {
		params.Markers = m
	}
	p, err := NewProcessor(params)
	require.NoError(t, err)
	return p
}

func jobFor(t *testing.T, payload reminders.Payload) models.ScheduledJob {
	t.Helper()
	raw, err := reminders.Encode(payload)
	require.NoError(t, err)
	return models.ScheduledJob{ID: uuid.New(), Kind: payload.Kind(), BorrowID: payload.Borrow(), Payload: raw, AttemptsMade: 1}
}

func appliedOutcome(status enums.BorrowStatus) ledger.Outcome {
	return ledger.Outcome{Applied: true, Record: &models.BorrowRecord{ID: uuid.New(), UserID: uuid.New(), Status: status}}
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	_, err := NewProcessor(ProcessorParams{Notifier: &fakeNotifier{}, Logger: testLogger()})
	require.Error(t, err)
	_, err = NewProcessor(ProcessorParams{Ledger: &fakeLedger{}, Logger: testLogger()})
	require.Error(t, err)
	_, err = NewProcessor(ProcessorParams{Ledger: &fakeLedger{}, Notifier: &fakeNotifier{}})
	require.Error(t, err)
}

func TestProcessTransitionsAndNotifies(t *testing.T) {
	borrowID := uuid.New()
	due := testNow.Add(24 * time.Hour)
	cases := []struct {
		name     string
		payload  reminders.Payload
		status   enums.BorrowStatus
		call     string
		wantType enums.NotificationType
	}{
		{"pickup expiry", reminders.PickupExpiry{BorrowID: borrowID, UserEmail: "a@b.c", PickupExpiresAt: testNow}, enums.BorrowStatusExpired, "pickup-expiry", enums.NotificationTypeWarning},
		{"due reminder", reminders.DueReminder{BorrowID: borrowID, UserEmail: "a@b.c", DueDate: due}, enums.BorrowStatusDueSoon, "due-soon", enums.NotificationTypeWarning},
		{"overdue setter", reminders.OverdueSetter{BorrowID: borrowID, DueDate: due}, enums.BorrowStatusOverdue, "overdue", enums.NotificationTypeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := appliedOutcome(tc.status)
			l := &fakeLedger{outcome: outcome}
			n := &fakeNotifier{}
			p := newTestProcessor(t, l, n, &fakeMarkers{})

			result, err := p.Process(context.Background(), jobFor(t, tc.payload))
			require.NoError(t, err)
			assert.Equal(t, metrics.OutcomeApplied, result.Outcome)
			assert.Equal(t, []string{tc.call}, l.calls)
			require.Len(t, n.sent, 1)
			assert.Equal(t, tc.wantType, n.sent[0].Type)
			assert.Equal(t, outcome.Record.UserID, n.to[0])
			require.NotNil(t, n.sent[0].Email)
		})
	}
}

func TestProcessOverduePassesPayloadDueDate(t *testing.T) {
	due := testNow.Add(-72 * time.Hour)
	days := 3
	outcome := appliedOutcome(enums.BorrowStatusOverdue)
	outcome.Record.OverdueDays = &days
	l := &fakeLedger{outcome: outcome}
	n := &fakeNotifier{}
	p := newTestProcessor(t, l, n, nil)

	_, err := p.Process(context.Background(), jobFor(t, reminders.OverdueSetter{BorrowID: uuid.New(), DueDate: due}))
	require.NoError(t, err)
	require.Len(t, l.dueDates, 1)
	assert.True(t, l.dueDates[0].Equal(due))
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0].Message, "3 day(s) overdue")
}

func TestProcessSkippedTransitionDoesNotNotify(t *testing.T) {
	l := &fakeLedger{outcome: ledger.Outcome{Reason: "status is returned"}}
	n := &fakeNotifier{}
	p := newTestProcessor(t, l, n, &fakeMarkers{})

	result, err := p.Process(context.Background(), jobFor(t, reminders.DueReminder{BorrowID: uuid.New(), DueDate: testNow}))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSkipped, result.Outcome)
	assert.Equal(t, "status is returned", result.Reason)
	assert.Empty(t, n.sent)
}

func TestProcessLedgerErrorIsReturned(t *testing.T) {
	boom := pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("connection reset"), "load borrow record")
	l := &fakeLedger{err: boom}
	n := &fakeNotifier{}
	p := newTestProcessor(t, l, n, nil)

	_, err := p.Process(context.Background(), jobFor(t, reminders.PickupExpiry{BorrowID: uuid.New(), PickupExpiresAt: testNow}))
	require.ErrorIs(t, err, boom)
	assert.Empty(t, n.sent)
}

func TestProcessNotificationFailureStillSucceeds(t *testing.T) {
	l := &fakeLedger{outcome: appliedOutcome(enums.BorrowStatusExpired)}
	n := &fakeNotifier{err: pkgerrors.New(pkgerrors.CodeDelivery, "notification recipient not found")}
	m := &fakeMarkers{}
	p := newTestProcessor(t, l, n, m)
	job := jobFor(t, reminders.PickupExpiry{BorrowID: uuid.New(), PickupExpiresAt: testNow})

	result, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, result.Outcome)
	assert.Equal(t, []uuid.UUID{job.ID}, m.released)
}

func TestProcessRedeliveryNotifiesOnce(t *testing.T) {
	l := &fakeLedger{outcome: appliedOutcome(enums.BorrowStatusDueSoon)}
	n := &fakeNotifier{}
	m := &fakeMarkers{}
	p := newTestProcessor(t, l, n, m)
	job := jobFor(t, reminders.DueReminder{BorrowID: uuid.New(), DueDate: testNow})

	_, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	_, err = p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, n.sent, 1)
}

func TestProcessMarkerOutageStillNotifies(t *testing.T) {
	l := &fakeLedger{outcome: appliedOutcome(enums.BorrowStatusDueSoon)}
	n := &fakeNotifier{}
	p := newTestProcessor(t, l, n, &fakeMarkers{err: errors.New("redis: connection refused")})

	_, err := p.Process(context.Background(), jobFor(t, reminders.DueReminder{BorrowID: uuid.New(), DueDate: testNow}))
	require.NoError(t, err)
	assert.Len(t, n.sent, 1)
}

func TestProcessPickupReminderWindow(t *testing.T) {
	reserved := func(expiresIn time.Duration, status enums.BorrowStatus) *models.BorrowRecord {
		return &models.BorrowRecord{ID: uuid.New(), UserID: uuid.New(), Status: status, ReservationExpiresAt: testNow.Add(expiresIn)}
	}
	cases := []struct {
		name    string
		record  *models.BorrowRecord
		outcome string
	}{
		{"inside lead window", reserved(90*time.Minute, enums.BorrowStatusReserved), metrics.OutcomeApplied},
		{"exactly at lead", reserved(2*time.Hour, enums.BorrowStatusReserved), metrics.OutcomeApplied},
		{"too early", reserved(5*time.Hour, enums.BorrowStatusReserved), metrics.OutcomeSkipped},
		{"window closed", reserved(-time.Minute, enums.BorrowStatusReserved), metrics.OutcomeSkipped},
		{"already picked up", reserved(time.Hour, enums.BorrowStatusBorrowed), metrics.OutcomeSkipped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &fakeNotifier{}
			p := newTestProcessor(t, &fakeLedger{record: tc.record}, n, nil)
			result, err := p.Process(context.Background(), jobFor(t, reminders.PickupReminder{
				BookRef:        reminders.BookRef{BookTitle: "Kindred"},
				BorrowID:       tc.record.ID,
				UserEmail:      "a@b.c",
				PickupDeadline: tc.record.ReservationExpiresAt,
			}))
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, result.Outcome)
			if tc.outcome == metrics.OutcomeApplied {
				require.Len(t, n.sent, 1)
				assert.Equal(t, enums.NotificationTypeInfo, n.sent[0].Type)
				assert.Contains(t, n.sent[0].Message, "Kindred")
			} else {
				assert.Empty(t, n.sent)
			}
		})
	}
}

func TestProcessPickupReminderMissingRecord(t *testing.T) {
	l := &fakeLedger{err: pkgerrors.New(pkgerrors.CodeNotFound, "borrow record not found")}
	p := newTestProcessor(t, l, &fakeNotifier{}, nil)

	result, err := p.Process(context.Background(), jobFor(t, reminders.PickupReminder{BorrowID: uuid.New(), PickupDeadline: testNow}))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSkipped, result.Outcome)
}

func TestProcessDropsUnknownAndMalformedJobs(t *testing.T) {
	l := &fakeLedger{}
	p := newTestProcessor(t, l, &fakeNotifier{}, nil)

	result, err := p.Process(context.Background(), models.ScheduledJob{ID: uuid.New(), Kind: "reshelve", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDropped, result.Outcome)
	assert.NotEmpty(t, result.Reason)

	result, err = p.Process(context.Background(), models.ScheduledJob{ID: uuid.New(), Kind: enums.JobKindDueReminder, Payload: json.RawMessage(`not json`)})
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDropped, result.Outcome)
	assert.Empty(t, l.calls)
}
