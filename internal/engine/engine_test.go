package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalys/rdv-platform/internal/booking"
	"github.com/vocalys/rdv-platform/internal/channels"
	"github.com/vocalys/rdv-platform/internal/dialog"
	"github.com/vocalys/rdv-platform/internal/journal"
	"github.com/vocalys/rdv-platform/internal/notify"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

func testTenant() *tenancy.Tenant {
	t := &tenancy.Tenant{
		ID:       3,
		Name:     "Cabinet Martin",
		Timezone: "Europe/Paris",
		Config: tenancy.Config{
			CalendarProvider: tenancy.CalendarInternal,
			BusinessName:     "Cabinet Martin",
		},
	}
	t.Normalize()
	return t
}

func threeSlots() []session.CanonicalSlot {
	return []session.CanonicalSlot{
		{ID: "s1", StartISO: "2026-09-07T09:00:00+02:00", Label: "lundi 7 septembre à 9h00", LabelVocal: "lundi 7 septembre à 9 heures", Day: "lundi", Source: session.SlotSourceInternal},
		{ID: "s2", StartISO: "2026-09-08T10:00:00+02:00", Label: "mardi 8 septembre à 10h00", LabelVocal: "mardi 8 septembre à 10 heures", Day: "mardi", Source: session.SlotSourceInternal},
		{ID: "s3", StartISO: "2026-09-09T14:30:00+02:00", Label: "mercredi 9 septembre à 14h30", LabelVocal: "mercredi 9 septembre à 14 heures 30", Day: "mercredi", Source: session.SlotSourceInternal},
	}
}

type fakeAdapter struct{}

func (fakeAdapter) CanProposeSlots() bool { return true }

func (fakeAdapter) ListFreeSlots(context.Context, booking.ListQuery) ([]session.CanonicalSlot, error) {
	return threeSlots(), nil
}

func (fakeAdapter) Book(_ context.Context, req booking.Request) (booking.BookResult, error) {
	return booking.BookResult{Outcome: booking.BookOK, ExternalEventID: "evt-1"}, nil
}

func (fakeAdapter) FindBookingByName(context.Context, string) (*booking.Booking, error) {
	return nil, nil
}

func (fakeAdapter) Cancel(context.Context, *booking.Booking) (bool, error) { return false, nil }

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.EmailMessage
}

func (f *fakeSender) Send(_ context.Context, msg notify.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

// newDegradedEngine wires the pipeline without Postgres: journal no-ops,
// no lock, cache-only sessions.
func newDegradedEngine(sender notify.EmailSender) *Engine {
	logger := logging.New("error")
	adapters := func(*tenancy.Tenant) booking.Adapter { return fakeAdapter{} }
	d := dialog.NewEngine(adapters, nil, nil, logger)
	sessions := session.NewHybridStore(session.NewCache(0), nil, false, logger)
	log := journal.NewLog(nil, logger)

	var notifier *notify.Service
	if sender != nil {
		notifier = notify.NewService(sender, logger)
	}
	return New(d, sessions, log, nil, nil, notifier, nil, logger)
}

func TestSuspendedTenantRefused(t *testing.T) {
	e := newDegradedEngine(nil)
	tn := testTenant()
	tn.Status = tenancy.StatusSuspended

	_, err := e.HandleTurn(context.Background(), tn, channels.Message{
		Channel: session.ChannelVoice, CallID: "CA-1", Text: "bonjour",
	})
	assert.ErrorIs(t, err, ErrTenantSuspended)
}

func TestTurnProducesReplyAndCachesSession(t *testing.T) {
	e := newDegradedEngine(nil)
	tn := testTenant()

	reply, err := e.HandleTurn(context.Background(), tn, channels.Message{
		Channel: session.ChannelVoice, CallID: "CA-2", Text: "bonjour",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Text)
	assert.False(t, reply.EndCall)

	// The follow-up turn continues the same conversation.
	reply, err = e.HandleTurn(context.Background(), tn, channels.Message{
		Channel: session.ChannelVoice, CallID: "CA-2", Text: "Jean Dupont",
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "motif")
}

func TestFullBookingSendsConfirmationEmail(t *testing.T) {
	sender := &fakeSender{}
	e := newDegradedEngine(sender)
	tn := testTenant()
	ctx := context.Background()

	var last *channels.Reply
	for _, text := range []string{
		"bonjour",
		"Jean Dupont",
		"une consultation",
		"le matin",
		"1",
		"jean.dupont@exemple.fr",
		"oui",
	} {
		var err error
		last, err = e.HandleTurn(ctx, tn, channels.Message{
			Channel: session.ChannelVoice, CallID: "CA-3", Text: text,
		})
		require.NoError(t, err, "turn %q", text)
	}

	assert.True(t, last.EndCall)
	assert.Contains(t, last.Text, "confirmé")

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "jean.dupont@exemple.fr", msg.To)
	assert.Contains(t, msg.Subject, "Cabinet Martin")
	assert.Contains(t, msg.Body, "lundi 7 septembre")
}

func TestNoEmailForPhoneContact(t *testing.T) {
	sender := &fakeSender{}
	e := newDegradedEngine(sender)
	tn := testTenant()
	ctx := context.Background()

	for _, text := range []string{
		"bonjour", "Jean Dupont", "une consultation", "le matin", "1",
		"06 12 34 56 78", "oui",
	} {
		_, err := e.HandleTurn(ctx, tn, channels.Message{
			Channel: session.ChannelVoice, CallID: "CA-4", Text: text,
		})
		require.NoError(t, err)
	}
	assert.Empty(t, sender.sent)
}

func newMockedEngine(t *testing.T) (*Engine, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	logger := logging.New("error")
	adapters := func(*tenancy.Tenant) booking.Adapter { return fakeAdapter{} }
	d := dialog.NewEngine(adapters, nil, nil, logger)
	sessions := session.NewHybridStore(session.NewCache(0), nil, false, logger)
	log := journal.NewLog(mock, logger)
	lock := journal.NewCallLock(mock, log, time.Second, logger)
	return New(d, sessions, log, lock, nil, nil, nil, logger), mock
}

func TestLockBusySurfacesAsErrBusy(t *testing.T) {
	e, mock := newMockedEngine(t)

	mock.ExpectExec(`INSERT INTO call_sessions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectQuery(`SELECT status FROM call_sessions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "55P03"})
	mock.ExpectRollback()

	_, err := e.HandleTurn(context.Background(), testTenant(), channels.Message{
		Channel: session.ChannelVoice, CallID: "CA-5", Text: "bonjour",
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeFromCheckpointAfterRestart(t *testing.T) {
	e, mock := newMockedEngine(t)

	// Snapshot from before the restart: name collected, motif pending.
	snap := session.New(3, "CA-6", session.ChannelVoice)
	snap.State = session.StateQualifMotif
	snap.Qualif.Name = "Jean Dupont"
	snap.TurnCount = 2
	blob, err := snap.Encode()
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO call_sessions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectQuery(`SELECT status FROM call_sessions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(journal.CallActive))
	mock.ExpectQuery(`SELECT seq, state_json FROM call_state_checkpoints`).
		WithArgs(int64(3), "CA-6").
		WillReturnRows(pgxmock.NewRows([]string{"seq", "state_json"}).AddRow(int64(4), blob))

	// User turn append.
	mock.ExpectQuery(`UPDATE call_sessions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"last_seq"}).AddRow(int64(5)))
	mock.ExpectExec(`INSERT INTO call_messages`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Agent turn append.
	mock.ExpectQuery(`UPDATE call_sessions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"last_seq"}).AddRow(int64(6)))
	mock.ExpectExec(`INSERT INTO call_messages`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Motif answered, state advanced: snapshot at the agent seq.
	mock.ExpectExec(`INSERT INTO call_state_checkpoints`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE call_sessions SET last_state`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	reply, err := e.HandleTurn(context.Background(), testTenant(), channels.Message{
		Channel: session.ChannelVoice, CallID: "CA-6", Text: "une consultation",
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "matin")
	assert.NoError(t, mock.ExpectationsWereMet())
}
