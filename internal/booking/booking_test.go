package booking

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
)

func testTenant(provider string) *tenancy.Tenant {
	t := &tenancy.Tenant{ID: 7, Name: "Cabinet Martin", Timezone: "Europe/Paris",
		Config: tenancy.Config{CalendarProvider: provider}}
	t.Normalize()
	return t
}

func TestCanonicalizeSlotFrenchLabels(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	start := time.Date(2026, time.September, 7, 9, 0, 0, 0, paris) // a Monday
	slot := CanonicalizeSlot("s1", start, start.Add(30*time.Minute), paris, session.SlotSourceInternal)

	assert.Equal(t, "lundi 7 septembre à 9h00", slot.Label)
	assert.Equal(t, "lundi 7 septembre à 9 heures", slot.LabelVocal)
	assert.Equal(t, "lundi", slot.Day)
	assert.Equal(t, session.SlotSourceInternal, slot.Source)

	half := CanonicalizeSlot("s2", start.Add(30*time.Minute), start.Add(time.Hour), paris, session.SlotSourceInternal)
	assert.Equal(t, "lundi 7 septembre à 9 heures 30", half.LabelVocal)
}

func TestMatchesPreference(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 9, 7, h, 0, 0, 0, time.UTC) }

	assert.True(t, matchesPreference(at(9), session.PrefMorning))
	assert.False(t, matchesPreference(at(14), session.PrefMorning))
	assert.True(t, matchesPreference(at(14), session.PrefAfternoon))
	assert.False(t, matchesPreference(at(19), session.PrefAfternoon))
	assert.True(t, matchesPreference(at(19), session.PrefEvening))
	assert.True(t, matchesPreference(at(3), session.PrefAny))
	assert.True(t, matchesPreference(at(3), ""))
}

func TestNoneAdapterSentinels(t *testing.T) {
	ctx := context.Background()
	var a NoneAdapter

	assert.False(t, a.CanProposeSlots())

	slots, err := a.ListFreeSlots(ctx, ListQuery{})
	assert.NoError(t, err)
	assert.Empty(t, slots)

	_, err = a.Book(ctx, Request{})
	assert.ErrorIs(t, err, ErrNoCalendar)

	_, err = a.FindBookingByName(ctx, "Jean Dupont")
	assert.ErrorIs(t, err, ErrNoCalendar)

	ok, err := a.Cancel(ctx, &Booking{ID: "x"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoCalendar)
}

func TestSelectorRespectsTenantProvider(t *testing.T) {
	googleCalled := false
	sel := NewSelector(
		func(*tenancy.Tenant) Adapter { googleCalled = true; return NoneAdapter{} },
		nil,
	)

	sel.ForTenant(testTenant(tenancy.CalendarGoogle))
	assert.True(t, googleCalled)

	// provider=none never falls back to a configured external calendar
	googleCalled = false
	a := sel.ForTenant(testTenant(tenancy.CalendarNone))
	assert.False(t, googleCalled)
	assert.False(t, a.CanProposeSlots())

	assert.False(t, sel.ForTenant(nil).CanProposeSlots())
}

func TestInternalAdapterBookClaimsSlot(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	a := NewInternalAdapter(db, testTenant(tenancy.CalendarInternal), nil)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE slots SET booked = TRUE`).
		WithArgs("slot-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO appointments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := a.Book(context.Background(), Request{
		Slot: session.CanonicalSlot{ID: "slot-1"},
		Name: "Jean Dupont", Contact: "0612345678", Motif: "consultation",
	})
	require.NoError(t, err)
	assert.Equal(t, BookOK, res.Outcome)
	assert.NotEmpty(t, res.ExternalEventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInternalAdapterBookSlotTaken(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	a := NewInternalAdapter(db, testTenant(tenancy.CalendarInternal), nil)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE slots SET booked = TRUE`).
		WithArgs("slot-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	res, err := a.Book(context.Background(), Request{Slot: session.CanonicalSlot{ID: "slot-1"}})
	require.NoError(t, err)
	assert.Equal(t, BookSlotTaken, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInternalAdapterFindBookingByNameMiss(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	a := NewInternalAdapter(db, testTenant(tenancy.CalendarInternal), nil)

	mock.ExpectQuery(`SELECT ap.id, ap.slot_id`).
		WithArgs(int64(7), "Jean Dupont").
		WillReturnError(sql.ErrNoRows)

	b, err := a.FindBookingByName(context.Background(), "Jean Dupont")
	assert.NoError(t, err)
	assert.Nil(t, b)
}

func TestMemoryIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore()

	fresh, _, err := s.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, fresh)

	require.NoError(t, s.Complete(ctx, "k1", "evt-9"))

	fresh, prior, err := s.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, "evt-9", prior)
}
