package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalys/rdv-platform/pkg/logging"
)

type fakeRepo struct {
	sessions map[string]*Session
	loadErr  error
	saveErr  error
	saves    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*Session)}
}

func (f *fakeRepo) Load(_ context.Context, tenantID int64, convID string) (*Session, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.sessions[convID], nil
}

func (f *fakeRepo) Save(_ context.Context, s *Session) error {
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.sessions[s.ConvID] = s
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, tenantID int64, convID string) error {
	delete(f.sessions, convID)
	return nil
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	s := New(1, "c1", ChannelVoice)
	s.LastSeenAt = time.Now().Add(-2 * time.Minute)
	c.Put(s)

	assert.Nil(t, c.Get(1, "c1"))
}

func TestCacheSweep(t *testing.T) {
	c := NewCache(time.Minute)
	old := New(1, "old", ChannelVoice)
	old.LastSeenAt = time.Now().Add(-time.Hour)
	c.Put(old)
	c.Put(New(1, "fresh", ChannelVoice))

	removed := c.Sweep(time.Now())
	assert.Equal(t, 1, removed)
	assert.NotNil(t, c.Get(1, "fresh"))
}

func TestHybridWebMultiTenantReadsThrough(t *testing.T) {
	repo := newFakeRepo()
	durable := New(3, "web-1", ChannelWeb)
	durable.State = StateQualifName
	repo.sessions["web-1"] = durable

	h := NewHybridStore(NewCache(time.Minute), repo, true, logging.New("error"))

	s, err := h.GetOrCreate(context.Background(), 3, "web-1", ChannelWeb)
	require.NoError(t, err)
	assert.Equal(t, StateQualifName, s.State)
}

func TestHybridWebWriteThrough(t *testing.T) {
	repo := newFakeRepo()
	h := NewHybridStore(NewCache(time.Minute), repo, true, logging.New("error"))

	s, err := h.GetOrCreate(context.Background(), 3, "web-2", ChannelWeb)
	require.NoError(t, err)
	require.NoError(t, h.Save(context.Background(), s))
	assert.Equal(t, 1, repo.saves)
}

func TestHybridVoiceSkipsDurable(t *testing.T) {
	repo := newFakeRepo()
	h := NewHybridStore(NewCache(time.Minute), repo, true, logging.New("error"))

	s, err := h.GetOrCreate(context.Background(), 3, "CA-1", ChannelVoice)
	require.NoError(t, err)
	require.NoError(t, h.Save(context.Background(), s))
	assert.Zero(t, repo.saves, "voice sessions are checkpoint-backed, not web_sessions rows")
}

func TestHybridDegradesOnTransientError(t *testing.T) {
	repo := newFakeRepo()
	repo.saveErr = errors.New("dial tcp: connection refused")
	h := NewHybridStore(NewCache(time.Minute), repo, true, logging.New("error"))

	s, err := h.GetOrCreate(context.Background(), 3, "web-3", ChannelWeb)
	require.NoError(t, err)
	assert.NoError(t, h.Save(context.Background(), s), "transient durable failure must not fail the turn")
	assert.Equal(t, 2, repo.saves, "one retry then degrade")
}

func TestHybridSurfacesNonTransientError(t *testing.T) {
	repo := newFakeRepo()
	repo.saveErr = errors.New("constraint violation")
	h := NewHybridStore(NewCache(time.Minute), repo, true, logging.New("error"))

	s, _ := h.GetOrCreate(context.Background(), 3, "web-4", ChannelWeb)
	assert.Error(t, h.Save(context.Background(), s))
}

func TestSingleTenantGetRefusedInMultiTenantMode(t *testing.T) {
	h := NewHybridStore(NewCache(time.Minute), nil, true, logging.New("error"))
	_, err := h.SingleTenantGet("conv")
	assert.ErrorIs(t, err, ErrTenantBoundary)

	single := NewHybridStore(NewCache(time.Minute), nil, false, logging.New("error"))
	_, err = single.SingleTenantGet("conv")
	assert.NoError(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("read tcp: i/o timeout")))
	assert.True(t, IsTransient(errors.New("dial tcp 10.0.0.1:5432: connection refused")))
	assert.False(t, IsTransient(errors.New("duplicate key value")))
	assert.False(t, IsTransient(nil))
}

func TestPGWebSessionRepo(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	repo := NewPGWebSessionRepo(db)
	s := New(5, "web-9", ChannelWeb)
	s.State = StateQualifMotif
	blob, err := s.Encode()
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO web_sessions`).
		WithArgs(int64(5), "web-9", blob, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Save(context.Background(), s))

	mock.ExpectQuery(`SELECT state FROM web_sessions`).
		WithArgs(int64(5), "web-9").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(blob))
	got, err := repo.Load(context.Background(), 5, "web-9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateQualifMotif, got.State)

	mock.ExpectQuery(`SELECT state FROM web_sessions`).
		WithArgs(int64(5), "missing").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))
	got, err = repo.Load(context.Background(), 5, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}
