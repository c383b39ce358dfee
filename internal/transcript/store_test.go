package transcript

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client)
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Append(ctx, 1, "call-1", Message{Role: "user", Text: "bonjour", Seq: 1}))
	require.NoError(t, store.Append(ctx, 1, "call-1", Message{Role: "agent", Text: "Bonjour, quel est votre nom ?", Seq: 2}))

	msgs, err := store.List(ctx, 1, "call-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "bonjour", msgs[0].Text)
	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.NotEmpty(t, msgs[0].ID)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestTenantsDoNotShareTranscripts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Append(ctx, 1, "call-1", Message{Role: "user", Text: "tenant one"}))
	require.NoError(t, store.Append(ctx, 2, "call-1", Message{Role: "user", Text: "tenant two"}))

	msgs, err := store.List(ctx, 1, "call-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tenant one", msgs[0].Text)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Append(ctx, 1, "call-1", Message{Role: "user", Text: "bonjour"}))
	require.NoError(t, store.Purge(ctx, 1, "call-1"))

	msgs, err := store.List(ctx, 1, "call-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNilStoreIsNoop(t *testing.T) {
	var store *Store
	ctx := context.Background()

	assert.NoError(t, store.Append(ctx, 1, "call-1", Message{Text: "x"}))
	msgs, err := store.List(ctx, 1, "call-1", 10)
	assert.NoError(t, err)
	assert.Nil(t, msgs)
	assert.NoError(t, store.Purge(ctx, 1, "call-1"))
}
