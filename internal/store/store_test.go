package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New(config.StoreConfig{
		Addr:   mr.Addr(),
		KeyTTL: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestGetSetRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	type record struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}

	require.NoError(t, s.Set(ctx, "stream:abc", record{ID: "abc", Count: 7}, 0))

	var got record
	require.NoError(t, s.Get(ctx, "stream:abc", &got))
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, 7, got.Count)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	var out map[string]string
	err := s.Get(context.Background(), "stream:nope", &out)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestSetNXClaimsOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, StreamIndexKey("tweets", "alice"), "stream-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, StreamIndexKey("tweets", "alice"), "stream-2", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := s.GetString(ctx, StreamIndexKey("tweets", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "stream-1", val)
}

func TestGetStringMissingIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	val, err := s.GetString(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "", val)
}

func TestPushCappedTrimsOldest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7"} {
		require.NoError(t, s.PushCapped(ctx, SeenKey("s1"), 5, id))
	}

	got, err := s.Range(ctx, SeenKey("s1"), 0, -1)
	require.NoError(t, err)
	// Newest first, oldest two trimmed away.
	assert.Equal(t, []string{"t7", "t6", "t5", "t4", "t3"}, got)
}

func TestPushCappedRefreshesTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PushCapped(ctx, SeenKey("s1"), 10, "t1"))
	assert.Equal(t, time.Hour, mr.TTL(SeenKey("s1")))
}

func TestSetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	added, err := s.SetAdd(ctx, FollowersKey("alice"), "bob", "carol", "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(3), added)

	added, err = s.SetAdd(ctx, FollowersScratchKey("alice"), "bob", "dave", "erin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), added)

	newFollowers, err := s.SetDiff(ctx, FollowersScratchKey("alice"), FollowersKey("alice"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"erin"}, newFollowers)

	lost, err := s.SetDiff(ctx, FollowersKey("alice"), FollowersScratchKey("alice"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"carol"}, lost)

	require.NoError(t, s.Rename(ctx, FollowersScratchKey("alice"), FollowersKey("alice")))

	members, err := s.SetMembers(ctx, FollowersKey("alice"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "dave", "erin"}, members)

	n, err := s.SetCard(ctx, FollowersKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRenameMissingSource(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Rename(context.Background(), "followers:cur:ghost", "followers:ghost")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestIncrSetsTTLOnFirstIncrement(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, QuotaKey("agent1", "likes", "2026-08-25"), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 48*time.Hour, mr.TTL(QuotaKey("agent1", "likes", "2026-08-25")))

	n, err = s.Incr(ctx, QuotaKey("agent1", "likes", "2026-08-25"), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGetIntMissingIsZero(t *testing.T) {
	s, _ := newTestStore(t)

	n, err := s.GetInt(context.Background(), QuotaKey("agent1", "likes", "2026-08-25"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestLockSingleFlight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, PollLockKey("s1"), "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second holder cannot take the lock while it is held.
	ok, err = s.AcquireLock(ctx, PollLockKey("s1"), "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token cannot release the current holder's lock.
	released, err := s.ReleaseLock(ctx, PollLockKey("s1"), "token-b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseLock(ctx, PollLockKey("s1"), "token-a")
	require.NoError(t, err)
	assert.True(t, released)

	// After release the lock is free again.
	ok, err = s.AcquireLock(ctx, PollLockKey("s1"), "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpiryFreesLock(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, PollLockKey("s1"), "token-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = s.AcquireLock(ctx, PollLockKey("s1"), "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// The expired holder's release must not delete the new lock.
	released, err := s.ReleaseLock(ctx, PollLockKey("s1"), "token-a")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestBackendDownMapsToStateStoreFailure(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	err := s.Set(context.Background(), "k", "v", 0)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindStateStore))
}
