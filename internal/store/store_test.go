package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAppendAndQueryEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, Event{Time: t0.Add(time.Duration(i) * time.Second), Kind: KindToolUsed, Agent: "bot1", Tool: "search"})
		require.NoError(t, err)
	}
	_, err := s.AppendEvent(ctx, Event{Time: t0, Kind: KindToolUsed, Agent: "bot2", Tool: "search"})
	require.NoError(t, err)

	events, err := s.Events(ctx, EventFilter{Agent: "bot1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, t0, events[0].Time)
	assert.NotEmpty(t, events[0].ID)

	n, err := s.CountEvents(ctx, EventFilter{Kind: KindToolUsed, Since: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountEvents(ctx, EventFilter{Until: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "until is exclusive")
}

func TestAppendIfUnderStopsAtLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	filter := EventFilter{Kind: KindCall, Agent: "alice", Bucket: "search"}

	for i := 0; i < 3; i++ {
		count, ok, err := s.AppendIfUnder(ctx, filter, 3, Event{Time: t0, Kind: KindCall, Agent: "alice", Bucket: "search"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, count)
	}

	count, ok, err := s.AppendIfUnder(ctx, filter, 3, Event{Time: t0, Kind: KindCall, Agent: "alice", Bucket: "search"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, count)
}

func TestAppendIfUnderConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	filter := EventFilter{Kind: KindCall, Agent: "alice", Bucket: "search"}

	var appended atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.AppendIfUnder(ctx, filter, 5, Event{Time: t0, Kind: KindCall, Agent: "alice", Bucket: "search"})
			if err == nil && ok {
				appended.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), appended.Load())
	n, err := s.CountEvents(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func testToken(value string) Token {
	return Token{
		Token:    value,
		ToolName: "delete-all",
		ArgsHash: "hmac-sha256:abc",
		Agent:    "bot1",
		IssuedAt: t0,
		TTL:      60,
		Status:   StatusPending,
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertToken(ctx, testToken("tok1")))

	got, err := s.GetToken(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, t0.Add(time.Minute), got.ExpiresAt())
	assert.Nil(t, got.ResolvedAt)

	ok, err := s.TransitionToken(ctx, "tok1", []TokenStatus{StatusPending}, StatusApproved, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := s.FindToken(ctx, "bot1", "delete-all", "hmac-sha256:abc", StatusApproved, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "tok1", found.Token)

	ok, err = s.ConsumeToken(ctx, "tok1", "delete-all", "hmac-sha256:other", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "binding mismatch must not consume")

	ok, err = s.ConsumeToken(ctx, "tok1", "delete-all", "hmac-sha256:abc", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeToken(ctx, "tok1", "delete-all", "hmac-sha256:abc", t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetToken(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status)
	require.NotNil(t, got.ResolvedAt)
}

func TestTransitionRejectsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertToken(ctx, testToken("tok1")))

	ok, err := s.TransitionToken(ctx, "tok1", []TokenStatus{StatusPending}, StatusApproved, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetToken(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.EffectiveStatus(t0.Add(2*time.Minute)))
}

func TestConsumeRaceSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok := testToken("race")
	tok.Status = StatusApproved
	require.NoError(t, s.InsertToken(ctx, tok))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeToken(ctx, "race", tok.ToolName, tok.ArgsHash, t0.Add(time.Second))
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGetTokenNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetToken(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndExpireTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertToken(ctx, testToken("a")))
	b := testToken("b")
	b.IssuedAt = t0.Add(time.Hour)
	require.NoError(t, s.InsertToken(ctx, b))

	list, err := s.ListTokens(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Token, "newest first")

	n, err := s.ExpireTokens(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = s.ListTokens(ctx, StatusExpired)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Token)
}

func TestMarkToolSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.ToolSeen(ctx, "bot1", "delete-all")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := s.MarkToolSeen(ctx, "bot1", "delete-all", t0)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = s.MarkToolSeen(ctx, "bot1", "delete-all", t0)
	require.NoError(t, err)
	assert.False(t, first)

	seen, err = s.ToolSeen(ctx, "bot1", "delete-all")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSecretStableAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	secret1, err := s1.Secret(ctx)
	require.NoError(t, err)
	require.Len(t, secret1, 32)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	secret2, err := s2.Secret(ctx)
	require.NoError(t, err)
	assert.Equal(t, secret1, secret2)
}
