package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err, "Open(:memory:)")
	t.Cleanup(func() { s.Close() })
	return s
}

func storeMsg(t *testing.T, s *Store, m Message) int64 {
	t.Helper()
	id, err := s.Store(context.Background(), m)
	require.NoError(t, err)
	return id
}

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// the applied migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	v1, err := s1.AppliedMigrations()
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, []int{1, 2}, v2)
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_embedding_attempts.sql")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = parseMigrationVersion("initial.sql")
	assert.Error(t, err)
}

func TestStore_AssignsMonotonicIDs(t *testing.T) {
	s := openTestStore(t)
	a := storeMsg(t, s, Message{Content: "first", Timestamp: base})
	b := storeMsg(t, s, Message{Content: "second", Timestamp: base})
	assert.Greater(t, b, a)

	got, err := s.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)
	assert.Equal(t, base, got.Timestamp)
}

func TestStore_DuplicateOriginIDsAllowed(t *testing.T) {
	s := openTestStore(t)
	m := Message{OriginID: "42", SourceChannel: "c1", Content: "retry", Timestamp: base}
	a := storeMsg(t, s, m)
	b := storeMsg(t, s, m)
	assert.NotEqual(t, a, b)
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch_TermsAreORCombined(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	roadmap := storeMsg(t, s, Message{Content: "Q2 roadmap call with Acme scheduled", Timestamp: base})
	weather := storeMsg(t, s, Message{Content: "weather is sunny", Timestamp: base.Add(time.Second)})
	storeMsg(t, s, Message{Content: "nothing relevant", Timestamp: base})

	got, err := s.Search(ctx, Criteria{Text: "the roadmap and the weather", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, weather, got[0].ID, "newest first")
	assert.Equal(t, roadmap, got[1].ID)
}

func TestSearch_CaseInsensitiveAndOriginalContent(t *testing.T) {
	s := openTestStore(t)
	id := storeMsg(t, s, Message{Content: "translated text", OriginalContent: "Texto ACME original", Timestamp: base})

	got, err := s.Search(context.Background(), Criteria{Text: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}

func TestSearch_MatchesEntities(t *testing.T) {
	s := openTestStore(t)
	id := storeMsg(t, s, Message{Content: "update #Energy from @minister", Timestamp: base})

	got, err := s.Search(context.Background(), Criteria{Text: "minister"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entities)
}

func TestSearch_ExcludesMedia(t *testing.T) {
	s := openTestStore(t)
	storeMsg(t, s, Message{Content: "photo of the summit", IsMedia: true, MediaKind: "photo", Timestamp: base})

	got, err := s.Search(context.Background(), Criteria{Text: "summit"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestSearch_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inChan := storeMsg(t, s, Message{Content: "budget talks", SourceChannel: "src", TargetChannel: "dst",
		SenderID: "u1", SenderName: "Alice Smith", Timestamp: base})
	storeMsg(t, s, Message{Content: "budget talks", SourceChannel: "other", SenderID: "u2",
		SenderName: "Bob", Timestamp: base.Add(-48 * time.Hour)})

	got, err := s.Search(ctx, Criteria{Text: "budget", ChannelID: "dst"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inChan, got[0].ID)

	got, err = s.Search(ctx, Criteria{Text: "budget", Sender: "smith"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inChan, got[0].ID)

	got, err = s.Search(ctx, Criteria{Text: "budget", Sender: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Search(ctx, Criteria{Text: "budget", Since: base.Add(-time.Hour), Until: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inChan, got[0].ID)
}

func TestSearch_LikeWildcardsEscaped(t *testing.T) {
	s := openTestStore(t)
	storeMsg(t, s, Message{Content: "plain text", Timestamp: base})

	got, err := s.Search(context.Background(), Criteria{Text: "%_%"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearch_Fuzzy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := storeMsg(t, s, Message{Content: "the parliament voted today", Timestamp: base})

	exact, err := s.Search(ctx, Criteria{Text: "parlament"})
	require.NoError(t, err)
	assert.Empty(t, exact)

	fuzzy, err := s.Search(ctx, Criteria{Text: "parlament", Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, fuzzy, 1)
	assert.Equal(t, id, fuzzy[0].ID)
}

func TestContext_NeighborsAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		ch := "a"
		if i == 1 {
			ch = "b"
		}
		ids = append(ids, storeMsg(t, s, Message{Content: "m", SourceChannel: ch, Timestamp: base.Add(time.Duration(i) * time.Minute)}))
	}

	before, after, err := s.Context(ctx, ids[2], 2, 2, false)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, []int64{ids[0], ids[1]}, []int64{before[0].ID, before[1].ID})
	require.Len(t, after, 2)
	assert.Equal(t, []int64{ids[3], ids[4]}, []int64{after[0].ID, after[1].ID})

	before, _, err = s.Context(ctx, ids[2], 2, 0, true)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, ids[0], before[0].ID)
}

func TestContext_UnknownID(t *testing.T) {
	s := openTestStore(t)
	before, after, err := s.Context(context.Background(), 12345, 3, 3, false)
	require.NoError(t, err)
	assert.Empty(t, before)
	assert.Empty(t, after)
}

func TestPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := storeMsg(t, s, Message{Content: "old #news item", Timestamp: base.Add(-90 * 24 * time.Hour)})
	fresh := storeMsg(t, s, Message{Content: "fresh item", Timestamp: base})
	_, err := s.DB().Exec(`INSERT INTO message_embeddings (message_id, embedding, model, created_at) VALUES (?, x'00000000', 'm', 0)`, old)
	require.NoError(t, err)

	n, err := s.Purge(ctx, base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, fresh)
	assert.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Messages)
	assert.Zero(t, st.Embedded)
	assert.Zero(t, st.Entities)

	fuzzy, err := s.Search(ctx, Criteria{Text: "old", Fuzzy: true})
	require.NoError(t, err)
	assert.Empty(t, fuzzy)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	storeMsg(t, s, Message{Content: "something", Timestamp: base})
	require.NoError(t, s.Clear(ctx))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Messages)

	got, err := s.Search(ctx, Criteria{Text: "something", Fuzzy: true})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPendingMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	long := storeMsg(t, s, Message{Content: "long enough to embed", Timestamp: base})
	storeMsg(t, s, Message{Content: "short", Timestamp: base})
	storeMsg(t, s, Message{Content: "a media caption here", IsMedia: true, Timestamp: base})

	pending, err := s.PendingMessages(ctx, 10, 50)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, long, pending[0].ID)

	n, err := s.PendingCount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.RecordEmbeddingFailure(ctx, long, "boom"))
	pending, err = s.PendingMessages(ctx, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, pending, "backing off")

	n, err = s.PendingCount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "still pending")

	attempts, err := s.EmbeddingAttempts(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestCancelledContextIsStorageFault(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Search(ctx, Criteria{Text: "x"})
	require.Error(t, err)
	var sf *StorageFault
	assert.True(t, errors.As(err, &sf))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReopenRebuildsMissingTextIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	id, err := s.Store(context.Background(), Message{Content: "reconstruction", Timestamp: base})
	require.NoError(t, err)
	require.NoError(t, s.text.reset())
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Search(context.Background(), Criteria{Text: "reconstructoin", Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}
