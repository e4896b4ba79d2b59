package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

func msg(role chat.Role, content string) chat.Message {
	return chat.Message{Role: role, Content: content, Timestamp: time.Unix(1700000000, 0).UTC()}
}

// exerciseStore runs the Store contract against any implementation.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	log, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, log)

	for i := 0; i < 25; i++ {
		require.NoError(t, store.Append(ctx, "s1", msg(chat.RoleUser, fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, store.Prune(ctx, "s1"))

	log, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, log, chat.MaxConversationMessages)
	assert.Equal(t, "m5", log[0].Content)
	assert.Equal(t, "m24", log[len(log)-1].Content)

	require.NoError(t, store.Prune(ctx, "missing"))
	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))

	log, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore(10, chat.MaxConversationMessages))
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", 0, chat.MaxConversationMessages)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestRedisStoreRefreshesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", time.Hour, chat.MaxConversationMessages)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", msg(chat.RoleUser, "hi")))
	assert.Equal(t, time.Hour, mr.TTL("test:s1"))

	mr.FastForward(2 * time.Hour)
	log, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestRedisStoreRejectsCorruptEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", 0, 0)
	t.Cleanup(func() { _ = store.Close() })

	_, err := mr.RPush("test:s1", "{not json")
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "s1")
	assert.Error(t, err)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore(10, 20)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s1", msg(chat.RoleUser, "original")))

	log, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	log[0].Content = "mutated"

	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryStore(2, 20)
	var evicted int
	store.OnEvict(func(n int) { evicted += n })
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "a", msg(chat.RoleUser, "1")))
	require.NoError(t, store.Append(ctx, "b", msg(chat.RoleUser, "2")))
	_, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "c", msg(chat.RoleUser, "3")))

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, evicted)

	log, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, log, "b was least recently used and should be gone")

	log, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestMemoryStoreEvictIdle(t *testing.T) {
	store := NewMemoryStore(10, 20)
	clock := time.Unix(1700000000, 0)
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "old", msg(chat.RoleUser, "1")))
	clock = clock.Add(time.Hour)
	require.NoError(t, store.Append(ctx, "fresh", msg(chat.RoleUser, "2")))
	clock = clock.Add(10 * time.Minute)

	assert.Equal(t, 1, store.EvictIdle(30*time.Minute))
	assert.Equal(t, 1, store.Len())

	log, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestMemoryStorePinnedSessionSurvivesEviction(t *testing.T) {
	store := NewMemoryStore(1, 20)
	clock := time.Unix(1700000000, 0)
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "a", msg(chat.RoleUser, "1")))
	unpin := store.Pin("a")

	require.NoError(t, store.Append(ctx, "b", msg(chat.RoleUser, "2")))
	assert.Equal(t, 2, store.Len(), "pinned session may push the store over its bound")

	clock = clock.Add(time.Hour)
	assert.Equal(t, 1, store.EvictIdle(time.Minute))

	log, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, log, 1)

	unpin()
	unpin()
	require.NoError(t, store.Append(ctx, "c", msg(chat.RoleUser, "3")))
	assert.Equal(t, 1, store.Len())

	log, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, log)
}
