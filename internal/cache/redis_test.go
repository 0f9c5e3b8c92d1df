package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/pkg/logger"
)

// fakeRedis is an in-memory stand-in for the Redis client.
type fakeRedis struct {
	mu          sync.Mutex
	hashes      map[string]map[string]string
	ttls        map[string]time.Duration
	expireCalls int
	hsetErr     error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes: make(map[string]map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.hsetErr != nil {
		cmd.SetErr(f.hsetErr)
		return cmd
	}
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		field, _ := values[i].(string)
		switch v := values[i+1].(type) {
		case string:
			h[field] = v
		case []byte:
			h[field] = string(v)
		}
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = expiration
	f.expireCalls++
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewMapStringStringCmd(ctx)
	out := make(map[string]string, len(f.hashes[key]))
	for field, raw := range f.hashes[key] {
		out[field] = raw
	}
	cmd.SetVal(out)
	return cmd
}

func newTestClient() (*Client, *fakeRedis) {
	fake := newFakeRedis()
	return &Client{rdb: fake, logger: &logger.Logger{Logger: zap.NewNop()}}, fake
}

func TestConversationsKey(t *testing.T) {
	assert.Equal(t, "conversations:abc123", conversationsKey("abc123"))
}

func TestUpsertAndListConversations(t *testing.T) {
	client, _ := newTestClient()
	ctx := context.Background()

	bob := model.Conversation{
		Pubkey: "bob",
		LastMessage: &model.Message{
			ID:        "evt-1",
			Sender:    "bob",
			Recipient: "alice",
			Content:   "hello",
			CreatedAt: 1700000000,
		},
		LastMessageAt: 1700000000,
		UnreadCount:   2,
		LastViewedAt:  1699999000,
	}
	carol := model.Conversation{
		Pubkey:        "carol",
		LastMessageAt: 1700000100,
	}

	require.NoError(t, client.UpsertConversation(ctx, "alice", bob))
	require.NoError(t, client.UpsertConversation(ctx, "alice", carol))

	got, err := client.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Conversation{bob, carol}, got)

	// One hash field per counterparty: a rewrite replaces, never duplicates.
	bob.UnreadCount = 0
	bob.LastViewedAt = 1700000200
	require.NoError(t, client.UpsertConversation(ctx, "alice", bob))

	got, err = client.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Conversation{bob, carol}, got)

	// Summaries are partitioned by owner.
	got, err = client.Conversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertRefreshesTTL(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()

	conv := model.Conversation{Pubkey: "bob", LastMessageAt: 1700000000}
	require.NoError(t, client.UpsertConversation(ctx, "alice", conv))
	require.NoError(t, client.UpsertConversation(ctx, "alice", conv))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, summaryTTL, fake.ttls[conversationsKey("alice")])
	assert.Equal(t, 2, fake.expireCalls)
}

func TestConversationsSkipsUndecodable(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()

	require.NoError(t, client.UpsertConversation(ctx, "alice",
		model.Conversation{Pubkey: "bob", LastMessageAt: 42}))

	fake.mu.Lock()
	fake.hashes[conversationsKey("alice")]["mallory"] = "{not json"
	fake.mu.Unlock()

	got, err := client.Conversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].Pubkey)
}

func TestUpsertConversationWriteFailure(t *testing.T) {
	client, fake := newTestClient()
	fake.hsetErr = errors.New("connection refused")

	err := client.UpsertConversation(context.Background(), "alice", model.Conversation{Pubkey: "bob"})
	assert.Error(t, err)
}
