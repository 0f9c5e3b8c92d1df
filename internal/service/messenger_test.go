package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/internal/reconcile"
	"github.com/psam21/ncoin-messaging/pkg/logger"
)

var (
	alice = model.Identity{Pubkey: "alice", Authenticated: true}
	bob   = model.Identity{Pubkey: "bob", Authenticated: true}
)

type fakeSub struct {
	mu    sync.Mutex
	count int
}

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

func (s *fakeSub) unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// fakeRelay stands in for the network: it confirms publishes with
// sequential ids and lets tests push subscription deliveries by hand.
type fakeRelay struct {
	mu         sync.Mutex
	publishErr error
	fetchErr   error
	history    []model.Message
	published  []model.Message
	self       string
	handler    func(model.Message)
	sub        fakeSub
	subscribes int
	seq        int
}

func (r *fakeRelay) PublishMessage(_ context.Context, msg model.Message) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return model.Message{}, r.publishErr
	}
	r.seq++
	confirmed, err := msg.Confirm(fmt.Sprintf("evt-%d", r.seq))
	if err != nil {
		return model.Message{}, err
	}
	r.published = append(r.published, msg)
	return confirmed, nil
}

func (r *fakeRelay) FetchMessages(_ context.Context, _, _ string, _ int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return append([]model.Message(nil), r.history...), nil
}

func (r *fakeRelay) Subscribe(self string, handler func(model.Message)) (RelaySubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = self
	r.handler = handler
	r.subscribes++
	return &r.sub, nil
}

// echo delivers a message on the live feed the way the wire would: no
// placeholder id, is_sent derived for the subscriber.
func (r *fakeRelay) echo(msg model.Message) {
	r.mu.Lock()
	handler := r.handler
	msg.TempID = ""
	msg.IsSent = msg.Sender == r.self
	r.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

type fakeCache struct {
	mu      sync.Mutex
	listErr error
	byOwner map[string][]model.Conversation
	upserts []model.Conversation
}

func (c *fakeCache) UpsertConversation(_ context.Context, _ string, conv model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts = append(c.upserts, conv)
	return nil
}

func (c *fakeCache) Conversations(_ context.Context, owner string) ([]model.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.byOwner[owner], nil
}

func newTestMessenger(relay *fakeRelay, cache *fakeCache) *Messenger {
	log := &logger.Logger{Logger: zap.NewNop()}
	return NewMessenger(relay, cache, reconcile.Options{}, log)
}

func readEvent(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func TestSendConfirmsOptimisticMessage(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	sent, err := m.Send(context.Background(), alice, "bob", &model.SendMessageRequest{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", sent.ID)
	assert.Empty(t, sent.TempID)
	assert.True(t, sent.IsSent)

	// The wire copy carried the placeholder so the engine could promote
	// the optimistic entry directly.
	require.Len(t, relay.published, 1)
	assert.NotEmpty(t, relay.published[0].TempID)

	msgs, err := m.Messages(context.Background(), alice, "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "evt-1", msgs[0].ID)
}

func TestSendRollsBackFailedPublish(t *testing.T) {
	relay := &fakeRelay{publishErr: errors.New("relay unreachable")}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	_, err := m.Send(context.Background(), alice, "bob", &model.SendMessageRequest{Content: "hi"})
	require.Error(t, err)

	msgs, err := m.Messages(context.Background(), alice, "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEchoOfOwnSendIsDeduplicated(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	sent, err := m.Send(context.Background(), alice, "bob", &model.SendMessageRequest{Content: "hi"})
	require.NoError(t, err)

	relay.echo(*sent)

	msgs, err := m.Messages(context.Background(), alice, "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
}

func TestInboundMessageFlowsToWatchers(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	ch, cancel, err := m.Watch(alice)
	require.NoError(t, err)
	defer cancel()

	relay.echo(model.Message{ID: "evt-9", Sender: "carol", Recipient: "alice", Content: "hey", CreatedAt: 100})

	ev := readEvent(t, ch)
	assert.Equal(t, model.EventTypeMessage, ev.Type)
	assert.Equal(t, "carol", ev.Peer)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "evt-9", ev.Message.ID)
	assert.False(t, ev.Message.IsSent)

	ev = readEvent(t, ch)
	assert.Equal(t, model.EventTypeConversation, ev.Type)
	require.NotNil(t, ev.Conversation)
	assert.Equal(t, "carol", ev.Conversation.Pubkey)
	assert.Equal(t, 1, ev.Conversation.UnreadCount)

	convs, err := m.Conversations(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "carol", convs[0].Pubkey)
}

func TestConversationsLoadFromCache(t *testing.T) {
	cache := &fakeCache{byOwner: map[string][]model.Conversation{
		"alice": {
			{Pubkey: "bob", LastMessageAt: 100},
			{Pubkey: "carol", LastMessageAt: 300},
		},
	}}
	m := newTestMessenger(&fakeRelay{}, cache)
	defer m.Close()

	convs, err := m.Conversations(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "carol", convs[0].Pubkey)
	assert.Equal(t, "bob", convs[1].Pubkey)
}

func TestConversationsLoadFailureSurfaces(t *testing.T) {
	cache := &fakeCache{listErr: errors.New("redis down")}
	m := newTestMessenger(&fakeRelay{}, cache)
	defer m.Close()

	_, err := m.Conversations(context.Background(), alice)
	require.Error(t, err)
}

func TestMessagesFetchFailurePreservesState(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	_, err := m.Send(context.Background(), alice, "bob", &model.SendMessageRequest{Content: "hi"})
	require.NoError(t, err)

	relay.mu.Lock()
	relay.fetchErr = errors.New("relay timeout")
	relay.mu.Unlock()

	_, err = m.Messages(context.Background(), alice, "bob", 0)
	require.Error(t, err)

	// The failed fetch did not clear the in-flight message.
	relay.mu.Lock()
	relay.fetchErr = nil
	relay.mu.Unlock()

	msgs, err := m.Messages(context.Background(), alice, "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMarkReadThroughEngine(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	_, err := m.Conversations(context.Background(), alice)
	require.NoError(t, err)
	relay.echo(model.Message{ID: "evt-1", Sender: "carol", Recipient: "alice", Content: "hey", CreatedAt: 100})

	conv, found, err := m.MarkRead(alice, "carol")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, conv.UnreadCount)

	_, found, err = m.MarkRead(alice, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveMessage(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	ch, cancel, err := m.Watch(alice)
	require.NoError(t, err)
	defer cancel()

	relay.echo(model.Message{ID: "evt-1", Sender: "carol", Recipient: "alice", Content: "hey", CreatedAt: 100})
	readEvent(t, ch) // message
	readEvent(t, ch) // conversation

	found, err := m.RemoveMessage(alice, "carol", "evt-1")
	require.NoError(t, err)
	assert.True(t, found)

	ev := readEvent(t, ch)
	assert.Equal(t, model.EventTypeMessageRemoved, ev.Type)

	msgs, err := m.Messages(context.Background(), alice, "carol", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIdentitySwitchTearsDownEngine(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestMessenger(relay, &fakeCache{})
	defer m.Close()

	_, err := m.Send(context.Background(), alice, "bob", &model.SendMessageRequest{Content: "hi"})
	require.NoError(t, err)

	ch, cancel, err := m.Watch(alice)
	require.NoError(t, err)
	defer cancel()

	// Any operation under a different identity rebinds the engine.
	msgs, err := m.Messages(context.Background(), bob, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The previous identity's watchers are closed, its subscription torn
	// down, and a fresh feed established.
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected watcher channel to close on identity switch")
	}
	assert.Equal(t, 1, relay.sub.unsubscribes())
	assert.Equal(t, 2, relay.subscribes)
	assert.Equal(t, "bob", relay.self)
}

func TestUnauthenticatedOperationsFail(t *testing.T) {
	m := newTestMessenger(&fakeRelay{}, &fakeCache{})
	defer m.Close()

	_, err := m.Send(context.Background(), model.Identity{Pubkey: "alice"}, "bob", &model.SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, reconcile.ErrNotAuthenticated)

	_, err = m.Conversations(context.Background(), model.Identity{})
	assert.ErrorIs(t, err, reconcile.ErrNotAuthenticated)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	m := newTestMessenger(&fakeRelay{}, &fakeCache{})
	m.Close()

	_, err := m.Send(context.Background(), alice, "bob", &model.SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrClosed)
}
