// Package service orchestrates the messaging engine: it feeds relay
// traffic and local sends through the reconcilers and exposes the
// resulting conversation state.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/internal/reconcile"
	"github.com/psam21/ncoin-messaging/pkg/logger"
	"github.com/psam21/ncoin-messaging/pkg/metrics"
)

var tracer = otel.Tracer("github.com/psam21/ncoin-messaging/internal/service")

var (
	// ErrIdentityChanged is returned when an in-flight operation loses a
	// race with an identity switch and its results no longer apply.
	ErrIdentityChanged = errors.New("service: identity changed")

	// ErrClosed is returned once the engine has shut down.
	ErrClosed = errors.New("service: messenger closed")
)

// Relay is the network collaborator messages travel through.
type Relay interface {
	PublishMessage(ctx context.Context, msg model.Message) (model.Message, error)
	FetchMessages(ctx context.Context, self, peer string, limit int) ([]model.Message, error)
	Subscribe(self string, handler func(model.Message)) (RelaySubscription, error)
}

// RelaySubscription is a live feed that can be torn down.
type RelaySubscription interface {
	Unsubscribe()
}

// ConversationCache persists conversation summaries across restarts.
type ConversationCache interface {
	UpsertConversation(ctx context.Context, owner string, conv model.Conversation) error
	Conversations(ctx context.Context, owner string) ([]model.Conversation, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Messenger owns all reconciler state for the signed-in identity: one
// message store per open conversation, the conversation index, the live
// relay subscription, and the event fan-out. A change of identity tears
// all of it down before any operation proceeds under the new one.
type Messenger struct {
	relay  Relay
	cache  ConversationCache
	opts   reconcile.Options
	logger *logger.Logger

	mu          sync.Mutex
	identity    model.Identity
	stores      map[string]*reconcile.MessageStore
	index       *reconcile.ConversationIndex
	sub         RelaySubscription
	events      *broadcaster
	convsLoaded bool
	closed      bool
}

// NewMessenger creates the engine around its collaborators.
func NewMessenger(relay Relay, cache ConversationCache, opts reconcile.Options, log *logger.Logger) *Messenger {
	opts = opts.WithDefaults()
	return &Messenger{
		relay:  relay,
		cache:  cache,
		opts:   opts,
		logger: log,
		stores: make(map[string]*reconcile.MessageStore),
		index:  reconcile.NewConversationIndex(cache, opts, log),
		events: newBroadcaster(),
	}
}

// Send publishes a message to peer. The optimistic copy is visible
// immediately; once the relay confirms, the durable id replaces the
// placeholder. A failed publish rolls the optimistic copy back and
// returns the error.
func (m *Messenger) Send(ctx context.Context, identity model.Identity, peer string, req *model.SendMessageRequest) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "messenger.send")
	defer span.End()

	store, err := m.conversation(identity, peer)
	if err != nil {
		return nil, err
	}

	pending := model.NewPending(
		"local-"+uuid.NewString(),
		identity.Pubkey,
		peer,
		model.AppendAttachmentManifest(req.Content, req.Attachments),
		m.opts.Clock().Unix(),
	)
	pending.Attachments = req.Attachments
	pending.Context = req.Context

	staged, _, err := store.Add(identity, pending, model.SourceOptimistic)
	if err != nil {
		return nil, fmt.Errorf("failed to stage message: %w", err)
	}
	m.publishEvent(identity, model.Event{Type: model.EventTypeMessage, Peer: peer, Message: &staged})

	confirmed, err := m.relay.PublishMessage(ctx, pending)
	if err != nil {
		span.RecordError(err)
		if removed, found, rbErr := store.Remove(identity, pending.TempID); rbErr == nil && found {
			m.publishEvent(identity, model.Event{Type: model.EventTypeMessageRemoved, Peer: peer, Message: &removed})
		}
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	final, _, err := store.Add(identity, confirmed, model.SourceCache)
	if err != nil {
		return nil, fmt.Errorf("failed to record confirmation: %w", err)
	}
	m.publishEvent(identity, model.Event{Type: model.EventTypeMessage, Peer: peer, Message: &final})
	m.updateIndex(identity, confirmed)

	metrics.MessagesSentTotal.Inc()

	return &final, nil
}

// Messages returns the reconciled message list for the conversation with
// peer, fetching history from the relay and merging it with local state.
// A fetch failure leaves local state untouched and is returned as-is.
func (m *Messenger) Messages(ctx context.Context, identity model.Identity, peer string, limit int) ([]model.Message, error) {
	ctx, span := tracer.Start(ctx, "messenger.messages")
	defer span.End()

	store, err := m.conversation(identity, peer)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	history, err := m.relay.FetchMessages(ctx, identity.Pubkey, peer, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	return store.Load(identity, history)
}

// RemoveMessage deletes the message matching ref (durable or placeholder
// id) from the conversation with peer.
func (m *Messenger) RemoveMessage(identity model.Identity, peer, ref string) (bool, error) {
	store, err := m.conversation(identity, peer)
	if err != nil {
		return false, err
	}

	removed, found, err := store.Remove(identity, ref)
	if err != nil {
		return false, err
	}
	if found {
		m.publishEvent(identity, model.Event{Type: model.EventTypeMessageRemoved, Peer: peer, Message: &removed})
	}
	return found, nil
}

// Conversations returns the ordered conversation list, loading the cached
// snapshot on the first call for an identity.
func (m *Messenger) Conversations(ctx context.Context, identity model.Identity) ([]model.Conversation, error) {
	ctx, span := tracer.Start(ctx, "messenger.conversations")
	defer span.End()

	index, err := m.conversationIndex(identity)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	loaded := m.convsLoaded
	m.mu.Unlock()

	if !loaded {
		cached, err := m.cache.Conversations(ctx, identity.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversations: %w", err)
		}
		if _, err := index.Load(identity, cached); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.identity.Pubkey == identity.Pubkey {
			m.convsLoaded = true
		}
		m.mu.Unlock()
	}

	return index.Snapshot(), nil
}

// MarkRead zeroes the unread count for the conversation with peer.
func (m *Messenger) MarkRead(identity model.Identity, peer string) (*model.Conversation, bool, error) {
	index, err := m.conversationIndex(identity)
	if err != nil {
		return nil, false, err
	}

	conv, found, err := index.MarkRead(identity, peer)
	if err != nil {
		return nil, false, err
	}
	if found {
		m.publishEvent(identity, model.Event{Type: model.EventTypeConversation, Peer: peer, Conversation: conv})
	}
	return conv, found, nil
}

// Watch subscribes to reconciled state changes for identity. The channel
// closes when the identity changes or the engine shuts down; cancel
// releases the subscription early.
func (m *Messenger) Watch(identity model.Identity) (<-chan model.Event, func(), error) {
	if err := m.bind(identity); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	events := m.events
	m.mu.Unlock()

	ch, cancel := events.subscribe(64)
	return ch, cancel, nil
}

// Close tears down the live subscription and all event listeners.
func (m *Messenger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.closed = true
}

// conversation binds identity and returns the message store for peer.
func (m *Messenger) conversation(identity model.Identity, peer string) (*reconcile.MessageStore, error) {
	if err := m.bind(identity); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity.Pubkey != identity.Pubkey {
		return nil, ErrIdentityChanged
	}
	return m.storeLocked(peer), nil
}

func (m *Messenger) storeLocked(peer string) *reconcile.MessageStore {
	store, ok := m.stores[peer]
	if !ok {
		store = reconcile.NewMessageStore(peer, m.opts, m.logger)
		m.stores[peer] = store
	}
	return store
}

// conversationIndex binds identity and returns the live index.
func (m *Messenger) conversationIndex(identity model.Identity) (*reconcile.ConversationIndex, error) {
	if err := m.bind(identity); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity.Pubkey != identity.Pubkey {
		return nil, ErrIdentityChanged
	}
	return m.index, nil
}

// bind makes identity the active one, clearing all reconciler state and
// re-establishing the live feed when it differs from the previous
// identity. Unauthenticated callers reset state and fail.
func (m *Messenger) bind(identity model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if !identity.Authenticated || identity.Pubkey == "" {
		m.teardownLocked()
		return reconcile.ErrNotAuthenticated
	}
	if m.identity.Pubkey == identity.Pubkey {
		if m.sub == nil {
			m.subscribeLocked(identity)
		}
		return nil
	}

	if m.identity.Pubkey != "" {
		m.logger.Info("identity changed, rebinding engine",
			zap.String("pubkey", identity.Pubkey))
	}
	m.teardownLocked()
	m.identity = identity
	m.events = newBroadcaster()
	m.subscribeLocked(identity)

	return nil
}

// subscribeLocked establishes the live feed. Failure degrades to polling
// via Messages; the next operation retries.
func (m *Messenger) subscribeLocked(identity model.Identity) {
	sub, err := m.relay.Subscribe(identity.Pubkey, func(msg model.Message) {
		m.handleLive(identity, msg)
	})
	if err != nil {
		m.logger.Error("live subscription failed", zap.Error(err))
		return
	}
	m.sub = sub
}

// teardownLocked clears every trace of the previous identity.
func (m *Messenger) teardownLocked() {
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
	m.events.close()
	m.stores = make(map[string]*reconcile.MessageStore)
	m.index = reconcile.NewConversationIndex(m.cache, m.opts, m.logger)
	m.identity = model.Identity{}
	m.convsLoaded = false
}

// handleLive routes one subscription delivery through both reconcilers.
// The identity is the one captured at subscribe time; deliveries that
// lose a race with an identity switch are dropped.
func (m *Messenger) handleLive(identity model.Identity, msg model.Message) {
	m.mu.Lock()
	if m.closed || m.identity.Pubkey != identity.Pubkey {
		m.mu.Unlock()
		return
	}
	peer := msg.CounterpartyOf(identity.Pubkey)
	store := m.storeLocked(peer)
	m.mu.Unlock()

	stored, changed, err := store.Add(identity, msg, model.SourceSubscription)
	if err != nil {
		m.logger.Warn("dropping live message", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if !changed {
		metrics.DuplicateDeliveriesTotal.Inc()
		return
	}
	if !msg.IsSent {
		metrics.MessagesReceivedTotal.Inc()
	}
	m.publishEvent(identity, model.Event{Type: model.EventTypeMessage, Peer: peer, Message: &stored})

	m.updateIndex(identity, msg)
}

// updateIndex folds a message into the conversation index and broadcasts
// the touched entry.
func (m *Messenger) updateIndex(identity model.Identity, msg model.Message) {
	m.mu.Lock()
	if m.identity.Pubkey != identity.Pubkey {
		m.mu.Unlock()
		return
	}
	index := m.index
	m.mu.Unlock()

	conv, changed, err := index.UpdateWithMessage(identity, msg)
	if err != nil {
		m.logger.Warn("conversation update failed", zap.Error(err))
		return
	}
	if changed {
		m.publishEvent(identity, model.Event{Type: model.EventTypeConversation, Peer: conv.Pubkey, Conversation: conv})
	}
}

// publishEvent fans an event out unless the identity it belongs to is no
// longer the active one.
func (m *Messenger) publishEvent(identity model.Identity, ev model.Event) {
	m.mu.Lock()
	if m.identity.Pubkey != identity.Pubkey {
		m.mu.Unlock()
		return
	}
	events := m.events
	m.mu.Unlock()
	events.publish(ev)
}
