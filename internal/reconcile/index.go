package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/pkg/logger"
	"github.com/psam21/ncoin-messaging/pkg/metrics"
)

// DefaultCacheWriteTimeout bounds each background conversation persistence
// attempt.
const DefaultCacheWriteTimeout = 5 * time.Second

// ConversationCache persists per-counterparty conversation summaries.
// Writes are best-effort; the index never blocks state transitions on
// them.
type ConversationCache interface {
	UpsertConversation(ctx context.Context, owner string, conv model.Conversation) error
}

// ConversationIndex owns the summary list across all conversations of the
// signed-in identity: one entry per counterparty, ordered by most recent
// activity, with unread counts.
type ConversationIndex struct {
	opts         Options
	writeTimeout time.Duration
	cache        ConversationCache
	logger       *logger.Logger

	mu            sync.Mutex
	identity      string
	processed     map[string]struct{}
	conversations map[string]*model.Conversation
}

// NewConversationIndex creates an index persisting through cache. A nil
// cache disables persistence.
func NewConversationIndex(cache ConversationCache, opts Options, log *logger.Logger) *ConversationIndex {
	return &ConversationIndex{
		opts:          opts.WithDefaults(),
		writeTimeout:  DefaultCacheWriteTimeout,
		cache:         cache,
		logger:        log,
		processed:     make(map[string]struct{}),
		conversations: make(map[string]*model.Conversation),
	}
}

// Load ingests the cached conversation list fetched at startup. Entries
// already updated by live traffic keep whichever side saw the newer
// message. Malformed entries are skipped.
func (x *ConversationIndex) Load(identity model.Identity, cached []model.Conversation) ([]model.Conversation, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureIdentityLocked(identity); err != nil {
		return nil, err
	}

	for _, conv := range cached {
		if conv.Pubkey == "" {
			x.logger.Warn("skipping cached conversation without counterparty")
			continue
		}
		if existing, ok := x.conversations[conv.Pubkey]; ok && existing.LastMessageAt > conv.LastMessageAt {
			continue
		}
		c := conv
		x.conversations[conv.Pubkey] = &c
	}

	return x.snapshotLocked(), nil
}

// UpdateWithMessage folds one reconciled message into the summary list
// and persists the touched entry in the background. The bool is false
// when the message was already processed or is self-addressed.
func (x *ConversationIndex) UpdateWithMessage(identity model.Identity, msg model.Message) (*model.Conversation, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureIdentityLocked(identity); err != nil {
		return nil, false, err
	}

	// Message ids are processed at most once for the lifetime of the
	// identity. This set spans all conversations, so a message replayed
	// into any conversation context stays a no-op.
	if msg.ID != "" {
		if _, seen := x.processed[msg.ID]; seen {
			return nil, false, nil
		}
		x.processed[msg.ID] = struct{}{}
	}

	// Notes-to-self never surface as a conversation.
	if msg.SelfAddressed() {
		return nil, false, nil
	}

	peer := msg.CounterpartyOf(identity.Pubkey)
	selfSent := msg.Sender == identity.Pubkey

	conv, ok := x.conversations[peer]
	if ok {
		// A late-arriving older message must not regress the sort key.
		if msg.CreatedAt >= conv.LastMessageAt {
			m := msg
			conv.LastMessage = &m
			conv.LastMessageAt = msg.CreatedAt
		}
		if !selfSent {
			conv.UnreadCount++
		}
	} else {
		m := msg
		conv = &model.Conversation{
			Pubkey:        peer,
			LastMessage:   &m,
			LastMessageAt: msg.CreatedAt,
		}
		if !selfSent {
			conv.UnreadCount = 1
		}
		x.conversations[peer] = conv
	}

	snapshot := cloneConversation(conv)
	x.persistLocked(identity.Pubkey, snapshot)

	return &snapshot, true, nil
}

// MarkRead zeroes the unread count for peer and stamps the view time. The
// bool is false when no conversation with peer exists yet.
func (x *ConversationIndex) MarkRead(identity model.Identity, peer string) (*model.Conversation, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureIdentityLocked(identity); err != nil {
		return nil, false, err
	}

	conv, ok := x.conversations[peer]
	if !ok {
		return nil, false, nil
	}
	conv.UnreadCount = 0
	conv.LastViewedAt = x.opts.Clock().Unix()

	snapshot := cloneConversation(conv)
	x.persistLocked(identity.Pubkey, snapshot)

	return &snapshot, true, nil
}

// Snapshot returns the conversation list, most recent activity first.
func (x *ConversationIndex) Snapshot() []model.Conversation {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snapshotLocked()
}

// Len returns the number of conversations currently tracked.
func (x *ConversationIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.conversations)
}

func (x *ConversationIndex) ensureIdentityLocked(identity model.Identity) error {
	if !identity.Authenticated || identity.Pubkey == "" {
		x.resetLocked()
		x.identity = ""
		return ErrNotAuthenticated
	}
	if x.identity != identity.Pubkey {
		if x.identity != "" {
			x.logger.Info("identity changed, clearing conversation state",
				zap.String("pubkey", identity.Pubkey))
		}
		x.resetLocked()
		x.identity = identity.Pubkey
	}
	return nil
}

func (x *ConversationIndex) resetLocked() {
	x.processed = make(map[string]struct{})
	x.conversations = make(map[string]*model.Conversation)
}

// persistLocked hands the entry to the cache on a background goroutine.
// Failures are logged and never roll back the in-memory update.
func (x *ConversationIndex) persistLocked(owner string, conv model.Conversation) {
	if x.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), x.writeTimeout)
		defer cancel()

		if err := x.cache.UpsertConversation(ctx, owner, conv); err != nil {
			metrics.CacheWriteFailuresTotal.Inc()
			x.logger.Warn("conversation cache write failed",
				zap.String("peer", conv.Pubkey),
				zap.Error(err))
		}
	}()
}

func (x *ConversationIndex) snapshotLocked() []model.Conversation {
	out := make([]model.Conversation, 0, len(x.conversations))
	for _, conv := range x.conversations {
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].Pubkey < out[j].Pubkey
	})
	return out
}

// cloneConversation copies the entry deeply enough that callers and the
// background writer never share mutable state with the index.
func cloneConversation(conv *model.Conversation) model.Conversation {
	out := *conv
	if conv.LastMessage != nil {
		m := *conv.LastMessage
		out.LastMessage = &m
	}
	return out
}
