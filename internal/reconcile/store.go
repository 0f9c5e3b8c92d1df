// Package reconcile merges direct messages arriving over independent
// delivery channels into consistent in-memory views. Messages for one
// conversation reach the client three ways with no ordering guarantee
// between them: an optimistic local insert at send time, a confirmation
// once the relay acknowledges durable storage, and an echo on the live
// subscription feed. The reconcilers here collapse those deliveries into
// a single duplicate-free, time-ordered message list per conversation and
// one summary entry per counterparty.
package reconcile

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/pkg/logger"
	"github.com/psam21/ncoin-messaging/pkg/metrics"
)

var (
	// ErrNotAuthenticated is returned when an operation runs without a
	// signed-in identity. State is reset before it is returned.
	ErrNotAuthenticated = errors.New("reconcile: identity not authenticated")

	// ErrMalformedMessage is returned for records missing a participant
	// or a creation timestamp.
	ErrMalformedMessage = errors.New("reconcile: malformed message record")
)

const (
	// DefaultRecentWindow bounds how long a self-confirmed id suppresses
	// its own subscription echo.
	DefaultRecentWindow = 10 * time.Second

	// DefaultCorrelationWindow bounds the sent-to-echoed delta accepted
	// when correlating a pending message with an untagged confirmed one.
	DefaultCorrelationWindow = 30 * time.Second
)

// Options tunes reconciler timing. Zero values fall back to the defaults
// above; Clock exists so tests can drive time explicitly.
type Options struct {
	RecentWindow      time.Duration
	CorrelationWindow time.Duration
	Clock             func() time.Time
}

// WithDefaults fills unset fields with the package defaults.
func (o Options) WithDefaults() Options {
	if o.RecentWindow <= 0 {
		o.RecentWindow = DefaultRecentWindow
	}
	if o.CorrelationWindow <= 0 {
		o.CorrelationWindow = DefaultCorrelationWindow
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// MessageStore owns the canonical message list for one conversation. All
// mutations are serialized behind a mutex so interleaved deliveries never
// observe a torn merge.
type MessageStore struct {
	peer   string
	opts   Options
	logger *logger.Logger

	mu       sync.Mutex
	identity string
	loaded   bool
	messages []model.Message
	recent   *recentIDs
}

// NewMessageStore creates a reconciler for the conversation with peer.
func NewMessageStore(peer string, opts Options, log *logger.Logger) *MessageStore {
	opts = opts.WithDefaults()
	return &MessageStore{
		peer:   peer,
		opts:   opts,
		logger: log.With(zap.String("peer", peer)),
		recent: newRecentIDs(opts.RecentWindow, opts.Clock),
	}
}

// Peer returns the counterparty this store belongs to.
func (s *MessageStore) Peer() string {
	return s.peer
}

// Load ingests a history fetch. Into an untouched store the result lands
// as-is; once the list holds anything local, later fetches merge instead,
// so optimistic messages the relay has not returned yet survive. When
// both sides hold a message under the same key, the variant carrying a
// durable id wins.
func (s *MessageStore) Load(identity model.Identity, history []model.Message) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIdentityLocked(identity); err != nil {
		return nil, err
	}

	if !s.loaded {
		s.messages = s.messages[:0]
	}
	for _, msg := range history {
		if !validRecord(msg) {
			s.logger.Warn("skipping malformed history record",
				zap.String("id", msg.ID),
				zap.String("sender", msg.Sender))
			continue
		}
		s.mergeLocked(msg)
	}
	s.loaded = true
	s.sortLocked()

	return s.snapshotLocked(), nil
}

// Add runs one message through the reconciliation procedure and returns
// the stored form. The bool is false when the message was rejected as a
// duplicate already present under the same key.
func (s *MessageStore) Add(identity model.Identity, msg model.Message, source model.Source) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIdentityLocked(identity); err != nil {
		return model.Message{}, false, err
	}
	if !validRecord(msg) {
		return model.Message{}, false, ErrMalformedMessage
	}

	key := msg.Key()

	// A key occupant that already carries a durable id means every
	// delivery channel has nothing left to contribute.
	if i := s.findKeyLocked(key); i >= 0 && s.messages[i].ID != "" {
		s.logger.Debug("duplicate delivery suppressed",
			zap.String("key", key),
			zap.String("source", string(source)))
		return s.messages[i], false, nil
	}

	// Remember ids this client confirmed itself so the subscription echo
	// of the same message cannot re-run temp correlation below.
	if source != model.SourceSubscription && msg.ID != "" {
		s.recent.Register(msg.ID)
	}

	switch {
	case msg.TempID != "":
		// The confirmation carried the placeholder through, so the
		// pending entry is retired by id, no guessing needed.
		if i := s.findKeyLocked("tmp:" + msg.TempID); i >= 0 {
			s.removeAtLocked(i)
			if msg.ID != "" {
				metrics.TempPromotionsTotal.WithLabelValues("explicit").Inc()
			}
		}

	case msg.ID != "" && source == model.SourceSubscription && !s.recent.Contains(msg.ID):
		if i := s.correlatePendingLocked(msg); i >= 0 {
			retired := s.messages[i]
			s.removeAtLocked(i)
			metrics.TempPromotionsTotal.WithLabelValues("heuristic").Inc()
			s.logger.Debug("retired pending message by correlation",
				zap.String("temp_id", retired.TempID),
				zap.String("id", msg.ID))
		}
	}

	stored := msg
	if stored.ID != "" {
		// Terminal form keeps only the durable id.
		stored.TempID = ""
	}
	if i := s.findKeyLocked(key); i >= 0 {
		s.messages[i] = stored
	} else {
		s.messages = append(s.messages, stored)
	}
	s.sortLocked()

	// A list with local contributions is merged into, never replaced, by
	// a later history fetch.
	s.loaded = true

	metrics.MessagesReconciledTotal.WithLabelValues(string(source)).Inc()
	return stored, true, nil
}

// Remove deletes the message whose id or placeholder matches ref. Used to
// roll back an optimistic insert after a failed send.
func (s *MessageStore) Remove(identity model.Identity, ref string) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIdentityLocked(identity); err != nil {
		return model.Message{}, false, err
	}

	for i, m := range s.messages {
		if (m.ID != "" && m.ID == ref) || (m.TempID != "" && m.TempID == ref) {
			removed := m
			s.removeAtLocked(i)
			return removed, true, nil
		}
	}
	return model.Message{}, false, nil
}

// Snapshot returns a copy of the current list, ascending by creation time.
func (s *MessageStore) Snapshot() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of messages currently held.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ensureIdentityLocked guards every operation. An unauthenticated caller
// empties the store and fails; a changed identity empties it and lets the
// operation proceed under the new one.
func (s *MessageStore) ensureIdentityLocked(identity model.Identity) error {
	if !identity.Authenticated || identity.Pubkey == "" {
		s.resetLocked()
		s.identity = ""
		return ErrNotAuthenticated
	}
	if s.identity != identity.Pubkey {
		if s.identity != "" {
			s.logger.Info("identity changed, clearing message state",
				zap.String("pubkey", identity.Pubkey))
		}
		s.resetLocked()
		s.identity = identity.Pubkey
	}
	return nil
}

func (s *MessageStore) resetLocked() {
	s.messages = nil
	s.loaded = false
	s.recent.Clear()
}

// mergeLocked folds one history record into the list under Load's
// confirmed-wins rule.
func (s *MessageStore) mergeLocked(msg model.Message) {
	if i := s.findKeyLocked(msg.Key()); i >= 0 {
		s.messages[i] = msg
		return
	}

	// The same logical message can be held under its composite
	// fingerprint on one side and its durable id on the other; the
	// confirmed variant wins.
	if msg.ID != "" {
		if i := s.findKeyLocked(msg.Fingerprint()); i >= 0 {
			s.messages[i] = msg
			return
		}
	} else if msg.TempID == "" {
		for _, m := range s.messages {
			if m.ID != "" && m.Fingerprint() == msg.Fingerprint() {
				return
			}
		}
	}

	s.messages = append(s.messages, msg)
}

// correlatePendingLocked finds the pending entry best explained as the
// local copy of an untagged confirmed message: same participant pair,
// same content once attachment manifests are stripped, compatible
// attachment counts, and confirmed no earlier than it was created, within
// the correlation window. Returns the index of the closest match, or -1.
func (s *MessageStore) correlatePendingLocked(msg model.Message) int {
	content := model.StripAttachmentManifest(msg.Content)
	window := int64(s.opts.CorrelationWindow / time.Second)

	best := -1
	var bestDelta int64
	for i, m := range s.messages {
		if !m.Pending() || m.Sender != msg.Sender || m.Recipient != msg.Recipient {
			continue
		}
		if model.StripAttachmentManifest(m.Content) != content {
			continue
		}
		if !compatibleAttachments(len(m.Attachments), len(msg.Attachments)) {
			continue
		}
		delta := msg.CreatedAt - m.CreatedAt
		if delta < 0 || delta >= window {
			continue
		}
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

// compatibleAttachments accepts exactly-equal counts, or any two non-zero
// counts: a pending record may still list attachments the upload pipeline
// later collapsed or expanded.
func compatibleAttachments(pending, confirmed int) bool {
	if pending == confirmed {
		return true
	}
	return pending > 0 && confirmed > 0
}

func (s *MessageStore) findKeyLocked(key string) int {
	for i, m := range s.messages {
		if m.Key() == key {
			return i
		}
	}
	return -1
}

func (s *MessageStore) removeAtLocked(i int) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *MessageStore) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt < s.messages[j].CreatedAt
	})
}

func (s *MessageStore) snapshotLocked() []model.Message {
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// validRecord keeps obviously broken network records out of the list.
// Records with neither id nor placeholder still pass; they merge under
// the composite fingerprint.
func validRecord(m model.Message) bool {
	return m.Sender != "" && m.Recipient != "" && m.CreatedAt > 0
}
