package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/pkg/logger"
)

func testManager() *StreamManager {
	return &StreamManager{logger: &logger.Logger{Logger: zap.NewNop()}}
}

func TestMessageSubject(t *testing.T) {
	assert.Equal(t, "dm.alice.bob", MessageSubject("alice", "bob"))
}

func TestConversationFilters(t *testing.T) {
	filters := ConversationFilters("alice", "bob")
	assert.Equal(t, []string{"dm.alice.bob", "dm.bob.alice"}, filters)
}

func TestIdentityFilters(t *testing.T) {
	filters := IdentityFilters("alice")
	assert.Equal(t, []string{"dm.alice.>", "dm.*.alice"}, filters)
}

func TestDecodeDerivesIsSent(t *testing.T) {
	m := testManager()

	wire, err := json.Marshal(model.Message{ID: "r1", Sender: "alice", Recipient: "bob", Content: "hi", CreatedAt: 100})
	require.NoError(t, err)

	msg, ok := m.decode(wire, "alice")
	require.True(t, ok)
	assert.True(t, msg.IsSent)

	msg, ok = m.decode(wire, "bob")
	require.True(t, ok)
	assert.False(t, msg.IsSent)
}

func TestDecodeSkipsMalformed(t *testing.T) {
	m := testManager()

	_, ok := m.decode([]byte("{not json"), "alice")
	assert.False(t, ok)

	wire, err := json.Marshal(model.Message{ID: "r1", Content: "no participants", CreatedAt: 100})
	require.NoError(t, err)
	_, ok = m.decode(wire, "alice")
	assert.False(t, ok)
}
