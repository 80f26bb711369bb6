package translation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// membershipStub stands in for the room directory.
type membershipStub struct {
	members map[string]map[string]bool
}

func newMembershipStub() *membershipStub {
	return &membershipStub{members: make(map[string]map[string]bool)}
}

func (m *membershipStub) add(roomID, userID string) {
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]bool)
	}
	m.members[roomID][userID] = true
}

func (m *membershipStub) remove(roomID, userID string) {
	delete(m.members[roomID], userID)
}

func (m *membershipStub) IsMember(roomID, userID string) bool {
	return m.members[roomID][userID]
}

func newTestManager() (*Manager, *membershipStub) {
	rooms := newMembershipStub()
	rooms.add("123456", "alice")
	rooms.add("123456", "bob")
	rooms.add("123456", "carol")
	return NewManager(rooms, zap.NewNop()), rooms
}

func TestStartSession(t *testing.T) {
	m, _ := newTestManager()

	status, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)

	assert.Equal(t, "trans_123456_alice_bob", status.SessionID)
	assert.Equal(t, "alice", status.InitiatorUserID)
	assert.Equal(t, "zh", status.FromLang)
	assert.Equal(t, "ja", status.ToLang)
	assert.True(t, status.IsActive)
	assert.Equal(t, []string{"alice"}, status.Viewers, "initiator is the first viewer")
	assert.Equal(t, 1, m.Count())
}

func TestStartSessionValidation(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Start("123456", "alice", "alice", "zh", "ja")
	assert.ErrorIs(t, err, ErrSelfTranslation)

	_, err = m.Start("123456", "alice", "ghost", "zh", "ja")
	assert.ErrorIs(t, err, ErrTargetNotInRoom)

	assert.Equal(t, 0, m.Count())
}

func TestStartSessionTargetBusy(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)

	_, err = m.Start("123456", "carol", "bob", "en", "fr")
	assert.ErrorIs(t, err, ErrTargetBusy)

	// The same target is free again once the first session stops.
	_, err = m.Stop("trans_123456_alice_bob", "alice")
	require.NoError(t, err)
	_, err = m.Start("123456", "carol", "bob", "en", "fr")
	assert.NoError(t, err)
}

func TestStopSession(t *testing.T) {
	m, _ := newTestManager()

	status, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)

	_, err = m.Stop(status.SessionID, "carol")
	assert.ErrorIs(t, err, ErrNotInitiator)

	sess, err := m.Stop(status.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", sess.TargetUserID)
	assert.False(t, sess.IsActive)
	assert.Equal(t, 0, m.Count())

	_, err = m.Stop(status.SessionID, "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoinAndLeaveView(t *testing.T) {
	m, _ := newTestManager()

	status, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)

	changed, err := m.JoinView(status.SessionID, "carol")
	require.NoError(t, err)
	assert.True(t, changed)

	// Re-joining is a no-op and must not report a change.
	changed, err = m.JoinView(status.SessionID, "carol")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = m.JoinView(status.SessionID, "ghost")
	assert.ErrorIs(t, err, ErrViewerNotInRoom)

	_, err = m.JoinView("trans_123456_x_y", "carol")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	changed, err = m.LeaveView(status.SessionID, "carol")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.LeaveView(status.SessionID, "carol")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRecipientsExcludesSpeaker(t *testing.T) {
	m, _ := newTestManager()

	status, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)

	_, err = m.JoinView(status.SessionID, "carol")
	require.NoError(t, err)

	// Bob speaks; every viewer except bob receives.
	recipients, ok := m.Recipients(status.SessionID, "bob")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "carol"}, recipients)

	// If a viewer is somehow the speaker, they are excluded from delivery.
	recipients, ok = m.Recipients(status.SessionID, "alice")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"carol"}, recipients)
}

func TestRecipientsForStaleSession(t *testing.T) {
	m, _ := newTestManager()

	status, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)
	_, err = m.Stop(status.SessionID, "alice")
	require.NoError(t, err)

	_, ok := m.Recipients(status.SessionID, "bob")
	assert.False(t, ok, "stopped session yields no recipients, not an error")

	_, ok = m.Recipients("trans_123456_never_was", "bob")
	assert.False(t, ok)
}

func TestRemoveUserCascades(t *testing.T) {
	m, rooms := newTestManager()
	rooms.add("123456", "dave")

	// alice initiates on bob; carol initiates on dave and alice views it.
	s1, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)
	s2, err := m.Start("123456", "carol", "dave", "en", "fr")
	require.NoError(t, err)
	_, err = m.JoinView(s2.SessionID, "alice")
	require.NoError(t, err)

	initiated, targeted := m.RemoveUser("123456", "alice")
	require.Len(t, initiated, 1)
	assert.Equal(t, s1.SessionID, initiated[0].SessionID)
	assert.Empty(t, targeted)

	// alice's initiated session is gone and she is scrubbed from s2's viewers.
	assert.Equal(t, 1, m.Count())
	recipients, ok := m.Recipients(s2.SessionID, "dave")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"carol"}, recipients)
}

func TestRemoveUserDropsTargetedSession(t *testing.T) {
	m, _ := newTestManager()

	s1, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)

	initiated, targeted := m.RemoveUser("123456", "bob")
	assert.Empty(t, initiated)
	require.Len(t, targeted, 1)
	assert.Equal(t, s1.SessionID, targeted[0].SessionID)
	assert.Equal(t, 0, m.Count())
}

func TestStatusMapFiltersDepartedTargets(t *testing.T) {
	m, rooms := newTestManager()

	s1, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)

	statusMap := m.StatusMap("123456")
	require.Contains(t, statusMap, "bob")
	assert.Equal(t, s1.SessionID, statusMap["bob"].SessionID)

	// A target no longer in the room must not appear in the map even if the
	// session record has not been cleaned up yet.
	rooms.remove("123456", "bob")
	assert.Empty(t, m.StatusMap("123456"))

	assert.Empty(t, m.StatusMap("999999"))
}

func TestDropRoom(t *testing.T) {
	m, rooms := newTestManager()
	rooms.add("123456", "dave")

	_, err := m.Start("123456", "alice", "bob", "zh", "ja")
	require.NoError(t, err)
	_, err = m.Start("123456", "carol", "dave", "en", "fr")
	require.NoError(t, err)

	assert.Equal(t, 2, m.DropRoom("123456"))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, m.DropRoom("123456"))
}

func TestSessionIDDerivation(t *testing.T) {
	assert.Equal(t, "trans_123456_alice_bob", SessionID("123456", "alice", "bob"))
}
