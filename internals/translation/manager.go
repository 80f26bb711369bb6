package translation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTargetNotInRoom = errors.New("target user not in room")
	ErrViewerNotInRoom = errors.New("viewer not in room")
	ErrTargetBusy      = errors.New("target already has an active session")
	ErrNotInitiator    = errors.New("only the initiator may stop a session")
	ErrSelfTranslation = errors.New("cannot start a session targeting yourself")
)

// Membership is the slice of the room directory the session manager needs
// to keep viewer sets inside current room membership.
type Membership interface {
	IsMember(roomID, userID string) bool
}

// Manager owns the session table. It validates and mutates state only; the
// dispatcher decides what to announce and to whom.
type Manager struct {
	sessions map[string]*Session // sessionID -> session
	byTarget map[string]string   // roomID:targetUserID -> sessionID
	mu       sync.RWMutex

	membership Membership
	logger     *zap.Logger
}

func NewManager(membership Membership, logger *zap.Logger) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		byTarget:   make(map[string]string),
		membership: membership,
		logger:     logger,
	}
}

func targetKey(roomID, targetUserID string) string {
	return fmt.Sprintf("%s:%s", roomID, targetUserID)
}

// Start creates a session against targetUserID. The target must be a
// current member of the initiator's room and must not already be the
// speaker of an active session. The initiator is the first viewer.
func (m *Manager) Start(roomID, initiatorUserID, targetUserID, fromLang, toLang string) (Status, error) {
	if initiatorUserID == targetUserID {
		return Status{}, ErrSelfTranslation
	}
	if !m.membership.IsMember(roomID, targetUserID) {
		return Status{}, ErrTargetNotInRoom
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := targetKey(roomID, targetUserID)
	if _, busy := m.byTarget[key]; busy {
		return Status{}, ErrTargetBusy
	}

	sess := &Session{
		SessionID:       SessionID(roomID, initiatorUserID, targetUserID),
		RoomID:          roomID,
		InitiatorUserID: initiatorUserID,
		TargetUserID:    targetUserID,
		FromLang:        fromLang,
		ToLang:          toLang,
		Viewers:         map[string]struct{}{initiatorUserID: {}},
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	m.sessions[sess.SessionID] = sess
	m.byTarget[key] = sess.SessionID

	m.logger.Info("Translation session started",
		zap.String("sessionID", sess.SessionID),
		zap.String("roomID", roomID),
		zap.String("initiator", initiatorUserID),
		zap.String("target", targetUserID),
		zap.String("fromLang", fromLang),
		zap.String("toLang", toLang),
	)

	return sess.status(), nil
}

// Stop removes the session. Only its initiator may do so.
func (m *Manager) Stop(sessionID, requesterUserID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	if sess.InitiatorUserID != requesterUserID {
		return nil, ErrNotInitiator
	}

	m.remove(sess)

	m.logger.Info("Translation session stopped",
		zap.String("sessionID", sessionID),
		zap.String("requester", requesterUserID),
	)

	return sess, nil
}

// JoinView adds userID to the session's viewer set. Adding an existing
// viewer is a no-op; changed reports whether the set actually grew.
func (m *Manager) JoinView(sessionID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[sessionID]
	if !exists {
		return false, ErrSessionNotFound
	}
	if !m.membership.IsMember(sess.RoomID, userID) {
		return false, ErrViewerNotInRoom
	}
	if _, viewer := sess.Viewers[userID]; viewer {
		return false, nil
	}
	sess.Viewers[userID] = struct{}{}

	m.logger.Debug("Viewer joined",
		zap.String("sessionID", sessionID),
		zap.String("userID", userID),
	)
	return true, nil
}

// LeaveView removes userID from the viewer set, symmetric to JoinView.
func (m *Manager) LeaveView(sessionID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[sessionID]
	if !exists {
		return false, ErrSessionNotFound
	}
	if _, viewer := sess.Viewers[userID]; !viewer {
		return false, nil
	}
	delete(sess.Viewers, userID)

	m.logger.Debug("Viewer left",
		zap.String("sessionID", sessionID),
		zap.String("userID", userID),
	)
	return true, nil
}

// Recipients returns the caption delivery list for a session: the current
// viewers minus the speaker. ok is false when the session is gone or
// inactive, in which case the caption is stale and must be discarded
// silently rather than reported as an error.
func (m *Manager) Recipients(sessionID, speakerUserID string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[sessionID]
	if !exists || !sess.IsActive {
		return nil, false
	}

	recipients := make([]string, 0, len(sess.Viewers))
	for id := range sess.Viewers {
		if id != speakerUserID {
			recipients = append(recipients, id)
		}
	}
	return recipients, true
}

// Get returns the session's current status.
func (m *Manager) Get(sessionID string) (Status, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[sessionID]
	if !exists {
		return Status{}, "", false
	}
	return sess.status(), sess.RoomID, true
}

// RemoveUser scrubs a departing user from all session state in its room:
// sessions it initiated are stopped, sessions targeting it are dropped (a
// session without its speaker can never caption again), and it is removed
// from every remaining viewer set. Returned sessions let the dispatcher
// notify targets and re-broadcast status.
func (m *Manager) RemoveUser(roomID, userID string) (initiated, targeted []*Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		if sess.RoomID != roomID {
			continue
		}
		switch {
		case sess.InitiatorUserID == userID:
			m.remove(sess)
			initiated = append(initiated, sess)
		case sess.TargetUserID == userID:
			m.remove(sess)
			targeted = append(targeted, sess)
		default:
			delete(sess.Viewers, userID)
		}
	}

	if len(initiated)+len(targeted) > 0 {
		m.logger.Info("Sessions removed for departing user",
			zap.String("roomID", roomID),
			zap.String("userID", userID),
			zap.Int("initiated", len(initiated)),
			zap.Int("targeted", len(targeted)),
		)
	}
	return initiated, targeted
}

// DropRoom discards every session belonging to a removed room.
func (m *Manager) DropRoom(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for _, sess := range m.sessions {
		if sess.RoomID == roomID {
			m.remove(sess)
			dropped++
		}
	}
	if dropped > 0 {
		m.logger.Info("Room sessions dropped",
			zap.String("roomID", roomID),
			zap.Int("count", dropped),
		)
	}
	return dropped
}

// StatusMap builds the room's broadcast status map. Entries appear only for
// sessions whose target is still a member of the room, and each viewers
// list is a live snapshot taken here.
func (m *Manager) StatusMap(roomID string) map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statusMap := make(map[string]Status)
	for _, sess := range m.sessions {
		if sess.RoomID != roomID {
			continue
		}
		if !m.membership.IsMember(roomID, sess.TargetUserID) {
			continue
		}
		statusMap[sess.TargetUserID] = sess.status()
	}
	return statusMap
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// remove deletes a session from both indexes. Caller holds the lock.
func (m *Manager) remove(sess *Session) {
	sess.IsActive = false
	delete(m.sessions, sess.SessionID)
	delete(m.byTarget, targetKey(sess.RoomID, sess.TargetUserID))
}
