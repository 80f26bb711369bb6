package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	appmetrics "github.com/captionrelay/captionrelay/internals/metrics"
	"github.com/captionrelay/captionrelay/internals/room"
	"github.com/captionrelay/captionrelay/internals/signaling"
	"github.com/captionrelay/captionrelay/internals/translation"
	"go.uber.org/zap"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

func unmarshalMessageData[T any](data json.RawMessage, out *T) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		var dataStr string
		if err2 := json.Unmarshal(data, &dataStr); err2 != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("invalid inner JSON: %w", err3)
		}
	}
	return nil
}

func (s *Server) validateID(id string, maxLen int, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d", fieldName, maxLen)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// handleMessage is the dispatcher boundary. Whatever happens inside a
// handler, the damage is confined to an error reply on this one connection.
func (s *Server) handleMessage(client *signaling.Client, message signaling.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling command",
				zap.String("clientID", client.ID),
				zap.String("type", string(message.Type)),
				zap.Any("panic", r),
			)
			appmetrics.RecordCommandError("panic")
			client.SendError(500, "internal server error")
		}
	}()

	appmetrics.MessagesReceived.Inc()

	limiter := s.getClientRateLimiter(client.ID)
	if !limiter.Allow() {
		client.SendError(429, "rate limit exceeded")
		return
	}

	switch message.Type {
	case signaling.MessageTypeUserOnline:
		s.handleUserOnline(client, message)
	case signaling.MessageTypeHeartbeat:
		s.handleHeartbeat(client)
	case signaling.MessageTypeRequestUserList:
		s.handleRequestUserList(client)
	case signaling.MessageTypeStartSession:
		s.handleStartSession(client, message)
	case signaling.MessageTypeStopSession:
		s.handleStopSession(client, message)
	case signaling.MessageTypeJoinView:
		s.handleJoinView(client, message)
	case signaling.MessageTypeLeaveView:
		s.handleLeaveView(client, message)
	case signaling.MessageTypeTranslationResult:
		s.handleTranslationResult(client, message)
	default:
		s.logger.Debug("Unknown message type", zap.String("type", string(message.Type)))
		client.SendError(400, "unknown message type")
	}
}

// sendCommandError maps the error taxonomy onto targeted replies. Nothing
// here mutates state; handlers return before mutating when they error.
func (s *Server) sendCommandError(client *signaling.Client, err error) {
	code := 400
	kind := "validation"
	switch {
	case errors.Is(err, translation.ErrSessionNotFound),
		errors.Is(err, translation.ErrTargetNotInRoom):
		code, kind = 404, "not_found"
	case errors.Is(err, translation.ErrNotInitiator),
		errors.Is(err, translation.ErrViewerNotInRoom):
		code, kind = 403, "authorization"
	case errors.Is(err, translation.ErrTargetBusy):
		code, kind = 409, "conflict"
	case errors.Is(err, room.ErrTooManyRooms):
		code, kind = 503, "capacity"
	}
	appmetrics.RecordCommandError(kind)
	client.SendError(code, err.Error())
}

func (s *Server) handleUserOnline(client *signaling.Client, message signaling.Message) {
	var msg signaling.UserOnlineMessage
	if err := unmarshalMessageData(message.Data, &msg); err != nil {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "invalid user_online payload")
		return
	}

	if !room.ValidID(msg.RoomID) {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, room.ErrInvalidRoomID.Error())
		return
	}
	if err := s.validateID(msg.UserID, s.config.Relay.MaxUserIDLength, "userId"); err != nil {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, err.Error())
		return
	}
	if msg.UserName == "" || len(msg.UserName) > s.config.Relay.MaxNameLength {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "userName is required")
		return
	}

	// Evict stale connections asserting the same identity (page refresh)
	// before the new one takes over.
	s.hub.DisconnectClientsByUserID(msg.UserID, client.ID)

	s.stateMu.Lock()

	// The new room must be admissible before anything else changes: a
	// rejected join or switch leaves the user exactly where they were.
	if err := s.rooms.EnsureRoom(msg.RoomID); err != nil {
		s.stateMu.Unlock()
		s.sendCommandError(client, err)
		return
	}

	// A user switching rooms leaves the old room completely before joining
	// the new one, so membership never leaks across rooms.
	if existing, ok := s.users.GetUser(msg.UserID); ok && existing.RoomID != msg.RoomID {
		s.detachFromRoom(msg.UserID, existing.Name, existing.RoomID)
	}

	if err := s.rooms.AddMember(msg.RoomID, msg.UserID); err != nil {
		s.stateMu.Unlock()
		s.sendCommandError(client, err)
		return
	}
	s.users.AddUser(msg.UserID, msg.UserName, msg.RoomID)

	client.SetIdentity(msg.UserID, msg.UserName, msg.RoomID)

	roomUsers := s.users.UsersInRoom(msg.RoomID)
	statusMap := s.sessions.StatusMap(msg.RoomID)

	s.stateMu.Unlock()

	s.broadcastToRoom(msg.RoomID, signaling.MessageTypeUserJoin, map[string]any{
		"userId":    msg.UserID,
		"userName":  msg.UserName,
		"roomId":    msg.RoomID,
		"timestamp": time.Now().UnixMilli(),
	}, client.ID)

	client.SendEvent(signaling.MessageTypeUserList, map[string]any{
		"users":     roomUsers,
		"timestamp": time.Now().UnixMilli(),
	})
	client.SendEvent(signaling.MessageTypeStatusUpdate, map[string]any{
		"roomId":    msg.RoomID,
		"statusMap": statusMap,
	})
	appmetrics.MessagesSent.Add(2)

	s.updateMetrics()

	s.logger.Info("User joined room",
		zap.String("userID", msg.UserID),
		zap.String("userName", msg.UserName),
		zap.String("roomID", msg.RoomID),
	)
}

func (s *Server) handleHeartbeat(client *signaling.Client) {
	if userID := client.UserID(); userID != "" {
		s.users.Touch(userID)
	}
	client.SendEvent(signaling.MessageTypeHeartbeatAck, map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})
	appmetrics.MessagesSent.Inc()
}

func (s *Server) handleRequestUserList(client *signaling.Client) {
	if client.UserID() == "" {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "not online: send user_online first")
		return
	}

	s.stateMu.Lock()
	roomUsers := s.users.UsersInRoom(client.RoomID())
	s.stateMu.Unlock()

	client.SendEvent(signaling.MessageTypeUserList, map[string]any{
		"users":     roomUsers,
		"timestamp": time.Now().UnixMilli(),
	})
	appmetrics.MessagesSent.Inc()
}

func (s *Server) handleStartSession(client *signaling.Client, message signaling.Message) {
	userID, roomID := client.UserID(), client.RoomID()
	if userID == "" {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "not online: send user_online first")
		return
	}

	var msg signaling.StartSessionMessage
	if err := unmarshalMessageData(message.Data, &msg); err != nil {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "invalid start_translation_session payload")
		return
	}
	if msg.TargetUserID == "" || msg.FromLang == "" || msg.ToLang == "" {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "targetUserId, fromLang and toLang are required")
		return
	}

	s.stateMu.Lock()
	status, err := s.sessions.Start(roomID, userID, msg.TargetUserID, msg.FromLang, msg.ToLang)
	if err != nil {
		s.stateMu.Unlock()
		s.sendCommandError(client, err)
		return
	}
	s.rooms.Touch(roomID)
	s.stateMu.Unlock()

	appmetrics.SessionsStarted.Inc()

	// Tell the target's connection to begin captioning with this language
	// pair. The speech engine lives behind that client.
	if target, ok := s.hub.GetClientByUserID(msg.TargetUserID); ok {
		target.SendEvent(signaling.MessageTypeStartTranslation, map[string]any{
			"fromUserId": userID,
			"toUserId":   msg.TargetUserID,
			"fromLang":   msg.FromLang,
			"toLang":     msg.ToLang,
		})
		appmetrics.MessagesSent.Inc()
	}

	s.broadcastStatus(roomID)
	s.updateMetrics()

	s.logger.Info("Session start dispatched",
		zap.String("sessionID", status.SessionID),
		zap.String("roomID", roomID),
	)
}

func (s *Server) handleStopSession(client *signaling.Client, message signaling.Message) {
	userID := client.UserID()
	if userID == "" {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "not online: send user_online first")
		return
	}

	var msg signaling.StopSessionMessage
	if err := unmarshalMessageData(message.Data, &msg); err != nil {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "invalid stop_translation_session payload")
		return
	}

	s.stateMu.Lock()
	sess, err := s.sessions.Stop(msg.SessionID, userID)
	if err != nil {
		s.stateMu.Unlock()
		s.sendCommandError(client, err)
		return
	}
	s.rooms.Touch(sess.RoomID)
	s.stateMu.Unlock()

	appmetrics.RecordSessionStopped("initiator")

	if target, ok := s.hub.GetClientByUserID(sess.TargetUserID); ok {
		target.SendEvent(signaling.MessageTypeStopTranslation, map[string]any{
			"fromUserId": sess.InitiatorUserID,
			"toUserId":   sess.TargetUserID,
		})
		appmetrics.MessagesSent.Inc()
	}

	s.broadcastStatus(sess.RoomID)
	s.updateMetrics()
}

func (s *Server) handleJoinView(client *signaling.Client, message signaling.Message) {
	s.handleViewChange(client, message, true)
}

func (s *Server) handleLeaveView(client *signaling.Client, message signaling.Message) {
	s.handleViewChange(client, message, false)
}

func (s *Server) handleViewChange(client *signaling.Client, message signaling.Message, join bool) {
	userID := client.UserID()
	if userID == "" {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "not online: send user_online first")
		return
	}

	var msg signaling.ViewMessage
	if err := unmarshalMessageData(message.Data, &msg); err != nil {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "invalid view payload")
		return
	}

	s.stateMu.Lock()
	var changed bool
	var err error
	if join {
		changed, err = s.sessions.JoinView(msg.SessionID, userID)
	} else {
		changed, err = s.sessions.LeaveView(msg.SessionID, userID)
	}
	if err != nil {
		s.stateMu.Unlock()
		s.sendCommandError(client, err)
		return
	}
	_, roomID, _ := s.sessions.Get(msg.SessionID)
	s.rooms.Touch(roomID)
	s.stateMu.Unlock()

	// Re-adding an existing viewer (or re-leaving) is a no-op: no state
	// change, no duplicate broadcast.
	if changed {
		s.broadcastStatus(roomID)
	}
}

func (s *Server) handleTranslationResult(client *signaling.Client, message signaling.Message) {
	speakerID := client.UserID()
	if speakerID == "" {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "not online: send user_online first")
		return
	}

	var msg signaling.TranslationResultMessage
	if err := unmarshalMessageData(message.Data, &msg); err != nil {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "invalid translation_result payload")
		return
	}
	if len(msg.Original)+len(msg.Translation) > s.config.Relay.MaxCaptionBytes {
		appmetrics.RecordCommandError("validation")
		client.SendError(400, "caption too large")
		return
	}

	s.stateMu.Lock()
	recipients, active := s.sessions.Recipients(msg.SessionID, speakerID)
	_, roomID, _ := s.sessions.Get(msg.SessionID)
	if active {
		s.rooms.Touch(roomID)
	}
	s.stateMu.Unlock()

	// Captions racing a session stop are stale, not errors. Drop them
	// without a reply so the speaker's client isn't flooded with failures.
	if !active {
		appmetrics.CaptionsDiscarded.Inc()
		s.logger.Debug("Discarding caption for inactive session",
			zap.String("sessionID", msg.SessionID),
			zap.String("speaker", speakerID),
		)
		return
	}

	event := map[string]any{
		"sessionId":   msg.SessionID,
		"original":    msg.Original,
		"translation": msg.Translation,
		"timestamp":   time.Now().UnixMilli(),
	}
	for _, userID := range recipients {
		if viewer, ok := s.hub.GetClientByUserID(userID); ok {
			viewer.SendEvent(signaling.MessageTypeTranslationBroadcast, event)
			appmetrics.MessagesSent.Inc()
			appmetrics.CaptionsRelayed.Inc()
		}
	}
}

// handleClientDisconnect is the single cleanup path for transport closes,
// heartbeat evictions and page-refresh replacement. It is idempotent:
// removing an already-removed user does nothing and broadcasts nothing.
func (s *Server) handleClientDisconnect(client *signaling.Client) {
	s.stateMu.Lock()
	s.removeUserState(client)
	s.stateMu.Unlock()

	s.hub.UnregisterClient(client)
	s.removeClientRateLimiter(client.ID)
	s.updateMetrics()
}

// removeUserState scrubs a departing connection's user from every
// directory. Caller holds stateMu.
func (s *Server) removeUserState(client *signaling.Client) {
	userID := client.UserID()
	if userID == "" {
		return
	}
	user, ok := s.users.GetUser(userID)
	if !ok {
		return
	}
	// Another connection may have taken over this identity (refresh); only
	// the owning connection tears the user down.
	if current, online := s.hub.GetClientByUserID(userID); online && current.ID != client.ID {
		return
	}

	s.detachFromRoom(user.ID, user.Name, user.RoomID)
	s.users.RemoveUser(user.ID)
}

// detachFromRoom removes the user's room membership and session footprint
// and announces the departure to whoever is left. Caller holds stateMu.
func (s *Server) detachFromRoom(userID, userName, roomID string) {
	initiated, targeted := s.sessions.RemoveUser(roomID, userID)
	s.rooms.RemoveMember(roomID, userID)

	for _, sess := range initiated {
		appmetrics.RecordSessionStopped("initiator_left")
		if target, ok := s.hub.GetClientByUserID(sess.TargetUserID); ok {
			target.SendEvent(signaling.MessageTypeStopTranslation, map[string]any{
				"fromUserId": sess.InitiatorUserID,
				"toUserId":   sess.TargetUserID,
			})
			appmetrics.MessagesSent.Inc()
		}
	}
	for range targeted {
		appmetrics.RecordSessionStopped("target_left")
	}

	s.broadcastToRoom(roomID, signaling.MessageTypeUserLeave, map[string]any{
		"userId":    userID,
		"userName":  userName,
		"roomId":    roomID,
		"timestamp": time.Now().UnixMilli(),
	}, "")
	s.broadcastStatus(roomID)
}

// broadcastToRoom fans an event out to every connection registered in the
// room, skipping excludeClientID. Sends only enqueue; a slow or dead
// recipient cannot stall the others.
func (s *Server) broadcastToRoom(roomID string, msgType signaling.MessageType, payload any, excludeClientID string) {
	if roomID == "" {
		return
	}
	for _, c := range s.hub.GetClientsByRoom(roomID) {
		if c.ID == excludeClientID {
			continue
		}
		c.SendEvent(msgType, payload)
		appmetrics.MessagesSent.Inc()
	}
}

// broadcastStatus pushes the room's current status map to all members. The
// map only carries sessions whose target is still in the room, and each
// viewers list is snapshotted at this moment.
func (s *Server) broadcastStatus(roomID string) {
	if roomID == "" {
		return
	}
	statusMap := s.sessions.StatusMap(roomID)
	s.broadcastToRoom(roomID, signaling.MessageTypeStatusUpdate, map[string]any{
		"roomId":    roomID,
		"statusMap": statusMap,
	}, "")
}
