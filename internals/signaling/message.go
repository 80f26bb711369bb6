package signaling

import (
	"encoding/json"
	"time"
)

type MessageType string

// Inbound commands.
const (
	MessageTypeUserOnline        MessageType = "user_online"
	MessageTypeHeartbeat         MessageType = "heartbeat"
	MessageTypeRequestUserList   MessageType = "request_user_list"
	MessageTypeStartSession      MessageType = "start_translation_session"
	MessageTypeStopSession       MessageType = "stop_translation_session"
	MessageTypeJoinView          MessageType = "join_translation_view"
	MessageTypeLeaveView         MessageType = "leave_translation_view"
	MessageTypeTranslationResult MessageType = "translation_result"
)

// Outbound events.
const (
	MessageTypeConnected            MessageType = "connected"
	MessageTypeUserJoin             MessageType = "user_join"
	MessageTypeUserLeave            MessageType = "user_leave"
	MessageTypeUserList             MessageType = "user_list"
	MessageTypeStatusUpdate         MessageType = "translation_status_update"
	MessageTypeStartTranslation     MessageType = "start_translation"
	MessageTypeStopTranslation      MessageType = "stop_translation"
	MessageTypeTranslationBroadcast MessageType = "translation_broadcast"
	MessageTypeError                MessageType = "error"
	MessageTypeHeartbeatAck         MessageType = "heartbeat_ack"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type UserOnlineMessage struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	RoomID   string `json:"roomId"`
}

type StartSessionMessage struct {
	TargetUserID string `json:"targetUserId"`
	FromLang     string `json:"fromLang"`
	ToLang       string `json:"toLang"`
}

type StopSessionMessage struct {
	SessionID string `json:"sessionId"`
}

type ViewMessage struct {
	SessionID string `json:"sessionId"`
}

type TranslationResultMessage struct {
	SessionID   string `json:"sessionId"`
	Original    string `json:"original"`
	Translation string `json:"translation"`
}

type ErrorMessage struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
