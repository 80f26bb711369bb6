package translation

import (
	"fmt"
	"sort"
	"time"
)

// Session is one active translation pairing: the target speaks, the
// recognition engine behind the target's client produces caption pairs, and
// every viewer except the speaker receives them. The initiator is a viewer
// from the moment of creation.
type Session struct {
	SessionID       string
	RoomID          string
	InitiatorUserID string
	TargetUserID    string
	FromLang        string
	ToLang          string
	Viewers         map[string]struct{}
	IsActive        bool
	CreatedAt       time.Time
}

// SessionID derives the deterministic id for a (room, initiator, target)
// triple. Clients can reconstruct it without a round trip.
func SessionID(roomID, initiatorUserID, targetUserID string) string {
	return fmt.Sprintf("trans_%s_%s_%s", roomID, initiatorUserID, targetUserID)
}

// Status is the wire-visible record kept per (room, target). One entry per
// target at most: a target can be the speaker of a single session.
type Status struct {
	SessionID       string   `json:"sessionId"`
	InitiatorUserID string   `json:"initiatorUserId"`
	FromLang        string   `json:"fromLang"`
	ToLang          string   `json:"toLang"`
	IsActive        bool     `json:"isActive"`
	Viewers         []string `json:"viewers"`
}

func (s *Session) status() Status {
	viewers := make([]string, 0, len(s.Viewers))
	for id := range s.Viewers {
		viewers = append(viewers, id)
	}
	sort.Strings(viewers)
	return Status{
		SessionID:       s.SessionID,
		InitiatorUserID: s.InitiatorUserID,
		FromLang:        s.FromLang,
		ToLang:          s.ToLang,
		IsActive:        s.IsActive,
		Viewers:         viewers,
	}
}
