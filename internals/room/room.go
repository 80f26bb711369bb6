package room

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Room ids are exactly six ASCII digits; anything else is rejected before
// any state is touched.
var roomIDPattern = regexp.MustCompile(`^\d{6}$`)

var (
	ErrInvalidRoomID = errors.New("room id must be 6 digits")
	ErrTooManyRooms  = errors.New("room limit reached")
)

// ValidID reports whether id is a well-formed room id.
func ValidID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// Room is one live room: its membership set and activity clock. Rooms are
// created lazily on first join and exist only while they have members or
// until the idle sweep reclaims them.
type Room struct {
	ID           string
	Members      map[string]struct{}
	CreatedAt    time.Time
	LastActivity time.Time
}

// Expired describes a room reclaimed by a GC sweep, with the members that
// were still registered so the caller can cascade their cleanup.
type Expired struct {
	RoomID  string
	Members []string
}

// Directory owns the room table. All access goes through its methods.
type Directory struct {
	rooms       map[string]*Room
	maxRooms    int
	idleTimeout time.Duration
	mu          sync.RWMutex
	logger      *zap.Logger
}

func NewDirectory(maxRooms int, idleTimeout time.Duration, logger *zap.Logger) *Directory {
	return &Directory{
		rooms:       make(map[string]*Room),
		maxRooms:    maxRooms,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// EnsureRoom creates the room if absent. The id must already be validated
// or it is rejected here as a backstop.
func (d *Directory) EnsureRoom(roomID string) error {
	if !ValidID(roomID) {
		return ErrInvalidRoomID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.rooms[roomID]; exists {
		return nil
	}
	if d.maxRooms > 0 && len(d.rooms) >= d.maxRooms {
		return ErrTooManyRooms
	}

	now := time.Now()
	d.rooms[roomID] = &Room{
		ID:           roomID,
		Members:      make(map[string]struct{}),
		CreatedAt:    now,
		LastActivity: now,
	}

	d.logger.Info("Room created", zap.String("roomID", roomID))
	return nil
}

// AddMember puts userID into the room, creating it if needed.
func (d *Directory) AddMember(roomID, userID string) error {
	if err := d.EnsureRoom(roomID); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rm := d.rooms[roomID]
	rm.Members[userID] = struct{}{}
	rm.LastActivity = time.Now()

	d.logger.Debug("Member added",
		zap.String("roomID", roomID),
		zap.String("userID", userID),
		zap.Int("members", len(rm.Members)),
	)
	return nil
}

// RemoveMember takes userID out of the room and deletes the room when its
// membership becomes empty. Reports whether the user was a member.
func (d *Directory) RemoveMember(roomID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rm, exists := d.rooms[roomID]
	if !exists {
		return false
	}
	if _, member := rm.Members[userID]; !member {
		return false
	}

	delete(rm.Members, userID)
	rm.LastActivity = time.Now()

	if len(rm.Members) == 0 {
		delete(d.rooms, roomID)
		d.logger.Info("Room emptied, removed", zap.String("roomID", roomID))
	}
	return true
}

// Touch bumps the room's activity clock. Any room-scoped command counts as
// activity for idle GC purposes.
func (d *Directory) Touch(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rm, exists := d.rooms[roomID]; exists {
		rm.LastActivity = time.Now()
	}
}

// Members returns a snapshot of the room's membership set. A missing room
// yields an empty set, never an error: callers holding stale room handles
// just see nobody.
func (d *Directory) Members(roomID string) map[string]struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rm, exists := d.rooms[roomID]
	if !exists {
		return map[string]struct{}{}
	}
	members := make(map[string]struct{}, len(rm.Members))
	for id := range rm.Members {
		members[id] = struct{}{}
	}
	return members
}

// IsMember reports whether userID is currently in roomID.
func (d *Directory) IsMember(roomID, userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rm, exists := d.rooms[roomID]
	if !exists {
		return false
	}
	_, member := rm.Members[userID]
	return member
}

// Exists reports whether the room is currently in the directory.
func (d *Directory) Exists(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.rooms[roomID]
	return exists
}

// Count returns the number of live rooms.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// TotalMembers returns the sum of membership sizes across all rooms.
func (d *Directory) TotalMembers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := 0
	for _, rm := range d.rooms {
		total += len(rm.Members)
	}
	return total
}

// GCSweep removes every room whose last activity is older than the idle
// timeout, regardless of membership, and returns what was reclaimed. The
// caller is expected to run it on an interval small relative to the timeout.
func (d *Directory) GCSweep(now time.Time) []Expired {
	d.mu.Lock()
	defer d.mu.Unlock()

	var expired []Expired
	for roomID, rm := range d.rooms {
		if now.Sub(rm.LastActivity) <= d.idleTimeout {
			continue
		}
		members := make([]string, 0, len(rm.Members))
		for id := range rm.Members {
			members = append(members, id)
		}
		expired = append(expired, Expired{RoomID: roomID, Members: members})
		delete(d.rooms, roomID)

		d.logger.Info("Room expired",
			zap.String("roomID", roomID),
			zap.Duration("idle", now.Sub(rm.LastActivity)),
			zap.Int("members", len(members)),
		)
	}
	return expired
}
