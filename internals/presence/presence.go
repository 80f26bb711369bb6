package presence

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrUserNotFound = errors.New("user not found")

// User is the directory's record of one online identity. A user belongs to
// at most one room at a time.
type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RoomID   string    `json:"roomId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Directory tracks who is online and which room they are in. It owns its map
// exclusively; callers never see or mutate the containers directly, and it
// performs no broadcasting of its own.
type Directory struct {
	users  map[string]*User
	mu     sync.RWMutex
	logger *zap.Logger
}

func NewDirectory(logger *zap.Logger) *Directory {
	return &Directory{
		users:  make(map[string]*User),
		logger: logger,
	}
}

// AddUser registers a user as online in roomID. It is idempotent: an
// existing record for the same id is overwritten, which covers both
// reconnects and room switches.
func (d *Directory) AddUser(id, name, roomID string) *User {
	d.mu.Lock()
	defer d.mu.Unlock()

	user := &User{
		ID:       id,
		Name:     name,
		RoomID:   roomID,
		IsOnline: true,
		LastSeen: time.Now(),
	}
	d.users[id] = user

	d.logger.Info("User online",
		zap.String("userID", id),
		zap.String("userName", name),
		zap.String("roomID", roomID),
	)

	return user
}

// RemoveUser deletes the record for id, reporting whether it existed.
func (d *Directory) RemoveUser(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, exists := d.users[id]
	if !exists {
		return false
	}
	delete(d.users, id)

	d.logger.Info("User removed",
		zap.String("userID", id),
		zap.String("roomID", user.RoomID),
	)

	return true
}

// GetUser returns a copy of the record for id, so callers cannot mutate
// directory state through the result.
func (d *Directory) GetUser(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, exists := d.users[id]
	if !exists {
		return User{}, false
	}
	return *user, true
}

// UsersInRoom returns the online users whose current room is roomID.
func (d *Directory) UsersInRoom(roomID string) []User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]User, 0)
	for _, user := range d.users {
		if user.RoomID == roomID && user.IsOnline {
			users = append(users, *user)
		}
	}
	return users
}

// Touch refreshes the liveness timestamp for id.
func (d *Directory) Touch(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, exists := d.users[id]
	if !exists {
		return ErrUserNotFound
	}
	user.LastSeen = time.Now()
	return nil
}

// Count returns the number of online users.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
