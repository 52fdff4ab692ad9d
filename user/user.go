// Package user implements the user cache (spec §4.4, C4) and the
// per-device encryption sync loop (spec §4.5, C5).
package user

import (
	"sync"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

// User is a lazily-created Matrix user the appservice has observed or been
// asked about, holding at most one active Device (spec §3 User).
type User struct {
	ID id.UserID

	mu     sync.Mutex
	device *Device
}

// Device returns the user's current device slot, if any.
func (u *User) Device() (*Device, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.device == nil {
		return nil, false
	}
	return u.device, true
}

// CreateDevice replaces any existing device slot with a fresh Device,
// deriving a deterministic id via UUIDv5 when none is supplied (spec §3:
// "its id defaults to a deterministic UUIDv5 derived from the user id").
func (u *User) CreateDevice(explicitID id.DeviceID) *Device {
	deviceID := explicitID
	if deviceID == "" {
		deviceID = id.DeviceID(deterministicDeviceID(u.ID).String())
	}
	d := &Device{ID: deviceID, owner: u.ID, queue: make(chan SyncChangeBatch, queueCapacity)}
	u.mu.Lock()
	u.device = d
	u.mu.Unlock()
	return d
}

var deviceNamespace = uuid.MustParse("a3f57e2a-4b0e-4f0a-9a0e-7c2b6e9b9c01")

func deterministicDeviceID(userID id.UserID) uuid.UUID {
	return uuid.NewSHA1(deviceNamespace, []byte(userID))
}

// Cache is the user cache (C4): user id -> User, each holding one device
// slot.
type Cache struct {
	mu    sync.RWMutex
	users map[id.UserID]*User
}

// NewCache constructs an empty user cache.
func NewCache() *Cache {
	return &Cache{users: make(map[id.UserID]*User)}
}

// Insert registers userID, creating it if absent, and returns its User.
func (c *Cache) Insert(userID id.UserID) *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[userID]; ok {
		return u
	}
	u := &User{ID: userID}
	c.users[userID] = u
	return u
}

// Get returns the cached User for userID, if any.
func (c *Cache) Get(userID id.UserID) (*User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userID]
	return u, ok
}

// Keys returns every user id currently cached.
func (c *Cache) Keys() []id.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]id.UserID, 0, len(c.users))
	for k := range c.users {
		out = append(out, k)
	}
	return out
}
