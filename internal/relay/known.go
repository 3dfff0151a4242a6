package relay

import (
	"sort"
	"sync"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// KnownUsers is the set of users whose ids become participants of every
// saved message, keyed by username.
type KnownUsers struct {
	mu     sync.RWMutex
	byName map[string]string
}

// NewKnownUsers returns an empty set.
func NewKnownUsers() *KnownUsers {
	return &KnownUsers{byName: make(map[string]string)}
}

// Add records username with its id, replacing a previous id.
func (k *KnownUsers) Add(username, userID string) {
	if username == "" || userID == "" {
		return
	}
	k.mu.Lock()
	k.byName[username] = userID
	k.mu.Unlock()
}

// Reset replaces the set with users.
func (k *KnownUsers) Reset(users []domain.User) {
	m := make(map[string]string, len(users))
	for _, u := range users {
		m[u.Username] = u.UserID
	}
	k.mu.Lock()
	k.byName = m
	k.mu.Unlock()
}

// Sync refreshes ids from users and drops names no longer stored.
func (k *KnownUsers) Sync(users []domain.User) {
	stored := make(map[string]string, len(users))
	for _, u := range users {
		stored[u.Username] = u.UserID
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for name := range k.byName {
		id, ok := stored[name]
		if !ok {
			delete(k.byName, name)
			continue
		}
		k.byName[name] = id
	}
}

// IDs returns the user ids in username order.
func (k *KnownUsers) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.byName))
	for n := range k.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, k.byName[n])
	}
	return out
}

// Len returns the number of known users.
func (k *KnownUsers) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.byName)
}
