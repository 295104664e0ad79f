// Package notify fans out new-mail signals to parked Ping
// requests.
package notify

import (
	"sort"
	"sync"
)

// Bus distributes change notifications to subscribers. Each
// subscriber watches one user's set of collections.
type Bus struct {
	mu   sync.Mutex
	subs map[*Sub]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Sub]struct{})}
}

// A Sub is one parked watcher. C fires when a watched collection
// changes; Changed drains the accumulated set. C has capacity one
// so notifiers never block, and a pending signal covers any
// number of changes.
type Sub struct {
	bus         *Bus
	userID      int64
	collections map[string]bool // nil watches all

	C chan struct{}

	mu      sync.Mutex
	changed map[string]bool
}

// Subscribe registers a watcher for a user's collections. An
// empty collections list watches everything.
func (b *Bus) Subscribe(userID int64, collections []string) *Sub {
	sub := &Sub{
		bus:    b,
		userID: userID,
		C:      make(chan struct{}, 1),
	}
	if len(collections) > 0 {
		sub.collections = make(map[string]bool, len(collections))
		for _, c := range collections {
			sub.collections[c] = true
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Notify wakes every subscriber watching (userID, collectionID).
func (b *Bus) Notify(userID int64, collectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.userID != userID {
			continue
		}
		if sub.collections != nil && !sub.collections[collectionID] {
			continue
		}
		sub.mu.Lock()
		if sub.changed == nil {
			sub.changed = make(map[string]bool)
		}
		sub.changed[collectionID] = true
		sub.mu.Unlock()
		select {
		case sub.C <- struct{}{}:
		default:
		}
	}
}

// Changed returns and clears the collections that changed since
// the last call, sorted.
func (s *Sub) Changed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make([]string, 0, len(s.changed))
	for c := range s.changed {
		changed = append(changed, c)
	}
	s.changed = nil
	sort.Strings(changed)
	return changed
}

// Close unregisters the subscription. It is idempotent and safe
// to call concurrently with Notify.
func (s *Sub) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}
