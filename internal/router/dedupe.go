package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/courier/internal/bus"
)

// dedupeTTL is how long a seen surface message suppresses redeliveries.
const dedupeTTL = 5 * time.Minute

// dedupeMaxEntries bounds the cache; pruning keeps it under this cap.
const dedupeMaxEntries = 8192

// dedupeCache drops bus redeliveries of the same surface message. The memory
// bus redelivers on refused acks, so routing must be idempotent per message.
type dedupeCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{seen: make(map[string]time.Time)}
}

func dedupeKey(msg *bus.AdapterMessage) string {
	return fmt.Sprintf("%s|%s|%s|%s", msg.Platform, msg.UserID, msg.ChannelID, msg.MessageID)
}

// firstSeen records the message and reports whether it is new.
func (d *dedupeCache) firstSeen(msg *bus.AdapterMessage) bool {
	key := dedupeKey(msg)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < dedupeTTL {
		return false
	}
	if len(d.seen) >= dedupeMaxEntries {
		for k, at := range d.seen {
			if now.Sub(at) >= dedupeTTL {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now
	return true
}
