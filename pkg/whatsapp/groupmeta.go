package whatsapp

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"

	"github.com/waclaw/waclaw/pkg/logger"
)

// groupMetaTTL is how long a fetched group name stays fresh.
const groupMetaTTL = 5 * time.Minute

const groupMetaFetchTimeout = 10 * time.Second

type groupMetaEntry struct {
	name      string
	fetchedAt time.Time
}

// GroupMetaCache caches group display names. On fetch failure the group id
// doubles as the name, without caching, so the next call retries.
type GroupMetaCache struct {
	sock Socket

	mu      sync.Mutex
	entries map[string]groupMetaEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewGroupMetaCache(sock Socket) *GroupMetaCache {
	return &GroupMetaCache{
		sock:    sock,
		entries: map[string]groupMetaEntry{},
		ttl:     groupMetaTTL,
		now:     time.Now,
	}
}

// Name returns the display name for a group, fetching and caching on miss.
func (c *GroupMetaCache) Name(ctx context.Context, groupID types.JID) string {
	key := groupID.String()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.name
	}
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, groupMetaFetchTimeout)
	defer cancel()

	info, err := c.sock.GetGroupInfo(fetchCtx, groupID)
	if err != nil || info == nil {
		if err != nil {
			logger.WarnCF("whatsapp", "Group metadata fetch failed", map[string]any{
				"group": key,
				"error": err.Error(),
			})
		}
		return key
	}

	c.mu.Lock()
	c.entries[key] = groupMetaEntry{name: info.Name, fetchedAt: c.now()}
	c.mu.Unlock()
	return info.Name
}
