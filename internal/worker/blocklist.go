package worker

import (
	"sort"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultBlocklistTTL is how long a worker stays blocklisted after an RPC
// failure.
const DefaultBlocklistTTL = time.Minute

// Blocklist holds workers that recently failed RPCs. Entries expire on
// their own.
type Blocklist struct {
	cache *cache.Cache
}

// NewBlocklist returns a blocklist whose entries live for ttl.
func NewBlocklist(ttl time.Duration) *Blocklist {
	if ttl <= 0 {
		ttl = DefaultBlocklistTTL
	}
	return &Blocklist{cache: cache.New(ttl, ttl/2)}
}

func key(id int64) string { return strconv.FormatInt(id, 10) }

// Add blocklists a worker, refreshing the expiry if already present.
func (b *Blocklist) Add(id int64, reason string) {
	b.cache.Set(key(id), reason, cache.DefaultExpiration)
}

// Contains reports whether id is currently blocklisted.
func (b *Blocklist) Contains(id int64) bool {
	if b == nil {
		return false
	}
	_, ok := b.cache.Get(key(id))
	return ok
}

// Reason returns why id was blocklisted.
func (b *Blocklist) Reason(id int64) string {
	v, ok := b.cache.Get(key(id))
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Remove lifts the block on id.
func (b *Blocklist) Remove(id int64) {
	b.cache.Delete(key(id))
}

// IDs returns the blocklisted workers, sorted.
func (b *Blocklist) IDs() []int64 {
	items := b.cache.Items()
	ids := make([]int64, 0, len(items))
	for k := range items {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
