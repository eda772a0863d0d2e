package cache

import "github.com/kestrel-dns/dohresolver/internal/domain"

// key identifies a cache entry by normalized name and record type, mirroring
// spec §3's CacheEntry.key = (name, type).
type key struct {
	name string
	qtyp domain.QType
}

// entry is a node in the LRU doubly-linked list. storedAt/expiresAt/hitCount/
// lastAccessed are the fields spec §3 names for CacheEntry; payload is the
// frozen Response.
type entry struct {
	key        key
	payload    domain.Response
	storedAt   int64 // unix nanos
	expiresAt  int64
	hitCount   int64
	lastAccess int64
	prev, next *entry
}

// lru is a doubly-linked-list + map LRU, the same shape as
// folbricht-routedns's lru-cache.go, adapted to this spec's entry fields
// (hit_count / last_accessed / expires_at) instead of routedns's
// Timestamp/Expiry/PrefetchEligible pair.
type lru struct {
	maxItems   int
	items      map[key]*entry
	head, tail *entry // head.next is most-recently-used, tail.prev is least
}

func newLRU(maxItems int) *lru {
	head := new(entry)
	tail := new(entry)
	head.next = tail
	tail.prev = head
	return &lru{maxItems: maxItems, items: make(map[key]*entry), head: head, tail: tail}
}

// touch moves an existing entry to the front (most-recently-used position)
// and returns it, or returns nil if absent.
func (l *lru) touch(k key) *entry {
	e, ok := l.items[k]
	if !ok {
		return nil
	}
	l.unlink(e)
	l.pushFront(e)
	return e
}

func (l *lru) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (l *lru) pushFront(e *entry) {
	e.next = l.head.next
	e.prev = l.head
	l.head.next.prev = e
	l.head.next = e
}

// insert adds a brand-new entry at the front, evicting the LRU tail entry
// first if doing so would exceed maxItems. Returns the evicted key, if any.
func (l *lru) insert(e *entry) (evictedKey key, evicted bool) {
	l.items[e.key] = e
	l.pushFront(e)
	if l.maxItems > 0 && len(l.items) > l.maxItems {
		victim := l.tail.prev
		l.unlink(victim)
		delete(l.items, victim.key)
		return victim.key, true
	}
	return key{}, false
}

func (l *lru) delete(k key) bool {
	e, ok := l.items[k]
	if !ok {
		return false
	}
	l.unlink(e)
	delete(l.items, k)
	return true
}

func (l *lru) size() int { return len(l.items) }

// forEachExpired calls fn for every entry whose expiresAt <= now (unix
// nanos), removing it from the list. Returns the count removed.
func (l *lru) forEachExpired(now int64, fn func(*entry)) int {
	removed := 0
	e := l.head.next
	for e != l.tail {
		next := e.next
		if e.expiresAt <= now {
			l.unlink(e)
			delete(l.items, e.key)
			if fn != nil {
				fn(e)
			}
			removed++
		}
		e = next
	}
	return removed
}
