// Package clustercache holds the authoritative in-memory record set per kind for one cluster context.
package clustercache

import (
	"sort"
	"sync"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// Cache maps (namespace, name) to the latest record for every watched kind.
// Apply is the only writer; all readers receive copies.
type Cache struct {
	mu     sync.RWMutex
	kinds  map[refresh.Kind]map[refresh.Key]refresh.Record
	synced map[refresh.Kind]bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		kinds:  make(map[refresh.Kind]map[refresh.Key]refresh.Record),
		synced: make(map[refresh.Kind]bool),
	}
}

// Apply folds one event into the cache. It returns the event type subscribers should see
// and whether the stored state changed. Added and Modified are upserts, typed by whether the
// key was already present; Deleted removes the key. Replaying an event is a no-op.
func (c *Cache) Apply(ev refresh.ResourceEvent) (refresh.EventType, bool) {
	record := ev.Record
	key := record.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.kinds[record.Kind]
	switch ev.Type {
	case refresh.EventDeleted:
		if _, ok := records[key]; !ok {
			return ev.Type, false
		}
		delete(records, key)
		return ev.Type, true
	case refresh.EventAdded, refresh.EventModified:
		if records == nil {
			records = make(map[refresh.Key]refresh.Record)
			c.kinds[record.Kind] = records
		}
		existing, ok := records[key]
		records[key] = record
		if !ok {
			return refresh.EventAdded, true
		}
		changed := existing.ResourceVersion != record.ResourceVersion || record.ResourceVersion == ""
		return refresh.EventModified, changed
	}
	return ev.Type, false
}

// Snapshot returns every record of kind that passes the namespace filter, ordered by namespace then name.
// An empty namespace means all namespaces.
func (c *Cache) Snapshot(kind refresh.Kind, namespace string) []refresh.Record {
	c.mu.RLock()
	records := c.kinds[kind]
	result := make([]refresh.Record, 0, len(records))
	for key, record := range records {
		if refresh.MatchesNamespace(namespace, key.Namespace) {
			result = append(result, record)
		}
	}
	c.mu.RUnlock()

	sortRecords(result)
	return result
}

// Page returns up to limit records of kind that sort strictly after the cursor key.
// hasMore reports whether further records remain past the returned page.
func (c *Cache) Page(kind refresh.Kind, namespace string, after *refresh.Key, limit int) ([]refresh.Record, bool) {
	all := c.Snapshot(kind, namespace)
	start := 0
	if after != nil {
		start = sort.Search(len(all), func(i int) bool {
			return after.Less(all[i].Key())
		})
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], end < len(all)
}

// Get looks up one record.
func (c *Cache) Get(kind refresh.Kind, namespace, name string) (refresh.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.kinds[kind][refresh.Key{Namespace: namespace, Name: name}]
	return record, ok
}

// Count returns the number of records of kind passing the namespace filter.
func (c *Cache) Count(kind refresh.Kind, namespace string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if namespace == "" {
		return len(c.kinds[kind])
	}
	count := 0
	for key := range c.kinds[kind] {
		if key.Namespace == namespace {
			count++
		}
	}
	return count
}

// MarkSynced records that kind has completed its first full list.
func (c *Cache) MarkSynced(kind refresh.Kind) {
	c.mu.Lock()
	c.synced[kind] = true
	c.mu.Unlock()
}

// Synced reports whether kind has completed its first full list.
func (c *Cache) Synced(kind refresh.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced[kind]
}

func sortRecords(records []refresh.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key().Less(records[j].Key())
	})
}
