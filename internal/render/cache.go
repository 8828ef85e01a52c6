package render

import (
	"container/list"
	"encoding/json"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/pulseproof/pulseproof/internal/models"
)

// compiledCache keeps compiled programs keyed by source hash. When full, the
// entry with the fewest accesses is evicted, keeping hot templates resident.
type compiledCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*compiledEntry
}

type compiledEntry struct {
	program *Program
	hits    uint64
}

func newCompiledCache(capacity int) *compiledCache {
	return &compiledCache{
		capacity: capacity,
		entries:  make(map[uint64]*compiledEntry, capacity),
	}
}

func (c *compiledCache) Get(key uint64) (*Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry.hits++
	return entry.program, true
}

func (c *compiledCache) Put(key uint64, program *Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	if len(c.entries) >= c.capacity {
		var coldest uint64
		var coldestHits uint64
		first := true
		for k, entry := range c.entries {
			if first || entry.hits < coldestHits {
				coldest, coldestHits, first = k, entry.hits, false
			}
		}
		delete(c.entries, coldest)
	}
	c.entries[key] = &compiledEntry{program: program}
}

func (c *compiledCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// renderedCache is an LRU with TTL over final rendered outputs.
type renderedCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[uint64]*list.Element
}

type renderedEntry struct {
	key      uint64
	content  *models.RenderedContent
	storedAt time.Time
}

func newRenderedCache(capacity int, ttl time.Duration) *renderedCache {
	return &renderedCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[uint64]*list.Element, capacity),
	}
}

func (c *renderedCache) Get(key uint64) (*models.RenderedContent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := element.Value.(*renderedEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(element)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(element)
	return entry.content, true
}

func (c *renderedCache) Put(key uint64, content *models.RenderedContent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.items[key]; ok {
		entry := element.Value.(*renderedEntry)
		entry.content = content
		entry.storedAt = time.Now()
		c.order.MoveToFront(element)
		return
	}
	if len(c.items) >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*renderedEntry).key)
		}
	}
	c.items[key] = c.order.PushFront(&renderedEntry{
		key:      key,
		content:  content,
		storedAt: time.Now(),
	})
}

func (c *renderedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func sourceKey(source string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(source))
	return h.Sum64()
}

// outputKey identifies one (template version, context) rendering. Map keys
// marshal in sorted order, so equal contexts hash equally.
func outputKey(template *models.Template, scope Context) uint64 {
	h := fnv.New64a()
	h.Write([]byte(template.ID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(template.UpdatedAt.UnixNano(), 10)))
	h.Write([]byte{0})
	if payload, err := json.Marshal(scope); err == nil {
		h.Write(payload)
	}
	return h.Sum64()
}
