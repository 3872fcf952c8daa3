package raftlog

import "sync"

// offsetHint is where the record of an index starts.
type offsetHint struct {
	version uint64
	offset  int64
}

// offsetCache is an LRU of index -> offsetHint.
type offsetCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*offsetItem
	head     *offsetItem
	tail     *offsetItem
}

type offsetItem struct {
	index uint64
	hint  offsetHint
	prev  *offsetItem
	next  *offsetItem
}

func newOffsetCache(capacity int) *offsetCache {
	return &offsetCache{
		capacity: capacity,
		items:    make(map[uint64]*offsetItem),
	}
}

func (c *offsetCache) Get(index uint64) (offsetHint, bool) {
	if c.capacity <= 0 {
		return offsetHint{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[index]
	if !found {
		return offsetHint{}, false
	}
	c.moveToHead(item)
	return item.hint, true
}

func (c *offsetCache) Put(index uint64, hint offsetHint) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[index]; found {
		item.hint = hint
		c.moveToHead(item)
		return
	}

	item := &offsetItem{index: index, hint: hint}
	c.addToHead(item)
	c.items[index] = item

	if len(c.items) > c.capacity {
		c.evictLRU()
	}
}

func (c *offsetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *offsetCache) moveToHead(item *offsetItem) {
	if item == c.head {
		return
	}

	if item.prev != nil {
		item.prev.next = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	if item == c.tail {
		c.tail = item.prev
	}

	c.addToHead(item)
}

func (c *offsetCache) addToHead(item *offsetItem) {
	item.prev = nil
	item.next = c.head

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

func (c *offsetCache) evictLRU() {
	if c.tail == nil {
		return
	}

	delete(c.items, c.tail.index)

	if c.tail.prev != nil {
		c.tail.prev.next = nil
	} else {
		c.head = nil
	}
	c.tail = c.tail.prev
}
