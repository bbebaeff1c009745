// ABOUTME: TTL cache suppressing duplicate questions from retrying clients
// ABOUTME: A re-sent question inside the window does not start a second answer

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// question identifies one ask attempt. The same text from the same owner in
// a different conversation is a different question.
type question struct {
	owner          string
	conversationID string
	content        string
}

type entry struct {
	askedAt time.Time
	elem    *list.Element
}

// Cache remembers recently asked questions for a fixed window. WebSocket
// clients re-send their last question after a flaky connection; a hit here
// means the answer stream is already running and the re-send is dropped.
// Insertion order is kept in a linked list for O(1) capacity eviction.
type Cache struct {
	mu      sync.Mutex
	asked   map[question]*entry
	order   *list.List // question values, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache that remembers questions for ttl, holding at most
// maxSize of them. A background goroutine sweeps out expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		asked:   make(map[question]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether the question was asked within the window.
func (c *Cache) Seen(owner, conversationID, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.asked[question{owner, conversationID, content}]
	return ok && time.Since(e.askedAt) < c.ttl
}

// CheckAndMark records the question and reports whether it was already asked
// within the window. Check and mark happen under one lock, so of any number
// of concurrent identical asks exactly one proceeds.
func (c *Cache) CheckAndMark(owner, conversationID, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := question{owner, conversationID, content}
	if e, ok := c.asked[q]; ok && time.Since(e.askedAt) < c.ttl {
		return true
	}
	c.record(q)
	return false
}

// record inserts or refreshes a question. Must be called with mu held.
func (c *Cache) record(q question) {
	if e, ok := c.asked[q]; ok {
		e.askedAt = time.Now()
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.asked) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(question)
			c.order.Remove(front)
			delete(c.asked, oldest)
		}
	}

	c.asked[q] = &entry{
		askedAt: time.Now(),
		elem:    c.order.PushBack(q),
	}
}

// sweepLoop periodically removes expired questions until Close.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops every entry past its window.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for q, e := range c.asked {
		if now.Sub(e.askedAt) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.asked, q)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
