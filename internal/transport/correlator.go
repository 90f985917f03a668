package transport

import (
	"log"
	"sync"
	"time"

	"execution-core/internal/domain"
)

// Correlator matches asynchronous trade results back to waiting callers.
// Each registered request id gets exactly one result: the first delivery
// wins, duplicates are dropped, and requests that outlive the timeout window
// receive a synthetic timeout result from the sweep loop.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	timeout time.Duration
	done    chan struct{}
	closed  bool
}

type waiter struct {
	ch        chan domain.TradeResult
	createdAt time.Time
}

// NewCorrelator creates a correlator with the given result timeout and
// starts its eviction sweep.
func NewCorrelator(timeout time.Duration) *Correlator {
	c := &Correlator{
		waiters: make(map[string]*waiter),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Register creates a waiter for a request id. The returned channel receives
// exactly one result. The cancel function evicts the waiter without a result
// and is safe to call after delivery.
func (c *Correlator) Register(id string) (<-chan domain.TradeResult, func()) {
	w := &waiter{
		ch:        make(chan domain.TradeResult, 1),
		createdAt: time.Now(),
	}

	c.mu.Lock()
	c.waiters[id] = w
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}
	return w.ch, cancel
}

// Deliver resolves a waiter with the result. Returns false when no waiter is
// registered for the id, which callers should log and otherwise ignore.
func (c *Correlator) Deliver(res domain.TradeResult) bool {
	c.mu.Lock()
	w, ok := c.waiters[res.ID]
	if ok {
		delete(c.waiters, res.ID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	w.ch <- res // buffered; never blocks
	return true
}

// Pending returns the number of unresolved request ids.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Close stops the sweep loop and fails all outstanding waiters with a
// shutdown result.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	for id, w := range c.waiters {
		delete(c.waiters, id)
		w.ch <- domain.TradeResult{
			ID:        id,
			Status:    domain.StatusError,
			Code:      domain.CodeShutdown,
			Message:   "execution core shutting down",
			Timestamp: time.Now(),
		}
	}
	c.mu.Unlock()
}

func (c *Correlator) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.evictExpired(now)
		}
	}
}

func (c *Correlator) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, w := range c.waiters {
		if now.Sub(w.createdAt) < c.timeout {
			continue
		}
		delete(c.waiters, id)
		w.ch <- domain.TimeoutResult(id, c.timeout)
		log.Printf("transport: request %s timed out after %s, evicted", id, c.timeout)
	}
}
