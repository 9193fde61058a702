// Package gate provides the global token bucket that every upstream call
// must pass through. It is the single serialization point for exchange
// traffic: callers block in Acquire, higher priorities are granted first,
// and an observed upstream rate-limit response slows token accrual.
package gate

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Priority orders waiting callers. Lower value wins.
type Priority int

const (
	// PriorityTrading - order placement and fill polling; these must go through
	PriorityTrading Priority = iota
	// PriorityEvaluation - data fetches on the fast evaluation path
	PriorityEvaluation
	// PriorityMarketData - on-demand market data (API requests, slow path)
	PriorityMarketData
	// PriorityBackground - cache warming, retention pruning
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityTrading:
		return "TRADING"
	case PriorityEvaluation:
		return "BOT_EVALUATION"
	case PriorityMarketData:
		return "MARKET_DATA"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

type waiter struct {
	priority Priority
	seq      uint64
	ready    chan struct{}
	index    int
}

// waiterQueue is a heap ordered by priority, ties broken by arrival order.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waiterQueue) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waiterQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// RateGate is a global token bucket with priority queueing and adaptive
// backoff. Capacity `burst` tokens, one token accrues every interval;
// the interval doubles on upstream rate-limit reports (cap 60s) and halves
// on successes back down to the base rate.
type RateGate struct {
	mu sync.Mutex

	tokens      float64
	capacity    float64
	baseInterval time.Duration
	curInterval  time.Duration
	maxInterval  time.Duration
	lastAccrual time.Time

	queue waiterQueue
	seq   uint64

	timer *time.Timer

	// Counters
	served       int64
	rateLimited  int64
	cancelled    int64

	now func() time.Time
}

// New creates a gate allowing ratePerMinute calls with the given burst.
func New(ratePerMinute, burst int) *RateGate {
	if ratePerMinute < 1 {
		ratePerMinute = 1
	}
	if burst < 1 {
		burst = ratePerMinute
	}

	base := time.Minute / time.Duration(ratePerMinute)
	g := &RateGate{
		tokens:       float64(burst),
		capacity:     float64(burst),
		baseInterval: base,
		curInterval:  base,
		maxInterval:  time.Minute,
		now:          time.Now,
	}
	g.lastAccrual = g.now()
	return g
}

// Acquire blocks until a token is available or ctx is done. Waiters with a
// higher priority are granted before lower ones regardless of arrival order.
func (g *RateGate) Acquire(ctx context.Context, priority Priority) error {
	g.mu.Lock()
	g.accrue()

	// Fast path: token available and nobody ahead of us
	if g.tokens >= 1 && !g.blockedBy(priority) {
		g.tokens--
		g.served++
		g.mu.Unlock()
		return nil
	}

	g.seq++
	w := &waiter{priority: priority, seq: g.seq, ready: make(chan struct{})}
	heap.Push(&g.queue, w)
	g.scheduleDispatch()
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&g.queue, w.index)
			g.cancelled++
			g.mu.Unlock()
			return ctx.Err()
		}
		g.mu.Unlock()
		// Granted concurrently with cancellation; the token is already spent,
		// let the caller proceed.
		return nil
	}
}

// blockedBy reports whether a queued waiter outranks the given priority.
func (g *RateGate) blockedBy(priority Priority) bool {
	return len(g.queue) > 0 && g.queue[0].priority <= priority
}

// accrue adds tokens for elapsed time at the current interval. Lock held.
func (g *RateGate) accrue() {
	now := g.now()
	elapsed := now.Sub(g.lastAccrual)
	if elapsed <= 0 {
		return
	}
	g.tokens += float64(elapsed) / float64(g.curInterval)
	if g.tokens > g.capacity {
		g.tokens = g.capacity
	}
	g.lastAccrual = now
}

// dispatch grants tokens to queued waiters in priority order. Lock held.
func (g *RateGate) dispatch() {
	for g.tokens >= 1 && len(g.queue) > 0 {
		w := heap.Pop(&g.queue).(*waiter)
		g.tokens--
		g.served++
		close(w.ready)
	}
	g.scheduleDispatch()
}

// scheduleDispatch arms a timer for the next token accrual if waiters remain.
// Lock held.
func (g *RateGate) scheduleDispatch() {
	if len(g.queue) == 0 {
		return
	}

	need := 1 - g.tokens
	if need < 0 {
		need = 0
	}
	wait := time.Duration(need * float64(g.curInterval))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}

	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(wait, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.accrue()
		g.dispatch()
	})
}

// ReportRateLimited doubles the inter-token interval, capped at one minute.
// Called by the coordinator when the upstream returns a rate-limit response.
func (g *RateGate) ReportRateLimited() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.accrue()
	g.rateLimited++
	g.curInterval *= 2
	if g.curInterval > g.maxInterval {
		g.curInterval = g.maxInterval
	}
}

// ReportSuccess halves the inter-token interval, bounded by the base rate.
func (g *RateGate) ReportSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.curInterval == g.baseInterval {
		return
	}
	g.accrue()
	g.curInterval /= 2
	if g.curInterval < g.baseInterval {
		g.curInterval = g.baseInterval
	}
}

// Stats returns a JSON-friendly snapshot for the control API.
func (g *RateGate) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.accrue()
	return map[string]interface{}{
		"tokens_available":   g.tokens,
		"burst":              int(g.capacity),
		"base_interval_ms":   g.baseInterval.Milliseconds(),
		"current_interval_ms": g.curInterval.Milliseconds(),
		"backing_off":        g.curInterval > g.baseInterval,
		"calls_served":       g.served,
		"rate_limit_errors":  g.rateLimited,
		"waiters_cancelled":  g.cancelled,
		"queue_depth":        len(g.queue),
	}
}

// CurrentInterval returns the effective inter-token interval.
func (g *RateGate) CurrentInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.curInterval
}
