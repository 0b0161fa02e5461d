package slackseek

import (
	"context"
	"sync"
	"time"
)

// Governor admits requests against per-(provider, endpoint) sliding windows
// and honors server-issued retry-after hints. Each key has an independent
// window; waiters for a key are served in FIFO order.
type Governor struct {
	mu       sync.Mutex
	windows  map[string]*govWindow
	limits   map[string]int // explicit (provider, endpoint) limits
	defaults map[string]int // per-provider default limits
	span     time.Duration
}

type govWindow struct {
	mu            sync.Mutex
	limit         int
	span          time.Duration
	admitted      []time.Time
	cooldownUntil time.Time
	queue         []chan struct{}
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithLimit sets the per-minute limit for one (provider, endpoint) key.
func WithLimit(provider, endpoint string, perMinute int) GovernorOption {
	return func(g *Governor) { g.limits[provider+":"+endpoint] = perMinute }
}

// WithDefaultLimit sets the per-minute limit used for endpoints of provider
// that have no explicit WithLimit entry.
func WithDefaultLimit(provider string, perMinute int) GovernorOption {
	return func(g *Governor) { g.defaults[provider] = perMinute }
}

// WithWindow overrides the sliding-window span. Default is one minute; tests
// shrink it to keep wall time down.
func WithWindow(d time.Duration) GovernorOption {
	return func(g *Governor) { g.span = d }
}

// NewGovernor creates a Governor. Keys with no configured limit admit freely.
func NewGovernor(opts ...GovernorOption) *Governor {
	g := &Governor{
		windows:  make(map[string]*govWindow),
		limits:   make(map[string]int),
		defaults: make(map[string]int),
		span:     time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire blocks until the key's cooldown has passed and the window has
// budget, then records the admission. Returns ctx.Err() if the context is
// cancelled while waiting. Waiters are admitted in arrival order.
func (g *Governor) Acquire(ctx context.Context, provider, endpoint string) error {
	w := g.windowFor(provider, endpoint)

	ticket := make(chan struct{}, 1)
	w.mu.Lock()
	w.queue = append(w.queue, ticket)
	w.mu.Unlock()

	for {
		w.mu.Lock()
		now := time.Now()
		w.prune(now)

		atHead := len(w.queue) > 0 && w.queue[0] == ticket
		cooled := !now.Before(w.cooldownUntil)
		hasBudget := w.limit <= 0 || len(w.admitted) < w.limit

		if atHead && cooled && hasBudget {
			if w.limit > 0 {
				w.admitted = append(w.admitted, now)
			}
			w.queue = w.queue[1:]
			w.wakeHead()
			w.mu.Unlock()
			return nil
		}

		wait := w.nextWake(now, cooled, hasBudget)
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.drop(ticket)
			return ctx.Err()
		case <-timer.C:
		case <-ticket:
			timer.Stop()
		}
	}
}

// TryAcquire is the non-blocking form: it admits immediately or reports
// false without queueing. Used for request-side limits where callers reject
// rather than wait.
func (g *Governor) TryAcquire(provider, endpoint string) bool {
	w := g.windowFor(provider, endpoint)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.prune(now)
	if now.Before(w.cooldownUntil) || len(w.queue) > 0 {
		return false
	}
	if w.limit > 0 && len(w.admitted) >= w.limit {
		return false
	}
	if w.limit > 0 {
		w.admitted = append(w.admitted, now)
	}
	return true
}

// NotifyRetryAfter extends the key's cooldown to now+d (never shortens it)
// and wakes the head waiter so it recomputes its deadline.
func (g *Governor) NotifyRetryAfter(provider, endpoint string, d time.Duration) {
	if d <= 0 {
		return
	}
	w := g.windowFor(provider, endpoint)
	w.mu.Lock()
	until := time.Now().Add(d)
	if until.After(w.cooldownUntil) {
		w.cooldownUntil = until
	}
	w.wakeHead()
	w.mu.Unlock()
}

// Forget discards the key's window, releasing its recorded admissions and
// cooldown. Callers retiring short-lived keys (per-session limits, for
// example) use it to keep the window table from growing without bound.
func (g *Governor) Forget(provider, endpoint string) {
	g.mu.Lock()
	delete(g.windows, provider+":"+endpoint)
	g.mu.Unlock()
}

func (g *Governor) windowFor(provider, endpoint string) *govWindow {
	key := provider + ":" + endpoint
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.windows[key]; ok {
		return w
	}
	limit, ok := g.limits[key]
	if !ok {
		limit = g.defaults[provider]
	}
	w := &govWindow{limit: limit, span: g.span}
	g.windows[key] = w
	return w
}

// prune drops admissions that have slid out of the window. Caller holds w.mu.
func (w *govWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.admitted) && w.admitted[i].Before(cutoff) {
		i++
	}
	w.admitted = w.admitted[i:]
}

// nextWake computes how long the caller should sleep before rechecking.
// Caller holds w.mu.
func (w *govWindow) nextWake(now time.Time, cooled, hasBudget bool) time.Duration {
	var wait time.Duration
	if !cooled {
		wait = w.cooldownUntil.Sub(now)
	}
	if !hasBudget && len(w.admitted) > 0 {
		if d := w.admitted[0].Add(w.span).Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return wait
}

// wakeHead nudges the head waiter without blocking. Caller holds w.mu.
func (w *govWindow) wakeHead() {
	if len(w.queue) == 0 {
		return
	}
	select {
	case w.queue[0] <- struct{}{}:
	default:
	}
}

// drop removes a cancelled waiter's ticket from the queue.
func (w *govWindow) drop(ticket chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, t := range w.queue {
		if t == ticket {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			break
		}
	}
	w.wakeHead()
}
