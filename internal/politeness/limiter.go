package politeness

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter combines the two concurrency gates and the per-domain pacing gate
// that every request must pass before it starts:
//
//   - a global slot pool bounding total in-flight requests,
//   - a per-domain slot pool so one host cannot absorb the whole global pool,
//   - a per-domain interval limiter spacing request starts apart.
//
// The gates are acquired independently, never nested inside one another's
// critical sections, so slow domains do not head-of-line block others.
type Limiter struct {
	global      *semaphore.Weighted
	domainSlots int64
	interval    time.Duration

	mu       sync.Mutex
	domains  map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter
}

// NewLimiter creates a limiter with the given global capacity, per-domain
// capacity, and minimum interval between request starts to one domain.
func NewLimiter(globalSlots, domainSlots int, interval time.Duration) *Limiter {
	if globalSlots <= 0 {
		globalSlots = 5
	}
	if domainSlots <= 0 {
		domainSlots = 2
	}
	return &Limiter{
		global:      semaphore.NewWeighted(int64(globalSlots)),
		domainSlots: int64(domainSlots),
		interval:    interval,
		domains:     make(map[string]*semaphore.Weighted),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until a global slot, a domain slot, and the domain's pacing
// gate are all satisfied. The returned release function must be called when
// the request finishes, regardless of outcome.
func (l *Limiter) Acquire(ctx context.Context, domain string) (func(), error) {
	domain = strings.ToLower(domain)

	if err := l.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	slots := l.domainSemaphore(domain)
	if err := slots.Acquire(ctx, 1); err != nil {
		l.global.Release(1)
		return nil, err
	}

	release := func() {
		slots.Release(1)
		l.global.Release(1)
	}

	if l.interval > 0 {
		if err := l.domainLimiter(domain).Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

func (l *Limiter) domainSemaphore(domain string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.domains[domain]
	if !ok {
		s = semaphore.NewWeighted(l.domainSlots)
		l.domains[domain] = s
	}
	return s
}

func (l *Limiter) domainLimiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.limiters[domain]
	if !ok {
		r = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[domain] = r
	}
	return r
}
