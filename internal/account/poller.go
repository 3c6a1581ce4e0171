package account

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/antigravity-tools/agproxy/internal/provider"
)

const DefaultPollInterval = 60 * time.Second

// QuotaFetcher is the slice of the dispatcher the poller needs.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, token string) (provider.Quota, error)
}

// Poller refreshes every account's quota snapshot on a jittered
// interval. One loop per process; force polls coalesce onto any tick
// already in flight.
type Poller struct {
	pool     *Pool
	fetch    QuotaFetcher
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inflight *inflightPoll
}

// inflightPoll lets any number of coalesced callers wait on one tick.
type inflightPoll struct {
	done chan struct{}
	err  error
}

func NewPoller(pool *Pool, fetch QuotaFetcher, logger *slog.Logger) *Poller {
	return &Poller{
		pool:     pool,
		fetch:    fetch,
		interval: DefaultPollInterval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, ticking every interval ±10% so a
// fleet of installs does not synchronize against the upstream.
func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(jitter(p.interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("quota poll failed", "error", err)
		}
	}
}

// ForcePoll triggers an immediate tick. If one is already running the
// caller waits for its result instead of starting another.
func (p *Poller) ForcePoll(ctx context.Context) error {
	return p.poll(ctx)
}

func (p *Poller) poll(ctx context.Context) error {
	p.mu.Lock()
	if existing := p.inflight; existing != nil {
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-existing.done:
			return existing.err
		}
	}
	ip := &inflightPoll{done: make(chan struct{})}
	p.inflight = ip
	p.mu.Unlock()

	ip.err = p.pollAll(ctx)

	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()
	close(ip.done)

	return ip.err
}

func (p *Poller) pollAll(ctx context.Context) error {
	// A stuck poll must not outlive two intervals.
	ctx, cancel := context.WithTimeout(ctx, 2*p.interval)
	defer cancel()

	var lastErr error
	for _, a := range p.pool.List() {
		if a.Status == StatusError {
			continue
		}
		if err := p.PollAccount(ctx, a.ID); err != nil {
			p.logger.Warn("account poll failed", "id", a.ID, "email", a.Email, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// PollAccount refreshes a single account's snapshot.
func (p *Poller) PollAccount(ctx context.Context, id string) error {
	token, err := p.pool.AccessToken(ctx, id)
	if err != nil {
		return err
	}

	quota, err := p.fetch.FetchQuota(ctx, token)
	if err != nil {
		return err
	}

	from, to, err := p.pool.ApplyQuota(id, quota)
	if err != nil {
		return err
	}
	if from != to {
		p.logger.Info("account status changed", "id", id, "from", from, "to", to)
	}
	return nil
}

func jitter(d time.Duration) time.Duration {
	// ±10%
	delta := time.Duration(rand.Int63n(int64(d) / 5))
	return d - d/10 + delta
}
