// Package fetch decorates a content source with per-host rate limiting, a
// per-attempt timeout and a short bounded retry.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/domain"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultAttempts       = 2
	DefaultAttemptTimeout = 15 * time.Second
	DefaultBackoff        = 500 * time.Millisecond
	DefaultRate           = 2
	DefaultBurst          = 4
)

var _ app.Fetcher = (*Resilient)(nil)

// Options tunes a Resilient fetcher.
type Options struct {
	Attempts       int           // tries per call, including the first
	AttemptTimeout time.Duration // deadline for a single try
	Backoff        time.Duration // wait before retry n is n*Backoff
	Rate           float64       // requests per second per source host
	Burst          int
	Logger         *slog.Logger
}

// Resilient wraps an app.Fetcher.
type Resilient struct {
	inner app.Fetcher
	opts  Options
	log   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// AttemptBudget splits total, the deadline a caller puts around one fetch,
// into a per-attempt timeout that leaves room for every attempt and the
// backoff waits between them. Zero arguments take the package defaults.
func AttemptBudget(total time.Duration, attempts int, backoff time.Duration) time.Duration {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	waits := backoff * time.Duration(attempts*(attempts-1)/2)
	if per := (total - waits) / time.Duration(attempts); per > 0 {
		return per
	}
	return total / time.Duration(attempts)
}

// New wraps inner.
func New(inner app.Fetcher, opts Options) *Resilient {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resilient{
		inner:    inner,
		opts:     opts,
		log:      opts.Logger.With("domain", "fetch"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// FetchChapterList fetches the chapter list of b. An empty list is reported
// as domain.ErrNoChapters.
func (r *Resilient) FetchChapterList(ctx context.Context, b domain.Book) ([]domain.Chapter, error) {
	var out []domain.Chapter
	err := r.do(ctx, b.SourceURL, func(ctx context.Context) error {
		chapters, err := r.inner.FetchChapterList(ctx, b)
		if err != nil {
			return err
		}
		if len(chapters) == 0 {
			return domain.ErrNoChapters
		}
		out = chapters
		return nil
	})
	return out, err
}

// FetchChapterText fetches the text behind locator.
func (r *Resilient) FetchChapterText(ctx context.Context, locator string) (string, error) {
	var out string
	err := r.do(ctx, locator, func(ctx context.Context) error {
		text, err := r.inner.FetchChapterText(ctx, locator)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

// do runs call up to Attempts times. Errors that retrying cannot fix, and
// cancellation of the caller's context, end the loop early.
func (r *Resilient) do(ctx context.Context, target string, call func(context.Context) error) error {
	host := hostOf(target)
	var err error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(time.Duration(attempt-1) * r.opts.Backoff):
			}
		}
		if werr := r.limiter(host).Wait(ctx); werr != nil {
			return errors.Join(err, werr)
		}
		actx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
		err = call(actx)
		cancel()
		if err == nil {
			return nil
		}
		if permanent(err) || ctx.Err() != nil {
			return err
		}
		r.log.Warn("fetch attempt failed", "host", host, "attempt", attempt, "of", r.opts.Attempts, "err", err)
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrFetcherUnavailable) || errors.Is(err, domain.ErrNoChapters)
}

// limiter returns the token bucket for host, creating it on first use.
func (r *Resilient) limiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.opts.Rate), r.opts.Burst)
		r.limiters[host] = l
	}
	return l
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
