/*
fetch.go - Storefront order export fetch

PURPOSE:
  Pulls order exports from every configured storefront for a date range
  and returns one normalized, deterministically ordered batch for the
  reconciler. A run either gets the complete batch or an error; a
  partially filled batch is never returned silently.

RANGE SELECTION:
  Three modes mirror how runs are invoked: everything the storefront has
  (initial backfill), the last N calendar months (the weekly run), or an
  explicit range (manual repair runs).

RETRY POLICY:
  Rate limits (429) and server errors (5xx) are transient: each page
  request retries with exponential backoff (500ms base, doubling, 5
  attempts). Client errors (4xx other than 429) are terminal
  immediately. Exhausted retries wrap into FetchError, which satisfies
  errors.Is(err, report.ErrTransientFetch).

CONCURRENCY:
  Storefronts are fetched in parallel through an errgroup capped at 4 so
  a fleet of shops cannot stampede the export APIs. The first storefront
  failure cancels the rest.

SEE ALSO:
  - merge.go: Consumes the batches produced here
  - config: Storefront credentials
*/
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/printworks/report-engine/report"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryFactor    = 2
	maxAttempts    = 5

	// maxShopConcurrency caps parallel storefront fetches.
	maxShopConcurrency = 4
)

// RangeMode selects which slice of history a fetch covers.
type RangeMode string

const (
	// RangeAllTime fetches the storefront's full history (backfill).
	RangeAllTime RangeMode = "all_time"

	// RangeRecentMonths fetches from the start of the month N-1 months
	// back through now. N=1 means the current month only.
	RangeRecentMonths RangeMode = "recent_months"

	// RangeExplicit fetches an explicit [From, To] window (repair runs).
	RangeExplicit RangeMode = "explicit"
)

// FetchRange is the resolved date range for one fetch.
type FetchRange struct {
	Mode   RangeMode
	Months int
	From   time.Time
	To     time.Time
}

// Resolve turns the range mode into concrete bounds at time now.
func (r FetchRange) Resolve(now time.Time) (from, to time.Time) {
	switch r.Mode {
	case RangeRecentMonths:
		months := r.Months
		if months < 1 {
			months = 1
		}
		start := report.MonthStart(now).AddDate(0, -(months - 1), 0)
		return start, now
	case RangeExplicit:
		return r.From, r.To
	default:
		return time.Time{}, now
	}
}

// Shop is one storefront's paginated order export.
type Shop interface {
	Name() string

	// Orders returns one page of orders in [from, to] plus the cursor for
	// the next page; an empty cursor ends pagination.
	Orders(ctx context.Context, from, to time.Time, cursor string) ([]report.TransactionRecord, string, error)
}

// =============================================================================
// HTTP SHOP CLIENT
// =============================================================================

// HTTPShop fetches the order export of one storefront over HTTP.
type HTTPShop struct {
	ShopName string
	BaseURL  string
	Token    string
	Service  report.ServiceTag
	Client   *http.Client
	Loc      *time.Location
}

func (s *HTTPShop) Name() string { return s.ShopName }

// orderPage is the storefront export wire format.
type orderPage struct {
	Orders []struct {
		ID         string `json:"id"`
		Amount     string `json:"total_price"`
		CreatedAt  string `json:"created_at"`
		CustomerID string `json:"customer_id"`
		Email      string `json:"email"`
	} `json:"orders"`
	NextCursor string `json:"next_cursor"`
}

func (s *HTTPShop) Orders(ctx context.Context, from, to time.Time, cursor string) ([]report.TransactionRecord, string, error) {
	u, err := url.Parse(s.BaseURL + "/orders/export")
	if err != nil {
		return nil, "", err
	}
	q := u.Query()
	if !from.IsZero() {
		q.Set("since", from.Format(time.RFC3339))
	}
	q.Set("until", to.Format(time.RFC3339))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, "", &transientError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, "", &transientError{err: fmt.Errorf("%s: status %d", s.ShopName, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%s: status %d", s.ShopName, resp.StatusCode)
	}

	var page orderPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("%s: decode export page: %w", s.ShopName, err)
	}

	recs := make([]report.TransactionRecord, 0, len(page.Orders))
	for _, o := range page.Orders {
		amount, err := decimal.NewFromString(o.Amount)
		if err != nil {
			return nil, "", fmt.Errorf("%s order %s: bad amount %q: %w", s.ShopName, o.ID, o.Amount, err)
		}
		at, err := time.Parse(time.RFC3339, o.CreatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("%s order %s: bad created_at %q: %w", s.ShopName, o.ID, o.CreatedAt, err)
		}
		recs = append(recs, report.TransactionRecord{
			ID:         o.ID,
			Service:    s.Service,
			Amount:     amount,
			CreatedAt:  at.In(s.Loc),
			CustomerID: o.CustomerID,
			Email:      o.Email,
		})
	}
	return recs, page.NextCursor, nil
}

// transientError marks a retryable fetch failure.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// =============================================================================
// MULTI-STORE FETCHER
// =============================================================================

// Fetcher pulls all configured storefronts concurrently.
type Fetcher struct {
	Shops []Shop
	Log   zerolog.Logger

	// BaseDelay overrides the first retry delay (tests). Zero means the
	// production default.
	BaseDelay time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewFetcher(shops []Shop, log zerolog.Logger) *Fetcher {
	return &Fetcher{Shops: shops, Log: log, now: time.Now}
}

// FetchAll fetches every shop for the range and returns one batch sorted
// by record id. Any shop failing after retries fails the whole fetch.
func (f *Fetcher) FetchAll(ctx context.Context, rng FetchRange) ([]report.TransactionRecord, error) {
	nowFn := f.now
	if nowFn == nil {
		nowFn = time.Now
	}
	from, to := rng.Resolve(nowFn())

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxShopConcurrency)

	results := make([][]report.TransactionRecord, len(f.Shops))
	for i, shop := range f.Shops {
		i, shop := i, shop
		g.Go(func() error {
			recs, err := f.fetchShop(ctx, shop, from, to)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var batch []report.TransactionRecord
	for _, recs := range results {
		batch = append(batch, recs...)
	}
	// Deterministic order: identical fetches produce identical batches.
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	f.Log.Info().
		Int("records", len(batch)).
		Int("shops", len(f.Shops)).
		Str("mode", string(rng.Mode)).
		Msg("fetch complete")

	return batch, nil
}

// fetchShop pages through one storefront with per-page retry.
func (f *Fetcher) fetchShop(ctx context.Context, shop Shop, from, to time.Time) ([]report.TransactionRecord, error) {
	var (
		out    []report.TransactionRecord
		cursor string
	)
	for {
		page, next, err := f.fetchPage(ctx, shop, from, to, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// fetchPage requests one export page with bounded exponential backoff on
// transient failures.
func (f *Fetcher) fetchPage(ctx context.Context, shop Shop, from, to time.Time, cursor string) ([]report.TransactionRecord, string, error) {
	delay := f.BaseDelay
	if delay == 0 {
		delay = retryBaseDelay
	}
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		page, next, err := shop.Orders(ctx, from, to, cursor)
		if err == nil {
			return page, next, nil
		}
		if !isTransient(err) {
			return nil, "", fmt.Errorf("fetch %s: %w", shop.Name(), err)
		}
		lastErr = err

		f.Log.Warn().Err(err).
			Str("shop", shop.Name()).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient fetch failure, retrying")

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= retryFactor
	}

	return nil, "", &report.FetchError{Store: shop.Name(), Attempts: maxAttempts, Err: lastErr}
}
