package ingest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printworks/report-engine/ingest"
	"github.com/printworks/report-engine/report"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type exportOrder struct {
	ID         string `json:"id"`
	Amount     string `json:"total_price"`
	CreatedAt  string `json:"created_at"`
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
}

func exportPage(w http.ResponseWriter, orders []exportOrder, next string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"orders": orders, "next_cursor": next})
}

func testShop(t *testing.T, name string, svc report.ServiceTag, handler http.HandlerFunc) *ingest.HTTPShop {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &ingest.HTTPShop{
		ShopName: name,
		BaseURL:  srv.URL,
		Token:    "test-token",
		Service:  svc,
		Client:   srv.Client(),
		Loc:      time.UTC,
	}
}

func newFetcher(shops ...ingest.Shop) *ingest.Fetcher {
	f := ingest.NewFetcher(shops, zerolog.Nop())
	f.BaseDelay = time.Millisecond
	return f
}

func thisMonth() ingest.FetchRange {
	return ingest.FetchRange{Mode: ingest.RangeRecentMonths, Months: 1}
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestFetchAll_MergesShopsSorted(t *testing.T) {
	// GIVEN: Two storefronts, each exporting one order
	// WHEN: FetchAll runs
	// THEN: One batch comes back, sorted by order id, with each record
	//       tagged by its storefront's service

	shopA := testShop(t, "artgraph", report.ServiceArtgraph, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		exportPage(w, []exportOrder{{ID: "o-2", Amount: "2500", CreatedAt: "2025-06-03T10:00:00Z"}}, "")
	})
	shopP := testShop(t, "photopri", report.ServicePhotopri, func(w http.ResponseWriter, r *http.Request) {
		exportPage(w, []exportOrder{{ID: "o-1", Amount: "1000.50", CreatedAt: "2025-06-04T11:00:00Z"}}, "")
	})

	batch, err := newFetcher(shopA, shopP).FetchAll(context.Background(), thisMonth())
	require.NoError(t, err)

	require.Len(t, batch, 2)
	assert.Equal(t, "o-1", batch[0].ID)
	assert.Equal(t, report.ServicePhotopri, batch[0].Service)
	assert.Equal(t, "1000.5", batch[0].Amount.String())
	assert.Equal(t, "o-2", batch[1].ID)
	assert.Equal(t, report.ServiceArtgraph, batch[1].Service)
}

func TestFetchAll_FollowsPagination(t *testing.T) {
	shop := testShop(t, "photopri", report.ServicePhotopri, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			exportPage(w, []exportOrder{{ID: "o-1", Amount: "100", CreatedAt: "2025-06-01T00:00:00Z"}}, "page-2")
		case "page-2":
			exportPage(w, []exportOrder{{ID: "o-2", Amount: "200", CreatedAt: "2025-06-02T00:00:00Z"}}, "")
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	batch, err := newFetcher(shop).FetchAll(context.Background(), thisMonth())
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestFetchAll_RetriesRateLimitThenSucceeds(t *testing.T) {
	// GIVEN: A storefront that returns 429 twice before succeeding
	// THEN: The fetch retries with backoff and completes

	var calls atomic.Int32
	shop := testShop(t, "photopri", report.ServicePhotopri, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		exportPage(w, []exportOrder{{ID: "o-1", Amount: "100", CreatedAt: "2025-06-01T00:00:00Z"}}, "")
	})

	batch, err := newFetcher(shop).FetchAll(context.Background(), thisMonth())
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchAll_ExhaustedRetriesFailWholeFetch(t *testing.T) {
	// GIVEN: One healthy storefront and one that never stops failing
	// THEN: The whole fetch fails with a transient fetch error - a partial
	//       batch is never returned

	var failing atomic.Int32
	bad := testShop(t, "artgraph", report.ServiceArtgraph, func(w http.ResponseWriter, r *http.Request) {
		failing.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	good := testShop(t, "photopri", report.ServicePhotopri, func(w http.ResponseWriter, r *http.Request) {
		exportPage(w, []exportOrder{{ID: "o-1", Amount: "100", CreatedAt: "2025-06-01T00:00:00Z"}}, "")
	})

	batch, err := newFetcher(bad, good).FetchAll(context.Background(), thisMonth())

	require.Error(t, err)
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, report.ErrTransientFetch)
	var fetchErr *report.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "artgraph", fetchErr.Store)
	assert.Equal(t, 5, fetchErr.Attempts)
	assert.Equal(t, int32(5), failing.Load())
}

func TestFetchAll_ClientErrorIsTerminal(t *testing.T) {
	// A 401 means bad credentials; retrying cannot help.

	var calls atomic.Int32
	shop := testShop(t, "photopri", report.ServicePhotopri, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := newFetcher(shop).FetchAll(context.Background(), thisMonth())

	require.Error(t, err)
	assert.NotErrorIs(t, err, report.ErrTransientFetch)
	assert.Equal(t, int32(1), calls.Load(), "client errors must not be retried")
}

func TestFetchAll_BadAmountIsTerminal(t *testing.T) {
	shop := testShop(t, "photopri", report.ServicePhotopri, func(w http.ResponseWriter, r *http.Request) {
		exportPage(w, []exportOrder{{ID: "o-1", Amount: "not-a-number", CreatedAt: "2025-06-01T00:00:00Z"}}, "")
	})

	_, err := newFetcher(shop).FetchAll(context.Background(), thisMonth())
	require.Error(t, err)
	assert.NotErrorIs(t, err, report.ErrTransientFetch)
}

// =============================================================================
// RANGE RESOLUTION
// =============================================================================

func TestFetchRange_Resolve(t *testing.T) {
	now := time.Date(2025, time.June, 16, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		rng      ingest.FetchRange
		wantFrom time.Time
		wantTo   time.Time
	}{
		{
			name:     "current month",
			rng:      ingest.FetchRange{Mode: ingest.RangeRecentMonths, Months: 1},
			wantFrom: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   now,
		},
		{
			name:     "three months back",
			rng:      ingest.FetchRange{Mode: ingest.RangeRecentMonths, Months: 3},
			wantFrom: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   now,
		},
		{
			name:     "all time has no lower bound",
			rng:      ingest.FetchRange{Mode: ingest.RangeAllTime},
			wantFrom: time.Time{},
			wantTo:   now,
		},
		{
			name: "explicit",
			rng: ingest.FetchRange{
				Mode: ingest.RangeExplicit,
				From: time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
				To:   time.Date(2025, time.May, 31, 23, 59, 59, 0, time.UTC),
			},
			wantFrom: time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   time.Date(2025, time.May, 31, 23, 59, 59, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			from, to := tc.rng.Resolve(now)
			assert.Equal(t, tc.wantFrom, from)
			assert.Equal(t, tc.wantTo, to)
		})
	}
}
