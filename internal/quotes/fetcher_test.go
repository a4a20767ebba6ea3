package quotes

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"options-dekho/internal/broker"
	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]string
	prices  map[string]float64
	err     error
}

func (f *fakeSource) Quotes(ctx context.Context, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), ids...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]models.Quote)
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[id] = models.Quote{Identifier: id, LastPrice: p}
		}
	}
	return out, nil
}

type fakeInvalidator struct {
	users []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, userID, reason string) error {
	f.users = append(f.users, userID)
	return nil
}

func TestFetchMapsMissingToNoData(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"NFO:RELIANCE24D262500PE": 18.75}}
	f := NewFetcher(Config{Source: src, Logger: zerolog.Nop()})

	res, err := f.Fetch(context.Background(), "u1", "tok",
		[]string{"NFO:RELIANCE24D262500PE", " NFO:GONE24D26100PE ", "NFO:RELIANCE24D262500PE"}, models.QuoteModeLTP)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("results = %d, want 2", len(res))
	}
	if r := res["NFO:RELIANCE24D262500PE"]; r.Status != models.QuoteOK || r.Quote.LastPrice != 18.75 {
		t.Errorf("ok result = %+v", r)
	}
	if r := res["NFO:GONE24D26100PE"]; r.Status != models.QuoteNoData || r.Quote != nil {
		t.Errorf("missing result = %+v", r)
	}
	if len(src.batches) != 1 || len(src.batches[0]) != 2 {
		t.Errorf("batches = %v", src.batches)
	}
}

func TestFetchRejectsMalformedBeforeNetwork(t *testing.T) {
	tests := [][]string{
		{"RELIANCE"},
		{"nfo:reliance24d262500pe"},
		{"NFO:OK", "NFO:"},
		{},
	}
	for _, ids := range tests {
		t.Run(fmt.Sprint(ids), func(t *testing.T) {
			src := &fakeSource{}
			f := NewFetcher(Config{Source: src, Logger: zerolog.Nop()})

			_, err := f.Fetch(context.Background(), "u1", "tok", ids, models.QuoteModeLTP)
			if apperrors.Classify(err) != apperrors.KindValidation {
				t.Errorf("Classify(%v) = %v, want validation", err, apperrors.Classify(err))
			}
			if len(src.batches) != 0 {
				t.Error("broker was called with invalid input")
			}
		})
	}
}

func TestFetchAuthRejectionInvalidatesToken(t *testing.T) {
	src := &fakeSource{err: apperrors.NewAuthRequiredError("", "broker rejected the access token", nil)}
	inv := &fakeInvalidator{}
	f := NewFetcher(Config{Source: src, Invalidator: inv, Logger: zerolog.Nop()})

	_, err := f.Fetch(context.Background(), "u1", "tok", []string{"NFO:X"}, models.QuoteModeLTP)
	if apperrors.Classify(err) != apperrors.KindAuthRequired {
		t.Fatalf("Classify(%v) = %v", err, apperrors.Classify(err))
	}
	if len(inv.users) != 1 || inv.users[0] != "u1" {
		t.Errorf("invalidated = %v", inv.users)
	}
	if len(src.batches) != 1 {
		t.Errorf("calls = %d, want exactly 1 (no retries)", len(src.batches))
	}
}

// Kite sometimes reports a dead session in a 200 response body.
func TestFetchKiteTokenExceptionInOKBodyInvalidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"error","error_type":"TokenException","message":"Token is invalid or has expired."}`))
	}))
	t.Cleanup(srv.Close)

	src := broker.NewZerodhaBroker(broker.ZerodhaConfig{
		APIKey:  "key123",
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Logger:  zerolog.Nop(),
	})
	inv := &fakeInvalidator{}
	f := NewFetcher(Config{Source: src, Invalidator: inv, Logger: zerolog.Nop()})

	res, err := f.Fetch(context.Background(), "u1", "stale", []string{"NFO:RELIANCE24D262500PE"}, models.QuoteModeLTP)
	if apperrors.Classify(err) != apperrors.KindAuthRequired {
		t.Fatalf("Classify(%v) = %v, want auth_required", err, apperrors.Classify(err))
	}
	if res != nil {
		t.Errorf("results = %v, want none", res)
	}
	if len(inv.users) != 1 || inv.users[0] != "u1" {
		t.Errorf("invalidated = %v, want [u1]", inv.users)
	}
}

func TestFetchUpstreamFailureKeepsToken(t *testing.T) {
	src := &fakeSource{err: apperrors.NewUpstreamError("ltp", 503, "down", nil)}
	inv := &fakeInvalidator{}
	f := NewFetcher(Config{Source: src, Invalidator: inv, Logger: zerolog.Nop()})

	_, err := f.Fetch(context.Background(), "u1", "tok", []string{"NFO:X"}, models.QuoteModeFull)
	if apperrors.Classify(err) != apperrors.KindUpstream {
		t.Errorf("Classify(%v) = %v", err, apperrors.Classify(err))
	}
	if len(inv.users) != 0 {
		t.Error("token invalidated on a non-auth failure")
	}
}

// Property: every requested identifier appears in the result exactly once,
// and no broker call carries more than the batch size.
func TestProperty_FetchCoversEveryIdentifier(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("complete results, bounded batches", prop.ForAll(
		func(n, batch int) bool {
			src := &fakeSource{prices: map[string]float64{}}
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("NFO:SYM%d", i)
				if i%3 == 0 {
					src.prices[ids[i]] = float64(i)
				}
			}
			f := NewFetcher(Config{Source: src, BatchSize: batch, Logger: zerolog.Nop()})

			res, err := f.Fetch(context.Background(), "u1", "tok", ids, models.QuoteModeLTP)
			if err != nil || len(res) != n {
				return false
			}
			for i, id := range ids {
				want := models.QuoteNoData
				if i%3 == 0 {
					want = models.QuoteOK
				}
				if res[id].Status != want {
					return false
				}
			}
			for _, b := range src.batches {
				if len(b) > batch {
					return false
				}
			}
			return len(src.batches) == (n+batch-1)/batch
		},
		gen.IntRange(1, 1200),
		gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}
