package backfill

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"candlefeedv1/internal/marketdata/rest"
	"candlefeedv1/internal/model"
	"candlefeedv1/internal/store/sqlite"
)

var testKey = model.Key{Symbol: "BTCUSDT", Market: model.MarketSpot}

const windowStart = int64(1_700_000_100_000) // 15m-aligned

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) byTopic(topic model.Topic) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// klineServer serves generated 15m rows for any [startTime, endTime) window
// and counts requests.
func klineServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	requests := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)

		var rows []string
		for ot := start; ot < end; ot += model.IntervalMs {
			rows = append(rows, fmt.Sprintf(
				`[%d,"100","120","90","110","1000",%d,"110000",42,"500","55000","0"]`,
				ot, ot+model.IntervalMs-1))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func newTestEngine(t *testing.T, baseURL string) (*Engine, *sqlite.Store, *recorder) {
	t.Helper()
	store, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "candles.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rec := &recorder{}
	e := New(Config{
		MaxPerRequest: 4,
		BatchSize:     3,
		MaxRetries:    2,
		RequestDelay:  time.Millisecond,
	}, rest.New(rest.Config{SpotBaseURL: baseURL}), store, rec)
	e.retrySleep = func(ctx context.Context, d time.Duration) {}
	return e, store, rec
}

func seed(t *testing.T, store *sqlite.Store, buckets ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, b := range buckets {
		ot := windowStart + b*model.IntervalMs
		c := model.Candle{
			Symbol: testKey.Symbol, Market: testKey.Market,
			OpenTime: ot, CloseTime: ot + model.IntervalMs - 1,
			Open: 100, High: 120, Low: 90, Close: 110,
			Volume: 1000, Closed: true,
		}
		if _, err := store.Save(ctx, c); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestRunFreshFill(t *testing.T) {
	srv, requests := klineServer(t)
	e, store, rec := newTestEngine(t, srv.URL)

	var done *Result
	e.OnDone = func(res *Result) { done = res }

	windowEnd := windowStart + 10*model.IntervalMs
	res, err := e.Run(context.Background(), testKey, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Success || res.TotalCandles != 10 || res.NewCandles != 10 || res.DuplicateCandles != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	// 10 candles at 4 per page.
	if *requests != 3 {
		t.Errorf("requests = %d, want 3", *requests)
	}
	if done != res {
		t.Error("OnDone not invoked with the result")
	}

	n, err := store.Count(context.Background(), testKey)
	if err != nil || n != 10 {
		t.Errorf("stored %d candles (err %v), want 10", n, err)
	}
	if gaps := rec.byTopic(model.TopicBackfillGap); len(gaps) != 0 {
		t.Errorf("unexpected gap events %v", gaps)
	}
}

func TestRunResumesFromLatest(t *testing.T) {
	srv, _ := klineServer(t)
	e, store, _ := newTestEngine(t, srv.URL)
	seed(t, store, 0, 1, 2, 3, 4)

	windowEnd := windowStart + 10*model.IntervalMs
	res, err := e.Run(context.Background(), testKey, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.NewCandles != 5 || res.DuplicateCandles != 0 {
		t.Errorf("new=%d dup=%d, want 5 and 0", res.NewCandles, res.DuplicateCandles)
	}
	n, _ := store.Count(context.Background(), testKey)
	if n != 10 {
		t.Errorf("stored %d candles, want 10", n)
	}
}

func TestRunCoveredWindowSkipsFetch(t *testing.T) {
	srv, requests := klineServer(t)
	e, store, _ := newTestEngine(t, srv.URL)
	seed(t, store, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	windowEnd := windowStart + 10*model.IntervalMs
	res, err := e.Run(context.Background(), testKey, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Success || res.TotalCandles != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if *requests != 0 {
		t.Errorf("covered window still issued %d requests", *requests)
	}
}

func TestRunBackwardFillCountsDuplicates(t *testing.T) {
	srv, _ := klineServer(t)
	e, store, _ := newTestEngine(t, srv.URL)
	// Stored data begins after the window start, so the whole window is
	// refetched and overlapping rows land as duplicates.
	seed(t, store, 5, 6, 7, 8, 9)

	windowEnd := windowStart + 10*model.IntervalMs
	res, err := e.Run(context.Background(), testKey, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalCandles != 10 || res.NewCandles != 5 || res.DuplicateCandles != 5 {
		t.Errorf("total=%d new=%d dup=%d, want 10/5/5", res.TotalCandles, res.NewCandles, res.DuplicateCandles)
	}
	n, _ := store.Count(context.Background(), testKey)
	if n != 10 {
		t.Errorf("stored %d candles, want 10", n)
	}
}

func TestRunRetriesThenSkipsWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	e, store, rec := newTestEngine(t, srv.URL)

	var retries int
	e.OnRetry = func() { retries++ }

	windowEnd := windowStart + 4*model.IntervalMs // single page window
	res, err := e.Run(context.Background(), testKey, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The skipped window does not fail the job; it is surfaced for later.
	if !res.Success || len(res.Errors) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}

	gaps := rec.byTopic(model.TopicBackfillGap)
	if len(gaps) != 1 {
		t.Fatalf("gap events = %d, want 1", len(gaps))
	}
	gap := gaps[0].Payload.(model.BackfillGap)
	if gap.Key != testKey || gap.From != windowStart || gap.To != windowEnd {
		t.Errorf("unexpected gap payload %+v", gap)
	}

	n, _ := store.Count(context.Background(), testKey)
	if n != 0 {
		t.Errorf("stored %d candles, want 0", n)
	}
}

func TestRunFatalErrorStopsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	t.Cleanup(srv.Close)
	e, _, rec := newTestEngine(t, srv.URL)

	windowEnd := windowStart + 10*model.IntervalMs
	res, err := e.Run(context.Background(), testKey, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Success {
		t.Error("fatal upstream error must fail the job")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "fatal") {
		t.Errorf("unexpected errors %v", res.Errors)
	}
	// Fatal errors are not gaps: no reconciliation event.
	if gaps := rec.byTopic(model.TopicBackfillGap); len(gaps) != 0 {
		t.Errorf("unexpected gap events %v", gaps)
	}
}

func TestRunRejectsInvalidWindow(t *testing.T) {
	srv, _ := klineServer(t)
	e, _, _ := newTestEngine(t, srv.URL)

	if _, err := e.Run(context.Background(), testKey, 100, 100); err == nil {
		t.Error("empty window accepted")
	}
	if _, err := e.Run(context.Background(), testKey, -1, 100); err == nil {
		t.Error("negative start accepted")
	}
}
