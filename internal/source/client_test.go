package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	cursor string
	limit  string
	apiKey string
	auth   string
}

// fakeAPI serves canned responses in order and records every request.
type fakeAPI struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	requests  []recordedRequest
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{
		cursor: r.URL.Query().Get("cursor"),
		limit:  r.URL.Query().Get("limit"),
		apiKey: r.Header.Get("X-API-Key"),
		auth:   r.Header.Get("Authorization"),
	})
	if len(f.responses) == 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	next(w)
}

func respond(status int, body string, headers map[string]string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, api *fakeAPI, clock *fakeClock) *Client {
	t.Helper()
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)

	limiter := NewRateLimiter(500*time.Millisecond, clock)
	return NewClient(ClientConfig{BaseURL: ts.URL + "/", APIKey: "secret"}, limiter, nil)
}

func TestClient_FetchPageSuccess(t *testing.T) {
	api := &fakeAPI{responses: []func(http.ResponseWriter){
		respond(http.StatusOK, `{"data":[{"id":"a"},{"id":"b"}],"nextCursor":"c1","hasMore":true}`, nil),
	}}
	client := newTestClient(t, api, newFakeClock())

	cursor := "c0"
	page, err := client.FetchPage(context.Background(), &cursor, 250)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "c1", *page.NextCursor)
	assert.True(t, page.HasMore)

	require.Len(t, api.requests, 1)
	assert.Equal(t, "c0", api.requests[0].cursor)
	assert.Equal(t, "250", api.requests[0].limit)
	assert.Equal(t, "secret", api.requests[0].apiKey)
}

func TestClient_NilCursorAndDefaultLimit(t *testing.T) {
	api := &fakeAPI{responses: []func(http.ResponseWriter){
		respond(http.StatusOK, `{"data":[]}`, nil),
	}}
	client := newTestClient(t, api, newFakeClock())

	_, err := client.FetchPage(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "", api.requests[0].cursor)
	assert.Equal(t, "1000", api.requests[0].limit)
}

func TestClient_BearerAuth(t *testing.T) {
	api := &fakeAPI{responses: []func(http.ResponseWriter){
		respond(http.StatusOK, `{"data":[]}`, nil),
	}}
	ts := httptest.NewServer(api)
	defer ts.Close()

	client := NewClient(ClientConfig{BaseURL: ts.URL, APIKey: "tok", AuthScheme: AuthBearer}, NewRateLimiter(0, newFakeClock()), nil)
	_, err := client.FetchPage(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", api.requests[0].auth)
	assert.Empty(t, api.requests[0].apiKey)
}

func TestClient_RateLimitedDefersNextRequest(t *testing.T) {
	api := &fakeAPI{responses: []func(http.ResponseWriter){
		respond(http.StatusTooManyRequests, `{"error":"slow down"}`, map[string]string{"Retry-After": "3"}),
		respond(http.StatusOK, `{"data":[{"id":"a"}]}`, nil),
	}}
	clock := newFakeClock()
	client := newTestClient(t, api, clock)
	ctx := context.Background()

	cursor := "c7"
	_, err := client.FetchPage(ctx, &cursor, 10)
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 3*time.Second, rl.Wait)
	respondedAt := clock.Now()

	_, err = client.FetchPage(ctx, &cursor, 10)
	require.NoError(t, err)

	// The retry started no earlier than response time + Retry-After.
	assert.False(t, clock.Now().Before(respondedAt.Add(3*time.Second)))
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.sleeps)
	assert.Equal(t, "c7", api.requests[1].cursor)
}

func TestClient_RateLimitedDefaultWait(t *testing.T) {
	api := &fakeAPI{responses: []func(http.ResponseWriter){
		respond(http.StatusTooManyRequests, ``, nil),
	}}
	client := newTestClient(t, api, newFakeClock())

	_, err := client.FetchPage(context.Background(), nil, 10)
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, DefaultRetryAfter, rl.Wait)
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"400 is stale cursor", http.StatusBadRequest, func(t *testing.T, err error) {
			var stale *StaleCursorError
			require.True(t, errors.As(err, &stale))
			assert.Equal(t, "old", stale.Cursor)
		}},
		{"500 is transient", http.StatusInternalServerError, func(t *testing.T, err error) {
			var tr *TransientError
			require.True(t, errors.As(err, &tr))
			assert.Equal(t, 500, tr.Status)
		}},
		{"504 is transient", http.StatusGatewayTimeout, func(t *testing.T, err error) {
			var tr *TransientError
			require.True(t, errors.As(err, &tr))
		}},
		{"401 is fatal", http.StatusUnauthorized, func(t *testing.T, err error) {
			var fatal *FatalError
			require.True(t, errors.As(err, &fatal))
			assert.False(t, IsRetryable(err))
		}},
		{"404 is fatal", http.StatusNotFound, func(t *testing.T, err error) {
			var fatal *FatalError
			require.True(t, errors.As(err, &fatal))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{responses: []func(http.ResponseWriter){respond(tt.status, `{"error":"x"}`, nil)}}
			client := newTestClient(t, api, newFakeClock())
			cursor := "old"
			_, err := client.FetchPage(context.Background(), &cursor, 10)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_BadRequestWithoutCursorIsFatal(t *testing.T) {
	api := &fakeAPI{responses: []func(http.ResponseWriter){
		respond(http.StatusBadRequest, `{"error":"bad limit"}`, nil),
	}}
	client := newTestClient(t, api, newFakeClock())

	_, err := client.FetchPage(context.Background(), nil, 10)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, http.StatusBadRequest, fatal.Status)
}

func TestClient_UndecodableBodyIsFatal(t *testing.T) {
	api := &fakeAPI{responses: []func(http.ResponseWriter){
		respond(http.StatusOK, `<html>oops</html>`, nil),
	}}
	client := newTestClient(t, api, newFakeClock())

	_, err := client.FetchPage(context.Background(), nil, 10)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
}

func TestClient_NoResponseIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	client := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second}, NewRateLimiter(0, newFakeClock()), nil)
	_, err := client.FetchPage(context.Background(), nil, 10)
	var tr *TransientError
	require.True(t, errors.As(err, &tr))
	assert.Zero(t, tr.Status)
	assert.True(t, IsRetryable(err))
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		headers map[string]string
		want    time.Duration
	}{
		{"seconds", map[string]string{"Retry-After": "5"}, 5 * time.Second},
		{"http date", map[string]string{"Retry-After": now.Add(20 * time.Second).Format(http.TimeFormat)}, 20 * time.Second},
		{"reset seconds", map[string]string{"X-RateLimit-Reset": "12"}, 12 * time.Second},
		{"reset unix", map[string]string{"X-RateLimit-Reset": "1704067230"}, 30 * time.Second},
		{"retry-after wins", map[string]string{"Retry-After": "2", "X-RateLimit-Reset": "40"}, 2 * time.Second},
		{"retry now", map[string]string{"Retry-After": "0"}, 0},
		{"date in the past", map[string]string{"Retry-After": now.Add(-time.Minute).Format(http.TimeFormat)}, 0},
		{"zero retry-after beats reset", map[string]string{"Retry-After": "0", "X-RateLimit-Reset": "40"}, 0},
		{"reset already passed", map[string]string{"X-RateLimit-Reset": "1704067000"}, 0},
		{"negative", map[string]string{"Retry-After": "-3"}, DefaultRetryAfter},
		{"garbage", map[string]string{"Retry-After": "soon"}, DefaultRetryAfter},
		{"absent", nil, DefaultRetryAfter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, retryAfter(h, now))
		})
	}
}

func TestClient_LowQuotaWarning(t *testing.T) {
	tests := []struct {
		name      string
		remaining string
		warnings  int
	}{
		{"below low water", "3", 1},
		{"at low water", "10", 0},
		{"above low water", "500", 0},
		{"unparseable", "lots", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{responses: []func(http.ResponseWriter){
				respond(http.StatusOK, `{"data":[]}`, map[string]string{"X-RateLimit-Remaining": tt.remaining}),
			}}
			ts := httptest.NewServer(api)
			t.Cleanup(ts.Close)

			var logs bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
			client := NewClient(ClientConfig{BaseURL: ts.URL, LowWater: 10}, NewRateLimiter(0, newFakeClock()), logger)

			_, err := client.FetchPage(context.Background(), nil, 10)
			require.NoError(t, err)

			assert.Equal(t, tt.warnings, strings.Count(logs.String(), `"msg":"rate limit quota low"`))
			if tt.warnings > 0 {
				assert.Contains(t, logs.String(), `"remaining":3`)
				assert.Contains(t, logs.String(), `"low_water":10`)
			}
		})
	}
}
