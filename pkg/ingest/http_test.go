package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cuemby/pulsebeam/pkg/attribution"
	"github.com/cuemby/pulsebeam/pkg/ratelimit"
	"github.com/cuemby/pulsebeam/pkg/tenant"
	"github.com/cuemby/pulsebeam/pkg/types"
)

func newTestRouter(t *testing.T, capacity int) (http.Handler, string) {
	t.Helper()
	store, err := tenant.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateTenant("tenant-a", &types.Tenant{ID: "tenant-a", APIKey: "key-a"}))

	limiter := ratelimit.NewWithRate(capacity, rate.Limit(0.001))
	e := New(store, limiter, attribution.New(store), nil)
	return e.Router(), "key-a"
}

func doIngest(t *testing.T, router http.Handler, apiKey string, in *EventIn) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(in)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set(CredentialHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleIngestAcceptsValidRequest(t *testing.T) {
	router, key := newTestRouter(t, 600)
	rec := doIngest(t, router, key, &EventIn{
		Event:           string(types.EventKindWindowFocus),
		Subject:         "Photoshop",
		ClientID:        uuid.NewString(),
		ClientTimestamp: time.Now(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleIngestRejectsMissingCredential(t *testing.T) {
	router, _ := newTestRouter(t, 600)
	rec := doIngest(t, router, "", &EventIn{
		Event: string(types.EventKindWindowFocus), ClientID: uuid.NewString(), ClientTimestamp: time.Now(),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleIngestSetsRetryAfterWhenThrottled(t *testing.T) {
	router, key := newTestRouter(t, 1)
	doIngest(t, router, key, &EventIn{
		Event: string(types.EventKindWindowFocus), ClientID: uuid.NewString(), ClientTimestamp: time.Now(),
	})
	rec := doIngest(t, router, key, &EventIn{
		Event: string(types.EventKindWindowFocus), ClientID: uuid.NewString(), ClientTimestamp: time.Now(),
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	seconds, err := parseRetryAfter(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.Greater(t, seconds, 0)
}

func TestHandleIngestBatchRejectsOverSizeCap(t *testing.T) {
	router, key := newTestRouter(t, 600)
	items := make([]*EventIn, MaxBatchSize+1)
	for i := range items {
		items[i] = &EventIn{Event: string(types.EventKindWindowFocus), ClientID: uuid.NewString(), ClientTimestamp: time.Now()}
	}
	body, err := json.Marshal(items)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/ingest-batch", bytes.NewReader(body))
	req.Header.Set(CredentialHeader, key)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleHealthIsUnauthenticated(t *testing.T) {
	router, _ := newTestRouter(t, 600)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
