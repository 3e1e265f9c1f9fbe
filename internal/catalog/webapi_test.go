package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorefront serves a three-app catalog where apps 10 and 30 are
// free and app 20 is paid.
func fakeStorefront(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	requests := new(int)
	mux := http.NewServeMux()
	mux.HandleFunc("/applist", func(w http.ResponseWriter, r *http.Request) {
		*requests++
		fmt.Fprint(w, `{"applist":{"apps":[{"appid":10,"name":"a"},{"appid":20,"name":"b"},{"appid":30,"name":"c"}]}}`)
	})
	mux.HandleFunc("/appdetails", func(w http.ResponseWriter, r *http.Request) {
		*requests++
		switch r.URL.Query().Get("appids") {
		case "10":
			fmt.Fprint(w, `{"10":{"success":true,"data":{"is_free":true,"packages":[100,200]}}}`)
		case "20":
			fmt.Fprint(w, `{"20":{"success":true,"data":{"is_free":false,"packages":[300]}}}`)
		case "30":
			fmt.Fprint(w, `{"30":{"success":true,"data":{"is_free":true,"packages":[200,400]}}}`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, requests
}

func newTestWebAPI(srv *httptest.Server, scanLimit int) *WebAPI {
	return NewWebAPI(WebAPIOptions{
		RequestsPerSecond: 1000, // don't throttle the test
		ScanLimit:         scanLimit,
		AppListURL:        srv.URL + "/applist",
		AppDetailsURL:     srv.URL + "/appdetails",
	})
}

func TestFetchFreePackageIDs(t *testing.T) {
	srv, _ := fakeStorefront(t)
	api := newTestWebAPI(srv, 0)

	ids, err := api.FetchFreePackageIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{100, 200, 400}, ids, "free packages deduped, paid app skipped")
}

func TestFetchFreePackageIDsHonoursScanLimit(t *testing.T) {
	srv, requests := fakeStorefront(t)
	api := newTestWebAPI(srv, 1)

	ids, err := api.FetchFreePackageIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{100, 200}, ids, "only the first app priced")
	assert.Equal(t, 2, *requests, "one app list call plus one details call")
}

func TestFetchFreePackageIDsAppListFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	api := NewWebAPI(WebAPIOptions{
		RequestsPerSecond: 1000,
		AppListURL:        srv.URL + "/applist",
		AppDetailsURL:     srv.URL + "/appdetails",
	})
	_, err := api.FetchFreePackageIDs(context.Background())
	assert.Error(t, err)
}

func TestFetchFreePackageIDsSkipsBrokenApps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/applist", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"applist":{"apps":[{"appid":10,"name":"a"},{"appid":30,"name":"c"}]}}`)
	})
	mux.HandleFunc("/appdetails", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appids") == "10" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"30":{"success":true,"data":{"is_free":true,"packages":[400]}}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	api := newTestWebAPI(srv, 0)
	ids, err := api.FetchFreePackageIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{400}, ids, "a failing app is skipped, not fatal")
}

func TestFetchFreePackageIDsCancelled(t *testing.T) {
	srv, _ := fakeStorefront(t)
	api := newTestWebAPI(srv, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := api.FetchFreePackageIDs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
