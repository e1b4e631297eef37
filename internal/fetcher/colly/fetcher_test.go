package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agencykit/siteaudit/internal/audit"
)

func TestFetcher_Fetch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "siteaudit-test/1.0", r.UserAgent())
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>Home</title></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "siteaudit-test/1.0", Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), audit.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "<title>Home</title>")
	require.Positive(t, resp.Elapsed)
}

func TestFetcher_Fetch_NonOKStatusIsAResultNotAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), audit.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetcher_Fetch_TimeoutReturnsErrorValue(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 50 * time.Millisecond})
	resp, err := f.Fetch(context.Background(), audit.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.Zero(t, resp.StatusCode)
}

func TestFetcher_Fetch_FollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>moved</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), audit.FetchRequest{URL: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, srv.URL+"/new", resp.URL)
}

func TestFetcher_Fetch_RedirectLoopStopsAtHopLimit(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second, MaxRedirects: 3})
	_, err := f.Fetch(context.Background(), audit.FetchRequest{URL: srv.URL + "/loop"})
	require.Error(t, err)
}

func TestFetcher_Fetch_PropagatesRequestHeaders(t *testing.T) {
	t.Parallel()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Audit-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), audit.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Audit-ID": {"abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, "abc", got)
}
