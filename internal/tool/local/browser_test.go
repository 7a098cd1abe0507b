package local_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/tool/local"
)

func TestBrowserFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><title>Docs</title><script>var x = 1;</script></head><body><h1>Install</h1><p>Run make.</p></body></html>`))
		default:
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("nope"))
		}
	}))
	defer srv.Close()

	b, err := local.NewBrowser(local.BrowserConfig{})
	require.NoError(t, err)

	res, err := b.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Body, "Docs")
	assert.Contains(t, res.Body, "Install")
	assert.Contains(t, res.Body, "Run make.")
	assert.NotContains(t, res.Body, "var x")

	res, err = b.Fetch(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "nope", res.Body)

	_, err = b.Fetch(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)
}
