package storeauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectFetchSurfaceInterceptsCallback(t *testing.T) {
	assert := assert.New(t)

	var callbackServed bool

	mux := http.NewServeMux()

	var srv *httptest.Server

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "idp_session", Value: "cookie-1"})
		http.Redirect(w, r, srv.URL+"/interstitial", http.StatusFound)
	})
	mux.HandleFunc("/interstitial", func(w http.ResponseWriter, r *http.Request) {
		// the second hop must carry the provider's session cookie
		c, err := r.Cookie("idp_session")
		require.NoError(t, err)
		assert.Equal("cookie-1", c.Value)

		http.Redirect(w, r, srv.URL+"/callback?code=abc&state=s1", http.StatusFound)
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		callbackServed = true
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	surface, err := NewRedirectFetchSurface(srv.URL + "/callback")
	require.NoError(t, err)
	defer surface.Close()

	navs, err := surface.Load(context.Background(), srv.URL+"/authorize")
	require.NoError(t, err)

	var seen []string
	var callbackURL string
	for u := range navs {
		seen = append(seen, u)
		if strings.HasPrefix(u, srv.URL+"/callback") {
			callbackURL = u
			surface.Close()
			break
		}
	}

	require.NotEmpty(t, callbackURL)
	assert.Contains(callbackURL, "code=abc")
	assert.Contains(callbackURL, "state=s1")
	assert.Len(seen, 2)

	// the navigation was cancelled, never fetched
	assert.False(callbackServed)
}

func TestRedirectFetchSurfaceClosesChannelWithoutCallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "an error page, no redirect")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	surface, err := NewRedirectFetchSurface("myshop://callback")
	require.NoError(t, err)
	defer surface.Close()

	navs, err := surface.Load(context.Background(), srv.URL+"/authorize")
	require.NoError(t, err)

	var matched bool
	for u := range navs {
		if strings.HasPrefix(u, "myshop://callback") {
			matched = true
		}
	}

	// teardown is the terminal event
	assert.False(t, matched)
}

func TestRedirectFetchSurfaceRequiresCallbackPrefix(t *testing.T) {
	_, err := NewRedirectFetchSurface("")
	assert.Error(t, err)
}
