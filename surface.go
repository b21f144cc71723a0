package storeauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"
)

// WebSurface is an invisible navigation surface used for the silent
// authorization round trip. Load starts navigating to rawURL and streams
// every navigation target on the returned channel until the surface is torn
// down; the authorization exchange must run with the identity provider's
// session cookies, which a plain background request cannot carry. The caller
// consumes at most one terminal event: either a navigation matching its
// callback prefix, after which it calls Close, or the channel closing on
// teardown.
type WebSurface interface {
	Load(ctx context.Context, rawURL string) (<-chan string, error)
	Close() error
}

// SystemBrowser hands an authorization URL to the OS browser and suspends
// until the OS returns control. Open resolves with the full callback URL, or
// with ErrUserCancelled / ErrFlowDismissed when the user backs out.
type SystemBrowser interface {
	Open(ctx context.Context, rawURL string) (string, error)
}

// RedirectFetchSurface is the portable WebSurface: a cookie-preserving fetch
// that follows redirects, reporting each hop, and stops following the moment
// a hop matches the callback prefix. Platforms with a real embeddable web
// view substitute their own WebSurface.
type RedirectFetchSurface struct {
	callbackPrefix string
	client         *http.Client

	closeOnce sync.Once
	done      chan struct{}
}

func NewRedirectFetchSurface(callbackPrefix string) (*RedirectFetchSurface, error) {
	if callbackPrefix == "" {
		return nil, fmt.Errorf("no callback prefix provided")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar: %w", err)
	}

	s := &RedirectFetchSurface{
		callbackPrefix: callbackPrefix,
		done:           make(chan struct{}),
	}

	s.client = &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
	}

	return s, nil
}

func (s *RedirectFetchSurface) Load(ctx context.Context, rawURL string) (<-chan string, error) {
	navs := make(chan string, 8)

	s.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		s.emit(navs, req.URL.String())
		if strings.HasPrefix(req.URL.String(), s.callbackPrefix) {
			// cancel the navigation; the caller consumes the callback URL
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating surface request: %w", err)
	}

	go func() {
		defer close(navs)

		resp, err := s.client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	}()

	return navs, nil
}

func (s *RedirectFetchSurface) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.CloseIdleConnections()
	})
	return nil
}

func (s *RedirectFetchSurface) emit(navs chan<- string, u string) {
	select {
	case navs <- u:
	case <-s.done:
	}
}
