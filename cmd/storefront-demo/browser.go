package main

import (
	"context"
	"log/slog"
	"sync"

	storeauth "github.com/arlobay/storefront-auth-go"
)

// LoopbackBrowser is the demo's SystemBrowser: it prints the authorization
// URL for the developer to open and suspends until the /callback route
// delivers the redirect, or the surrounding context is cancelled.
type LoopbackBrowser struct {
	mu     sync.Mutex
	waiter chan string
	logger *slog.Logger
}

func NewLoopbackBrowser(logger *slog.Logger) *LoopbackBrowser {
	return &LoopbackBrowser{logger: logger}
}

func (b *LoopbackBrowser) Open(ctx context.Context, rawURL string) (string, error) {
	ch := make(chan string, 1)

	b.mu.Lock()
	b.waiter = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.waiter == ch {
			b.waiter = nil
		}
		b.mu.Unlock()
	}()

	b.logger.Info("open this url in your browser to continue the login", "url", rawURL)

	select {
	case u := <-ch:
		return u, nil
	case <-ctx.Done():
		return "", storeauth.ErrFlowDismissed
	}
}

// Deliver hands a callback URL to the waiting Open call. It reports whether
// a flow was actually waiting.
func (b *LoopbackBrowser) Deliver(callbackURL string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.waiter == nil {
		return false
	}

	select {
	case b.waiter <- callbackURL:
	default:
	}
	b.waiter = nil

	return true
}
