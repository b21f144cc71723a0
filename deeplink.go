package storeauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
)

// loggedInMarker is the query flag an external identity action appends to the
// reactivation URL after completing outside the app.
const loggedInMarker = "loggedIn"

// LinkHandler observes app-reactivation URLs. Some identity actions finish in
// an external context and come back to the app via URL rather than an in-app
// callback; when such a URL carries the marker flag, the session is not
// already a member one, and a session token from the just-completed action is
// available, the handler triggers the silent login path. Anything else is
// ignored.
type LinkHandler struct {
	orch     *Orchestrator
	sessions *SessionManager

	// pending yields the member session token handed off by the external
	// action, or "" when none is available.
	pending func() string

	logger *slog.Logger

	once      sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type LinkHandlerArgs struct {
	Orchestrator *Orchestrator
	Sessions     *SessionManager
	Pending      func() string
	Logger       *slog.Logger
}

func NewLinkHandler(args LinkHandlerArgs) (*LinkHandler, error) {
	if args.Orchestrator == nil {
		return nil, fmt.Errorf("no orchestrator provided")
	}

	if args.Sessions == nil {
		return nil, fmt.Errorf("no session manager provided")
	}

	if args.Pending == nil {
		args.Pending = func() string { return "" }
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &LinkHandler{
		orch:     args.Orchestrator,
		sessions: args.Sessions,
		pending:  args.Pending,
		logger:   args.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Listen subscribes to links for the handler's lifetime. It may be called
// once; later calls are no-ops. Events arriving after Close are dropped.
func (h *LinkHandler) Listen(ctx context.Context, links <-chan string) {
	h.once.Do(func() {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case raw, ok := <-links:
					if !ok {
						return
					}
					h.handle(ctx, raw)
				case <-h.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Close stops the subscription and waits for an in-flight event to finish.
func (h *LinkHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	h.wg.Wait()
}

func (h *LinkHandler) handle(ctx context.Context, raw string) {
	u, err := url.Parse(raw)
	if err != nil {
		h.logger.Debug("ignoring unparseable reactivation url", "error", err)
		return
	}

	if u.Query().Get(loggedInMarker) != "true" {
		return
	}

	if h.sessions.IsLoggedIn() {
		return
	}

	token := h.pending()
	if token == "" {
		return
	}

	if err := h.orch.SilentLogin(ctx, token); err != nil {
		h.logger.Warn("silent login from reactivation link failed", "error", err)
	}
}
