package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	storeauth "github.com/arlobay/storefront-auth-go"
)

type DemoServer struct {
	cfg      config
	db       *gorm.DB
	gw       *storeauth.Gateway
	sessions *storeauth.SessionManager
	orch     *storeauth.Orchestrator
	browser  *LoopbackBrowser
	logger   *slog.Logger
	links    chan string

	mu      sync.Mutex
	pending string
}

func (s *DemoServer) pendingToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *DemoServer) handleIndex(e echo.Context) error {
	snap := s.sessions.Current()

	out := map[string]any{
		"state":     snap.State,
		"logged_in": snap.LoggedIn,
		"loading":   snap.Loading,
	}

	if snap.Err != nil {
		out["error"] = snap.Err.Error()
	}

	if snap.Tokens != nil {
		out["member"] = snap.Tokens.IsMember()
		out["expires_at"] = snap.Tokens.ExpiresAt
	}

	return e.JSON(http.StatusOK, out)
}

func (s *DemoServer) handleLogin(e echo.Context) error {
	email := e.FormValue("email")
	password := e.FormValue("password")

	err := s.orch.Login(e.Request().Context(), email, password)
	s.audit("password", email, err)

	if err != nil {
		return e.JSON(statusFor(err), map[string]string{
			"code":  string(storeauth.CodeOf(err)),
			"error": err.Error(),
		})
	}

	return e.JSON(http.StatusOK, map[string]bool{"logged_in": s.sessions.IsLoggedIn()})
}

func (s *DemoServer) handleBrowserLogin(e echo.Context) error {
	sess, err := session.Get("demo", e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
	}
	sess.Values = map[any]any{"flow": "browser"}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	// BrowserLogin suspends until the callback route delivers the redirect,
	// so it runs outside this request's context
	go func() {
		err := s.orch.BrowserLogin(context.Background())
		s.audit("browser", "", err)

		if err != nil && !storeauth.IsUserCancelled(err) {
			s.logger.Error("browser login failed", "error", err)
		}
	}()

	return e.JSON(http.StatusAccepted, map[string]string{"status": "awaiting callback"})
}

func (s *DemoServer) handleCallback(e echo.Context) error {
	if !s.browser.Deliver(e.Request().URL.String()) {
		return e.String(http.StatusConflict, "no login flow is waiting for a callback")
	}

	return e.String(http.StatusOK, "login received, you can close this tab")
}

func (s *DemoServer) handleLogout(e echo.Context) error {
	if err := s.sessions.Logout(e.Request().Context()); err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return e.JSON(http.StatusOK, map[string]bool{"logged_in": false})
}

// handleLink simulates an app-reactivation URL. A `token` form value stands
// in for the member session token handed off by an external identity action.
func (s *DemoServer) handleLink(e echo.Context) error {
	if token := e.FormValue("token"); token != "" {
		s.mu.Lock()
		s.pending = token
		s.mu.Unlock()
	}

	url := e.FormValue("url")
	if url == "" {
		return e.String(http.StatusBadRequest, "missing url")
	}

	s.links <- url

	return e.JSON(http.StatusAccepted, map[string]string{"status": "link queued"})
}

func (s *DemoServer) audit(strategy, email string, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(storeauth.CodeOf(err))
	}

	if dberr := s.db.Create(&LoginAudit{
		Strategy: strategy,
		Email:    email,
		Outcome:  outcome,
	}).Error; dberr != nil {
		s.logger.Warn("could not record login audit", "error", dberr)
	}
}

func statusFor(err error) int {
	switch storeauth.CodeOf(err) {
	case storeauth.CodeInvalidInput:
		return http.StatusBadRequest
	case storeauth.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case storeauth.CodeUserCancelled:
		return http.StatusOK
	case storeauth.CodeConfiguration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
