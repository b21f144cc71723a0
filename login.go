package storeauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
)

// LoginGateway is the slice of the auth gateway the orchestrator needs.
// *Gateway implements it.
type LoginGateway interface {
	ClientId() string
	RedirectUri() string
	GenerateAuthRequest(redirectTarget string) (*AuthRequest, error)
	AuthorizationURL(req *AuthRequest, opts AuthURLOptions) (string, error)
	ProbeAuthorizationURL(ctx context.Context, ustr string) (int, error)
	ParseCallback(ustr string, req *AuthRequest) (*CallbackResult, error)
	ExchangeCodeForTokens(ctx context.Context, code, state string, req *AuthRequest) (*TokenBundle, error)
	PasswordLogin(ctx context.Context, email, password string) (*LoginResult, error)
	Register(ctx context.Context, email, password string, profile Profile) (*RegisterResult, error)
}

// Orchestrator runs the token acquisition strategies end to end and hands
// completed bundles to the session manager; it never persists directly.
// Every failure it returns carries one taxonomy code.
//
// At most one acquisition attempt may be in flight per instance. The caller
// enforces this by disabling retriggering controls while an attempt is
// unresolved; the orchestrator does not queue.
type Orchestrator struct {
	gw             LoginGateway
	sessions       *SessionManager
	newSurface     func() (WebSurface, error)
	browser        SystemBrowser
	sso            SSOProvider
	cache          *IdentityCache
	supportContact string
	logger         *slog.Logger
}

type OrchestratorArgs struct {
	Gateway  LoginGateway
	Sessions *SessionManager

	// NewSurface builds the invisible surface for one silent attempt.
	// Defaults to NewRedirectFetchSurface against the gateway's redirect uri.
	NewSurface func() (WebSurface, error)

	// Browser drives the full-UI authorization flow. Optional; BrowserLogin
	// fails without it.
	Browser SystemBrowser

	// SSO and Cache enable AppleSignIn. Optional together.
	SSO   SSOProvider
	Cache *IdentityCache

	// SupportContact is named in the consolidated platform-sign-in failure
	// message.
	SupportContact string

	Logger *slog.Logger
}

func NewOrchestrator(args OrchestratorArgs) (*Orchestrator, error) {
	if args.Gateway == nil {
		return nil, fmt.Errorf("no gateway provided")
	}

	if args.Sessions == nil {
		return nil, fmt.Errorf("no session manager provided")
	}

	if args.SSO != nil && args.Cache == nil {
		return nil, fmt.Errorf("an identity cache is required when an sso provider is set")
	}

	if args.NewSurface == nil {
		redirectUri := args.Gateway.RedirectUri()
		args.NewSurface = func() (WebSurface, error) {
			return NewRedirectFetchSurface(redirectUri)
		}
	}

	if args.SupportContact == "" {
		args.SupportContact = "customer support"
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Orchestrator{
		gw:             args.Gateway,
		sessions:       args.Sessions,
		newSurface:     args.NewSurface,
		browser:        args.Browser,
		sso:            args.SSO,
		cache:          args.Cache,
		supportContact: args.SupportContact,
		logger:         args.Logger,
	}, nil
}

// Login performs a direct password login. The gateway's success token is a
// short-lived proof; the silent authorization round trip exchanges it for
// the durable member bundle.
func (o *Orchestrator) Login(ctx context.Context, email, password string) error {
	if err := validateEmail(email); err != nil {
		return wrapError(CodeInvalidInput, err, "invalid email address")
	}

	res, err := o.gw.PasswordLogin(ctx, email, password)
	if err != nil {
		return wrapError(CodeUnknown, err, "password login failed")
	}

	if res.SessionToken == "" {
		switch res.FailureReason {
		case "FAILURE", "UNIDENTIFIED_CUSTOMER", "INVALID_CREDENTIALS":
			return newError(CodeInvalidCredentials, "email or password is incorrect")
		default:
			o.logger.Warn("password login rejected", "reason", res.FailureReason)
			return newError(CodeUnknown, "login failed with reason %q", res.FailureReason)
		}
	}

	return o.SilentLogin(ctx, res.SessionToken)
}

// SilentLogin exchanges a member session token for durable tokens through a
// prompt=none authorization round trip on an invisible surface. The
// authorization URL is probed with a plain request first so a provider
// misconfiguration is reported before any surface is committed.
func (o *Orchestrator) SilentLogin(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return newError(CodeInvalidInput, "no session token provided")
	}

	req, err := o.gw.GenerateAuthRequest("")
	if err != nil {
		return wrapError(CodeUnknown, err, "could not create auth request")
	}

	authURL, err := o.gw.AuthorizationURL(req, AuthURLOptions{
		Prompt:       "none",
		SessionToken: sessionToken,
	})
	if err != nil {
		return wrapError(CodeUnknown, err, "could not build authorization url")
	}

	status, err := o.gw.ProbeAuthorizationURL(ctx, authURL)
	if err != nil {
		return wrapError(CodeUnknown, err, "authorization probe failed")
	}

	if status == http.StatusBadRequest || status == http.StatusForbidden {
		return &Error{
			Code:             CodeConfiguration,
			ExpectedRedirect: o.gw.RedirectUri(),
			Message: fmt.Sprintf(
				"authorization endpoint rejected the request with status %d; check that the identity provider application allows redirect target %s",
				status, o.gw.RedirectUri(),
			),
		}
	}

	surface, err := o.newSurface()
	if err != nil {
		return wrapError(CodeUnknown, err, "could not create web surface")
	}
	defer surface.Close()

	navs, err := surface.Load(ctx, authURL)
	if err != nil {
		return wrapError(CodeUnknown, err, "could not load authorization url")
	}

	var callbackURL string
	for u := range navs {
		if strings.HasPrefix(u, o.gw.RedirectUri()) {
			callbackURL = u
			surface.Close()
			break
		}
	}

	if callbackURL == "" {
		if ctx.Err() != nil {
			return wrapError(CodeUnknown, ctx.Err(), "silent authorization was interrupted")
		}
		return newError(CodeUnknown, "silent authorization ended without reaching the callback")
	}

	return o.completeCallback(ctx, callbackURL, req, true)
}

// BrowserLogin runs the full-UI authorization flow through the OS system
// browser. A user cancel or dismiss is a classified terminal outcome, never
// an error to surface.
func (o *Orchestrator) BrowserLogin(ctx context.Context) error {
	if o.browser == nil {
		return newError(CodeUnknown, "no system browser is available")
	}

	req, err := o.gw.GenerateAuthRequest("")
	if err != nil {
		return wrapError(CodeUnknown, err, "could not create auth request")
	}

	authURL, err := o.gw.AuthorizationURL(req, AuthURLOptions{Prompt: "login"})
	if err != nil {
		return wrapError(CodeUnknown, err, "could not build authorization url")
	}

	callbackURL, err := o.browser.Open(ctx, authURL)
	if err != nil {
		if errors.Is(err, ErrUserCancelled) || errors.Is(err, ErrFlowDismissed) {
			return wrapError(CodeUserCancelled, err, "login was cancelled")
		}
		return wrapError(CodeUnknown, err, "system browser login failed")
	}

	return o.completeCallback(ctx, callbackURL, req, false)
}

// AppleSignIn authenticates through the platform single-sign-on provider.
// The provider discloses email and name only on the first sign-in for an
// identity; afterwards the identity cache is the only source. A deterministic
// credential is synthesized from the identity id, and the remote account is
// reached by trying, in order: registration with that credential, password
// login with it, and finally a full system-browser login. The chain stops at
// the first success; a cancellation short-circuits it silently; exhaustion
// yields one consolidated, actionable error.
func (o *Orchestrator) AppleSignIn(ctx context.Context) error {
	if o.sso == nil || !o.sso.Available() {
		return newError(CodeUnknown, "platform sign-in is not available on this device")
	}

	assertion, err := o.sso.SignIn(ctx, []string{"email", "fullName"})
	if err != nil {
		if errors.Is(err, ErrUserCancelled) || errors.Is(err, ErrFlowDismissed) {
			return wrapError(CodeUserCancelled, err, "platform sign-in was cancelled")
		}
		return wrapError(CodeUnknown, err, "platform sign-in failed")
	}

	email, profile, err := o.resolveIdentity(assertion)
	if err != nil {
		return err
	}

	password, err := SynthesizePassword(assertion.IdentityID, o.gw.ClientId())
	if err != nil {
		return wrapError(CodeUnknown, err, "could not synthesize credential")
	}

	triedPassword := false

	reg, err := o.gw.Register(ctx, email, password, profile)
	if err != nil {
		o.logger.Info("platform sign-in registration failed, continuing", "error", err)
	} else if reg.AlreadyExists {
		o.logger.Info("account already exists, continuing with password login")
	} else if reg.SessionToken != "" {
		triedPassword = true
		lerr := o.Login(ctx, email, password)
		if lerr == nil {
			return nil
		}
		if IsUserCancelled(lerr) {
			return lerr
		}
		o.logger.Info("post-registration login failed, continuing", "error", lerr)
	}

	if !triedPassword {
		lerr := o.Login(ctx, email, password)
		if lerr == nil {
			return nil
		}
		if IsUserCancelled(lerr) {
			return lerr
		}
		o.logger.Info("password login with synthesized credential failed, continuing", "error", lerr)
	}

	// the remote account may exist under a human-chosen password
	berr := o.BrowserLogin(ctx)
	if berr == nil {
		return nil
	}
	if IsUserCancelled(berr) {
		return berr
	}
	o.logger.Warn("all platform sign-in strategies exhausted", "error", berr)

	return newError(CodeUnknown,
		"could not complete sign-in with this Apple ID; try logging in with your email and password, or contact %s",
		o.supportContact,
	)
}

func (o *Orchestrator) resolveIdentity(assertion *IdentityAssertion) (string, Profile, error) {
	if assertion.Email != "" {
		// first-ever disclosure for this identity; cache it, the provider
		// withholds these fields from now on
		if err := o.cache.Put(assertion.IdentityID, IdentityProfile{
			Email:     assertion.Email,
			FirstName: assertion.FirstName,
			LastName:  assertion.LastName,
		}); err != nil {
			o.logger.Warn("could not cache identity profile", "error", err)
		}

		return assertion.Email, Profile{
			FirstName: assertion.FirstName,
			LastName:  assertion.LastName,
		}, nil
	}

	cached, ok, err := o.cache.Get(assertion.IdentityID)
	if err != nil {
		o.logger.Warn("could not read identity cache", "error", err)
	}

	if !ok || cached.Email == "" {
		return "", Profile{}, newError(CodeIdentityUnresolvable,
			"could not determine the email for this Apple ID; log in with your email and password instead",
		)
	}

	return cached.Email, Profile{
		FirstName: cached.FirstName,
		LastName:  cached.LastName,
	}, nil
}

func (o *Orchestrator) completeCallback(ctx context.Context, callbackURL string, req *AuthRequest, silent bool) error {
	cb, err := o.gw.ParseCallback(callbackURL, req)
	if err != nil {
		return wrapError(CodeUnknown, err, "could not parse authorization callback")
	}

	// a provider-reported error takes precedence over any code exchange
	if cb.ErrorCode != "" {
		switch cb.ErrorCode {
		case "access_denied":
			if !silent {
				return newError(CodeUserCancelled, "the login was declined")
			}
			return newError(CodeInvalidCredentials, "the identity provider rejected the session: %s", cb.ErrorDescription)
		case "login_required", "interaction_required":
			return newError(CodeInvalidCredentials, "the identity provider requires an interactive login: %s", cb.ErrorDescription)
		default:
			return newError(CodeUnknown, "identity provider reported %s: %s", cb.ErrorCode, cb.ErrorDescription)
		}
	}

	if cb.Code == "" {
		return newError(CodeUnknown, "authorization callback carried no code")
	}

	bundle, err := o.gw.ExchangeCodeForTokens(ctx, cb.Code, cb.State, req)
	if err != nil {
		return wrapError(CodeUnknown, err, "could not exchange authorization code")
	}

	if err := o.sessions.SetSession(ctx, bundle); err != nil {
		// the in-memory promotion stands; the next restore reconciles the
		// persisted record
		o.logger.Warn("session promoted but not persisted", "error", err)
	}

	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return err
	}

	at := strings.LastIndex(addr.Address, "@")
	if at < 0 || !strings.Contains(addr.Address[at:], ".") {
		return fmt.Errorf("email domain is incomplete")
	}

	return nil
}
