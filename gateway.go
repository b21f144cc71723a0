package storeauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/arlobay/storefront-auth-go/internal/helpers"
)

// Gateway is the HTTP client for the remote identity provider of the
// headless-commerce platform. It also holds the process-wide "current signing
// tokens" used to authenticate storefront API calls; by contract only the
// SessionManager writes that state.
type Gateway struct {
	h           *http.Client
	baseUrl     string
	clientId    string
	redirectUri string
	logger      *slog.Logger

	mu     sync.Mutex
	active *TokenBundle
}

type GatewayArgs struct {
	H           *http.Client
	BaseUrl     string
	ClientId    string
	RedirectUri string
	Logger      *slog.Logger
}

func NewGateway(args GatewayArgs) (*Gateway, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.BaseUrl == "" {
		return nil, fmt.Errorf("no base url provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 5 * time.Second,
		}
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Gateway{
		h:           args.H,
		baseUrl:     strings.TrimSuffix(args.BaseUrl, "/"),
		clientId:    args.ClientId,
		redirectUri: args.RedirectUri,
		logger:      args.Logger,
	}, nil
}

// ClientId returns the identity-provider application id this gateway was
// configured with. Persisted session records are owned by it.
func (g *Gateway) ClientId() string {
	return g.clientId
}

// RedirectUri returns the configured callback target.
func (g *Gateway) RedirectUri() string {
	return g.redirectUri
}

// GenerateAuthRequest creates the ephemeral state for one authorization
// attempt: a fresh state value and PKCE verifier bound to redirectTarget. An
// empty redirectTarget falls back to the configured callback.
func (g *Gateway) GenerateAuthRequest(redirectTarget string) (*AuthRequest, error) {
	if redirectTarget == "" {
		redirectTarget = g.redirectUri
	}

	state, err := helpers.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}

	pkceVerifier, err := helpers.GenerateToken(48)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	return &AuthRequest{
		State:        state,
		PkceVerifier: pkceVerifier,
		RedirectURI:  redirectTarget,
	}, nil
}

// AuthURLOptions select the interaction mode of an authorization request.
// Prompt "none" requires SessionToken and performs a silent round trip;
// prompt "login" forces the provider's full login UI.
type AuthURLOptions struct {
	Prompt       string
	SessionToken string
}

// AuthorizationURL renders the provider's authorization endpoint URL for req.
func (g *Gateway) AuthorizationURL(req *AuthRequest, opts AuthURLOptions) (string, error) {
	if req == nil {
		return "", fmt.Errorf("nil auth request provided")
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {g.clientId},
		"redirect_uri":          {req.RedirectURI},
		"state":                 {req.State},
		"scope":                 {"openid email customer-account-api:full"},
		"code_challenge":        {helpers.GenerateCodeChallenge(req.PkceVerifier)},
		"code_challenge_method": {"S256"},
	}

	if opts.Prompt != "" {
		params.Set("prompt", opts.Prompt)
	}

	if opts.SessionToken != "" {
		params.Set("session_token", opts.SessionToken)
	}

	return fmt.Sprintf("%s/oauth/authorize?%s", g.baseUrl, params.Encode()), nil
}

// ProbeAuthorizationURL issues a plain request against an authorization URL
// without following redirects and returns the status code. A redirect status
// is the normal outcome; 400/403 indicates the provider rejected the request
// up front, typically a misconfigured redirect target.
func (g *Gateway) ProbeAuthorizationURL(ctx context.Context, ustr string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating probe request: %w", err)
	}

	probe := &http.Client{
		Timeout: g.h.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := probe.Do(req)
	if err != nil {
		return 0, fmt.Errorf("could not get response for authorization probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// ParseCallback validates a callback URL against req and extracts the
// authorization code, state, and any provider-reported error.
func (g *Gateway) ParseCallback(ustr string, req *AuthRequest) (*CallbackResult, error) {
	if req == nil {
		return nil, fmt.Errorf("nil auth request provided")
	}

	u, err := url.Parse(ustr)
	if err != nil {
		return nil, fmt.Errorf("could not parse callback url: %w", err)
	}

	q := u.Query()

	res := &CallbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		ErrorCode:        q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	if res.ErrorCode == "" && res.State != req.State {
		return nil, fmt.Errorf("callback state does not match auth request state")
	}

	return res, nil
}

// ExchangeCodeForTokens redeems an authorization code for a member token
// bundle, consuming req. A request can be exchanged at most once.
func (g *Gateway) ExchangeCodeForTokens(ctx context.Context, code, state string, req *AuthRequest) (*TokenBundle, error) {
	if req == nil {
		return nil, fmt.Errorf("nil auth request provided")
	}

	if state != req.State {
		return nil, fmt.Errorf("state does not match auth request state")
	}

	if err := req.consume(); err != nil {
		return nil, err
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {g.clientId},
		"redirect_uri":  {req.RedirectURI},
		"code":          {code},
		"code_verifier": {req.PkceVerifier},
	}

	var tr tokenResponse
	if err := g.postForm(ctx, "/oauth/token", params, &tr); err != nil {
		return nil, err
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	return tr.bundle(), nil
}

// RefreshTokens exchanges a refresh credential for a fresh member bundle.
func (g *Gateway) RefreshTokens(ctx context.Context, refreshToken string) (*TokenBundle, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {g.clientId},
		"refresh_token": {refreshToken},
	}

	var tr tokenResponse
	if err := g.postForm(ctx, "/oauth/token", params, &tr); err != nil {
		return nil, err
	}

	return tr.bundle(), nil
}

// PasswordLogin performs the provider's direct credential check. A successful
// outcome yields a short-lived session token; a rejected outcome yields a
// failure reason string. Neither is a durable credential.
func (g *Gateway) PasswordLogin(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}

	var lr loginResponse
	if err := g.postJson(ctx, "/account/login", body, &lr); err != nil {
		return nil, err
	}

	return &LoginResult{
		SessionToken:  lr.SessionToken,
		FailureReason: lr.FailureReason,
	}, nil
}

// Register creates a remote account. An already-existing account is reported
// on the result rather than as an error.
func (g *Gateway) Register(ctx context.Context, email, password string, profile Profile) (*RegisterResult, error) {
	body := map[string]string{
		"email":      email,
		"password":   password,
		"first_name": profile.FirstName,
		"last_name":  profile.LastName,
	}

	var rr registerResponse
	if err := g.postJson(ctx, "/account/register", body, &rr); err != nil {
		return nil, err
	}

	return &RegisterResult{
		SessionToken:  rr.SessionToken,
		AlreadyExists: rr.Code == "TAKEN" || rr.Code == "ALREADY_EXISTS",
	}, nil
}

// MintVisitorTokens issues an anonymous, access-only, time-bounded bundle.
func (g *Gateway) MintVisitorTokens(ctx context.Context) (*TokenBundle, error) {
	params := url.Values{
		"client_id": {g.clientId},
	}

	var tr tokenResponse
	if err := g.postForm(ctx, "/oauth/visitor", params, &tr); err != nil {
		return nil, err
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("visitor endpoint returned no access token")
	}

	// a visitor bundle never carries a refresh credential
	tr.RefreshToken = ""

	return tr.bundle(), nil
}

// SetActiveTokens replaces the process-wide signing state. Only the
// SessionManager may call this; other components route through it.
func (g *Gateway) SetActiveTokens(bundle *TokenBundle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = bundle
}

// ActiveTokens returns the bundle currently used to sign storefront calls.
func (g *Gateway) ActiveTokens() *TokenBundle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *Gateway) postForm(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, "POST", g.baseUrl+path, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return g.do(req, path, out)
}

func (g *Gateway) postJson(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("could not marshal body for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.baseUrl+path, strings.NewReader(string(b)))
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")

	return g.do(req, path, out)
}

func (g *Gateway) do(req *http.Request, path string, out any) error {
	resp, err := g.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not get response from %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var ge gatewayErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&ge); err != nil {
			return fmt.Errorf("received status %d from %s", resp.StatusCode, path)
		}

		g.logger.Warn("gateway request failed",
			"path", path,
			"status", resp.StatusCode,
			"error", ge.Error,
		)

		return fmt.Errorf("received status %d from %s: %s", resp.StatusCode, path, ge.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not unmarshal response from %s: %w", path, err)
	}

	return nil
}
