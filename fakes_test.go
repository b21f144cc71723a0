package storeauth

import (
	"context"
	"fmt"
	"sync"
)

const (
	testClientId    = "storefront-client-1"
	testRedirectUri = "myshop://callback"
	testEmail       = "user@example.com"
	testPassword    = "correct-horse"
)

// fakeGateway satisfies SessionGateway and LoginGateway with deterministic
// auth request state and per-operation call counters.
type fakeGateway struct {
	mu sync.Mutex

	clientId    string
	redirectUri string

	active *TokenBundle

	mintCalls  int
	mintBundle *TokenBundle
	mintErr    error

	passwordCalls  int
	passwordResult *LoginResult
	passwordErr    error

	registerCalls  int
	registerResult *RegisterResult
	registerErr    error

	probeCalls  int
	probeStatus int
	probeErr    error

	exchangeCalls  int
	exchangeBundle *TokenBundle
	exchangeErr    error

	requestSeq int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		clientId:    testClientId,
		redirectUri: testRedirectUri,
		mintBundle:  &TokenBundle{AccessToken: "visitor-access"},
		probeStatus: 302,
	}
}

var (
	_ SessionGateway = (*fakeGateway)(nil)
	_ LoginGateway   = (*fakeGateway)(nil)
)

func (g *fakeGateway) ClientId() string    { return g.clientId }
func (g *fakeGateway) RedirectUri() string { return g.redirectUri }

func (g *fakeGateway) SetActiveTokens(bundle *TokenBundle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = bundle
}

func (g *fakeGateway) MintVisitorTokens(ctx context.Context) (*TokenBundle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mintCalls++
	if g.mintErr != nil {
		return nil, g.mintErr
	}
	b := *g.mintBundle
	return &b, nil
}

func (g *fakeGateway) GenerateAuthRequest(redirectTarget string) (*AuthRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if redirectTarget == "" {
		redirectTarget = g.redirectUri
	}
	g.requestSeq++
	return &AuthRequest{
		State:        fmt.Sprintf("state-%d", g.requestSeq),
		PkceVerifier: fmt.Sprintf("verifier-%d", g.requestSeq),
		RedirectURI:  redirectTarget,
	}, nil
}

func (g *fakeGateway) AuthorizationURL(req *AuthRequest, opts AuthURLOptions) (string, error) {
	u := fmt.Sprintf("https://auth.example.com/oauth/authorize?state=%s", req.State)
	if opts.Prompt != "" {
		u += "&prompt=" + opts.Prompt
	}
	if opts.SessionToken != "" {
		u += "&session_token=" + opts.SessionToken
	}
	return u, nil
}

func (g *fakeGateway) ProbeAuthorizationURL(ctx context.Context, ustr string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probeCalls++
	return g.probeStatus, g.probeErr
}

func (g *fakeGateway) ParseCallback(ustr string, req *AuthRequest) (*CallbackResult, error) {
	gw := Gateway{clientId: g.clientId}
	return gw.ParseCallback(ustr, req)
}

func (g *fakeGateway) ExchangeCodeForTokens(ctx context.Context, code, state string, req *AuthRequest) (*TokenBundle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exchangeCalls++
	if state != req.State {
		return nil, fmt.Errorf("state does not match auth request state")
	}
	if err := req.consume(); err != nil {
		return nil, err
	}
	if g.exchangeErr != nil {
		return nil, g.exchangeErr
	}
	if g.exchangeBundle != nil {
		b := *g.exchangeBundle
		return &b, nil
	}
	return &TokenBundle{AccessToken: "member-access", RefreshToken: "member-refresh"}, nil
}

func (g *fakeGateway) PasswordLogin(ctx context.Context, email, password string) (*LoginResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passwordCalls++
	if g.passwordErr != nil {
		return nil, g.passwordErr
	}
	if g.passwordResult != nil {
		return g.passwordResult, nil
	}
	return &LoginResult{SessionToken: "session-token-1"}, nil
}

func (g *fakeGateway) Register(ctx context.Context, email, password string, profile Profile) (*RegisterResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registerCalls++
	if g.registerErr != nil {
		return nil, g.registerErr
	}
	if g.registerResult != nil {
		return g.registerResult, nil
	}
	return &RegisterResult{}, nil
}

// fakeSurface replays a fixed navigation sequence.
type fakeSurface struct {
	mu     sync.Mutex
	navs   []string
	closed bool
}

func (s *fakeSurface) Load(ctx context.Context, rawURL string) (<-chan string, error) {
	ch := make(chan string, len(s.navs)+1)
	for _, u := range s.navs {
		ch <- u
	}
	close(ch)
	return ch, nil
}

func (s *fakeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeBrowser resolves with a fixed callback URL or error.
type fakeBrowser struct {
	callbackURL string
	err         error
	openCalls   int
}

func (b *fakeBrowser) Open(ctx context.Context, rawURL string) (string, error) {
	b.openCalls++
	if b.err != nil {
		return "", b.err
	}
	return b.callbackURL, nil
}

// fakeSSO hands out a fixed identity assertion.
type fakeSSO struct {
	available bool
	assertion *IdentityAssertion
	err       error
}

func (s *fakeSSO) Available() bool { return s.available }

func (s *fakeSSO) SignIn(ctx context.Context, scopes []string) (*IdentityAssertion, error) {
	if s.err != nil {
		return nil, s.err
	}
	a := *s.assertion
	return &a, nil
}

// failingStore wraps a TokenStore and fails writes on demand.
type failingStore struct {
	TokenStore
	setErr error
}

func (s *failingStore) Set(key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.TokenStore.Set(key, value)
}
