package storeauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type linkFixture struct {
	gw       *fakeGateway
	sessions *SessionManager
	surface  *fakeSurface
	orch     *Orchestrator
	pending  string
	handler  *LinkHandler
	links    chan string
}

func setupLinkHandler(t *testing.T) *linkFixture {
	t.Helper()

	f := &linkFixture{
		gw:      newFakeGateway(),
		surface: &fakeSurface{},
		links:   make(chan string, 4),
	}

	sessions, err := NewSessionManager(SessionManagerArgs{
		Gateway:  f.gw,
		Store:    NewMemoryStore(),
		ClientId: testClientId,
	})
	require.NoError(t, err)
	f.sessions = sessions

	orch, err := NewOrchestrator(OrchestratorArgs{
		Gateway:  f.gw,
		Sessions: sessions,
		NewSurface: func() (WebSurface, error) {
			return f.surface, nil
		},
	})
	require.NoError(t, err)
	f.orch = orch

	handler, err := NewLinkHandler(LinkHandlerArgs{
		Orchestrator: orch,
		Sessions:     sessions,
		Pending:      func() string { return f.pending },
	})
	require.NoError(t, err)
	f.handler = handler
	t.Cleanup(handler.Close)

	handler.Listen(context.Background(), f.links)

	return f
}

func (f *linkFixture) drain(t *testing.T) {
	t.Helper()

	// close the feed and wait for the handler loop to drain it and exit
	close(f.links)
	f.handler.wg.Wait()
}

func TestLinkHandlerTriggersSilentLogin(t *testing.T) {
	f := setupLinkHandler(t)
	f.pending = "session-token-1"
	f.surface.navs = []string{callbackURL("state-1")}

	f.links <- "myshop://home?loggedIn=true"
	f.drain(t)

	assert.True(t, f.sessions.IsLoggedIn())
}

func TestLinkHandlerIgnoresURLWithoutMarker(t *testing.T) {
	f := setupLinkHandler(t)
	f.pending = "session-token-1"

	f.links <- "myshop://home?utm_source=push"
	f.drain(t)

	assert.False(t, f.sessions.IsLoggedIn())
	assert.Equal(t, 0, f.gw.exchangeCalls)
}

func TestLinkHandlerIgnoresEventWhenAlreadyMember(t *testing.T) {
	f := setupLinkHandler(t)
	f.pending = "session-token-1"

	require.NoError(t, f.sessions.SetSession(context.Background(), &TokenBundle{
		AccessToken:  "member-access",
		RefreshToken: "member-refresh",
	}))

	f.links <- "myshop://home?loggedIn=true"
	f.drain(t)

	// no new acquisition was started
	assert.Equal(t, 0, f.gw.probeCalls)
}

func TestLinkHandlerIgnoresEventWithoutPendingToken(t *testing.T) {
	f := setupLinkHandler(t)
	f.pending = ""

	f.links <- "myshop://home?loggedIn=true"
	f.drain(t)

	assert.Equal(t, 0, f.gw.probeCalls)
}

func TestLinkHandlerIgnoresUnparseableURL(t *testing.T) {
	f := setupLinkHandler(t)
	f.pending = "session-token-1"

	f.links <- "://not-a-url"
	f.drain(t)

	assert.Equal(t, 0, f.gw.probeCalls)
}

func TestLinkHandlerListensOnlyOnce(t *testing.T) {
	f := setupLinkHandler(t)
	f.pending = "session-token-1"
	f.surface.navs = []string{callbackURL("state-1")}

	// a second subscription must not spawn a second consumer
	extra := make(chan string, 1)
	f.handler.Listen(context.Background(), extra)
	extra <- "myshop://home?loggedIn=true"

	f.links <- "myshop://home?loggedIn=true"
	f.drain(t)

	assert.True(t, f.sessions.IsLoggedIn())
	assert.Equal(t, 1, f.gw.exchangeCalls)
}
