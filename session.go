package storeauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// SessionRecordKey is the single logical key the session record lives under
// in the token store.
const SessionRecordKey = "storefront-session"

// SessionState is the session manager's lifecycle position.
type SessionState string

const (
	// StateRestoring is the initial state while the persisted record is read.
	StateRestoring SessionState = "RESTORING"

	// StateMemberActive means the current bundle is an authenticated member
	// session.
	StateMemberActive SessionState = "MEMBER_ACTIVE"

	// StateVisitorActive means the current bundle is an anonymous visitor
	// session.
	StateVisitorActive SessionState = "VISITOR_ACTIVE"

	// StateDegraded means no session could be established. The app proceeds
	// read-only rather than blocking.
	StateDegraded SessionState = "DEGRADED"
)

// Snapshot is the published session value consumed by the rest of the app.
type Snapshot struct {
	Tokens   *TokenBundle
	State    SessionState
	LoggedIn bool
	Loading  bool
	Err      error
}

// SessionGateway is the slice of the auth gateway the session manager needs.
// *Gateway implements it.
type SessionGateway interface {
	MintVisitorTokens(ctx context.Context) (*TokenBundle, error)
	SetActiveTokens(bundle *TokenBundle)
}

// SessionManager owns the authoritative session value. It is the sole writer
// of the gateway's signing state and the sole writer of the persisted session
// record; every other component routes token changes through it. All state
// transitions are serialized: SetSession fully resolves before a subsequent
// Current reflects it.
type SessionManager struct {
	gw       SessionGateway
	store    TokenStore
	clientId string
	logger   *slog.Logger

	mu     sync.Mutex
	state  SessionState
	bundle *TokenBundle
	err    error
	subs   []chan Snapshot
}

type SessionManagerArgs struct {
	Gateway  SessionGateway
	Store    TokenStore
	ClientId string
	Logger   *slog.Logger
}

func NewSessionManager(args SessionManagerArgs) (*SessionManager, error) {
	if args.Gateway == nil {
		return nil, fmt.Errorf("no gateway provided")
	}

	if args.Store == nil {
		return nil, fmt.Errorf("no token store provided")
	}

	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &SessionManager{
		gw:       args.Gateway,
		store:    args.Store,
		clientId: args.ClientId,
		logger:   args.Logger,
		state:    StateRestoring,
	}, nil
}

// Restore runs once at startup. A persisted member record owned by the
// current client id is adopted directly with no network round trip; an
// expired access token inside it surfaces later as an ordinary API failure.
// Anything else (no record, foreign owner, visitor-shaped record) results in
// a freshly minted visitor session. A mint failure degrades the session
// rather than blocking the app; the error is surfaced on the snapshot and
// returned.
func (m *SessionManager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok, err := m.store.Get(SessionRecordKey)
	if err != nil {
		m.logger.Warn("could not read persisted session record", "error", err)
		ok = false
	}

	if ok {
		var record SessionRecord

		adoptable := true
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			m.logger.Warn("persisted session record is corrupt, discarding", "error", err)
			adoptable = false
		} else if record.OwnerClientID != m.clientId {
			// written under a different provider application, never adopt
			m.logger.Info("discarding session record from another client id",
				"record_client_id", record.OwnerClientID,
			)
			adoptable = false
		} else if !record.Tokens.IsMember() {
			// visitor tokens are not trusted across restarts
			adoptable = false
		}

		if adoptable {
			bundle := record.Tokens
			m.adoptLocked(&bundle)
			m.publishLocked()
			return nil
		}

		if err := m.store.Delete(SessionRecordKey); err != nil {
			m.logger.Warn("could not delete stale session record", "error", err)
		}
	}

	return m.mintVisitorLocked(ctx)
}

// SetSession promotes bundle to the current session: gateway signing state
// first, then the persisted record, then the published value. A persistence
// failure after the in-memory promotion is reported but not rolled back; the
// next Restore reconciles the divergence.
func (m *SessionManager) SetSession(ctx context.Context, bundle *TokenBundle) error {
	if bundle == nil {
		return fmt.Errorf("nil bundle provided")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.setSessionLocked(bundle)
}

// NewVisitorSession discards the current session and mints a fresh anonymous
// one. Used at startup and after logout.
func (m *SessionManager) NewVisitorSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bundle = nil
	m.gw.SetActiveTokens(nil)

	return m.mintVisitorLocked(ctx)
}

// Logout clears the persisted member record and replaces the session with a
// fresh visitor one.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()

	m.bundle = nil
	m.gw.SetActiveTokens(nil)

	if err := m.store.Delete(SessionRecordKey); err != nil {
		m.logger.Warn("could not delete session record on logout", "error", err)
	}

	err := m.mintVisitorLocked(ctx)
	m.mu.Unlock()
	return err
}

// Current returns the published session value.
func (m *SessionManager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// IsLoggedIn reports whether the current bundle is member-shaped.
func (m *SessionManager) IsLoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundle.IsMember()
}

// Subscribe returns a channel receiving a snapshot after every resolved
// session transition. Slow consumers miss intermediate snapshots rather than
// blocking the manager.
func (m *SessionManager) Subscribe() <-chan Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, 8)
	m.subs = append(m.subs, ch)
	return ch
}

// Unsubscribe removes and closes a channel obtained from Subscribe.
func (m *SessionManager) Unsubscribe(ch <-chan Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subs {
		if sub == ch {
			close(sub)
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *SessionManager) adoptLocked(bundle *TokenBundle) {
	m.gw.SetActiveTokens(bundle)
	m.bundle = bundle
	m.err = nil
	if bundle.IsMember() {
		m.state = StateMemberActive
	} else {
		m.state = StateVisitorActive
	}
}

func (m *SessionManager) setSessionLocked(bundle *TokenBundle) error {
	m.adoptLocked(bundle)

	// observers see the new value only once the store write has resolved
	defer m.publishLocked()

	record := SessionRecord{
		Tokens:        *bundle,
		OwnerClientID: m.clientId,
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not marshal session record: %w", err)
	}

	if err := m.store.Set(SessionRecordKey, string(raw)); err != nil {
		// the in-memory promotion stands; Restore reconciles on next launch
		m.logger.Warn("could not persist session record", "error", err)
		return fmt.Errorf("could not persist session record: %w", err)
	}

	return nil
}

func (m *SessionManager) mintVisitorLocked(ctx context.Context) error {
	bundle, err := m.gw.MintVisitorTokens(ctx)
	if err != nil {
		m.state = StateDegraded
		m.bundle = nil
		m.err = err
		m.publishLocked()
		m.logger.Error("could not mint visitor session", "error", err)
		return fmt.Errorf("could not mint visitor session: %w", err)
	}

	return m.setSessionLocked(bundle)
}

func (m *SessionManager) snapshotLocked() Snapshot {
	return Snapshot{
		Tokens:   m.bundle,
		State:    m.state,
		LoggedIn: m.bundle.IsMember(),
		Loading:  m.state == StateRestoring,
		Err:      m.err,
	}
}

func (m *SessionManager) publishLocked() {
	snap := m.snapshotLocked()
	for _, sub := range m.subs {
		select {
		case sub <- snap:
		default:
		}
	}
}
