package storeauth

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// TokenBundle is the unit of session credential handed around the client.
// Exactly one bundle is ever "current". A bundle with a refresh token is a
// member session; a bundle without one is an anonymous visitor session.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Role         string    `json:"role,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// IsMember reports whether the bundle represents an authenticated human.
func (b *TokenBundle) IsMember() bool {
	return b != nil && b.RefreshToken != ""
}

// SessionRecord is the persisted shape of a session. A record written under a
// different identity-provider application id is stale and must be discarded.
type SessionRecord struct {
	Tokens        TokenBundle `json:"tokens"`
	OwnerClientID string      `json:"owner_client_id"`
}

func (sr *SessionRecord) UnmarshalJSON(b []byte) error {
	type Tmp SessionRecord
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*sr = SessionRecord(tmp)

	return nil
}

// AuthRequest is the ephemeral state of one in-flight authorization attempt.
// It lives in memory only and is consumed exactly once by the matching
// callback; a consumed request cannot be exchanged again.
type AuthRequest struct {
	State        string
	PkceVerifier string
	RedirectURI  string

	consumed atomic.Bool
}

func (r *AuthRequest) consume() error {
	if r.consumed.Swap(true) {
		return fmt.Errorf("auth request %s was already consumed", r.State)
	}
	return nil
}

// CallbackResult is the parsed query of an authorization callback. ErrorCode
// carries an identity-provider-reported failure and must be inspected before
// any code exchange is attempted.
type CallbackResult struct {
	Code             string
	State            string
	ErrorCode        string
	ErrorDescription string
}

// LoginResult is the gateway's answer to a direct password login. A
// SessionToken is a short-lived proof, not a durable credential; it must be
// exchanged through the silent authorization flow.
type LoginResult struct {
	SessionToken  string
	FailureReason string
}

// RegisterResult is the gateway's answer to an account registration.
// AlreadyExists means the remote account predates this attempt, which callers
// may absorb as non-fatal.
type RegisterResult struct {
	SessionToken  string
	AlreadyExists bool
}

// Profile carries the optional name fields supplied at registration.
type Profile struct {
	FirstName string
	LastName  string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Role         string `json:"role"`
}

func (tr *tokenResponse) UnmarshalJSON(b []byte) error {
	type Tmp tokenResponse
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*tr = tokenResponse(tmp)

	return nil
}

func (tr *tokenResponse) bundle() *TokenBundle {
	bundle := &TokenBundle{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Role:         tr.Role,
	}

	if tr.ExpiresIn > 0 {
		bundle.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return bundle
}

type loginResponse struct {
	SessionToken  string `json:"session_token"`
	FailureReason string `json:"failure_reason"`
}

type registerResponse struct {
	SessionToken string `json:"session_token"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

type gatewayErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
