// Package auth owns the console session: it exchanges credentials for tokens, persists them in
// the credential store and hands the current bearer token to the API client.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/apiclient"
	"mkr.su/console/internal/credstore"
	"mkr.su/console/internal/obs"
)

// Store keys. Nothing outside this package reads RefreshKey.
const (
	BearerKey  = "bearer_token"
	RefreshKey = "refresh_token"
)

// Session is the outcome of a successful login or registration.
type Session struct {
	BearerToken  string
	RefreshToken string
	Account      account.Account
}

type sessionPayload struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refreshToken"`
	User         account.Account `json:"user"`
}

// Manager exchanges credentials for a session and owns both stored tokens.
type Manager struct {
	client *apiclient.Client
	store  credstore.Store
}

// NewManager wires the manager to the API client and the credential store. The client must read
// its bearer token from the same store (see TokenSource).
func NewManager(client *apiclient.Client, store credstore.Store) *Manager {
	return &Manager{client: client, store: store}
}

// TokenSource exposes the stored bearer token to the API client. The token is loaded on every
// call so a concurrent Terminate takes effect immediately.
func TokenSource(store credstore.Store) apiclient.TokenSource {
	return apiclient.TokenFunc(func(ctx context.Context) string {
		token, ok := store.Load(ctx, BearerKey)
		if !ok {
			return ""
		}
		return token
	})
}

// Authenticate logs in with email and password. Only a 200 carrying a token counts as success;
// any other status leaves the stored tokens untouched.
func (m *Manager) Authenticate(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	}
	return m.open(ctx, "/auth/login", body, ErrInvalidCredentials, http.StatusOK)
}

// Register creates an account and opens a session for it. 200 and 201 are accepted.
func (m *Manager) Register(ctx context.Context, email, password, username string) (Session, error) {
	body := map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
		"username": strings.TrimSpace(username),
	}
	return m.open(ctx, "/auth/register", body, ErrAccountExists, http.StatusOK, http.StatusCreated)
}

func (m *Manager) open(ctx context.Context, path string, body any, rejected error, accept ...int) (Session, error) {
	var payload sessionPayload
	resp, err := m.client.Send(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
		Public: true,
	}, &payload)
	if err != nil {
		if apiclient.KindOf(err) == apiclient.KindInvalidResponse {
			m.clear(ctx)
		}
		return Session{}, mapFailure(err, rejected)
	}
	if !resp.StatusIn(accept...) {
		return Session{}, rejected
	}
	if payload.Token == "" {
		m.clear(ctx)
		return Session{}, errors.Join(ErrInvalidResponse, errors.New("auth: response carries no token"))
	}

	if !m.store.Save(ctx, BearerKey, payload.Token) {
		return Session{}, ErrSessionNotPersisted
	}
	if payload.RefreshToken != "" {
		if !m.store.Save(ctx, RefreshKey, payload.RefreshToken) {
			obs.Logger().WithField("path", path).Warn("refresh token not persisted")
		}
	} else if !m.store.Delete(ctx, RefreshKey) {
		obs.Logger().WithField("path", path).Warn("stale refresh token not removed")
	}

	return Session{
		BearerToken:  payload.Token,
		RefreshToken: payload.RefreshToken,
		Account:      payload.User,
	}, nil
}

// Cleanup reports what Terminate managed to remove. Callers may ignore it.
type Cleanup struct {
	BearerCleared  bool
	RefreshCleared bool
}

// OK reports whether both tokens are gone.
func (c Cleanup) OK() bool { return c.BearerCleared && c.RefreshCleared }

// Terminate forgets the session. It never fails; store errors are logged and reported in the
// returned Cleanup. Without a session it is a no-op.
func (m *Manager) Terminate(ctx context.Context) Cleanup {
	res := Cleanup{
		BearerCleared:  m.store.Delete(ctx, BearerKey),
		RefreshCleared: m.store.Delete(ctx, RefreshKey),
	}
	if !res.OK() {
		obs.Logger().WithFields(map[string]any{
			"bearer_cleared":  res.BearerCleared,
			"refresh_cleared": res.RefreshCleared,
		}).Warn("session tokens not fully cleared")
	}
	return res
}

// HasSession reports whether a bearer token is currently stored.
func (m *Manager) HasSession(ctx context.Context) bool {
	token, ok := m.store.Load(ctx, BearerKey)
	return ok && token != ""
}

// Token returns the stored bearer token.
func (m *Manager) Token(ctx context.Context) (string, bool) {
	token, ok := m.store.Load(ctx, BearerKey)
	return token, ok && token != ""
}

func (m *Manager) clear(ctx context.Context) {
	m.Terminate(ctx)
}
