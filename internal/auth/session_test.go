package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mkr.su/console/internal/apiclient"
	"mkr.su/console/internal/credstore"
)

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, credstore.Store, *apiclient.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := credstore.NewMemory()
	client, err := apiclient.New(apiclient.Config{BaseURL: srv.URL}, apiclient.WithTokenSource(TokenSource(store)))
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	return NewManager(client, store), store, client
}

func TestAuthenticatePersistsTokensAndAuthorizesLaterCalls(t *testing.T) {
	var seenAuth atomic.Value
	mgr, store, client := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			if r.Header.Get("Authorization") != "" {
				t.Errorf("login must be sent without Authorization")
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["email"] != "admin@example.com" || body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token":"abc","refreshToken":"r1","user":{"id":1,"email":"admin@example.com","username":"admin","role":"admin","isVerified":true,"isBanned":false,"status":"online","createdAt":"2026-01-01T00:00:00Z"}}`))
		case "/api/v1/users":
			seenAuth.Store(r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"items":[],"total":0}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	session, err := mgr.Authenticate(ctx, "admin@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if session.BearerToken != "abc" || session.RefreshToken != "r1" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if session.Account.Email != "admin@example.com" || session.Account.ID != 1 {
		t.Fatalf("account not decoded: %+v", session.Account)
	}
	if got, _ := store.Load(ctx, BearerKey); got != "abc" {
		t.Fatalf("bearer not persisted: %q", got)
	}
	if got, _ := store.Load(ctx, RefreshKey); got != "r1" {
		t.Fatalf("refresh not persisted: %q", got)
	}

	var page apiclient.Page[json.RawMessage]
	if _, err := client.Send(ctx, apiclient.Request{Method: http.MethodGet, Path: "/users"}, &page); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got, _ := seenAuth.Load().(string); got != "Bearer abc" {
		t.Fatalf("Authorization = %q, want Bearer abc", got)
	}

	cleanup := mgr.Terminate(ctx)
	if !cleanup.OK() {
		t.Fatalf("cleanup = %+v", cleanup)
	}
	if _, ok := store.Load(ctx, BearerKey); ok {
		t.Fatalf("bearer survived terminate")
	}
	if _, ok := store.Load(ctx, RefreshKey); ok {
		t.Fatalf("refresh survived terminate")
	}
	if mgr.HasSession(ctx) {
		t.Fatalf("HasSession after terminate")
	}
}

func TestAuthenticateRejectedKeepsExistingTokens(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusBadRequest, http.StatusInternalServerError, http.StatusTeapot} {
		mgr, store, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		})
		ctx := context.Background()
		store.Save(ctx, BearerKey, "old")
		store.Save(ctx, RefreshKey, "old-refresh")

		_, err := mgr.Authenticate(ctx, "a@b.c", "bad")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("status %d: err = %v, want ErrInvalidCredentials", status, err)
		}
		var failure *apiclient.Failure
		if !errors.As(err, &failure) || failure.Status != status {
			t.Fatalf("status %d: transport detail lost: %v", status, err)
		}
		if got, _ := store.Load(ctx, BearerKey); got != "old" {
			t.Fatalf("status %d: bearer changed to %q", status, got)
		}
		if got, _ := store.Load(ctx, RefreshKey); got != "old-refresh" {
			t.Fatalf("status %d: refresh changed to %q", status, got)
		}
	}
}

func TestAuthenticateRequires200(t *testing.T) {
	mgr, store, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"token":"abc"}`))
	})
	_, err := mgr.Authenticate(context.Background(), "a@b.c", "pw")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, ok := store.Load(context.Background(), BearerKey); ok {
		t.Fatalf("token persisted on non-200")
	}
}

func TestAuthenticateUndecodableBodyClearsSession(t *testing.T) {
	for name, body := range map[string]string{
		"garbage":  `<html>`,
		"no token": `{"user":{"id":1}}`,
	} {
		mgr, store, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		ctx := context.Background()
		store.Save(ctx, BearerKey, "old")
		store.Save(ctx, RefreshKey, "old-refresh")

		_, err := mgr.Authenticate(ctx, "a@b.c", "pw")
		if !errors.Is(err, ErrInvalidResponse) {
			t.Fatalf("%s: err = %v, want ErrInvalidResponse", name, err)
		}
		if mgr.HasSession(ctx) {
			t.Fatalf("%s: bearer survived", name)
		}
		if _, ok := store.Load(ctx, RefreshKey); ok {
			t.Fatalf("%s: refresh survived", name)
		}
	}
}

func TestAuthenticateWithoutRefreshDropsStaleOne(t *testing.T) {
	mgr, store, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"fresh","user":{"id":2}}`))
	})
	ctx := context.Background()
	store.Save(ctx, RefreshKey, "stale")

	session, err := mgr.Authenticate(ctx, "a@b.c", "pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if session.RefreshToken != "" {
		t.Fatalf("unexpected refresh token %q", session.RefreshToken)
	}
	if _, ok := store.Load(ctx, RefreshKey); ok {
		t.Fatalf("stale refresh token kept")
	}
}

func TestAuthenticateNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := credstore.NewMemory()
	client, err := apiclient.New(apiclient.Config{BaseURL: url, Timeout: time.Second}, apiclient.WithTokenSource(TokenSource(store)))
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	store.Save(context.Background(), BearerKey, "old")

	_, err = NewManager(client, store).Authenticate(context.Background(), "a@b.c", "pw")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if got, _ := store.Load(context.Background(), BearerKey); got != "old" {
		t.Fatalf("bearer changed on network failure")
	}
}

func TestRegister(t *testing.T) {
	var calls atomic.Int32
	mgr, store, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/register" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"t1","user":{"id":9,"email":"new@kluboksrm.ru","username":"new","role":"user"}}`))
	})
	ctx := context.Background()

	session, err := mgr.Register(ctx, "new@kluboksrm.ru", "pw", "new")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if session.Account.ID != 9 || session.BearerToken != "t1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if got, _ := store.Load(ctx, BearerKey); got != "t1" {
		t.Fatalf("bearer not persisted")
	}

	if _, err := mgr.Register(ctx, "new@kluboksrm.ru", "pw", "new"); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("second register err = %v, want ErrAccountExists", err)
	}
}

func TestTerminateWithoutSessionIsNoop(t *testing.T) {
	mgr, _, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("terminate must not call the server")
	})
	for i := 0; i < 2; i++ {
		if res := mgr.Terminate(context.Background()); !res.OK() {
			t.Fatalf("terminate #%d = %+v", i, res)
		}
	}
}

type failingStore struct{ credstore.Store }

func (failingStore) Delete(context.Context, string) bool { return false }

func TestTerminateReportsStoreFailures(t *testing.T) {
	store := failingStore{credstore.NewMemory()}
	client, err := apiclient.New(apiclient.Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	res := NewManager(client, store).Terminate(context.Background())
	if res.BearerCleared || res.RefreshCleared || res.OK() {
		t.Fatalf("cleanup = %+v, want failures reported", res)
	}
}

type refusingStore struct {
	credstore.Store
	refuse string
}

func (s refusingStore) Save(ctx context.Context, key, secret string) bool {
	if key == s.refuse {
		return false
	}
	return s.Store.Save(ctx, key, secret)
}

func TestAuthenticateReportsUnpersistedSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"abc","refreshToken":"r1","user":{"id":1,"email":"a@kluboksrm.ru","username":"a","role":"admin","isVerified":true,"isBanned":false,"status":"online","createdAt":"2026-01-01T00:00:00Z"}}`))
	}))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	for _, tc := range []struct {
		refuse  string
		wantErr error
	}{
		{BearerKey, ErrSessionNotPersisted},
		{RefreshKey, nil},
	} {
		store := refusingStore{Store: credstore.NewMemory(), refuse: tc.refuse}
		client, err := apiclient.New(apiclient.Config{BaseURL: srv.URL}, apiclient.WithTokenSource(TokenSource(store)))
		if err != nil {
			t.Fatalf("apiclient.New: %v", err)
		}
		session, err := NewManager(client, store).Authenticate(ctx, "a@kluboksrm.ru", "pw")
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("refusing %s: err = %v, want %v", tc.refuse, err, tc.wantErr)
		}
		if tc.wantErr != nil {
			continue
		}
		if session.BearerToken != "abc" {
			t.Fatalf("refusing %s: session = %+v", tc.refuse, session)
		}
		if _, ok := store.Load(ctx, RefreshKey); ok {
			t.Fatalf("refresh token should not be stored")
		}
	}
}

func TestInspect(t *testing.T) {
	issued := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, consoleClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			Issuer:    "mkr",
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(time.Hour)),
		},
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	info, err := Inspect(token)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Subject != "42" || info.Issuer != "mkr" || info.Role != "admin" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.ExpiresAt.Equal(issued.Add(time.Hour)) {
		t.Fatalf("expires = %v", info.ExpiresAt)
	}
	if info.Expired(issued) || !info.Expired(issued.Add(2*time.Hour)) {
		t.Fatalf("Expired misreports")
	}

	if _, err := Inspect("abc"); err == nil {
		t.Fatalf("opaque token should not inspect")
	}
}

func TestActorContext(t *testing.T) {
	ctx := ContextWithActor(context.Background(), "admin@kluboksrm.ru")
	if got, ok := ActorFromContext(ctx); !ok || got != "admin@kluboksrm.ru" {
		t.Fatalf("actor = %q, %v", got, ok)
	}
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatalf("empty context has no actor")
	}
}
