// Package apitest runs an in-memory stand-in for the messaging platform's admin API. It keeps
// accounts, verification requests and server settings in memory and speaks the same JSON
// envelopes as the real server, so client packages can be tested end to end.
package apitest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/serverinfo"
	"mkr.su/console/internal/verification"
)

const (
	// Root is the versioned path prefix, matching apiclient's default version.
	Root = "/api/v1"

	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Call is one request as the server saw it.
type Call struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
}

type override struct {
	status int
	body   string
}

type record struct {
	account  account.Account
	password string
	liveness string
}

// Server is the fake API. All methods are safe for concurrent use.
type Server struct {
	srv    *httptest.Server
	router *mux.Router

	mu        sync.Mutex
	accounts  map[int64]*record
	requests  map[int64]*verification.Request
	tokens    map[string]int64
	overrides map[string]override
	calls     []Call
	config    serverinfo.Config
	messages  int64
	started   time.Time
	nextID    int64
	nextToken int
	now       func() time.Time
}

// New starts a server and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		accounts:  make(map[int64]*record),
		requests:  make(map[int64]*verification.Request),
		tokens:    make(map[string]int64),
		overrides: make(map[string]override),
		config: serverinfo.Config{
			IMAPServer: "imap.kluboksrm.ru",
			IMAPPort:   993,
			SMTPServer: "smtp.kluboksrm.ru",
			SMTPPort:   587,
			TURNServer: "turn:turn.kluboksrm.ru:3478",
			STUNServer: "stun:stun.kluboksrm.ru:3478",
		},
		nextID: 1,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
	s.started = s.now()
	s.router = s.routes()
	s.srv = httptest.NewServer(s)
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the base URL to hand to apiclient.Config.BaseURL.
func (s *Server) URL() string { return s.srv.URL }

// Close stops the server early, e.g. to simulate an unreachable API.
func (s *Server) Close() { s.srv.Close() }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix(Root).Subrouter()

	api.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	api.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return s.requireRole(h, account.RoleAdmin, account.RoleCommander)
	}
	authed.HandleFunc("/users", admin(s.listUsers)).Methods(http.MethodGet)
	authed.HandleFunc("/users", admin(s.createUser)).Methods(http.MethodPost)
	authed.HandleFunc("/users/{id:[0-9]+}", admin(s.getUser)).Methods(http.MethodGet)
	authed.HandleFunc("/users/{id:[0-9]+}", admin(s.deleteUser)).Methods(http.MethodDelete)
	authed.HandleFunc("/users/{id:[0-9]+}/role", admin(s.setRole)).Methods(http.MethodPut)
	authed.HandleFunc("/users/{id:[0-9]+}/verify", admin(s.setVerified)).Methods(http.MethodPost)
	authed.HandleFunc("/users/{id:[0-9]+}/ban", admin(s.setBanned)).Methods(http.MethodPost)
	authed.HandleFunc("/verification/requests", admin(s.listRequests)).Methods(http.MethodGet)
	authed.HandleFunc("/verification/requests", s.createRequest).Methods(http.MethodPost)
	authed.HandleFunc("/verification/requests/{id:[0-9]+}/{decision:approve|reject}", admin(s.decide)).Methods(http.MethodPost)
	authed.HandleFunc("/config", admin(s.getConfig)).Methods(http.MethodGet)
	authed.HandleFunc("/config", admin(s.putConfig)).Methods(http.MethodPut)
	authed.HandleFunc("/stats", admin(s.stats)).Methods(http.MethodGet)

	return r
}

// ServeHTTP records the call, applies overrides and dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, Root)
	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Method:        r.Method,
		Path:          path,
		Authorization: r.Header.Get(authHeader),
		RequestID:     r.Header.Get("X-Request-ID"),
	})
	o, forced := s.overrides[r.Method+" "+path]
	s.mu.Unlock()

	if forced {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(o.status)
		_, _ = w.Write([]byte(o.body))
		return
	}
	s.router.ServeHTTP(w, r)
}

// Override answers method+path (relative to Root) with a canned response until cleared.
func (s *Server) Override(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[method+" "+path] = override{status: status, body: body}
}

// ClearOverrides removes every canned response.
func (s *Server) ClearOverrides() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[string]override)
}

// Calls returns a copy of the request log.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// LastCall returns the most recent request.
func (s *Server) LastCall() (Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return Call{}, false
	}
	return s.calls[len(s.calls)-1], true
}

// AddAccount stores a, assigning an id when a.ID is zero, and returns the stored copy.
func (s *Server) AddAccount(a account.Account, password string) account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(a, password)
}

func (s *Server) addLocked(a account.Account, password string) account.Account {
	if a.ID == 0 {
		a.ID = s.nextID
	}
	if a.ID >= s.nextID {
		s.nextID = a.ID + 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Role == "" {
		a.Role = account.RoleUser
	}
	rec := &record{account: a, password: password, liveness: string(account.StatusOffline)}
	if a.Status == account.StatusOnline || a.Status == account.StatusBlocked {
		rec.liveness = string(a.Status)
	}
	s.accounts[a.ID] = rec
	return s.viewLocked(rec)
}

// AddAdmin stores a verified admin and returns it with a bearer token for it.
func (s *Server) AddAdmin(email string) (account.Account, string) {
	a := s.AddAccount(account.Account{
		Email:      email,
		Username:   strings.SplitN(email, "@", 2)[0],
		Role:       account.RoleAdmin,
		IsVerified: true,
	}, "admin-password")
	return a, s.IssueToken(a.ID)
}

// IssueToken mints a bearer token for account id.
func (s *Server) IssueToken(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(id)
}

func (s *Server) issueLocked(id int64) string {
	s.nextToken++
	token := fmt.Sprintf("tok-%d-%d", id, s.nextToken)
	s.tokens[token] = id
	return token
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]int64)
}

// Account returns the server-side view of id.
func (s *Server) Account(id int64) (account.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[id]
	if !ok {
		return account.Account{}, false
	}
	return s.viewLocked(rec), true
}

// AddRequest stores a verification request, defaulting to pending, and returns it.
func (s *Server) AddRequest(req verification.Request) verification.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == 0 {
		req.ID = s.nextID
	}
	if req.ID >= s.nextID {
		s.nextID = req.ID + 1
	}
	if req.Status == "" {
		req.Status = verification.StatusPending
	}
	if req.Date.IsZero() {
		req.Date = s.now()
	}
	cp := req
	s.requests[req.ID] = &cp
	return cp
}

// Request returns the server-side view of verification request id.
func (s *Server) Request(id int64) (verification.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return verification.Request{}, false
	}
	return *req, true
}

// Config returns the current server settings.
func (s *Server) Config() serverinfo.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetMessageCount sets the figure reported by /stats.
func (s *Server) SetMessageCount(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = n
}

// viewLocked renders a record the way the server puts it on the wire.
func (s *Server) viewLocked(rec *record) account.Account {
	a := rec.account
	a.Status = account.Status(rec.liveness)
	switch {
	case a.IsBanned:
		a.Status = account.StatusBanned
	case !a.IsVerified:
		a.Status = account.StatusPending
	}
	return a
}

type principalKey struct{}

// authenticate resolves the bearer token to a live, unbanned account.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.mu.Lock()
		id, ok := s.tokens[token]
		var rec *record
		if ok {
			rec = s.accounts[id]
		}
		banned := rec != nil && rec.account.IsBanned
		s.mu.Unlock()
		if rec == nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if banned {
			writeError(w, http.StatusForbidden, "account is banned")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), id)))
	})
}

// requireRole lets the call through only when the caller holds one of roles.
func (s *Server) requireRole(next http.HandlerFunc, roles ...account.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		rec, ok := s.accounts[principalFromContext(r.Context())]
		var role account.Role
		if ok {
			role = rec.account.Role
		}
		s.mu.Unlock()
		if !ok || !hasRole(role, roles) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r)
	}
}

func hasRole(role account.Role, allowed []account.Role) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(strings.TrimSpace(bearer))) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer)-1:])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

type ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
