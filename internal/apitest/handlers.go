package apitest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/serverinfo"
	"mkr.su/console/internal/verification"
)

func contextWithPrincipal(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

func principalFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(principalKey{}).(int64)
	return id
}

type sessionResponse struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	User         account.Account `json:"user"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.accounts {
		if strings.EqualFold(rec.account.Email, body.Email) && rec.password != "" && rec.password == body.Password {
			if rec.account.IsBanned {
				writeError(w, http.StatusForbidden, "account is banned")
				return
			}
			writeJSON(w, http.StatusOK, sessionResponse{
				Token:        s.issueLocked(id),
				RefreshToken: fmt.Sprintf("refresh-%d-%d", id, s.nextToken),
				User:         s.viewLocked(rec),
			})
			return
		}
	}
	writeError(w, http.StatusUnauthorized, "invalid credentials")
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := decodeBody(r, &body); err != nil || body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailTakenLocked(body.Email) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	a := s.addLocked(account.Account{Email: body.Email, Username: body.Username, Role: account.RoleUser}, body.Password)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: s.issueLocked(a.ID), User: a})
}

func (s *Server) emailTakenLocked(email string) bool {
	for _, rec := range s.accounts {
		if strings.EqualFold(rec.account.Email, email) {
			return true
		}
	}
	return false
}

func (s *Server) sortedAccountsLocked() []account.Account {
	out := make([]account.Account, 0, len(s.accounts))
	for _, rec := range s.accounts {
		out = append(out, s.viewLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := s.sortedAccountsLocked()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, page[account.Account]{Items: items, Total: len(items)})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string       `json:"email"`
		Password string       `json:"password"`
		Username string       `json:"username"`
		Role     account.Role `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil || body.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if !body.Role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailTakenLocked(body.Email) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	a := s.addLocked(account.Account{Email: body.Email, Username: body.Username, Role: body.Role}, body.Password)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[pathID(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, s.viewLocked(rec))
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pathID(r)
	if _, ok := s.accounts[id]; !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	delete(s.accounts, id)
	for token, owner := range s.tokens {
		if owner == id {
			delete(s.tokens, token)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role account.Role `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil || !body.Role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[pathID(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	rec.account.Role = body.Role
	writeJSON(w, http.StatusOK, s.viewLocked(rec))
}

func (s *Server) setVerified(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Verified bool `json:"verified"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[pathID(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	rec.account.IsVerified = body.Verified
	writeJSON(w, http.StatusOK, map[string]bool{"verified": rec.account.IsVerified})
}

func (s *Server) setBanned(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ban    bool   `json:"ban"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Ban && strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pathID(r)
	rec, ok := s.accounts[id]
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if id == principalFromContext(r.Context()) && body.Ban {
		writeError(w, http.StatusForbidden, "cannot ban yourself")
		return
	}
	rec.account.IsBanned = body.Ban
	msg := "user unbanned"
	if body.Ban {
		msg = "user banned"
	}
	writeJSON(w, http.StatusOK, ack{Success: true, Message: msg})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := make([]verification.Request, 0, len(s.requests))
	for _, req := range s.requests {
		items = append(items, *req)
	}
	s.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	writeJSON(w, http.StatusOK, page[verification.Request]{Items: items, Total: len(items)})
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role account.Role `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil || !body.Role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.accounts[principalFromContext(r.Context())]
	req := &verification.Request{
		ID:            s.nextID,
		UserID:        rec.account.ID,
		UserEmail:     rec.account.Email,
		Username:      rec.account.Username,
		RequestedRole: body.Role,
		Date:          s.now(),
		Status:        verification.StatusPending,
	}
	s.nextID++
	s.requests[req.ID] = req
	writeJSON(w, http.StatusCreated, req)
}

// decide answers 409 for requests that are no longer pending.
func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	decision, _ := verification.ParseDecision(mux.Vars(r)["decision"])
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[pathID(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	next, err := req.Status.Transition(decision)
	if err != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("request already %s", req.Status))
		return
	}
	req.Status = next
	writeJSON(w, http.StatusOK, ack{Success: true, Message: "ok"})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg serverinfo.Config
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := serverinfo.Stats{
		TotalUsers:    len(s.accounts),
		TotalMessages: s.messages,
		LastUpdate:    s.now(),
	}
	for _, rec := range s.accounts {
		if rec.account.IsVerified {
			st.VerifiedUsers++
		}
		if s.viewLocked(rec).Status == account.StatusOnline {
			st.OnlineUsers++
		}
	}
	st.ServerUptime = s.now().Sub(s.started).String()
	writeJSON(w, http.StatusOK, st)
}
