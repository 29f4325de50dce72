// Package console sequences the identity services into the operator's workflows: reviewing
// verification requests, inviting colleagues and moderating accounts. Every mutation is audited.
package console

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/audit"
	"mkr.su/console/internal/auth"
	"mkr.su/console/internal/directory"
	"mkr.su/console/internal/obs"
	"mkr.su/console/internal/serverinfo"
	"mkr.su/console/internal/verification"
)

// DefaultBanReason is used when the operator bans without giving a reason.
const DefaultBanReason = "Violation of rules"

var (
	ErrInvalidEmail      = errors.New("console: invalid email address")
	ErrDomainNotAllowed  = errors.New("console: email domain is not allowed")
	ErrRequestNotFound   = errors.New("console: verification request not found")
	ErrAccountUnresolved = errors.New("console: cannot find the account behind the request")
	ErrUnassignableRole  = errors.New("console: request does not name an assignable role")
)

// Console wires the session, directory, workflow and server services together.
type Console struct {
	sessions *auth.Manager
	dir      *directory.Directory
	workflow *verification.Workflow
	server   *serverinfo.Service

	inviteDomain   string
	invitePassword string
	passwords      func() (string, error)
}

// Option customizes a Console.
type Option func(*Console)

// WithInviteDomain restricts invitations to addresses under domain.
func WithInviteDomain(domain string) Option {
	return func(c *Console) {
		c.inviteDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	}
}

// WithInvitePassword gives every invited account the same temporary password.
func WithInvitePassword(password string) Option {
	return func(c *Console) {
		c.invitePassword = password
	}
}

// WithPasswordGenerator replaces the temporary password generator.
func WithPasswordGenerator(gen func() (string, error)) Option {
	return func(c *Console) {
		if gen != nil {
			c.passwords = gen
		}
	}
}

func New(sessions *auth.Manager, dir *directory.Directory, workflow *verification.Workflow, server *serverinfo.Service, opts ...Option) *Console {
	c := &Console{
		sessions:     sessions,
		dir:          dir,
		workflow:     workflow,
		server:       server,
		inviteDomain: "kluboksrm.ru",
		passwords:    temporaryPassword,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sessions exposes the session manager.
func (c *Console) Sessions() *auth.Manager { return c.sessions }

// Directory exposes the account directory for read-only commands.
func (c *Console) Directory() *directory.Directory { return c.dir }

// Workflow exposes the verification workflow for read-only commands.
func (c *Console) Workflow() *verification.Workflow { return c.workflow }

// Server exposes the server settings service.
func (c *Console) Server() *serverinfo.Service { return c.server }

// Login opens a session and records it.
func (c *Console) Login(ctx context.Context, email, password string) (auth.Session, error) {
	session, err := c.sessions.Authenticate(ctx, email, password)
	if err != nil {
		record(ctx, "session.login_failed", map[string]any{"email": email, "error": err.Error()})
		return auth.Session{}, err
	}
	record(auth.ContextWithActor(ctx, session.Account.Email), "session.login", map[string]any{
		"account_id": session.Account.ID,
		"role":       session.Account.Role,
	})
	return session, nil
}

// Logout drops the local session. It always succeeds locally.
func (c *Console) Logout(ctx context.Context) auth.Cleanup {
	res := c.sessions.Terminate(ctx)
	record(ctx, "session.logout", map[string]any{
		"bearer_cleared":  res.BearerCleared,
		"refresh_cleared": res.RefreshCleared,
	})
	return res
}

// Snapshot is one consistent read of the directory and the request queue.
type Snapshot struct {
	Accounts []account.Account
	Total    int
	Requests []verification.Request
}

// Pending returns the reviewable requests of the snapshot.
func (s Snapshot) Pending() []verification.Request { return verification.Pending(s.Requests) }

// Refresh re-reads accounts and verification requests. Callers run it after every mutation.
func (c *Console) Refresh(ctx context.Context) (Snapshot, error) {
	accounts, total, err := c.dir.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	requests, err := c.workflow.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Accounts: accounts, Total: total, Requests: requests}, nil
}

// ReviewOutcome describes every step a review took.
type ReviewOutcome struct {
	Request  verification.Request
	Decision verification.Decision
	// Recorded is false when the server answered {success:false}; nothing else ran then.
	Recorded    bool
	Verified    bool
	RoleChanged bool
	Account     *account.Account
}

// Review decides request id. Approval is recorded first, then the account is verified and,
// when its live role differs from the requested one, moved to that role. Rejection touches
// nothing but the request. A request without an assignable role cannot be approved.
func (c *Console) Review(ctx context.Context, id int64, d verification.Decision) (ReviewOutcome, error) {
	requests, err := c.workflow.List(ctx)
	if err != nil {
		return ReviewOutcome{}, err
	}
	req, ok := verification.Find(requests, id)
	if !ok {
		return ReviewOutcome{}, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if _, err := req.Status.Transition(d); err != nil {
		return ReviewOutcome{Request: req, Decision: d}, err
	}
	if d == verification.Approve && !req.RequestedRole.Valid() {
		return ReviewOutcome{Request: req, Decision: d}, fmt.Errorf("%w: request %d asks for %q", ErrUnassignableRole, id, req.RequestedRole)
	}

	out := ReviewOutcome{Request: req, Decision: d}
	recorded, err := c.workflow.Decide(ctx, id, d)
	if err != nil {
		return out, err
	}
	out.Recorded = recorded
	fields := map[string]any{
		"request_id":     id,
		"decision":       d,
		"requested_role": req.RequestedRole,
		"email":          req.UserEmail,
		"recorded":       recorded,
	}
	if !recorded || d != verification.Approve {
		record(ctx, "verification.reviewed", fields)
		return out, nil
	}

	acc, err := c.resolveAccount(ctx, req)
	if err != nil {
		record(ctx, "verification.reviewed", fields)
		return out, err
	}
	if !acc.IsVerified {
		verified, err := c.dir.SetVerified(ctx, acc.ID, true)
		if err != nil {
			record(ctx, "verification.reviewed", fields)
			return out, fmt.Errorf("console: request %d approved but verifying account %d failed: %w", id, acc.ID, err)
		}
		acc.IsVerified = verified
	}
	out.Verified = acc.IsVerified

	if acc.Role != req.RequestedRole {
		updated, err := c.dir.SetRole(ctx, acc.ID, req.RequestedRole)
		if err != nil {
			record(ctx, "verification.reviewed", fields)
			return out, fmt.Errorf("console: request %d approved but role change for account %d failed: %w", id, acc.ID, err)
		}
		acc = updated
		out.RoleChanged = true
	}
	out.Account = &acc
	fields["account_id"] = acc.ID
	fields["verified"] = out.Verified
	fields["role_changed"] = out.RoleChanged
	record(ctx, "verification.reviewed", fields)
	return out, nil
}

func (c *Console) resolveAccount(ctx context.Context, req verification.Request) (account.Account, error) {
	if req.UserID != 0 {
		acc, err := c.dir.Get(ctx, req.UserID)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return account.Account{}, err
		}
	}
	accounts, _, err := c.dir.List(ctx)
	if err != nil {
		return account.Account{}, err
	}
	for _, a := range accounts {
		if req.UserEmail != "" && strings.EqualFold(a.Email, req.UserEmail) {
			return a, nil
		}
	}
	for _, a := range accounts {
		if req.Username != "" && a.Username == req.Username {
			return a, nil
		}
	}
	return account.Account{}, fmt.Errorf("%w: request %d (%s)", ErrAccountUnresolved, req.ID, req.UserEmail)
}

// Invitation is a freshly created account and the temporary password to hand over.
type Invitation struct {
	Account           account.Account
	TemporaryPassword string
}

// Invite creates a user account for email. The address must belong to the invite domain; the
// username is its local part.
func (c *Console) Invite(ctx context.Context, email string) (Invitation, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return Invitation{}, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	address := strings.ToLower(addr.Address)
	local, domain, ok := strings.Cut(address, "@")
	if !ok || local == "" {
		return Invitation{}, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if c.inviteDomain != "" && domain != c.inviteDomain {
		return Invitation{}, fmt.Errorf("%w: %s (expected @%s)", ErrDomainNotAllowed, domain, c.inviteDomain)
	}

	password := c.invitePassword
	if password == "" {
		if password, err = c.passwords(); err != nil {
			return Invitation{}, fmt.Errorf("console: generate password: %w", err)
		}
	}
	acc, err := c.dir.Create(ctx, directory.NewAccount{
		Email:    address,
		Password: password,
		Username: local,
		Role:     account.RoleUser,
	})
	if err != nil {
		return Invitation{}, err
	}
	record(ctx, "account.invited", map[string]any{"account_id": acc.ID, "email": acc.Email})
	return Invitation{Account: acc, TemporaryPassword: password}, nil
}

// Ban bans id. An empty reason becomes DefaultBanReason.
func (c *Console) Ban(ctx context.Context, id int64, reason string) (bool, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultBanReason
	}
	ok, err := c.dir.SetBanned(ctx, id, true, reason)
	if err != nil {
		return false, err
	}
	record(ctx, "account.banned", map[string]any{"account_id": id, "reason": reason, "success": ok})
	return ok, nil
}

func (c *Console) Unban(ctx context.Context, id int64) (bool, error) {
	ok, err := c.dir.SetBanned(ctx, id, false, "")
	if err != nil {
		return false, err
	}
	record(ctx, "account.unbanned", map[string]any{"account_id": id, "success": ok})
	return ok, nil
}

func (c *Console) SetRole(ctx context.Context, id int64, role account.Role) (account.Account, error) {
	acc, err := c.dir.SetRole(ctx, id, role)
	if err != nil {
		return account.Account{}, err
	}
	record(ctx, "account.role_changed", map[string]any{"account_id": id, "role": role})
	return acc, nil
}

// SetVerified flips the verification flag directly, without a request.
func (c *Console) SetVerified(ctx context.Context, id int64, verified bool) (bool, error) {
	got, err := c.dir.SetVerified(ctx, id, verified)
	if err != nil {
		return false, err
	}
	record(ctx, "account.verification_set", map[string]any{"account_id": id, "verified": got})
	return got, nil
}

func (c *Console) Delete(ctx context.Context, id int64) (bool, error) {
	noContent, err := c.dir.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	record(ctx, "account.deleted", map[string]any{"account_id": id})
	return noContent, nil
}

// RequestVerification raises a request for the signed-in account.
func (c *Console) RequestVerification(ctx context.Context, role account.Role) (verification.Request, error) {
	req, err := c.workflow.Create(ctx, role)
	if err != nil {
		return verification.Request{}, err
	}
	record(ctx, "verification.requested", map[string]any{"request_id": req.ID, "requested_role": role})
	return req, nil
}

func (c *Console) UpdateConfig(ctx context.Context, cfg serverinfo.Config) (serverinfo.Config, error) {
	out, err := c.server.UpdateConfig(ctx, cfg)
	if err != nil {
		return serverinfo.Config{}, err
	}
	record(ctx, "server.config_updated", map[string]any{"maintenance_mode": out.MaintenanceMode})
	return out, nil
}

func (c *Console) SetMaintenance(ctx context.Context, enabled bool) (serverinfo.Config, error) {
	out, err := c.server.SetMaintenance(ctx, enabled)
	if err != nil {
		return serverinfo.Config{}, err
	}
	record(ctx, "server.maintenance_set", map[string]any{"maintenance_mode": out.MaintenanceMode})
	return out, nil
}

func record(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WithError(err).WithField("event", event).Warn("audit event dropped")
	}
}

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// temporaryPassword returns 14 random characters plus a fixed symbol, enough for the server's
// complexity rules.
func temporaryPassword() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < 14; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	b.WriteByte('!')
	return b.String(), nil
}
