// Package directory reads and mutates accounts on the messaging platform. It keeps no local
// cache: callers re-list after every mutation.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/apiclient"
)

var (
	ErrNotAuthorized   = errors.New("directory: not authorized")
	ErrNotFound        = errors.New("directory: account not found")
	ErrAccountExists   = errors.New("directory: account already exists")
	ErrNetwork         = errors.New("directory: server is unreachable")
	ErrInvalidResponse = errors.New("directory: server returned an invalid response")
	ErrInvalidRole     = errors.New("directory: unknown role")
	ErrReasonRequired  = errors.New("directory: a ban requires a reason")
)

// Directory is the account directory of one API root.
type Directory struct {
	client *apiclient.Client
}

func New(client *apiclient.Client) *Directory {
	return &Directory{client: client}
}

// NewAccount is the input of Create.
type NewAccount struct {
	Email    string       `json:"email"`
	Password string       `json:"password"`
	Username string       `json:"username"`
	Role     account.Role `json:"role"`
}

// List returns every account together with the server's total.
func (d *Directory) List(ctx context.Context) ([]account.Account, int, error) {
	var page apiclient.Page[account.Account]
	if _, err := d.client.Send(ctx, apiclient.Request{Method: http.MethodGet, Path: "/users"}, &page); err != nil {
		return nil, 0, mapFailure(err, ErrNotAuthorized)
	}
	return page.Items, page.Total, nil
}

// Get fetches one account. Any non-2xx status reads as ErrNotFound.
func (d *Directory) Get(ctx context.Context, id int64) (account.Account, error) {
	var out account.Account
	if _, err := d.client.Send(ctx, apiclient.Request{Method: http.MethodGet, Path: userPath(id)}, &out); err != nil {
		return account.Account{}, mapFailure(err, ErrNotFound)
	}
	return out, nil
}

// Create adds an account. The server answers 200 or 201 with the new record.
func (d *Directory) Create(ctx context.Context, in NewAccount) (account.Account, error) {
	if !in.Role.Valid() {
		return account.Account{}, fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
	}
	in.Email = strings.TrimSpace(in.Email)
	in.Username = strings.TrimSpace(in.Username)

	var out account.Account
	resp, err := d.client.Send(ctx, apiclient.Request{Method: http.MethodPost, Path: "/users", Body: in}, &out)
	if err != nil {
		return account.Account{}, mapFailure(err, ErrAccountExists)
	}
	if !resp.StatusIn(http.StatusOK, http.StatusCreated) {
		return account.Account{}, ErrAccountExists
	}
	return out, nil
}

// SetRole assigns role. Re-applying the current role is harmless.
func (d *Directory) SetRole(ctx context.Context, id int64, role account.Role) (account.Account, error) {
	if !role.Valid() {
		return account.Account{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	var out account.Account
	_, err := d.client.Send(ctx, apiclient.Request{
		Method: http.MethodPut,
		Path:   userPath(id) + "/role",
		Body:   map[string]account.Role{"role": role},
	}, &out)
	if err != nil {
		return account.Account{}, mapFailure(err, ErrNotAuthorized)
	}
	return out, nil
}

// SetVerified sets the verification flag directly, with or without a pending request. It
// returns the flag as the server recorded it.
func (d *Directory) SetVerified(ctx context.Context, id int64, verified bool) (bool, error) {
	var out struct {
		Verified *bool `json:"verified"`
		Success  *bool `json:"success"`
	}
	_, err := d.client.Send(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   userPath(id) + "/verify",
		Body:   map[string]bool{"verified": verified},
	}, &out)
	if err != nil {
		return false, mapFailure(err, ErrNotAuthorized)
	}
	switch {
	case out.Verified != nil:
		return *out.Verified, nil
	case out.Success != nil:
		return *out.Success && verified, nil
	default:
		return false, ErrInvalidResponse
	}
}

type banRequest struct {
	Ban    bool   `json:"ban"`
	Reason string `json:"reason,omitempty"`
}

// SetBanned bans or unbans an account. A ban needs a reason; it is dropped when unbanning.
// The result is the server's success flag.
func (d *Directory) SetBanned(ctx context.Context, id int64, banned bool, reason string) (bool, error) {
	reason = strings.TrimSpace(reason)
	if banned && reason == "" {
		return false, ErrReasonRequired
	}
	body := banRequest{Ban: banned}
	if banned {
		body.Reason = reason
	}
	var ack apiclient.Ack
	if _, err := d.client.Send(ctx, apiclient.Request{Method: http.MethodPost, Path: userPath(id) + "/ban", Body: body}, &ack); err != nil {
		return false, mapFailure(err, ErrNotAuthorized)
	}
	return ack.Success, nil
}

// Delete removes an account. It reports whether the server answered 204 No Content.
func (d *Directory) Delete(ctx context.Context, id int64) (bool, error) {
	resp, err := d.client.Send(ctx, apiclient.Request{Method: http.MethodDelete, Path: userPath(id)}, nil)
	if err != nil {
		return false, mapFailure(err, ErrNotAuthorized)
	}
	if !resp.StatusIn(http.StatusOK, http.StatusNoContent) {
		return false, ErrNotAuthorized
	}
	return resp.Status == http.StatusNoContent, nil
}

func userPath(id int64) string {
	return "/users/" + strconv.FormatInt(id, 10)
}

func mapFailure(err error, rejected error) error {
	switch apiclient.KindOf(err) {
	case apiclient.KindNone:
		return nil
	case apiclient.KindNetwork:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	case apiclient.KindInvalidResponse:
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	case apiclient.KindRequest:
		return err
	default:
		return fmt.Errorf("%w: %w", rejected, err)
	}
}
