package verification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/apiclient"
)

var (
	ErrNotAuthorized   = errors.New("verification: not authorized")
	ErrInvalidResponse = errors.New("verification: server returned an invalid response")
	ErrNetwork         = errors.New("verification: server is unreachable")
	// ErrAlreadyDecided is returned for a request that is no longer pending, either found locally
	// or reported by the server as 409 Conflict.
	ErrAlreadyDecided = errors.New("verification: request already decided")
	ErrInvalidRole    = errors.New("verification: unknown role")
)

// Workflow records reviewer decisions. It never touches the account itself: applying a decision
// (verify, change role) is a separate directory call made by the caller.
type Workflow struct {
	client *apiclient.Client
}

func New(client *apiclient.Client) *Workflow {
	return &Workflow{client: client}
}

// List returns every request regardless of status. Use Pending to narrow it.
func (w *Workflow) List(ctx context.Context) ([]Request, error) {
	var page apiclient.Page[Request]
	if _, err := w.client.Send(ctx, apiclient.Request{Method: http.MethodGet, Path: "/verification/requests"}, &page); err != nil {
		return nil, mapFailure(err, ErrNotAuthorized)
	}
	return page.Items, nil
}

// Create raises a request for the signed-in account to be trusted at role.
func (w *Workflow) Create(ctx context.Context, role account.Role) (Request, error) {
	if !role.Valid() {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	var out Request
	resp, err := w.client.Send(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/verification/requests",
		Body:   map[string]account.Role{"role": role},
	}, &out)
	if err != nil {
		return Request{}, mapFailure(err, ErrInvalidResponse)
	}
	if !resp.StatusIn(http.StatusOK, http.StatusCreated) {
		return Request{}, ErrInvalidResponse
	}
	return out, nil
}

// Approve marks a pending request approved. A {success:false} answer returns false without error.
func (w *Workflow) Approve(ctx context.Context, id int64) (bool, error) {
	return w.decide(ctx, id, Approve)
}

// Reject marks a pending request rejected. The account is left as is.
func (w *Workflow) Reject(ctx context.Context, id int64) (bool, error) {
	return w.decide(ctx, id, Reject)
}

// Decide applies d to request id.
func (w *Workflow) Decide(ctx context.Context, id int64, d Decision) (bool, error) {
	return w.decide(ctx, id, d)
}

func (w *Workflow) decide(ctx context.Context, id int64, d Decision) (bool, error) {
	if d != Approve && d != Reject {
		return false, fmt.Errorf("verification: unknown decision %q", d)
	}
	var ack apiclient.Ack
	path := "/verification/requests/" + strconv.FormatInt(id, 10) + "/" + string(d)
	if _, err := w.client.Send(ctx, apiclient.Request{Method: http.MethodPost, Path: path}, &ack); err != nil {
		if apiclient.StatusOf(err) == http.StatusConflict {
			return false, fmt.Errorf("%w: %w", ErrAlreadyDecided, err)
		}
		return false, mapFailure(err, ErrNotAuthorized)
	}
	return ack.Success, nil
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
