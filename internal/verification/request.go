// Package verification handles requests by accounts to be trusted at a given role. A request is
// decided once: pending moves to approved or rejected and never back.
package verification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mkr.su/console/internal/account"
)

// Status of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusUnknown covers wire values this build does not recognize. Such requests are not
	// reviewable.
	StatusUnknown Status = "unknown"
)

func ParseStatus(s string) Status {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st
	default:
		return StatusUnknown
	}
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// CanBeReviewed reports whether approve or reject may still be applied.
func (s Status) CanBeReviewed() bool { return s == StatusPending }

// IsTerminal reports whether the request has been decided.
func (s Status) IsTerminal() bool { return s == StatusApproved || s == StatusRejected }

func (s Status) DisplayName() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusApproved:
		return "Approved"
	case StatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Decision is the reviewer's verdict.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

func ParseDecision(s string) (Decision, bool) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case Approve, Reject:
		return d, true
	default:
		return "", false
	}
}

// Transition returns the status a decision leads to from s. Decided requests refuse every
// decision with ErrAlreadyDecided.
func (s Status) Transition(d Decision) (Status, error) {
	if !s.CanBeReviewed() {
		return s, fmt.Errorf("%w: request is %s", ErrAlreadyDecided, s)
	}
	switch d {
	case Approve:
		return StatusApproved, nil
	case Reject:
		return StatusRejected, nil
	default:
		return s, fmt.Errorf("verification: unknown decision %q", d)
	}
}

// Request is one verification request. The server sends the applicant as email and the
// requested role as role.
type Request struct {
	ID            int64        `json:"id"`
	UserID        int64        `json:"userId,omitempty"`
	UserEmail     string       `json:"email"`
	Username      string       `json:"username"`
	RequestedRole account.Role `json:"role"`
	Date          time.Time    `json:"date"`
	Status        Status       `json:"status"`
}

// UnmarshalJSON also accepts the userEmail and requestedRole spellings. A missing or
// unrecognized role decodes as account.RoleUnknown and a missing status as StatusUnknown.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w struct {
		ID            int64     `json:"id"`
		UserID        int64     `json:"userId"`
		Email         string    `json:"email"`
		UserEmail     string    `json:"userEmail"`
		Username      string    `json:"username"`
		Role          string    `json:"role"`
		RequestedRole string    `json:"requestedRole"`
		Date          time.Time `json:"date"`
		Status        string    `json:"status"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	role, _ := account.ParseRole(firstNonEmpty(w.Role, w.RequestedRole))
	*r = Request{
		ID:            w.ID,
		UserID:        w.UserID,
		UserEmail:     firstNonEmpty(w.Email, w.UserEmail),
		Username:      w.Username,
		RequestedRole: role,
		Date:          w.Date,
		Status:        ParseStatus(w.Status),
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Pending keeps the reviewable requests. Duplicates are kept; the caller picks one.
func Pending(requests []Request) []Request {
	out := make([]Request, 0, len(requests))
	for _, r := range requests {
		if r.Status.CanBeReviewed() {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the request with id.
func Find(requests []Request, id int64) (Request, bool) {
	for _, r := range requests {
		if r.ID == id {
			return r, true
		}
	}
	return Request{}, false
}
