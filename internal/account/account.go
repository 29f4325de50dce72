// Package account models directory accounts: identity, role and trust state.
package account

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the authorization level of an account.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCommander  Role = "commander"
	RoleTechnician Role = "technician"
	RoleOSINT      Role = "osint"
	RoleUser       Role = "user"
	// RoleUnknown stands in for wire values this build does not recognize.
	RoleUnknown Role = "unknown"
)

// Roles lists the assignable roles, highest privilege first.
var Roles = []Role{RoleAdmin, RoleCommander, RoleTechnician, RoleOSINT, RoleUser}

var roleRank = map[Role]int{
	RoleAdmin:      5,
	RoleCommander:  4,
	RoleTechnician: 3,
	RoleOSINT:      2,
	RoleUser:       1,
}

var roleNames = map[Role]string{
	RoleAdmin:      "Admin",
	RoleCommander:  "Commander",
	RoleTechnician: "Technician",
	RoleOSINT:      "OSINT",
	RoleUser:       "User",
	RoleUnknown:    "Unknown",
}

// ParseRole maps a wire value onto a Role; ok is false for unrecognized values, which map to
// RoleUnknown.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; ok {
		return r, true
	}
	return RoleUnknown, false
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Rank orders roles by privilege; RoleUnknown ranks below every real role.
func (r Role) Rank() int { return roleRank[r] }

// Outranks reports whether r is strictly more privileged than other.
func (r Role) Outranks(other Role) bool { return r.Rank() > other.Rank() }

func (r Role) DisplayName() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return roleNames[RoleUnknown]
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r, _ = ParseRole(s)
	return nil
}

// Status is the display projection of liveness and trust.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusPending Status = "pending"
	StatusBanned  Status = "banned"
	StatusBlocked Status = "blocked"
)

func (s Status) DisplayName() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusPending:
		return "Pending"
	case StatusBanned:
		return "Banned"
	case StatusBlocked:
		return "Blocked"
	default:
		return "Offline"
	}
}

// ProjectStatus reconciles the wire status with the trust flags:
// banned iff isBanned, pending iff neither verified nor banned. Otherwise the wire liveness
// (online, offline, blocked) is kept and anything else reads as offline.
func ProjectStatus(wire string, isVerified, isBanned bool) Status {
	if isBanned {
		return StatusBanned
	}
	if !isVerified {
		return StatusPending
	}
	switch s := Status(strings.ToLower(strings.TrimSpace(wire))); s {
	case StatusOnline, StatusOffline, StatusBlocked:
		return s
	default:
		return StatusOffline
	}
}

// Account is one directory entry.
type Account struct {
	ID         int64      `json:"id"`
	Email      string     `json:"email"`
	Username   string     `json:"username"`
	Role       Role       `json:"role"`
	IsVerified bool       `json:"isVerified"`
	IsBanned   bool       `json:"isBanned"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
}

func (a *Account) UnmarshalJSON(data []byte) error {
	type wire Account
	var w struct {
		wire
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Account(w.wire)
	if a.Role == "" {
		a.Role = RoleUnknown
	}
	a.Status = ProjectStatus(w.Status, a.IsVerified, a.IsBanned)
	return nil
}

// TrustState is the pair of orthogonal trust flags.
type TrustState struct {
	Verified bool
	Banned   bool
}

func (a Account) Trust() TrustState {
	return TrustState{Verified: a.IsVerified, Banned: a.IsBanned}
}

// Pending reports whether the account still awaits verification.
func (a Account) Pending() bool { return a.Status == StatusPending }

// Filter returns the accounts for which keep returns true. The input is not modified.
func Filter(accounts []Account, keep func(Account) bool) []Account {
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// ByStatus is a Filter predicate.
func ByStatus(s Status) func(Account) bool {
	return func(a Account) bool { return a.Status == s }
}
