package account

import (
	"encoding/json"
	"testing"
	"time"
)

func TestProjectStatusInvariants(t *testing.T) {
	t.Parallel()

	wires := []string{"online", "offline", "pending", "banned", "blocked", "", "garbage"}
	for _, wire := range wires {
		for _, verified := range []bool{false, true} {
			for _, banned := range []bool{false, true} {
				got := ProjectStatus(wire, verified, banned)
				if (got == StatusPending) != (!verified && !banned) {
					t.Fatalf("ProjectStatus(%q, verified=%v, banned=%v) = %s breaks pending rule", wire, verified, banned, got)
				}
				if (got == StatusBanned) != banned {
					t.Fatalf("ProjectStatus(%q, verified=%v, banned=%v) = %s breaks banned rule", wire, verified, banned, got)
				}
			}
		}
	}
}

func TestProjectStatusKeepsLiveness(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"online":  StatusOnline,
		"OFFLINE": StatusOffline,
		"blocked": StatusBlocked,
		"pending": StatusOffline,
		"banned":  StatusOffline,
		"away":    StatusOffline,
	}
	for wire, want := range cases {
		if got := ProjectStatus(wire, true, false); got != want {
			t.Fatalf("ProjectStatus(%q) = %s, want %s", wire, got, want)
		}
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, r := range Roles {
		got, ok := ParseRole(string(r))
		if !ok || got != r {
			t.Fatalf("ParseRole(%q) = %s, %v", r, got, ok)
		}
	}
	if got, ok := ParseRole(" Admin "); !ok || got != RoleAdmin {
		t.Fatalf("ParseRole should normalize case and space, got %s", got)
	}
	if got, ok := ParseRole("superuser"); ok || got != RoleUnknown {
		t.Fatalf("ParseRole(superuser) = %s, %v; want unknown", got, ok)
	}
}

func TestRoleOrdering(t *testing.T) {
	t.Parallel()

	for i := 0; i < len(Roles)-1; i++ {
		if !Roles[i].Outranks(Roles[i+1]) {
			t.Fatalf("%s should outrank %s", Roles[i], Roles[i+1])
		}
	}
	if RoleUnknown.Outranks(RoleUser) {
		t.Fatalf("unknown must not outrank user")
	}
	if RoleUnknown.Valid() {
		t.Fatalf("unknown must not be assignable")
	}
}

func TestAccountDecodeReconciles(t *testing.T) {
	t.Parallel()

	raw := `{"id":5,"email":"ops@kluboksrm.ru","username":"ops","role":"warlord","isVerified":false,"isBanned":false,"status":"online","createdAt":"2026-03-01T10:00:00Z","lastSeen":null}`
	var a Account
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.ID != 5 || a.Email != "ops@kluboksrm.ru" || a.Username != "ops" {
		t.Fatalf("identity not decoded: %+v", a)
	}
	if a.Role != RoleUnknown {
		t.Fatalf("role = %s, want unknown", a.Role)
	}
	if a.Status != StatusPending || !a.Pending() {
		t.Fatalf("status = %s, want pending", a.Status)
	}
	if a.LastSeen != nil {
		t.Fatalf("lastSeen should be nil")
	}

	raw = `{"id":6,"email":"b@kluboksrm.ru","username":"b","role":"osint","isVerified":true,"isBanned":true,"status":"online","createdAt":"2026-03-01T10:00:00Z","lastSeen":"2026-03-02T10:00:00Z"}`
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Status != StatusBanned || a.Role != RoleOSINT || a.LastSeen == nil {
		t.Fatalf("unexpected account: %+v", a)
	}
	if a.Trust() != (TrustState{Verified: true, Banned: true}) {
		t.Fatalf("trust = %+v", a.Trust())
	}
}

func TestAccountDecodeServerShapes(t *testing.T) {
	t.Parallel()

	seen := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		raw      string
		role     Role
		status   Status
		lastSeen *time.Time
	}{
		{
			name:   "lastSeen absent",
			raw:    `{"id":1,"email":"a@kluboksrm.ru","username":"a","role":"technician","isVerified":true,"isBanned":false,"status":"offline","createdAt":"2026-03-01T10:00:00Z"}`,
			role:   RoleTechnician,
			status: StatusOffline,
		},
		{
			name:   "lastSeen null",
			raw:    `{"id":1,"email":"a@kluboksrm.ru","username":"a","role":"commander","isVerified":true,"isBanned":false,"status":"online","createdAt":"2026-03-01T10:00:00Z","lastSeen":null}`,
			role:   RoleCommander,
			status: StatusOnline,
		},
		{
			name:     "lastSeen set",
			raw:      `{"id":1,"email":"a@kluboksrm.ru","username":"a","role":"admin","isVerified":true,"isBanned":false,"status":"blocked","createdAt":"2026-03-01T10:00:00Z","lastSeen":"2026-03-02T10:00:00Z"}`,
			role:     RoleAdmin,
			status:   StatusBlocked,
			lastSeen: &seen,
		},
		{
			name:   "unknown role and status",
			raw:    `{"id":1,"email":"a@kluboksrm.ru","username":"a","role":"overlord","isVerified":true,"isBanned":false,"status":"away","createdAt":"2026-03-01T10:00:00Z"}`,
			role:   RoleUnknown,
			status: StatusOffline,
		},
		{
			name:   "role missing",
			raw:    `{"id":1,"email":"a@kluboksrm.ru","username":"a","isVerified":false,"isBanned":false,"status":"online","createdAt":"2026-03-01T10:00:00Z"}`,
			role:   RoleUnknown,
			status: StatusPending,
		},
		{
			name:   "banned wins over wire status",
			raw:    `{"id":1,"email":"a@kluboksrm.ru","username":"a","role":"user","isVerified":false,"isBanned":true,"status":"online","createdAt":"2026-03-01T10:00:00Z"}`,
			role:   RoleUser,
			status: StatusBanned,
		},
	}
	for _, tc := range cases {
		var a Account
		if err := json.Unmarshal([]byte(tc.raw), &a); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.name, err)
		}
		if a.ID != 1 || a.Email != "a@kluboksrm.ru" || a.Username != "a" {
			t.Fatalf("%s: identity = %+v", tc.name, a)
		}
		if !a.CreatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
			t.Fatalf("%s: createdAt = %v", tc.name, a.CreatedAt)
		}
		if a.Role != tc.role || a.Status != tc.status {
			t.Fatalf("%s: role=%s status=%s, want %s %s", tc.name, a.Role, a.Status, tc.role, tc.status)
		}
		switch {
		case tc.lastSeen == nil && a.LastSeen != nil:
			t.Fatalf("%s: lastSeen = %v, want nil", tc.name, a.LastSeen)
		case tc.lastSeen != nil && (a.LastSeen == nil || !a.LastSeen.Equal(*tc.lastSeen)):
			t.Fatalf("%s: lastSeen = %v, want %v", tc.name, a.LastSeen, tc.lastSeen)
		}
	}
}

func TestFilterByStatus(t *testing.T) {
	t.Parallel()

	accounts := []Account{
		{ID: 1, Status: StatusPending},
		{ID: 2, Status: StatusOnline},
		{ID: 3, Status: StatusPending},
	}
	pending := Filter(accounts, ByStatus(StatusPending))
	if len(pending) != 2 || pending[0].ID != 1 || pending[1].ID != 3 {
		t.Fatalf("unexpected filter result: %+v", pending)
	}
	if len(accounts) != 3 {
		t.Fatalf("input modified")
	}
}
