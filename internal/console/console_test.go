package console

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/apiclient"
	"mkr.su/console/internal/apitest"
	"mkr.su/console/internal/auth"
	"mkr.su/console/internal/credstore"
	"mkr.su/console/internal/directory"
	"mkr.su/console/internal/obs"
	"mkr.su/console/internal/serverinfo"
	"mkr.su/console/internal/verification"
)

type fixture struct {
	console *Console
	api     *apitest.Server
	store   credstore.Store
	admin   account.Account
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	api := apitest.New(t)
	admin, token := api.AddAdmin("admin@kluboksrm.ru")

	store := credstore.NewMemory()
	require.True(t, store.Save(context.Background(), auth.BearerKey, token))
	client, err := apiclient.New(apiclient.Config{BaseURL: api.URL()}, apiclient.WithTokenSource(auth.TokenSource(store)))
	require.NoError(t, err)

	c := New(
		auth.NewManager(client, store),
		directory.New(client),
		verification.New(client),
		serverinfo.New(client),
		opts...,
	)
	return &fixture{console: c, api: api, store: store, admin: admin}
}

func captureAudit(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	prev := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(prev) })
	return &buf
}

func auditEvents(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["type"] == "audit" {
			events = append(events, entry["event"].(string))
		}
	}
	return events
}

func TestReviewApproveVerifiesAndPromotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	applicant := f.api.AddAccount(account.Account{Email: "analyst@kluboksrm.ru", Username: "analyst"}, "")
	req := f.api.AddRequest(verification.Request{UserEmail: applicant.Email, Username: applicant.Username, RequestedRole: account.RoleOSINT})

	out, err := f.console.Review(ctx, req.ID, verification.Approve)
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.True(t, out.Verified)
	assert.True(t, out.RoleChanged)
	require.NotNil(t, out.Account)
	assert.Equal(t, applicant.ID, out.Account.ID)

	got, ok := f.api.Account(applicant.ID)
	require.True(t, ok)
	assert.True(t, got.IsVerified)
	assert.Equal(t, account.RoleOSINT, got.Role)

	stored, _ := f.api.Request(req.ID)
	assert.Equal(t, verification.StatusApproved, stored.Status)
}

func TestReviewApproveKeepsMatchingRole(t *testing.T) {
	f := newFixture(t)
	applicant := f.api.AddAccount(account.Account{Email: "u@kluboksrm.ru", Role: account.RoleUser}, "")
	req := f.api.AddRequest(verification.Request{UserID: applicant.ID, UserEmail: applicant.Email, RequestedRole: account.RoleUser})

	out, err := f.console.Review(context.Background(), req.ID, verification.Approve)
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.False(t, out.RoleChanged)

	for _, call := range f.api.Calls() {
		assert.NotEqual(t, "/users/"+itoa(applicant.ID)+"/role", call.Path, "role must not be re-applied")
	}
}

func TestReviewRejectLeavesAccountAlone(t *testing.T) {
	f := newFixture(t)
	applicant := f.api.AddAccount(account.Account{Email: "r@kluboksrm.ru"}, "")
	req := f.api.AddRequest(verification.Request{UserEmail: applicant.Email, RequestedRole: account.RoleCommander})

	out, err := f.console.Review(context.Background(), req.ID, verification.Reject)
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.False(t, out.Verified)
	assert.Nil(t, out.Account)

	got, _ := f.api.Account(applicant.ID)
	assert.False(t, got.IsVerified)
	assert.Equal(t, account.RoleUser, got.Role)
	assert.Equal(t, account.StatusPending, got.Status)
}

func TestReviewDecidedRequestIsRefusedLocally(t *testing.T) {
	f := newFixture(t)
	req := f.api.AddRequest(verification.Request{UserEmail: "x@kluboksrm.ru", RequestedRole: account.RoleOSINT, Status: verification.StatusRejected})
	before := len(f.api.Calls())

	_, err := f.console.Review(context.Background(), req.ID, verification.Approve)
	require.ErrorIs(t, err, verification.ErrAlreadyDecided)

	calls := f.api.Calls()[before:]
	require.Len(t, calls, 1, "only the list call should reach the server")
	assert.Equal(t, "/verification/requests", calls[0].Path)
}

func TestReviewApproveServerRequestShape(t *testing.T) {
	f := newFixture(t)
	applicant := f.api.AddAccount(account.Account{Email: "analyst@kluboksrm.ru", Username: "analyst"}, "")
	req := f.api.AddRequest(verification.Request{UserEmail: applicant.Email, Username: applicant.Username, RequestedRole: account.RoleOSINT})
	f.api.Override(http.MethodGet, "/verification/requests", http.StatusOK,
		`{"requests":[{"id":`+itoa(req.ID)+`,"email":"analyst@kluboksrm.ru","username":"analyst","role":"osint","date":"2026-01-01T00:00:00Z","status":"pending"}],"total":1}`)

	out, err := f.console.Review(context.Background(), req.ID, verification.Approve)
	require.NoError(t, err)
	assert.Equal(t, "analyst@kluboksrm.ru", out.Request.UserEmail)
	assert.Equal(t, account.RoleOSINT, out.Request.RequestedRole)
	assert.True(t, out.RoleChanged)

	got, _ := f.api.Account(applicant.ID)
	assert.True(t, got.IsVerified)
	assert.Equal(t, account.RoleOSINT, got.Role)
}

func TestReviewApproveWithoutAssignableRole(t *testing.T) {
	f := newFixture(t)
	applicant := f.api.AddAccount(account.Account{Email: "nr@kluboksrm.ru"}, "")
	req := f.api.AddRequest(verification.Request{UserEmail: applicant.Email, RequestedRole: account.RoleOSINT})

	for _, body := range []string{
		`{"requests":[{"id":` + itoa(req.ID) + `,"email":"nr@kluboksrm.ru","username":"nr","date":"2026-01-01T00:00:00Z","status":"pending"}],"total":1}`,
		`{"requests":[{"id":` + itoa(req.ID) + `,"email":"nr@kluboksrm.ru","username":"nr","role":"overlord","date":"2026-01-01T00:00:00Z","status":"pending"}],"total":1}`,
	} {
		f.api.Override(http.MethodGet, "/verification/requests", http.StatusOK, body)
		before := len(f.api.Calls())

		_, err := f.console.Review(context.Background(), req.ID, verification.Approve)
		require.ErrorIs(t, err, ErrUnassignableRole)
		require.Len(t, f.api.Calls()[before:], 1, "nothing but the list call may reach the server")
	}

	stored, _ := f.api.Request(req.ID)
	assert.Equal(t, verification.StatusPending, stored.Status)
	got, _ := f.api.Account(applicant.ID)
	assert.False(t, got.IsVerified)
}

func TestReviewUnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.console.Review(context.Background(), 999, verification.Reject)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestReviewUnresolvableAccount(t *testing.T) {
	f := newFixture(t)
	req := f.api.AddRequest(verification.Request{UserEmail: "ghost@kluboksrm.ru", RequestedRole: account.RoleOSINT})

	out, err := f.console.Review(context.Background(), req.ID, verification.Approve)
	require.ErrorIs(t, err, ErrAccountUnresolved)
	assert.True(t, out.Recorded, "the decision itself was recorded")
}

func TestReviewServerDeclines(t *testing.T) {
	f := newFixture(t)
	applicant := f.api.AddAccount(account.Account{Email: "d@kluboksrm.ru"}, "")
	req := f.api.AddRequest(verification.Request{UserEmail: applicant.Email, RequestedRole: account.RoleOSINT})
	f.api.Override(http.MethodPost, "/verification/requests/"+itoa(req.ID)+"/approve", http.StatusOK, `{"success":false,"message":"locked"}`)

	out, err := f.console.Review(context.Background(), req.ID, verification.Approve)
	require.NoError(t, err)
	assert.False(t, out.Recorded)
	got, _ := f.api.Account(applicant.ID)
	assert.False(t, got.IsVerified, "nothing runs after a declined decision")
}

func TestInvite(t *testing.T) {
	f := newFixture(t, WithPasswordGenerator(func() (string, error) { return "Temp123!", nil }))
	buf := captureAudit(t)

	inv, err := f.console.Invite(context.Background(), "New.Member@KlubokSRM.ru")
	require.NoError(t, err)
	assert.Equal(t, "new.member", inv.Account.Username)
	assert.Equal(t, account.RoleUser, inv.Account.Role)
	assert.Equal(t, "Temp123!", inv.TemporaryPassword)
	assert.Contains(t, auditEvents(t, buf), "account.invited")

	_, err = f.console.Invite(context.Background(), "someone@gmail.com")
	assert.ErrorIs(t, err, ErrDomainNotAllowed)

	_, err = f.console.Invite(context.Background(), "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = f.console.Invite(context.Background(), "new.member@kluboksrm.ru")
	assert.ErrorIs(t, err, directory.ErrAccountExists)
}

func TestInviteFixedPassword(t *testing.T) {
	f := newFixture(t, WithInvitePassword("Welcome1!"), WithInviteDomain("@kluboksrm.ru"))
	inv, err := f.console.Invite(context.Background(), "fixed@kluboksrm.ru")
	require.NoError(t, err)
	assert.Equal(t, "Welcome1!", inv.TemporaryPassword)
}

func TestTemporaryPassword(t *testing.T) {
	a, err := temporaryPassword()
	require.NoError(t, err)
	b, err := temporaryPassword()
	require.NoError(t, err)
	assert.Len(t, a, 15)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, "!"))
}

func TestBanDefaultsReasonAndAudits(t *testing.T) {
	f := newFixture(t)
	buf := captureAudit(t)
	target := f.api.AddAccount(account.Account{Email: "spam@kluboksrm.ru", IsVerified: true}, "")

	ok, err := f.console.Ban(context.Background(), target.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := f.api.Account(target.ID)
	assert.Equal(t, account.StatusBanned, got.Status)

	ok, err = f.console.Unban(context.Background(), target.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = f.api.Account(target.ID)
	assert.False(t, got.IsBanned)

	assert.Equal(t, []string{"account.banned", "account.unbanned"}, auditEvents(t, buf))
	assert.Contains(t, buf.String(), DefaultBanReason)
}

func TestBanForbiddenIsNotAudited(t *testing.T) {
	f := newFixture(t)
	buf := captureAudit(t)
	f.api.Override(http.MethodPost, "/users/5/ban", http.StatusForbidden, `{}`)

	_, err := f.console.Ban(context.Background(), 5, "spam")
	require.ErrorIs(t, err, directory.ErrNotAuthorized)
	assert.Empty(t, auditEvents(t, buf))
}

func TestRefreshAfterMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AddRequest(verification.Request{UserEmail: "a@kluboksrm.ru", RequestedRole: account.RoleOSINT})

	before, err := f.console.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, before.Total)
	assert.Len(t, before.Pending(), 1)

	_, err = f.console.Invite(ctx, "b@kluboksrm.ru")
	require.NoError(t, err)

	after, err := f.console.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Total)
	assert.Len(t, after.Accounts, 2)
}

func TestLoginLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AddAccount(account.Account{Email: "ops@kluboksrm.ru", Role: account.RoleCommander, IsVerified: true}, "s3cret")
	buf := captureAudit(t)

	session, err := f.console.Login(ctx, "ops@kluboksrm.ru", "s3cret")
	require.NoError(t, err)
	token, ok := f.store.Load(ctx, auth.BearerKey)
	require.True(t, ok)
	assert.Equal(t, session.BearerToken, token)

	_, err = f.console.Login(ctx, "ops@kluboksrm.ru", "wrong")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	token, _ = f.store.Load(ctx, auth.BearerKey)
	assert.Equal(t, session.BearerToken, token, "failed login keeps the session")

	res := f.console.Logout(ctx)
	assert.True(t, res.OK())
	assert.False(t, f.console.Sessions().HasSession(ctx))

	assert.Equal(t, []string{"session.login", "session.login_failed", "session.logout"}, auditEvents(t, buf))
}

func TestMaintenance(t *testing.T) {
	f := newFixture(t)
	cfg, err := f.console.SetMaintenance(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, cfg.MaintenanceMode)
	assert.True(t, f.api.Config().MaintenanceMode)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
