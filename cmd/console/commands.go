package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/auth"
	"mkr.su/console/internal/console"
	"mkr.su/console/internal/serverinfo"
	"mkr.su/console/internal/verification"
)

type env struct {
	console *console.Console
	stdin   io.Reader
	out     *printer
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"login":                {"login --email EMAIL [--password PASSWORD]", "sign in and store the session", cmdLogin},
		"logout":               {"logout", "forget the stored session", cmdLogout},
		"whoami":               {"whoami", "show what the stored token says about the session", cmdWhoami},
		"users":                {"users [--status STATUS]", "list accounts", cmdUsers},
		"user":                 {"user ID", "show one account", cmdUser},
		"invite":               {"invite EMAIL", "create a user account with a temporary password", cmdInvite},
		"role":                 {"role ID ROLE", "change an account's role", cmdRole},
		"verify":               {"verify ID", "mark an account verified", cmdSetVerified(true)},
		"unverify":             {"unverify ID", "clear an account's verified flag", cmdSetVerified(false)},
		"ban":                  {"ban ID [--reason REASON]", "ban an account", cmdBan},
		"unban":                {"unban ID", "lift a ban", cmdUnban},
		"delete":               {"delete ID", "delete an account", cmdDelete},
		"requests":             {"requests [--pending]", "list verification requests", cmdRequests},
		"request-verification": {"request-verification ROLE", "ask to be verified at ROLE", cmdRequestVerification},
		"approve":              {"approve ID", "record approval of a request only", cmdDecide(verification.Approve)},
		"reject":               {"reject ID", "reject a request", cmdDecide(verification.Reject)},
		"review":               {"review ID approve|reject", "decide a request and apply it to the account", cmdReview},
		"config":               {"config [--set FILE]", "show or replace the server configuration", cmdConfig},
		"set-maintenance":      {"set-maintenance on|off", "toggle maintenance mode", cmdMaintenance},
		"stats":                {"stats", "show server statistics", cmdStats},
	}
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: console [global flags] COMMAND [args]")
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-44s %s\n", commands[name].usage, commands[name].help)
	}
	fmt.Fprintf(w, "  %-44s %s\n", "version", "print the console version")
	fmt.Fprintln(w, "\nglobal flags:")
	fmt.Fprint(w, flags.FlagUsages())
}

func subFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseID(args []string, want int) (int64, error) {
	if len(args) != want {
		return 0, fmt.Errorf("expected %d argument(s), got %d", want, len(args))
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func parseRole(s string) (account.Role, error) {
	role, ok := account.ParseRole(s)
	if !ok {
		names := make([]string, len(account.Roles))
		for i, r := range account.Roles {
			names[i] = string(r)
		}
		return "", fmt.Errorf("unknown role %q (want one of %s)", s, strings.Join(names, ", "))
	}
	return role, nil
}

func cmdLogin(ctx context.Context, e *env, args []string) error {
	fs := subFlags("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password (read from stdin when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("--email is required")
	}
	if *password == "" {
		line, err := bufio.NewReader(e.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		*password = strings.TrimRight(line, "\r\n")
	}
	session, err := e.console.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	return e.out.print(struct {
		Account accountView `yaml:"account" json:"account"`
		Refresh bool        `yaml:"refresh_token_stored" json:"refresh_token_stored"`
	}{viewAccount(session.Account), session.RefreshToken != ""})
}

func cmdLogout(ctx context.Context, e *env, _ []string) error {
	res := e.console.Logout(ctx)
	if !res.OK() {
		fmt.Fprintln(os.Stderr, "warning: some session data could not be removed")
	}
	return e.out.print(map[string]bool{
		"bearer_cleared":  res.BearerCleared,
		"refresh_cleared": res.RefreshCleared,
	})
}

func cmdWhoami(ctx context.Context, e *env, _ []string) error {
	token, ok := e.console.Sessions().Token(ctx)
	if !ok {
		return errors.New("not signed in")
	}
	view := map[string]any{"signed_in": true}
	if info, err := auth.Inspect(token); err == nil {
		view["subject"] = info.Subject
		view["role"] = info.Role
		if !info.ExpiresAt.IsZero() {
			view["expires_at"] = info.ExpiresAt.Format(time.RFC3339)
			view["expired"] = info.Expired(time.Now())
		}
	} else {
		view["token"] = "opaque"
	}
	return e.out.print(view)
}

func cmdUsers(ctx context.Context, e *env, args []string) error {
	fs := subFlags("users")
	status := fs.String("status", "", "only show accounts with this status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	accounts, total, err := e.console.Directory().List(ctx)
	if err != nil {
		return err
	}
	if *status != "" {
		accounts = account.Filter(accounts, account.ByStatus(account.Status(strings.ToLower(*status))))
	}
	views := make([]accountView, len(accounts))
	for i, a := range accounts {
		views[i] = viewAccount(a)
	}
	return e.out.print(struct {
		Total    int           `yaml:"total" json:"total"`
		Accounts []accountView `yaml:"accounts" json:"accounts"`
	}{total, views})
}

func cmdUser(ctx context.Context, e *env, args []string) error {
	id, err := parseID(args, 1)
	if err != nil {
		return err
	}
	a, err := e.console.Directory().Get(ctx, id)
	if err != nil {
		return err
	}
	return e.out.print(viewAccount(a))
}

func cmdInvite(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: invite EMAIL")
	}
	inv, err := e.console.Invite(ctx, args[0])
	if err != nil {
		return err
	}
	return e.out.print(struct {
		Account  accountView `yaml:"account" json:"account"`
		Password string      `yaml:"temporary_password" json:"temporary_password"`
	}{viewAccount(inv.Account), inv.TemporaryPassword})
}

func cmdRole(ctx context.Context, e *env, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: role ID ROLE")
	}
	id, err := parseID(args[:1], 1)
	if err != nil {
		return err
	}
	role, err := parseRole(args[1])
	if err != nil {
		return err
	}
	a, err := e.console.SetRole(ctx, id, role)
	if err != nil {
		return err
	}
	return e.out.print(viewAccount(a))
}

func cmdSetVerified(verified bool) func(context.Context, *env, []string) error {
	return func(ctx context.Context, e *env, args []string) error {
		id, err := parseID(args, 1)
		if err != nil {
			return err
		}
		got, err := e.console.SetVerified(ctx, id, verified)
		if err != nil {
			return err
		}
		return e.out.print(map[string]any{"id": id, "verified": got})
	}
}

func cmdBan(ctx context.Context, e *env, args []string) error {
	fs := subFlags("ban")
	reason := fs.String("reason", console.DefaultBanReason, "reason shown to the user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseID(fs.Args(), 1)
	if err != nil {
		return err
	}
	ok, err := e.console.Ban(ctx, id, *reason)
	if err != nil {
		return err
	}
	return e.out.print(map[string]any{"id": id, "banned": ok})
}

func cmdUnban(ctx context.Context, e *env, args []string) error {
	id, err := parseID(args, 1)
	if err != nil {
		return err
	}
	ok, err := e.console.Unban(ctx, id)
	if err != nil {
		return err
	}
	return e.out.print(map[string]any{"id": id, "unbanned": ok})
}

func cmdDelete(ctx context.Context, e *env, args []string) error {
	id, err := parseID(args, 1)
	if err != nil {
		return err
	}
	if _, err := e.console.Delete(ctx, id); err != nil {
		return err
	}
	return e.out.print(map[string]any{"id": id, "deleted": true})
}

func cmdRequests(ctx context.Context, e *env, args []string) error {
	fs := subFlags("requests")
	pending := fs.Bool("pending", false, "only show requests awaiting review")
	if err := fs.Parse(args); err != nil {
		return err
	}
	requests, err := e.console.Workflow().List(ctx)
	if err != nil {
		return err
	}
	if *pending {
		requests = verification.Pending(requests)
	}
	views := make([]requestView, len(requests))
	for i, r := range requests {
		views[i] = viewRequest(r)
	}
	return e.out.print(views)
}

func cmdRequestVerification(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: request-verification ROLE")
	}
	role, err := parseRole(args[0])
	if err != nil {
		return err
	}
	req, err := e.console.RequestVerification(ctx, role)
	if err != nil {
		return err
	}
	return e.out.print(viewRequest(req))
}

func cmdDecide(d verification.Decision) func(context.Context, *env, []string) error {
	return func(ctx context.Context, e *env, args []string) error {
		id, err := parseID(args, 1)
		if err != nil {
			return err
		}
		ok, err := e.console.Workflow().Decide(ctx, id, d)
		if err != nil {
			return err
		}
		return e.out.print(map[string]any{"id": id, "decision": string(d), "recorded": ok})
	}
}

func cmdReview(ctx context.Context, e *env, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: review ID approve|reject")
	}
	id, err := parseID(args[:1], 1)
	if err != nil {
		return err
	}
	d, ok := verification.ParseDecision(args[1])
	if !ok {
		return fmt.Errorf("unknown decision %q", args[1])
	}
	out, err := e.console.Review(ctx, id, d)
	if err != nil {
		return err
	}
	view := map[string]any{
		"request":      viewRequest(out.Request),
		"decision":     string(out.Decision),
		"recorded":     out.Recorded,
		"verified":     out.Verified,
		"role_changed": out.RoleChanged,
	}
	if out.Account != nil {
		view["account"] = viewAccount(*out.Account)
	}
	return e.out.print(view)
}

func cmdConfig(ctx context.Context, e *env, args []string) error {
	fs := subFlags("config")
	file := fs.String("set", "", "YAML file with the full configuration to apply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		cfg, err := e.console.Server().Config(ctx)
		if err != nil {
			return err
		}
		return e.out.print(cfg)
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var cfg serverinfo.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}
	updated, err := e.console.UpdateConfig(ctx, cfg)
	if err != nil {
		return err
	}
	return e.out.print(updated)
}

func cmdMaintenance(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: set-maintenance on|off")
	}
	var enabled bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		enabled = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	cfg, err := e.console.SetMaintenance(ctx, enabled)
	if err != nil {
		return err
	}
	return e.out.print(cfg)
}

func cmdStats(ctx context.Context, e *env, _ []string) error {
	st, err := e.console.Server().Stats(ctx)
	if err != nil {
		return err
	}
	return e.out.print(st)
}
