package main

import (
	"encoding/json"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"mkr.su/console/internal/account"
	"mkr.su/console/internal/verification"
)

type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

func (p *printer) print(v any) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

type accountView struct {
	ID       int64  `yaml:"id" json:"id"`
	Email    string `yaml:"email" json:"email"`
	Username string `yaml:"username" json:"username"`
	Role     string `yaml:"role" json:"role"`
	Status   string `yaml:"status" json:"status"`
	Verified bool   `yaml:"verified" json:"verified"`
	Banned   bool   `yaml:"banned" json:"banned"`
	Created  string `yaml:"created_at" json:"created_at"`
	LastSeen string `yaml:"last_seen,omitempty" json:"last_seen,omitempty"`
}

func viewAccount(a account.Account) accountView {
	v := accountView{
		ID:       a.ID,
		Email:    a.Email,
		Username: a.Username,
		Role:     a.Role.DisplayName(),
		Status:   a.Status.DisplayName(),
		Verified: a.IsVerified,
		Banned:   a.IsBanned,
		Created:  a.CreatedAt.Format(time.RFC3339),
	}
	if a.LastSeen != nil {
		v.LastSeen = a.LastSeen.Format(time.RFC3339)
	}
	return v
}

type requestView struct {
	ID            int64  `yaml:"id" json:"id"`
	Email         string `yaml:"email" json:"email"`
	Username      string `yaml:"username" json:"username"`
	RequestedRole string `yaml:"requested_role" json:"requested_role"`
	Status        string `yaml:"status" json:"status"`
	Date          string `yaml:"date" json:"date"`
}

func viewRequest(r verification.Request) requestView {
	return requestView{
		ID:            r.ID,
		Email:         r.UserEmail,
		Username:      r.Username,
		RequestedRole: r.RequestedRole.DisplayName(),
		Status:        r.Status.DisplayName(),
		Date:          r.Date.Format(time.RFC3339),
	}
}
