// Package serverinfo reads and updates the messaging server's transport configuration and
// reads its usage statistics.
package serverinfo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"mkr.su/console/internal/apiclient"
)

var (
	ErrNotAuthorized   = errors.New("serverinfo: not authorized")
	ErrInvalidConfig   = errors.New("serverinfo: invalid configuration")
	ErrNetwork         = errors.New("serverinfo: server is unreachable")
	ErrInvalidResponse = errors.New("serverinfo: server returned an invalid response")
)

// Config is the flat transport configuration. Every field is required.
type Config struct {
	IMAPServer      string `json:"imapServer" yaml:"imap_server"`
	IMAPPort        int    `json:"imapPort" yaml:"imap_port"`
	SMTPServer      string `json:"smtpServer" yaml:"smtp_server"`
	SMTPPort        int    `json:"smtpPort" yaml:"smtp_port"`
	TURNServer      string `json:"turnServer" yaml:"turn_server"`
	STUNServer      string `json:"stunServer" yaml:"stun_server"`
	MaintenanceMode bool   `json:"maintenanceMode" yaml:"maintenance_mode"`
}

// Validate checks that every endpoint is present and every port is in range.
func (c Config) Validate() error {
	var problems []string
	for name, host := range map[string]string{
		"imapServer": c.IMAPServer,
		"smtpServer": c.SMTPServer,
		"turnServer": c.TURNServer,
		"stunServer": c.STUNServer,
	} {
		if strings.TrimSpace(host) == "" {
			problems = append(problems, name+" is required")
		}
	}
	for name, port := range map[string]int{"imapPort": c.IMAPPort, "smtpPort": c.SMTPPort} {
		if port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s %d out of range", name, port))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// Stats is a snapshot of server usage.
type Stats struct {
	TotalUsers    int       `json:"totalUsers" yaml:"total_users"`
	VerifiedUsers int       `json:"verifiedUsers" yaml:"verified_users"`
	OnlineUsers   int       `json:"onlineUsers" yaml:"online_users"`
	TotalMessages int64     `json:"totalMessages" yaml:"total_messages"`
	ServerUptime  string    `json:"serverUptime" yaml:"server_uptime"`
	LastUpdate    time.Time `json:"lastUpdate" yaml:"last_update"`
}

// Service talks to the /config and /stats endpoints.
type Service struct {
	client *apiclient.Client
}

func New(client *apiclient.Client) *Service {
	return &Service{client: client}
}

func (s *Service) Config(ctx context.Context) (Config, error) {
	var out Config
	if _, err := s.client.Send(ctx, apiclient.Request{Method: http.MethodGet, Path: "/config"}, &out); err != nil {
		return Config{}, mapFailure(err)
	}
	return out, nil
}

// UpdateConfig validates cfg locally, then replaces the server configuration. The server's copy
// is returned.
func (s *Service) UpdateConfig(ctx context.Context, cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	var out Config
	if _, err := s.client.Send(ctx, apiclient.Request{Method: http.MethodPut, Path: "/config", Body: cfg}, &out); err != nil {
		if apiclient.KindOf(err) == apiclient.KindConflict {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return Config{}, mapFailure(err)
	}
	return out, nil
}

// SetMaintenance toggles maintenance mode, keeping every other setting.
func (s *Service) SetMaintenance(ctx context.Context, enabled bool) (Config, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg.MaintenanceMode = enabled
	return s.UpdateConfig(ctx, cfg)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if _, err := s.client.Send(ctx, apiclient.Request{Method: http.MethodGet, Path: "/stats"}, &out); err != nil {
		return Stats{}, mapFailure(err)
	}
	return out, nil
}

func mapFailure(err error) error {
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
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
}
