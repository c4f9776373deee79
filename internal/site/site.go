package site

import (
	"strings"
	"time"

	"github.com/beyazitkolemen/serverbond-docker/internal/framework"
)

// State is the lifecycle state recorded for a site.
type State string

const (
	StateBuilding State = "building"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Database holds the site's provisioned MySQL credentials. The password is
// persisted so redeploys render the same configuration the running app
// already uses.
type Database struct {
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Site is the persisted record for one deployed application. It lives as
// a dotfile inside the site directory and is the source of truth for
// everything a redeploy must not regenerate.
type Site struct {
	Name         string            `json:"name"`
	Domain       string            `json:"domain"`
	Repo         string            `json:"repo"`
	Branch       string            `json:"branch,omitempty"`
	Framework    framework.Variant `json:"framework"`
	State        State             `json:"state"`
	PHPVersion   string            `json:"php_version,omitempty"`
	AppSecret    string            `json:"app_secret"`
	Database     *Database         `json:"database,omitempty"`
	EnvOverrides map[string]string `json:"env_overrides,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NameFromDomain derives the site name from the leftmost domain label,
// lowercased with everything outside [a-z0-9-] replaced by a hyphen.
func NameFromDomain(domain string) string {
	label, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(domain)), ".")
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
