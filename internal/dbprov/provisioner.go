package dbprov

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/beyazitkolemen/serverbond-docker/internal/agenterr"
)

// executor is the slice of the docker engine the provisioner needs.
type executor interface {
	ContainerRunning(ctx context.Context, name string) (bool, error)
	ExecWithInput(ctx context.Context, containerName string, cmd, env []string, stdin string) (string, error)
}

// Credentials identifies one site's database and account.
type Credentials struct {
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"-"`
}

// Provisioner creates and removes per-site databases on the shared MySQL
// container. All statements are idempotent so repeated provisioning of the
// same site is safe.
type Provisioner struct {
	docker       executor
	container    string
	rootPassword string
	charset      string
	collation    string
	logger       *slog.Logger
}

func New(docker executor, container, rootPassword, charset, collation string, logger *slog.Logger) *Provisioner {
	if charset == "" {
		charset = "utf8mb4"
	}
	if collation == "" {
		collation = "utf8mb4_unicode_ci"
	}
	return &Provisioner{
		docker:       docker,
		container:    container,
		rootPassword: rootPassword,
		charset:      charset,
		collation:    collation,
		logger:       logger,
	}
}

// EnsureDatabase creates the database and user if they do not exist and
// grants the user full access to the database. It fails fast when the
// shared MySQL container is not running.
func (p *Provisioner) EnsureDatabase(ctx context.Context, creds Credentials) error {
	if err := p.checkRunning(ctx); err != nil {
		return err
	}
	db := SanitizeIdentifier(creds.Database)
	user := SanitizeUser(creds.User)
	if db == "" || user == "" {
		return agenterr.Validationf("database and user names cannot be empty")
	}
	if creds.Password == "" {
		return agenterr.Validationf("database password cannot be empty")
	}

	var sql strings.Builder
	fmt.Fprintf(&sql, "CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET %s COLLATE %s;\n", db, p.charset, p.collation)
	fmt.Fprintf(&sql, "CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s';\n", user, escapeString(creds.Password))
	fmt.Fprintf(&sql, "ALTER USER '%s'@'%%' IDENTIFIED BY '%s';\n", user, escapeString(creds.Password))
	fmt.Fprintf(&sql, "GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%';\n", db, user)
	sql.WriteString("FLUSH PRIVILEGES;\n")

	if err := p.runSQL(ctx, sql.String()); err != nil {
		return fmt.Errorf("provision database %s: %w", db, err)
	}
	p.logger.Info("database provisioned", "database", db, "user", user)
	return nil
}

// DropDatabase removes the site's database and user. Missing objects are
// not an error.
func (p *Provisioner) DropDatabase(ctx context.Context, creds Credentials) error {
	if err := p.checkRunning(ctx); err != nil {
		return err
	}
	db := SanitizeIdentifier(creds.Database)
	user := SanitizeUser(creds.User)
	if db == "" {
		return agenterr.Validationf("database name cannot be empty")
	}

	var sql strings.Builder
	fmt.Fprintf(&sql, "DROP DATABASE IF EXISTS `%s`;\n", db)
	if user != "" {
		fmt.Fprintf(&sql, "DROP USER IF EXISTS '%s'@'%%';\n", user)
	}
	sql.WriteString("FLUSH PRIVILEGES;\n")

	if err := p.runSQL(ctx, sql.String()); err != nil {
		return fmt.Errorf("drop database %s: %w", db, err)
	}
	p.logger.Info("database dropped", "database", db, "user", user)
	return nil
}

func (p *Provisioner) checkRunning(ctx context.Context) error {
	running, err := p.docker.ContainerRunning(ctx, p.container)
	if err != nil {
		return fmt.Errorf("inspect mysql container: %w", err)
	}
	if !running {
		return fmt.Errorf("mysql container %s is not running: %w", p.container, agenterr.ErrDependencyUnavailable)
	}
	return nil
}

func (p *Provisioner) runSQL(ctx context.Context, sql string) error {
	cmd := []string{"mysql", "--user=root", "--batch"}
	env := []string{"MYSQL_PWD=" + p.rootPassword}
	if _, err := p.docker.ExecWithInput(ctx, p.container, cmd, env, sql); err != nil {
		return err
	}
	return nil
}

const (
	maxDatabaseName = 64
	maxUserName     = 32
)

// SanitizeIdentifier lowercases the name and replaces every character
// outside [a-z0-9_] with an underscore. MySQL schema identifiers are
// capped at 64 characters.
func SanitizeIdentifier(name string) string {
	return sanitize(name, maxDatabaseName)
}

// SanitizeUser applies the same character rules with the 32 character cap
// MySQL enforces on user names.
func SanitizeUser(name string) string {
	return sanitize(name, maxUserName)
}

func sanitize(name string, max int) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > max {
		out = out[:max]
	}
	return strings.Trim(out, "_")
}

func escapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}
