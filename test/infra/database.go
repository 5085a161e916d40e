package infra

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	stressDB       = "escrow_stress"
	stressRole     = "escrow_stress"
	stressPassword = "stress"
	localHost      = "127.0.0.1:5432"
)

// startContainer runs Postgres 16 under Docker and returns it with a DSN.
func startContainer(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(stressDB),
		postgres.WithUsername(stressRole),
		postgres.WithPassword(stressPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return pgC, dsn, nil
}

// InitLocalDatabase drops and recreates escrow_stress on a PostgreSQL listening
// on localhost, owned by a dedicated login role.
func InitLocalDatabase(ctx context.Context) (string, error) {
	if exec.CommandContext(ctx, "pg_isready", "-h", "127.0.0.1", "-p", "5432").Run() != nil {
		return "", ErrNoDatabase
	}

	admin, err := connectAdmin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: connect as admin: %v", ErrNoDatabase, err)
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{stressRole}.Sanitize()
	db := pgx.Identifier{stressDB}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, stressPassword),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, stressDB),
		fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, db),
		fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, db, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("init %s: %w", stressDB, err)
		}
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(stressRole, stressPassword),
		Host:     localHost,
		Path:     "/" + stressDB,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// connectAdmin tries the superuser logins a developer machine usually has.
func connectAdmin(ctx context.Context) (*pgx.Conn, error) {
	users := []*url.Userinfo{url.User("postgres"), url.UserPassword("postgres", "postgres")}
	if name := os.Getenv("USER"); name != "" {
		users = append(users, url.User(name), url.UserPassword(name, "postgres"))
	}
	var lastErr error
	for _, user := range users {
		u := url.URL{Scheme: "postgres", User: user, Host: localHost, Path: "/postgres", RawQuery: "sslmode=disable"}
		conn, err := pgx.Connect(ctx, u.String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
