package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbchangelog/pkg/changelog"
)

func TestBuildPostgresDSNFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "all fields",
			env:  map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "shop", "POSTGRES_PASSWORD": "secret", "POSTGRES_DB": "dershop", "POSTGRES_PORT": "6543"},
			want: "postgres://shop:secret@db:6543/dershop?sslmode=disable",
		},
		{
			name: "default port without password",
			env:  map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "shop", "POSTGRES_DB": "dershop"},
			want: "postgres://shop@db:5432/dershop?sslmode=disable",
		},
		{
			name: "missing database",
			env:  map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "shop"},
			want: "",
		},
		{
			name: "invalid port",
			env:  map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "shop", "POSTGRES_DB": "dershop", "POSTGRES_PORT": "pg"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_PORT"} {
				t.Setenv(key, tt.env[key])
			}
			assert.Equal(t, tt.want, buildPostgresDSNFromEnv())
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitError, exitCode(errors.New("dsn is required")))
	assert.Equal(t, exitError, exitCode(&changelog.ParseError{Location: "db/master.yaml", Err: errors.New("bad")}))
	assert.Equal(t, exitMigration, exitCode(&changelog.MigrationFailure{ChangeSet: "a", Err: errors.New("boom")}))
	assert.Equal(t, exitMigration, exitCode(fmt.Errorf("%w: %w", changelog.ErrSchemaNotReady, &changelog.LockTimeout{Timeout: time.Second})))
	assert.Equal(t, exitMigration, exitCode(&changelog.ChecksumConflict{ChangeSet: "a"}))
}

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_DB"} {
		t.Setenv(key, "")
	}
	cfg, err := loadConfig(parseFlags(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"db/changelog/db.changelog-master.yaml"}, cfg.changeLogs)
	assert.Equal(t, "postgres", cfg.driverName)
	assert.Equal(t, 5*time.Minute, cfg.lockTimeout)
	assert.Equal(t, time.Second, cfg.pollInterval)
	assert.Empty(t, cfg.dsn)
	assert.NoError(t, cfg.pipelineConfig().Validate())
}

func TestLoadConfigPrecedence(t *testing.T) {
	t.Setenv("DBCHANGELOG_LOCK_TIMEOUT", "30s")
	t.Setenv("DBCHANGELOG_CONTEXTS", "dev,test")
	t.Setenv("DBCHANGELOG_DRIVER", "pgx")

	cfg, err := loadConfig(parseFlags(t, "--driver", "sqlite", "--dsn", "file:app.db", "--changelog", "a.yaml", "--changelog", "b.sql"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.driverName, "flags beat the environment")
	assert.Equal(t, 30*time.Second, cfg.lockTimeout)
	assert.Equal(t, []string{"dev", "test"}, cfg.contexts)
	assert.Equal(t, []string{"a.yaml", "b.sql"}, cfg.changeLogs)
	assert.Equal(t, "file:app.db", cfg.dsn)
}

func TestLoadConfigFileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "dbchangelog.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("driver: sqlite\nchangelog:\n  - one.yaml\n  - two.yaml\nstale-after: 10m\n"), 0o600))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DBCHANGELOG_DSN=file:from-env.db\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("DBCHANGELOG_DSN") })

	cfg, err := loadConfig(parseFlags(t, "--config", configFile, "--env-file", envFile))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.driverName)
	assert.Equal(t, []string{"one.yaml", "two.yaml"}, cfg.changeLogs)
	assert.Equal(t, 10*time.Minute, cfg.staleAfter)
	assert.Equal(t, "file:from-env.db", cfg.dsn)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(parseFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)

	_, err = loadConfig(parseFlags(t, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	assert.Error(t, err)

	_, err = loadConfig(parseFlags(t, "--timeout", "0s"))
	assert.Error(t, err)
}

func TestOpenDatabaseRejectsUnknownDriver(t *testing.T) {
	_, _, err := (&config{driverName: "oracle", dsn: "x"}).openDatabase()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pgx, postgres, sqlite")

	_, _, err = (&config{driverName: "postgres"}).openDatabase()
	require.EqualError(t, err, "dsn is required")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger("loud", "json")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}

const cliChangeLog = `-- liquibase formatted sql

-- changeset alice:1
CREATE TABLE authority (name VARCHAR(50) PRIMARY KEY);

-- changeset alice:2 context:seed
INSERT INTO authority (name) VALUES ('ROLE_ADMIN');
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.sql"), []byte(cliChangeLog), 0o600))
	common := []string{
		"--driver", "sqlite",
		"--dsn", "file:" + filepath.Join(dir, "app.db") + "?_pragma=busy_timeout(5000)",
		"--root", dir,
		"--changelog", "master.sql",
		"--log-level", "error",
		"--poll-interval", "10ms",
	}

	out, err := run(t, append([]string{"validate"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "change-log is valid")

	out, err = run(t, append([]string{"update", "--contexts", "prod"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "applied 1::alice")
	assert.Contains(t, out, "1 filtered by context")

	out, err = run(t, append([]string{"status"}, common...)...)
	require.NoError(t, err)
	assert.Regexp(t, `applied\s+1::alice\s+master.sql`, out)
	assert.Regexp(t, `pending\s+2::alice\s+master.sql`, out)

	out, err = run(t, append([]string{"update"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "applied 2::alice")

	out, err = run(t, append([]string{"update"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "no changes")

	out, err = run(t, append([]string{"release-locks"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "migration lock released")
}

func TestUpdateReportsMigrationFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.sql"),
		[]byte("-- liquibase formatted sql\n-- changeset alice:1\nINSERT INTO nowhere VALUES (1);\n"), 0o600))

	_, err := run(t, "update",
		"--driver", "sqlite",
		"--dsn", "file:"+filepath.Join(dir, "app.db"),
		"--root", dir,
		"--changelog", "master.sql",
		"--log-level", "error",
	)
	require.ErrorIs(t, err, changelog.ErrSchemaNotReady)
	assert.Equal(t, exitMigration, exitCode(err))
}

func TestValidateWithoutDatabase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.sql"), []byte(cliChangeLog), 0o600))
	for _, key := range []string{"DBCHANGELOG_DSN", "POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_DB"} {
		t.Setenv(key, "")
	}

	out, err := run(t, "validate", "--root", dir, "--changelog", "master.sql", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "2 change-sets parsed")

	_, err = run(t, "validate", "--root", dir, "--changelog", "missing.sql", "--log-level", "error")
	var parseErr *changelog.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, exitError, exitCode(err))
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}
