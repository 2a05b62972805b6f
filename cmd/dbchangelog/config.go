package main

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dbchangelog/pkg/changelog"
	"dbchangelog/pkg/changelog/drivers/postgres"
	"dbchangelog/pkg/changelog/drivers/sqlite"
)

const envPrefix = "DBCHANGELOG"

// drivers перечисляет поддерживаемые драйверы по имени.
// drivers lists the supported drivers by name.
var drivers = map[string]func() changelog.Driver{
	"postgres": func() changelog.Driver { return postgres.New() },
	"pgx":      func() changelog.Driver { return postgres.NewPgx() },
	"sqlite":   func() changelog.Driver { return sqlite.New() },
}

// config хранит итоговые значения флагов, окружения и файла конфигурации.
// Назначение: единый контейнер для запуска команд.
// config holds the resolved values of flags, environment and config file.
// Purpose: a single container for running commands.
type config struct {
	changeLogs   []string
	root         string
	driverName   string
	dsn          string
	contexts     []string
	lockTimeout  time.Duration
	pollInterval time.Duration
	staleAfter   time.Duration
	timeout      time.Duration
	logLevel     string
	logFormat    string
}

// registerFlags объявляет общие флаги всех команд.
// registerFlags declares the flags shared by every command.
func registerFlags(fs *pflag.FlagSet) {
	defaults := changelog.DefaultConfig()
	fs.StringSlice("changelog", []string{"db/changelog/db.changelog-master.yaml"}, "change-log path relative to --root (repeatable)")
	fs.String("root", ".", "directory the change-log paths are resolved against")
	fs.String("driver", "postgres", "database driver: postgres, pgx, sqlite")
	fs.String("dsn", "", "database connection string (falls back to POSTGRES_*)")
	fs.StringSlice("contexts", nil, "active change-set contexts")
	fs.Duration("lock-timeout", defaults.LockTimeout, "how long to wait for the migration lock")
	fs.Duration("poll-interval", defaults.PollInterval, "delay between lock attempts")
	fs.Duration("stale-after", 0, "break locks older than this (0 disables)")
	fs.Duration("timeout", 5*time.Minute, "overall command timeout")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "json", "log format: json, console")
	fs.String("config", "", "optional config file (yaml, json, toml)")
	fs.String("env-file", "", "optional .env file loaded before reading the environment")
}

// loadConfig собирает конфигурацию: флаги > окружение DBCHANGELOG_* > файл.
// Вход: набор флагов команды.
// Выход: *config или error.
// Назначение: применить приоритет источников и собрать DSN.
// loadConfig resolves configuration: flags > DBCHANGELOG_* env > file.
// Input: the command's flag set.
// Output: *config or error.
// Purpose: apply source priority and build the DSN.
func loadConfig(fs *pflag.FlagSet) (*config, error) {
	if envFile, _ := fs.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &config{
		changeLogs:   splitValues(v.GetStringSlice("changelog")),
		root:         v.GetString("root"),
		driverName:   v.GetString("driver"),
		dsn:          v.GetString("dsn"),
		contexts:     splitValues(v.GetStringSlice("contexts")),
		lockTimeout:  v.GetDuration("lock-timeout"),
		pollInterval: v.GetDuration("poll-interval"),
		staleAfter:   v.GetDuration("stale-after"),
		timeout:      v.GetDuration("timeout"),
		logLevel:     v.GetString("log-level"),
		logFormat:    v.GetString("log-format"),
	}
	if cfg.dsn == "" && cfg.driverName != "sqlite" {
		cfg.dsn = buildPostgresDSNFromEnv()
	}
	if cfg.timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	return cfg, nil
}

// pipelineConfig переводит настройки CLI в changelog.Config.
// pipelineConfig converts CLI settings into a changelog.Config.
func (c *config) pipelineConfig() changelog.Config {
	return changelog.Config{
		Locations:    c.changeLogs,
		Contexts:     c.contexts,
		LockTimeout:  c.lockTimeout,
		PollInterval: c.pollInterval,
		StaleAfter:   c.staleAfter,
	}
}

// openDatabase выбирает драйвер и открывает соединение.
// Вход: итоговая конфигурация.
// Выход: драйвер, *sql.DB или error.
// openDatabase picks the driver and opens a connection.
// Input: resolved config.
// Output: driver, *sql.DB or error.
func (c *config) openDatabase() (changelog.Driver, *sql.DB, error) {
	newDriver, ok := drivers[c.driverName]
	if !ok {
		names := make([]string, 0, len(drivers))
		for name := range drivers {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, nil, fmt.Errorf("unsupported driver %q (supported: %s)", c.driverName, strings.Join(names, ", "))
	}
	if c.dsn == "" {
		return nil, nil, fmt.Errorf("dsn is required")
	}

	driver := newDriver()
	db, err := driver.Open(c.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return driver, db, nil
}

// newLogger строит zap-логгер по уровню и формату.
// newLogger builds a zap logger for the given level and format.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// splitValues flattens comma-separated entries, which env variables and
// config files produce for list settings.
func splitValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// pickEnv возвращает env значение или fallback.
// Вход: имя переменной и fallback.
// Выход: строка.
// pickEnv returns env value or fallback.
// Input: variable name and fallback.
// Output: string.
func pickEnv(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// buildPostgresDSNFromEnv строит DSN из POSTGRES_*.
// Вход: env переменные POSTGRES_*.
// Выход: строка DSN или пустая строка.
// Назначение: позволить подключаться без прямого DSN.
// buildPostgresDSNFromEnv builds a DSN from POSTGRES_*.
// Input: POSTGRES_* env variables.
// Output: DSN string or empty.
// Purpose: allow connecting without explicit DSN.
func buildPostgresDSNFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	user := os.Getenv("POSTGRES_USER")
	password := os.Getenv("POSTGRES_PASSWORD")
	db := os.Getenv("POSTGRES_DB")
	port := pickEnv("POSTGRES_PORT", "5432")

	if host == "" || user == "" || db == "" {
		return ""
	}
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}

	if password != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, db)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", user, host, port, db)
}
