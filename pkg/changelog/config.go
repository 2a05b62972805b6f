package changelog

import (
	"fmt"
	"time"
)

// Config хранит настройки запуска конвейера миграций.
// Назначение: передать расположения change-log и параметры блокировки в Pipeline.
// Config holds settings for running the migration pipeline.
// Purpose: pass change-log locations and lock parameters into Pipeline.
type Config struct {
	// Locations are change-log paths inside the pipeline's fs.FS, applied in order.
	Locations []string
	// Contexts are the active change-set contexts. Empty means every change-set runs.
	Contexts []string
	// LockTimeout bounds how long a run waits for the migration lock.
	LockTimeout time.Duration
	// PollInterval is the delay between lock acquisition attempts.
	PollInterval time.Duration
	// StaleAfter breaks locks held longer than this. Zero disables it.
	StaleAfter time.Duration
}

// DefaultConfig возвращает конфигурацию со значениями по умолчанию.
// Выход: Config без расположений change-log.
// Назначение: единая точка для значений по умолчанию.
// DefaultConfig returns a config with default values.
// Output: Config without change-log locations.
// Purpose: single source of defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout:  5 * time.Minute,
		PollInterval: time.Second,
	}
}

// Validate проверяет конфигурацию перед запуском.
// Выход: error при пустых расположениях или некорректных интервалах.
// Validate checks the config before a run.
// Output: error on missing locations or invalid intervals.
func (c Config) Validate() error {
	if len(c.Locations) == 0 {
		return fmt.Errorf("changelog locations are empty")
	}
	for _, location := range c.Locations {
		if location == "" {
			return fmt.Errorf("changelog location is empty")
		}
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock timeout must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("lock poll interval must be positive")
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale lock age must not be negative")
	}
	return nil
}
