package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dbchangelog/pkg/changelog"
)

// version содержит текущую версию CLI.
// Назначение: показывать версию в команде version.
// version holds the current CLI version.
// Purpose: print version in the version command.
var version = "0.2.0"

// Коды завершения процесса.
// Process exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitMigration = 3
)

// main запускает корневую команду и переводит ошибку в код завершения.
// Вход: аргументы командной строки, окружение.
// Выход: код завершения процесса.
// main runs the root command and maps its error to an exit code.
// Input: command-line arguments, environment.
// Output: process exit code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode отделяет сбой миграции от прочих ошибок запуска.
// exitCode reports migration failures distinctly from other startup errors.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case changelog.IsMigrationError(err):
		return exitMigration
	default:
		return exitError
	}
}
