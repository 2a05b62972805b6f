package changelog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle of a background migration run.
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MigrationStatus is a snapshot of a background migration run.
type MigrationStatus struct {
	State  State
	Result *UpdateResult
	Cause  error
}

// Bootstrap запускает миграцию в фоне и даёт зависимым шагам дождаться её.
// Назначение: не блокировать запуск приложения, но не пускать зависимые
// компоненты к неготовой схеме.
// Bootstrap runs the migration in the background and lets dependent steps
// wait for it.
// Purpose: do not block startup, but keep dependents away from an unready
// schema.
type Bootstrap struct {
	logger *zap.Logger
	done   chan struct{}

	mu     sync.RWMutex
	status MigrationStatus
}

// Start загружает change-log синхронно и запускает применение в горутине.
// Вход: ctx фоновой работы, конвейер.
// Выход: *Bootstrap или ParseError/ReferenceError загрузки.
// Start loads the change-log synchronously and applies it in a goroutine.
// Input: ctx for the background work, pipeline.
// Output: *Bootstrap or the loader's ParseError/ReferenceError.
func Start(ctx context.Context, p *Pipeline) (*Bootstrap, error) {
	changeLog, err := p.Load()
	if err != nil {
		return nil, err
	}

	b := &Bootstrap{
		logger: newOptions(p.opts).logger,
		done:   make(chan struct{}),
	}
	go b.run(ctx, p, changeLog)
	return b, nil
}

func (b *Bootstrap) run(ctx context.Context, p *Pipeline, changeLog *ChangeLog) {
	var (
		result *UpdateResult
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration panicked: %v", r)
		}
		b.finish(result, err)
	}()
	result, err = p.apply(ctx, changeLog)
}

func (b *Bootstrap) finish(result *UpdateResult, err error) {
	b.mu.Lock()
	b.status = MigrationStatus{State: StateSucceeded, Result: result}
	if err != nil {
		b.status = MigrationStatus{State: StateFailed, Result: result, Cause: err}
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("schema migration failed", zap.Error(err))
	} else if result != nil {
		b.logger.Info("schema migration finished",
			zap.Int("applied", len(result.Applied)),
			zap.Int("skipped", len(result.Skipped)),
		)
	}
	close(b.done)
}

// Status returns the current snapshot without blocking.
func (b *Bootstrap) Status() MigrationStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Done is closed once the run leaves StatePending.
func (b *Bootstrap) Done() <-chan struct{} { return b.done }

// Wait блокируется до завершения миграции.
// Вход: ctx ожидания (отмена не останавливает саму миграцию).
// Выход: результат или ошибка, обёрнутая в ErrSchemaNotReady.
// Wait blocks until the migration finishes.
// Input: ctx for waiting (cancelling it does not stop the migration).
// Output: the result, or an error wrapping ErrSchemaNotReady.
func (b *Bootstrap) Wait(ctx context.Context) (*UpdateResult, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrSchemaNotReady, ctx.Err())
	}
	status := b.Status()
	if status.State == StateFailed {
		return status.Result, fmt.Errorf("%w: %w", ErrSchemaNotReady, status.Cause)
	}
	return status.Result, nil
}

// Gate runs fn only after the schema is current. When the migration fails fn
// is never called.
func (b *Bootstrap) Gate(ctx context.Context, fn func(context.Context) error) error {
	if _, err := b.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}
